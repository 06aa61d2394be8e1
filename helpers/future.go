// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.

package helpers

import (
	"context"
	"sync"
)

type Future struct {
	result    interface{}
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

// Complete returns false if future was already completed or cancelled.
func (f *Future) Complete(result interface{}) bool { return f.finish(result, f.completed) }

// Cancel returns false if future was already completed or cancelled.
func (f *Future) Cancel(result interface{}) bool { return f.finish(result, f.cancelled) }

func (f *Future) finish(result interface{}, ch chan struct{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.done {
		return false
	}
	f.result = result
	f.done = true
	close(ch)
	return true
}

func (f *Future) Result() interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait returns nil on completion, error result (or context.Canceled) on cancel, ctx.Err() on context done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.completed:
		return nil
	case <-f.cancelled:
		if err, ok := f.Result().(error); ok && err != nil {
			return err
		}
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
