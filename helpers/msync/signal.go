// Package msync contains small synchronisation primitives shared by device components.
package msync

import "context"

type Nothing struct{}

// Signal wakes one waiter that is blocked right now.
// Set never blocks and never allocates, safe to call from GPIO event or transport goroutines.
// Set while nobody waits is lost, same as waking a thread that does not sleep.
type Signal chan Nothing

func NewSignal() Signal { return make(chan Nothing) }

// Set returns true if a waiter received the signal.
func (s Signal) Set() bool {
	select {
	case s <- Nothing{}:
		return true
	default:
		return false
	}
}

func (s Signal) Wait() { <-s }

// Latch is released once and stays released forever.
type Latch struct {
	ch   chan Nothing
	once chan Nothing
}

func NewLatch() *Latch {
	l := &Latch{ch: make(chan Nothing), once: make(chan Nothing, 1)}
	l.once <- Nothing{}
	return l
}

// Release returns true only for the first call.
func (l *Latch) Release() bool {
	select {
	case <-l.once:
		close(l.ch)
		return true
	default:
		return false
	}
}

func (l *Latch) Released() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

func (l *Latch) Chan() <-chan Nothing { return l.ch }

// Wait blocks until Release or ctx done, without timeout of its own.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
