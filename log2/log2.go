// Package log2 is a small leveled logger over stdlib log.
// - level filter, changed atomically at runtime (RPC set_log_level)
// - module prefix, one logger per component sharing output and level
// - test logger writes into t.Logf, safe with parallel tests
package log2

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// ParseLevel accepts names and numbers, RPC passes numbers.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err", "0":
		return LError, nil
	case "info", "1":
		return LInfo, nil
	case "debug", "dbg", "2":
		return LDebug, nil
	case "all":
		return LAll, nil
	}
	return LError, errors.NotValidf("log level=%q", s)
}

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

// shared between Log and all its Module() children
type core struct {
	l       *log.Logger
	level   int32
	w       io.Writer
	fatalf  FmtFunc
	onError atomic.Value // ErrorFunc
}

type Log struct {
	*core
	prefix string
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{core: &core{
		l:     log.New(w, "", LStdFlags),
		level: int32(level),
		w:     w,
	}}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.FmtFunc(strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.fatalf = t.Fatalf
	return self
}

func ContextValueLogger(ctx context.Context) *Log {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Errorf("context['%v'] is nil", ContextKey))
	}
	if log, ok := v.(*Log); ok {
		return log
	}
	panic(fmt.Errorf("context['%v'] expected type *Log", ContextKey))
}

// Module returns logger with "name: " prefix. Level, flags and output are shared with parent.
func (self *Log) Module(name string) *Log {
	if self == nil {
		return nil
	}
	return &Log{core: self.core, prefix: self.prefix + name + ": "}
}

// Clone returns independent logger with same output and flags.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.fatalf = self.fatalf
	l.prefix = self.prefix
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32(&self.level, int32(l))
}

func (self *Log) Level() Level {
	if self == nil {
		return LError
	}
	return Level(atomic.LoadInt32(&self.level))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

// SetErrorFunc installs hook called for each Error/Errorf message, shared with Module() children.
func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.onError.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32(&self.level) >= int32(level)
}

func (self *Log) output(level Level, tag, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, tag+self.prefix+s)
	}
}

func (self *Log) Log(level Level, s string) { self.output(level, "", s) }
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		self.output(level, "", fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	self.output(LError, "error: ", fmt.Sprint(args...))
	if len(args) == 1 {
		if e, ok := args[0].(error); ok {
			self.callErrorFunc(e)
			return
		}
	}
	self.callErrorFunc(errors.New(fmt.Sprint(args...)))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	s := fmt.Sprintf(format, args...)
	self.output(LError, "error: ", s)
	self.callErrorFunc(errors.New(s))
}
func (self *Log) Info(args ...interface{}) {
	self.output(LInfo, "", fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	if self.Enabled(LInfo) {
		self.output(LInfo, "", fmt.Sprintf(format, args...))
	}
}
func (self *Log) Debug(args ...interface{}) {
	self.output(LDebug, "debug: ", fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	if self.Enabled(LDebug) {
		self.output(LDebug, "debug: ", fmt.Sprintf(format, args...))
	}
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	if self != nil {
		self.output(LError, "fatal: ", fmt.Sprintf(format, args...))
	}
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	self.Fatalf("%s", fmt.Sprint(args...))
}

func (self *Log) callErrorFunc(e error) {
	if f, ok := self.onError.Load().(ErrorFunc); ok && f != nil {
		f(e)
	}
}
