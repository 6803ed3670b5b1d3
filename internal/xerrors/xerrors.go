// Package xerrors adds call-site information to errors without changing
// their message, so log.Error can render error links and stacks.
//
// Wrap/Wrapf record a single program counter (cheap, used on every hop).
// New/Newf/WithStack/EnsureTrace record a full stack (used at the origin).
// Both wrappers unwrap normally, errors.Is and errors.As see through them.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

// skip 2 = runtime.Callers + captureStack
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

// skip 2 = runtime.Callers + callerPC
func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

// New returns an error with msg and the caller's stack
func New(msg string) error { return withStackSkip(errors.New(msg), 2) }

// Newf is New with fmt formatting, %w is honored
func Newf(format string, args ...any) error {
	return withStackSkip(fmt.Errorf(format, args...), 2)
}

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack only if nothing in the chain carries one yet
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

// Wrap prefixes err with msg and records the caller. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with fmt formatting for the prefix
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}
