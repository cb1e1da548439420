// Package manager provides the debugger manager executor: a single
// goroutine on which every access to the suspended target is performed.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Do after Close
var ErrClosed = errors.New("debugger manager executor is closed")

type ctxKey struct{}

type task struct {
	ctx      context.Context
	fn       func(ctx context.Context)
	finished chan interface{}
}

// Executor runs tasks one at a time on its own goroutine
type Executor struct {
	tasks     chan task
	done      chan struct{}
	closeOnce sync.Once
}

func New() *Executor {
	e := &Executor{
		tasks: make(chan task),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	for {
		select {
		case t := <-e.tasks:
			t.finished <- e.run(t)
		case <-e.done:
			return
		}
	}
}

// run executes one task and returns the value it panicked with, if any
func (e *Executor) run(t task) (panicked interface{}) {
	defer func() {
		panicked = recover()
	}()
	t.fn(context.WithValue(t.ctx, ctxKey{}, e))
	return nil
}

// Do runs fn on the manager goroutine and waits for it. Calls from the
// manager goroutine itself run inline. A panic in fn is re-raised in the
// caller.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context)) error {
	if current(ctx) == e {
		fn(ctx)
		return nil
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	t := task{ctx: ctx, fn: fn, finished: make(chan interface{}, 1)}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
	if p := <-t.finished; p != nil {
		panic(p)
	}
	return nil
}

// Call runs fn on the manager goroutine and returns its result
func Call[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	var err error
	doErr := e.Do(ctx, func(ctx context.Context) {
		res, err = fn(ctx)
	})
	if doErr != nil {
		var zero T
		return zero, doErr
	}
	return res, err
}

// Close stops the executor. A task in progress runs to completion.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

func current(ctx context.Context) *Executor {
	e, _ := ctx.Value(ctxKey{}).(*Executor)
	return e
}

// FromContext returns the executor running the task of ctx, or nil
func FromContext(ctx context.Context) *Executor {
	return current(ctx)
}

// OnManagerThread reports whether ctx belongs to a task of an executor
func OnManagerThread(ctx context.Context) bool {
	return current(ctx) != nil
}

// AssertOn panics unless ctx belongs to a task of e
func AssertOn(ctx context.Context, e *Executor) {
	if current(ctx) != e {
		panic(fmt.Errorf("coroutine debug state must be accessed on the debugger manager thread of its session"))
	}
}

// AssertOnManagerThread panics unless ctx belongs to a task of an
// executor. Calling the engine from elsewhere is a programming error.
func AssertOnManagerThread(ctx context.Context) {
	if !OnManagerThread(ctx) {
		panic(fmt.Errorf("coroutine debug state must be accessed on the debugger manager thread"))
	}
}
