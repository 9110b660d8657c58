package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAwaitOutsideCoroutine is returned by [Await] when called with a context
// that was not produced by [Async] (or a descendant of one).
var ErrAwaitOutsideCoroutine = errors.New("eventloop: Await called outside a coroutine started by Async")

// coroutineState mirrors the lifecycle described for Async/Await: a
// coroutine is New until its goroutine starts, Running while executing Go
// code, Suspended while blocked in Await waiting on a promise, and
// Terminated once its function returns (or panics).
type coroutineState int32

const (
	coroutineNew coroutineState = iota
	coroutineRunning
	coroutineSuspended
	coroutineTerminated
)

// coroutine tracks the lifecycle of a single Async invocation. The actual
// suspension mechanism is a goroutine blocked on a channel inside Await;
// this struct exists so the owning Loop can observe/report on live
// coroutines (shutdown draining, debugging) without reaching into gotourines
// directly.
type coroutine struct {
	id    uint64
	state atomic.Int32
}

func (c *coroutine) State() coroutineState {
	return coroutineState(c.state.Load())
}

// coroutineManager tracks coroutines spawned via [Async] on a given Loop.
type coroutineManager struct {
	loop *Loop

	mu     sync.Mutex
	active map[uint64]*coroutine
	nextID atomic.Uint64
}

func newCoroutineManager(loop *Loop) *coroutineManager {
	return &coroutineManager{
		loop:   loop,
		active: make(map[uint64]*coroutine),
	}
}

func (m *coroutineManager) spawn() *coroutine {
	co := &coroutine{id: m.nextID.Add(1)}
	co.state.Store(int32(coroutineNew))

	m.mu.Lock()
	m.active[co.id] = co
	m.mu.Unlock()

	return co
}

func (m *coroutineManager) release(co *coroutine) {
	m.mu.Lock()
	delete(m.active, co.id)
	m.mu.Unlock()
}

// Count returns the number of coroutines currently tracked (New, Running, or
// Suspended).
func (m *coroutineManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

type coroutineContextKey struct{}

// Async starts fn in its own goroutine, giving it sequential, synchronous-
// looking control flow over asynchronous work via [Await]. It returns a
// [Promise] that settles with fn's return value or error once fn returns.
//
// fn receives a context carrying the coroutine identity Await needs;
// derive further contexts from it (context.WithValue, WithCancel, etc.)
// rather than starting from context.Background(), so nested Await calls
// keep working.
//
// A panic inside fn rejects the returned promise with a [PanicError],
// matching [Loop.Promisify].
func Async(loop *Loop, fn func(ctx context.Context) (Result, error)) *Promise {
	result, resolve, reject := NewPromise(loop)
	co := loop.coroutines.spawn()

	go func() {
		defer loop.coroutines.release(co)

		defer func() {
			if r := recover(); r != nil {
				panicErr := PanicError{Value: r}
				if err := loop.SubmitInternal(Task{Runnable: func() {
					reject(panicErr)
				}}); err != nil {
					reject(panicErr)
				}
			}
		}()

		co.state.Store(int32(coroutineRunning))
		ctx := context.WithValue(context.Background(), coroutineContextKey{}, co)

		val, err := fn(ctx)
		co.state.Store(int32(coroutineTerminated))

		if err != nil {
			if submitErr := loop.SubmitInternal(Task{Runnable: func() {
				reject(err)
			}}); submitErr != nil {
				reject(err)
			}
			return
		}
		if submitErr := loop.SubmitInternal(Task{Runnable: func() {
			resolve(val)
		}}); submitErr != nil {
			resolve(val)
		}
	}()

	return result
}

// awaitOutcome carries a settled promise's result across the channel used to
// resume a suspended coroutine goroutine.
type awaitOutcome struct {
	value Result
	err   error
}

// Await suspends the calling coroutine (started via [Async]) until p
// settles, returning its fulfillment value or an error derived from its
// rejection reason.
//
// ctx must carry the coroutine identity installed by [Async]; calling Await
// with any other context returns [ErrAwaitOutsideCoroutine] immediately.
//
// The coroutine's goroutine blocks on a channel while suspended; p's
// resolution handler, which runs on the loop thread, only ever performs a
// non-blocking send to that channel, so it never stalls the loop.
func Await(ctx context.Context, p *Promise) (Result, error) {
	co, ok := ctx.Value(coroutineContextKey{}).(*coroutine)
	if !ok {
		return nil, ErrAwaitOutsideCoroutine
	}

	ch := make(chan awaitOutcome, 1)
	p.Then(
		func(v Result) Result {
			ch <- awaitOutcome{value: v}
			return nil
		},
		func(r Result) Result {
			ch <- awaitOutcome{err: reasonToError(r)}
			return nil
		},
	)

	co.state.Store(int32(coroutineSuspended))
	outcome := <-ch
	co.state.Store(int32(coroutineRunning))

	return outcome.value, outcome.err
}

// reasonToError converts a promise rejection reason to an error, wrapping
// non-error reasons rather than discarding them.
func reasonToError(reason Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("eventloop: promise rejected: %v", reason)
}
