package mysql

import (
	"sync"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// asyncMutex serializes command round trips on a single Conn without
// blocking a goroutine per waiter: acquisition is itself a promise, and
// hand-off to the next waiter happens via Loop.SubmitInternal so the
// resolution always happens on the loop thread, exactly like every other
// promise settlement in this module. The waiter queue is a plain
// slice-backed FIFO with explicit wake, the same shape the event loop uses
// for its own ingress queues — there is no promise-aware mutex in the
// retrieval pack to ground this on directly.
type asyncMutex struct {
	loop *eventloop.Loop

	mu      sync.Mutex
	locked  bool
	waiters []func()
}

func newAsyncMutex(loop *eventloop.Loop) *asyncMutex {
	return &asyncMutex{loop: loop}
}

// lock returns a promise that resolves (with a nil value) once the mutex
// has been acquired by the caller.
func (m *asyncMutex) lock() *eventloop.Promise {
	p, resolve, _ := eventloop.NewPromise(m.loop)

	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		resolve(nil)
		return p
	}
	m.waiters = append(m.waiters, func() { resolve(nil) })
	m.mu.Unlock()
	return p
}

// unlock hands the mutex to the next waiter (if any) or marks it free.
func (m *asyncMutex) unlock() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.locked = false
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.mu.Unlock()

	if err := m.loop.SubmitInternal(eventloop.Task{Runnable: next}); err != nil {
		next()
	}
}
