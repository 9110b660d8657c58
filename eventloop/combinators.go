package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Thunk is a zero-argument unit of work passed to [Concurrent] and [Batch].
// Each invocation must return a fresh [*Promise]; thunks are invoked exactly
// once. [Concurrent] invokes them from its worker goroutines, not from the
// loop goroutine.
type Thunk func() *Promise

// Concurrent runs tasks with at most k started at once. As each running
// task settles, the next queued task is started, so k is always the number
// of in-flight tasks (never the batch size). Results are returned in input
// order regardless of completion order.
//
// The first rejection rejects the whole combinator, cancels the tasks still
// in flight (via [Promise.Cancel]) and stops any new task from starting.
func Concurrent(loop *Loop, tasks []Thunk, k int) *Promise {
	result, resolve, reject := NewPromise(loop)

	if len(tasks) == 0 {
		resolve(make([]Result, 0))
		return result
	}
	if k <= 0 {
		k = 1
	}
	if k > len(tasks) {
		k = len(tasks)
	}

	sem := semaphore.NewWeighted(int64(k))
	values := make([]Result, len(tasks))
	var completed atomic.Int32
	var failed atomic.Bool
	ctx := context.Background()

	var inFlightMu sync.Mutex
	inFlight := make(map[int]*Promise, k)

	// cancelInFlight cancels every task promise that is currently running
	// (i.e. its thunk has already been invoked) and clears the tracking set
	// so later registrations are cancelled immediately on sight.
	cancelInFlight := func() {
		inFlightMu.Lock()
		victims := make([]*Promise, 0, len(inFlight))
		for idx, p := range inFlight {
			victims = append(victims, p)
			delete(inFlight, idx)
		}
		inFlightMu.Unlock()
		for _, p := range victims {
			p.Cancel()
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for i, task := range tasks {
		idx, th := i, task
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			if failed.Load() {
				return
			}

			p := th()

			inFlightMu.Lock()
			if failed.Load() {
				inFlightMu.Unlock()
				p.Cancel()
				return
			}
			inFlight[idx] = p
			inFlightMu.Unlock()

			ch := p.ToChannel()
			v := <-ch

			inFlightMu.Lock()
			delete(inFlight, idx)
			inFlightMu.Unlock()

			if p.State() == Rejected {
				if failed.CompareAndSwap(false, true) {
					reject(v)
					cancelInFlight()
				}
				return
			}

			values[idx] = v
			if completed.Add(1) == int32(len(tasks)) && !failed.Load() {
				resolve(values)
			}
		}()
	}

	return result
}

// Batch repeatedly takes the next batchSize tasks from the front of tasks
// and runs them via [Concurrent] with the given concurrency (defaulting to
// batchSize when concurrency <= 0), concatenating the results of each batch
// in order. A failure in any batch rejects the whole combinator and no
// further batches are started.
func Batch(loop *Loop, tasks []Thunk, batchSize int, concurrency int) *Promise {
	result, resolve, reject := NewPromise(loop)

	if batchSize <= 0 {
		batchSize = 1
	}
	if concurrency <= 0 {
		concurrency = batchSize
	}

	if len(tasks) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	go func() {
		var out []Result
		for start := 0; start < len(tasks); start += batchSize {
			end := start + batchSize
			if end > len(tasks) {
				end = len(tasks)
			}

			batchPromise := Concurrent(loop, tasks[start:end], concurrency)
			ch := batchPromise.ToChannel()
			v := <-ch

			if batchPromise.State() == Rejected {
				reject(v)
				return
			}

			if values, ok := v.([]Result); ok {
				out = append(out, values...)
			}
		}
		resolve(out)
	}()

	return result
}

// Timeout returns a promise that settles like p, unless s seconds elapse
// first, in which case p is cancelled (a no-op if p is not cancellable) and
// the returned promise rejects with a [TimeoutError].
//
// Implemented as Race(p, reject_after(s)).
func Timeout(loop *Loop, p *Promise, seconds float64) *Promise {
	deadline, resolveDeadline, rejectDeadline := NewPromise(loop)
	_ = resolveDeadline

	timerID, err := loop.ScheduleTimer(time.Duration(seconds*float64(time.Second)), func() {
		rejectDeadline(&TimeoutError{Message: "operation timed out"})
	})
	if err != nil {
		rejectDeadline(&TimeoutError{Message: "operation timed out", Cause: err})
	}

	race := Race(loop, []*Promise{p, deadline})

	race.Then(func(v Result) Result {
		_ = loop.CancelTimer(timerID)
		return v
	}, func(r Result) Result {
		_ = loop.CancelTimer(timerID)
		if _, isTimeout := r.(*TimeoutError); isTimeout {
			p.Cancel()
		}
		return r
	})

	return race
}
