package eventloop

import (
	"context"
	"time"
)

// Op is anything [Run] knows how to drive to completion: an already-pending
// [*Promise], a [Thunk] (a lazy factory invoked once Run starts the loop),
// or a coroutine body suitable for [Async].
type Op = any

// CoroutineFunc is the coroutine-body shape accepted by [Run] and friends,
// matching the signature expected by [Async].
type CoroutineFunc = func(ctx context.Context) (Result, error)

// toPromise normalizes an [Op] into a *Promise, spawning a coroutine for a
// bare function or invoking a [Thunk] factory.
func toPromise(loop *Loop, op Op) *Promise {
	switch v := op.(type) {
	case *Promise:
		return v
	case Thunk:
		return v()
	case func() *Promise:
		return v()
	case CoroutineFunc:
		return Async(loop, v)
	default:
		p, resolve, _ := NewPromise(loop)
		resolve(v)
		return p
	}
}

// Run is the runtime's single entry point: it drives loop until op settles,
// returning its fulfillment value or an error derived from its rejection
// reason.
//
// Run owns the loop's lifecycle for its duration: it starts loop.Run on a
// background goroutine, waits for op to settle, then shuts the loop down
// gracefully (bounded by [DefaultShutdownTimeout]) before returning. Callers
// wanting to drive several operations against the same already-running loop
// should call loop.Run themselves and use [Promise.ToChannel]/[Await]
// directly instead.
func Run(loop *Loop, op Op) (Result, error) {
	p := toPromise(loop, op)
	return runUntilSettled(loop, p)
}

// DefaultShutdownTimeout bounds how long [Run] waits for a graceful
// [Loop.Shutdown] once op has settled, matching the event loop driver's own
// graceful_shutdown_timeout default.
const DefaultShutdownTimeout = 2 * time.Second

func runUntilSettled(loop *Loop, p *Promise) (Result, error) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(runCtx)
	}()

	ch := p.ToChannel()
	value := <-ch
	state := p.State()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	_ = loop.Shutdown(shutdownCtx)
	<-runErr

	if state == Rejected {
		return nil, reasonToError(value)
	}
	return value, nil
}

// RunAll is run(all(ops)): it drives loop until every op in ops has settled,
// returning their values in input order, or the first rejection reason.
func RunAll(loop *Loop, ops []Op) ([]Result, error) {
	promises := make([]*Promise, len(ops))
	for i, op := range ops {
		promises[i] = toPromise(loop, op)
	}
	v, err := runUntilSettled(loop, All(loop, promises))
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// RunConcurrent is run(concurrent(tasks, k)): it drives loop until all tasks
// have run with at most k in flight at once, returning their results in
// input order.
func RunConcurrent(loop *Loop, tasks []Thunk, k int) ([]Result, error) {
	v, err := runUntilSettled(loop, Concurrent(loop, tasks, k))
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// RunWithTimeout is run(timeout(op, seconds)): it drives loop until op
// settles or seconds elapse, whichever comes first.
func RunWithTimeout(loop *Loop, op Op, seconds float64) (Result, error) {
	p := toPromise(loop, op)
	return runUntilSettled(loop, Timeout(loop, p, seconds))
}

// RunBatch is run(batch(tasks, batchSize, concurrency)): it drives loop
// through successive batches of batchSize tasks, each run with the given
// concurrency (or batchSize when concurrency <= 0), concatenating results.
func RunBatch(loop *Loop, tasks []Thunk, batchSize int, concurrency int) ([]Result, error) {
	v, err := runUntilSettled(loop, Batch(loop, tasks, batchSize, concurrency))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]Result), nil
}
