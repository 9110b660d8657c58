// Package eventloop implements a cooperative, single-threaded scheduler for
// coroutines, timers, and promises, plus cross-platform I/O polling.
//
// # Architecture
//
// The event loop is built around a [Loop] core that manages task scheduling,
// timer processing, coroutine resumption, and I/O readiness notification.
// [Promise] implements Promise/A+ chaining ([Promise.Then], [Promise.Catch],
// [Promise.Finally]) with microtask-based resolution, plus combinators
// ([All], [Race], [Any], [AllSettled], [Concurrent], [Batch], [Timeout]).
// [Async] and [Await] let ordinary-looking sequential Go code drive
// asynchronous work without callback chains.
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - macOS: kqueue
//   - Linux: epoll
//   - Windows: IOCP (I/O Completion Ports)
//
// File descriptor operations ([Loop.RegisterFD], [Loop.UnregisterFD],
// [Loop.ModifyFD]) provide cross-platform I/O readiness notification.
//
// # Thread Safety
//
// The loop is designed for concurrent access:
//   - [Loop.Submit] and [Loop.SubmitInternal] are safe to call from any goroutine
//   - [Loop.ScheduleMicrotask] is lock-free (MPSC ring buffer)
//   - Timer and FD registration methods are thread-safe
//   - Promise handlers always run on the loop goroutine, as microtasks
//
// # Execution Model
//
// The loop supports a dual-path execution model:
//   - Fast path (~50ns/task): channel-based scheduling for low-latency scenarios
//   - I/O path (~8-15µs): poll-based scheduling when I/O FDs are registered
//
// Each tick runs, in order:
//  1. Expired timer callbacks (earliest deadline first)
//  2. Internal queue tasks ([Loop.SubmitInternal])
//  3. External queue tasks ([Loop.Submit])
//  4. I/O and socket polling
//  5. The deferred queue ([Loop.AddDeferred]), drained once per tick
//
// [Async] coroutines resume as a side effect of step 2/3/4 settling the
// promises they are suspended on via [Await]; there is no separate
// coroutine-scheduling step.
//
// Microtasks are drained after each of these steps when strict ordering is
// enabled ([WithStrictMicrotaskOrdering]); otherwise they are batched for
// throughput.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithStrictMicrotaskOrdering(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.Submit(func() {
//	    eventloop.Async(loop, func(ctx context.Context) (any, error) {
//	        id, err := loop.ScheduleTimer(100*time.Millisecond, func() {})
//	        _ = id
//	        return nil, err
//	    })
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
//   - [AggregateError]: for [Any] rejections (multi-error, Go 1.20+ compatible)
//   - [AbortError]: for abort operations via [AbortController]
//   - [TypeError], [RangeError]: for argument validation
//   - [TimeoutError]: for promise and [Timeout] combinator timeouts
//   - [CancellationError]: for [Promise.Cancel] and AbortSignal-linked promises
//   - [PanicError]: wraps recovered panics from [Loop.Promisify]
//
// All error types implement the standard [error] interface and [errors.Unwrap];
// [AbortError] and [AggregateError] also implement type-based matching via Is().
package eventloop
