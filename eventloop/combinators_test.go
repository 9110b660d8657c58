package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return loop
}

// delayThunk returns a Thunk that resolves with value after delay once
// invoked, using the loop's own timer wheel.
func delayThunk(loop *Loop, delay time.Duration, value Result) Thunk {
	return func() *Promise {
		p, resolve, _ := NewPromise(loop)
		_, _ = loop.ScheduleTimer(delay, func() {
			resolve(value)
		})
		return p
	}
}

// TestAll_OrderPreserved verifies that all three delayed thunks resolve
// in input order regardless of completion timing.
func TestAll_OrderPreserved(t *testing.T) {
	loop := newTestLoop(t)

	start := time.Now()
	values, err := RunAll(loop, []Op{
		delayThunk(loop, 50*time.Millisecond, "a"),
		delayThunk(loop, 50*time.Millisecond, "b"),
		delayThunk(loop, 50*time.Millisecond, "c"),
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("RunAll error = %v", err)
	}
	want := []Result{"a", "b", "c"}
	if len(values) != len(want) {
		t.Fatalf("len(values) = %d, want %d", len(values), len(want))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values[%d] = %v, want %v", i, values[i], want[i])
		}
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("elapsed = %v, want <= 150ms", elapsed)
	}
}

// TestRace_RejectsImmediately exercises I2: race([reject(e), never()])
// rejects with e without waiting for the never-settling promise.
func TestRace_RejectsImmediately(t *testing.T) {
	loop := newTestLoop(t)

	never, _, _ := NewPromise(loop)
	rejected, _, reject := NewPromise(loop)
	reject(&TypeError{Message: "boom"})

	start := time.Now()
	_, err := Run(loop, Race(loop, []*Promise{never, rejected}))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error from Race, got nil")
	}
	if _, ok := err.(*TypeError); !ok {
		t.Errorf("error = %#v (%T), want *TypeError", err, err)
	}
	if elapsed > time.Second {
		t.Errorf("elapsed = %v, want fast (race must not wait on never)", elapsed)
	}
}

// TestTimeout_RejectsInWindow exercises I3: timeout(never(), s) rejects
// with TimeoutError within [s, s+epsilon].
func TestTimeout_RejectsInWindow(t *testing.T) {
	loop := newTestLoop(t)

	never, _, _ := NewPromise(loop)

	const s = 0.05
	start := time.Now()
	_, err := Run(loop, Timeout(loop, never, s))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Errorf("error = %#v (%T), want *TimeoutError", err, err)
	}
	if elapsed < time.Duration(s*float64(time.Second)) {
		t.Errorf("elapsed = %v, want >= %v", elapsed, time.Duration(s*float64(time.Second)))
	}
	if elapsed > time.Duration(s*float64(time.Second))+500*time.Millisecond {
		t.Errorf("elapsed = %v, too slow", elapsed)
	}
}

// TestConcurrent_BoundedInFlight verifies that at most k tasks run at
// once; wall time for n equal-latency tasks is approximately ceil(n/k) *
// latency.
func TestConcurrent_BoundedInFlight(t *testing.T) {
	loop := newTestLoop(t)

	const n, k = 20, 5
	const latency = 20 * time.Millisecond

	var inFlight, maxInFlight atomic.Int32
	tasks := make([]Thunk, n)
	for i := 0; i < n; i++ {
		idx := i
		tasks[idx] = func() *Promise {
			p, resolve, _ := NewPromise(loop)
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			_, _ = loop.ScheduleTimer(latency, func() {
				inFlight.Add(-1)
				resolve(idx)
			})
			return p
		}
	}

	start := time.Now()
	values, err := RunConcurrent(loop, tasks, k)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("RunConcurrent error = %v", err)
	}
	if len(values) != n {
		t.Fatalf("len(values) = %d, want %d", len(values), n)
	}
	for i, v := range values {
		if v != i {
			t.Errorf("values[%d] = %v, want %d (input order)", i, v, i)
		}
	}
	if maxInFlight.Load() > int32(k) {
		t.Errorf("maxInFlight = %d, want <= %d", maxInFlight.Load(), k)
	}

	wantRounds := (n + k - 1) / k
	maxElapsed := time.Duration(wantRounds+2) * latency
	if elapsed > maxElapsed {
		t.Errorf("elapsed = %v, want <= %v", elapsed, maxElapsed)
	}
}

// TestConcurrent_FirstRejectionShortCircuits verifies the failure mode: the
// first rejection rejects the whole combinator.
func TestConcurrent_FirstRejectionShortCircuits(t *testing.T) {
	loop := newTestLoop(t)

	tasks := []Thunk{
		func() *Promise {
			p, _, reject := NewPromise(loop)
			_, _ = loop.ScheduleTimer(5*time.Millisecond, func() {
				reject(&TypeError{Message: "task failed"})
			})
			return p
		},
		delayThunk(loop, time.Hour, "never"),
	}

	_, err := RunConcurrent(loop, tasks, 2)
	if err == nil {
		t.Fatal("expected error from RunConcurrent, got nil")
	}
}

// TestBatch_ConcatenatesInOrder covers the batch combinator's concatenation
// contract across multiple batches.
func TestBatch_ConcatenatesInOrder(t *testing.T) {
	loop := newTestLoop(t)

	const n = 10
	tasks := make([]Thunk, n)
	for i := 0; i < n; i++ {
		idx := i
		tasks[idx] = delayThunk(loop, time.Millisecond, idx)
	}

	values, err := RunBatch(loop, tasks, 3, 0)
	if err != nil {
		t.Fatalf("RunBatch error = %v", err)
	}
	if len(values) != n {
		t.Fatalf("len(values) = %d, want %d", len(values), n)
	}
	for i := 0; i < n; i++ {
		if values[i] != i {
			t.Errorf("values[%d] = %v, want %d", i, values[i], i)
		}
	}
}

// TestAsyncAwait_RoundTrip exercises the coroutine manager end to end via
// Run, matching the async(fn)/await(p) contract.
func TestAsyncAwait_RoundTrip(t *testing.T) {
	loop := newTestLoop(t)

	value, err := Run(loop, CoroutineFunc(func(ctx context.Context) (Result, error) {
		p, resolve, _ := NewPromise(loop)
		_, _ = loop.ScheduleTimer(10*time.Millisecond, func() {
			resolve(42)
		})
		v, err := Await(ctx, p)
		if err != nil {
			return nil, err
		}
		return v.(int) + 1, nil
	}))
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if value != 43 {
		t.Errorf("value = %v, want 43", value)
	}
}

// TestAwait_OutsideCoroutine verifies Await rejects with
// ErrAwaitOutsideCoroutine when ctx was not produced by Async.
func TestAwait_OutsideCoroutine(t *testing.T) {
	loop := newTestLoop(t)
	p, resolve, _ := NewPromise(loop)
	resolve(1)

	_, err := Await(context.Background(), p)
	if err != ErrAwaitOutsideCoroutine {
		t.Errorf("err = %v, want ErrAwaitOutsideCoroutine", err)
	}
}

// cancelCountingPromise returns a pending promise whose cancel handler
// increments counter each time Cancel actually ran it (at most once, since
// Promise.Cancel is itself idempotent).
func cancelCountingPromise(loop *Loop, counter *atomic.Int32) *Promise {
	p, _, _ := NewPromise(loop)
	p.SetCancelHandler(func() { counter.Add(1) })
	return p
}

func waitForCounters(t *testing.T, deadline time.Time, check func() bool) {
	t.Helper()
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for cancel handlers to run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestAll_CancelPropagatesToInputs exercises I9: a cancelled All([p, q])
// cancels both p and q, each exactly once.
func TestAll_CancelPropagatesToInputs(t *testing.T) {
	loop := newTestLoop(t)

	var calledP, calledQ atomic.Int32

	op := func() *Promise {
		p := cancelCountingPromise(loop, &calledP)
		q := cancelCountingPromise(loop, &calledQ)

		result := All(loop, []*Promise{p, q})
		go func() {
			time.Sleep(20 * time.Millisecond)
			result.Cancel()
		}()
		return result
	}

	_, err := Run(loop, Thunk(op))
	if err == nil {
		t.Fatal("Run() error = nil, want CancellationError")
	}
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("err = %v (%T), want *CancellationError", err, err)
	}

	waitForCounters(t, time.Now().Add(2*time.Second), func() bool {
		return calledP.Load() == 1 && calledQ.Load() == 1
	})
}

// TestAll_RejectionCancelsRemainder verifies the other half of I9/spec.md
// §4.3: when one input rejects, All's rejection cancels the still-pending
// siblings.
func TestAll_RejectionCancelsRemainder(t *testing.T) {
	loop := newTestLoop(t)

	var calledSibling atomic.Int32

	op := func() *Promise {
		sibling := cancelCountingPromise(loop, &calledSibling)

		failing, _, reject := NewPromise(loop)
		_, _ = loop.ScheduleTimer(5*time.Millisecond, func() {
			reject(errors.New("boom"))
		})

		return All(loop, []*Promise{failing, sibling})
	}

	_, err := Run(loop, Thunk(op))
	if err == nil {
		t.Fatal("Run() error = nil, want the failing promise's reason")
	}

	waitForCounters(t, time.Now().Add(2*time.Second), func() bool {
		return calledSibling.Load() == 1
	})
}

// TestRace_SettlementCancelsLosers verifies Race cancels every other input
// once the first one settles.
func TestRace_SettlementCancelsLosers(t *testing.T) {
	loop := newTestLoop(t)

	var calledLoser atomic.Int32

	op := func() *Promise {
		winner, resolve, _ := NewPromise(loop)
		_, _ = loop.ScheduleTimer(5*time.Millisecond, func() {
			resolve("winner")
		})
		loser := cancelCountingPromise(loop, &calledLoser)

		return Race(loop, []*Promise{winner, loser})
	}

	value, err := Run(loop, Thunk(op))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if value != "winner" {
		t.Errorf("value = %v, want %q", value, "winner")
	}

	waitForCounters(t, time.Now().Add(2*time.Second), func() bool {
		return calledLoser.Load() == 1
	})
}

// TestAny_FulfillmentCancelsOthers verifies Any cancels every other input
// once the first one fulfills.
func TestAny_FulfillmentCancelsOthers(t *testing.T) {
	loop := newTestLoop(t)

	var calledLoser atomic.Int32

	op := func() *Promise {
		winner, resolve, _ := NewPromise(loop)
		_, _ = loop.ScheduleTimer(5*time.Millisecond, func() {
			resolve("winner")
		})
		loser := cancelCountingPromise(loop, &calledLoser)

		return Any(loop, []*Promise{winner, loser})
	}

	value, err := Run(loop, Thunk(op))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if value != "winner" {
		t.Errorf("value = %v, want %q", value, "winner")
	}

	waitForCounters(t, time.Now().Add(2*time.Second), func() bool {
		return calledLoser.Load() == 1
	})
}

// TestConcurrent_CancelsInFlightTasksOnFirstRejection verifies spec.md
// §4.3's Concurrent failure mode: once the first task rejects, tasks that
// are already running (their thunk has already been invoked) are cancelled
// rather than left to run to completion unacknowledged.
func TestConcurrent_CancelsInFlightTasksOnFirstRejection(t *testing.T) {
	loop := newTestLoop(t)

	var cancelledInFlight atomic.Int32
	const inFlightTasks = 3

	tasks := make([]Thunk, 0, inFlightTasks+1)
	tasks = append(tasks, func() *Promise {
		p, _, reject := NewPromise(loop)
		_, _ = loop.ScheduleTimer(5*time.Millisecond, func() {
			reject(errors.New("boom"))
		})
		return p
	})
	for i := 0; i < inFlightTasks; i++ {
		tasks = append(tasks, func() *Promise {
			return cancelCountingPromise(loop, &cancelledInFlight)
		})
	}

	_, err := RunConcurrent(loop, tasks, len(tasks))
	if err == nil {
		t.Fatal("RunConcurrent() error = nil, want the rejecting task's reason")
	}

	waitForCounters(t, time.Now().Add(2*time.Second), func() bool {
		return cancelledInFlight.Load() == int32(inFlightTasks)
	})
}
