package eventloop

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Result represents the value of a resolved or rejected promise.
// It can be any type, similar to JavaScript's dynamic typing.
// For fulfilled promises, this holds the success value.
// For rejected promises, this typically holds an error or rejection reason.
type Result = any

// PromiseState represents the lifecycle state of a [Promise].
// A promise starts in [Pending] state and transitions to either
// [Resolved] (also known as [Fulfilled]) or [Rejected].
// State transitions are irreversible.
type PromiseState int

const (
	// Pending indicates the promise operation is still in progress.
	// The promise has not yet been resolved or rejected.
	Pending PromiseState = iota

	// Resolved indicates the promise completed successfully with a value.
	// Fulfilled is an alias for Resolved, matching JavaScript terminology.
	Resolved

	// Rejected indicates the promise failed with a reason (typically an error).
	Rejected
)

const (
	// Fulfilled is an alias for [Resolved], matching the Promise/A+ specification.
	Fulfilled = Resolved
)

// Promise implements the Promise/A+ specification with [Then], [Catch], and
// [Finally], plus cooperative cancellation via [Promise.SetCancelHandler]
// and [Promise.Cancel].
//
// All handler callbacks are scheduled as microtasks and executed on the
// event loop thread associated with the promise (via [Loop.ScheduleMicrotask]).
// A Promise created with a nil *Loop runs its handlers synchronously instead;
// this is useful for tests and for values that settle before any handler is
// attached, but is NOT Promise/A+ compliant (see [Promise.Then]).
//
// Creating Promises:
//
//	promise, resolve, reject := eventloop.NewPromise(loop)
//	go func() {
//	    result, err := doAsyncWork()
//	    if err != nil {
//	        reject(err)
//	    } else {
//	        resolve(result)
//	    }
//	}()
//
// Chaining:
//
//	promise.
//	    Then(func(v Result) Result {
//	        return transform(v)
//	    }, nil).
//	    Catch(func(r Result) Result {
//	        return nil // recover from error
//	    }).
//	    Finally(func() {
//	        cleanup()
//	    })
//
// Thread Safety:
//
// Promise is safe for concurrent use. The resolve/reject functions can be
// called from any goroutine, but handlers always execute on the event loop
// thread.
type Promise struct {
	// Pointer fields (all require 8-byte alignment, grouped first for better cache locality)
	result Result
	loop   *Loop
	// h0 is the first handler (embedded to avoid slice allocation).
	// Most promises have only 1 handler.
	h0 handler
	// channels stores channels from ToChannel() calls
	// Set during pending state, cleared after settlement
	channels []chan Result
	// creationStack stores the stack trace when the promise was created.
	// Only populated when debugMode is enabled on the loop.
	// Use [Promise.CreationStackTrace] to format as a string.
	creationStack []uintptr
	// cancelFn is invoked (at most once) by Cancel before the promise is
	// rejected with a CancellationError.
	cancelFn func()
	// rootCancellable, if non-nil, causes this promise to reject with a
	// CancellationError as soon as the signal aborts. Set via
	// [Promise.Cancellable].
	rootCancellable *AbortSignal

	// Atomic state (requires 8-byte alignment)
	state atomic.Int32
	// h0Used tracks whether h0 has been assigned (replaces nil-target check).
	h0Used bool
	// cancelled tracks whether Cancel has already run, so repeated calls
	// (or an AbortSignal firing after the promise already settled) are
	// no-ops.
	cancelled atomic.Bool
	// Non-pointer, non-atomic fields
	id uint64

	// Non-pointer synchronization primitives
	mu sync.Mutex
}

// handler represents a reaction to promise settlement.
type handler struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	target      *Promise
}

// ResolveFunc is the function used to fulfill a promise with a value.
// Calling resolve on an already-settled promise has no effect.
// Can be called from any goroutine.
type ResolveFunc func(Result)

// RejectFunc is the function used to reject a promise with a reason.
// Calling reject on an already-settled promise has no effect.
// Can be called from any goroutine.
type RejectFunc func(Result)

// NewPromise creates a new pending promise along with resolve and reject
// functions. loop may be nil for a standalone promise (see the Thread
// Safety note on [Promise] about the non-compliant synchronous fallback);
// passing the owning [Loop] is strongly preferred.
//
// Example:
//
//	promise, resolve, reject := eventloop.NewPromise(loop)
//	go func() {
//	    result, err := doWork()
//	    if err != nil {
//	        reject(err)
//	    } else {
//	        resolve(result)
//	    }
//	}()
//
// The resolve and reject functions can be called from any goroutine.
// Only the first call has an effect; subsequent calls are ignored.
func NewPromise(loop *Loop) (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{
		id:   nextPromiseID(loop),
		loop: loop,
	}
	p.state.Store(int32(Pending))

	if loop != nil && loop.debugMode {
		// Capture up to 32 stack frames, skip 2 (this function and runtime.Callers)
		pcs := make([]uintptr, 32)
		n := runtime.Callers(2, pcs)
		if n > 0 {
			p.creationStack = pcs[:n]
		}
	}

	return p, p.resolve, p.reject
}

// nextPromiseID returns a monotonic ID, scoped to loop when present and to
// a package-level counter otherwise (so standalone promises still get
// unique IDs for the registry and rejection tracking).
func nextPromiseID(loop *Loop) uint64 {
	if loop != nil {
		return loop.nextPromiseID.Add(1)
	}
	return standalonePromiseID.Add(1)
}

var standalonePromiseID atomic.Uint64

// State returns the current [PromiseState] of this promise.
// Thread-safe and can be called from any goroutine.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value if the promise is fulfilled.
// Returns nil if the promise is pending or rejected.
// Thread-safe and can be called from any goroutine.
func (p *Promise) Value() Result {
	if p.state.Load() == int32(Fulfilled) {
		return p.result
	}
	return nil
}

// Reason returns the rejection reason if the promise is rejected.
// Returns nil if the promise is pending or fulfilled.
// Thread-safe and can be called from any goroutine.
func (p *Promise) Reason() Result {
	if p.state.Load() == int32(Rejected) {
		return p.result
	}
	return nil
}

// CreationStackTrace returns a formatted stack trace of where this promise
// was created.
//
// This method returns an empty string unless debug mode was enabled on the
// event loop when the promise was created. Use [WithDebugMode] to enable
// stack trace capture.
func (p *Promise) CreationStackTrace() string {
	return formatCreationStack(p.creationStack)
}

// SetCancelHandler registers fn to run when Cancel is called on this
// promise, before it is rejected with a CancellationError. Typically used
// to tear down the underlying operation (close a socket, cancel a context).
// Only the most recently set handler is kept.
func (p *Promise) SetCancelHandler(fn func()) {
	p.mu.Lock()
	p.cancelFn = fn
	p.mu.Unlock()
}

// Cancellable links this promise to signal: when signal aborts, the promise
// is cancelled (its cancel handler, if any, runs and it rejects with a
// CancellationError) unless it has already settled. Returns p for chaining.
func (p *Promise) Cancellable(signal *AbortSignal) *Promise {
	if signal == nil {
		return p
	}
	p.mu.Lock()
	p.rootCancellable = signal
	p.mu.Unlock()
	signal.OnAbort(func(reason any) {
		p.Cancel()
	})
	return p
}

// Cancel runs the promise's cancel handler (if set) exactly once, then
// rejects it with a [CancellationError] if it is still pending. Calling
// Cancel on an already-settled or already-cancelled promise is a no-op.
func (p *Promise) Cancel() {
	if p.State() != Pending {
		return
	}
	if !p.cancelled.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	fn := p.cancelFn
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	p.reject(&CancellationError{Message: "promise was cancelled"})
}

// addHandler attaches a handler to the promise. If the promise is already settled,
// the handler is scheduled immediately via microtask. If pending, the handler is
// stored for later execution when the promise settles.
//
// This method uses an optimistic lock-free check for the common case where
// the promise is already settled, avoiding lock acquisition entirely.
func (p *Promise) addHandler(h handler) {
	// Optimistic check: if already settled, schedule immediately without lock.
	currentState := p.state.Load()
	if currentState != int32(Pending) {
		p.scheduleHandler(h, currentState, p.result)
		return
	}

	p.mu.Lock()
	// Re-check state under lock to avoid race
	currentState = p.state.Load()
	if currentState != int32(Pending) {
		p.mu.Unlock()
		p.scheduleHandler(h, currentState, p.result)
		return
	}

	if !p.h0Used {
		p.h0 = h
		p.h0Used = true
	} else {
		// Store additional handlers in p.result type-punned as []handler.
		var handlers []handler
		if p.result == nil {
			handlers = make([]handler, 0, 2)
		} else {
			handlers = p.result.([]handler)
		}
		handlers = append(handlers, h)
		p.result = handlers
	}
	p.mu.Unlock()
}

// scheduleHandler enqueues a handler for execution via microtask.
// If no Loop is available, executes synchronously.
func (p *Promise) scheduleHandler(h handler, state int32, result Result) {
	if p.loop == nil {
		p.executeHandler(h, state, result)
		return
	}

	_ = p.loop.ScheduleMicrotask(func() {
		p.executeHandler(h, state, result)
	})
}

// executeHandler runs a single handler with the given state and result.
// Handles nil handlers (pass-through), panic recovery, and result propagation.
func (p *Promise) executeHandler(h handler, state int32, result Result) {
	var fn func(Result) Result

	if state == int32(Fulfilled) {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	// If no handler, propagate state to target (pass-through)
	if fn == nil {
		if h.target == nil {
			return
		}
		if state == int32(Fulfilled) {
			h.target.resolve(result)
		} else {
			h.target.reject(result)
		}
		return
	}

	// Run handler with panic protection
	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(PanicError{Value: r})
			}
		}
	}()

	res := fn(result)
	if h.target != nil {
		h.target.resolve(res)
	}
}

func (p *Promise) resolve(value Result) {
	// Spec 2.3.1: If promise and x refer to the same object, reject promise with a TypeError.
	if pr, ok := value.(*Promise); ok && pr == p {
		p.reject(&TypeError{Message: fmt.Sprintf("chaining cycle detected for promise #%d", p.id)})
		return
	}

	// Spec 2.3.2: If x is a promise, adopt its state.
	// Use addHandler for zero-closure adoption.
	if pr, ok := value.(*Promise); ok {
		pr.addHandler(handler{target: p})
		return
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	h0 := p.h0
	useH0 := p.h0Used
	var handlers []handler

	// Extract handlers before they get overwritten with the actual result
	if useH0 && p.result != nil {
		handlers = p.result.([]handler)
	}

	// Extract channels for notification
	channels := p.channels
	p.channels = nil

	p.h0 = handler{}
	p.h0Used = false
	p.result = value
	p.state.Store(int32(Fulfilled))

	// Schedule handlers inside lock to guarantee ordering consistency
	// with concurrent addHandler calls (Promise/A+ §2.2.6).
	if useH0 {
		p.scheduleHandler(h0, int32(Fulfilled), value)
	}
	for _, h := range handlers {
		p.scheduleHandler(h, int32(Fulfilled), value)
	}

	// Notify all channels registered via ToChannel() while still holding
	// lock, matching reject()'s pattern for consistent channel behavior.
	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
	}
	for _, ch := range channels {
		close(ch)
	}
	p.mu.Unlock()

	// Prevent leak on success.
	if p.loop != nil {
		p.loop.promiseHandlersMu.Lock()
		delete(p.loop.promiseHandlers, p.id)
		p.loop.promiseHandlersMu.Unlock()
	}
}

// reject transitions the promise to rejected state if it's still pending.
func (p *Promise) reject(reason Result) {
	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	// Snapshot handlers before clearing
	h0 := p.h0
	useH0 := p.h0Used
	var handlers []handler

	if useH0 && p.result != nil {
		handlers = p.result.([]handler)
	}

	// Extract channels for notification
	channels := p.channels
	p.channels = nil

	p.result = reason
	p.state.Store(int32(Rejected))

	// Schedule handler microtasks WHILE holding lock.
	// This ensures proper ordering: handler microtasks run before
	// checkUnhandledRejections, preventing false-positive reports.
	if useH0 {
		p.scheduleHandler(h0, int32(Rejected), reason)
	}
	for _, h := range handlers {
		p.scheduleHandler(h, int32(Rejected), reason)
	}

	// Clear handlers AFTER scheduling their microtasks
	p.h0 = handler{}
	p.h0Used = false

	// Notify all channels registered via ToChannel()
	for _, ch := range channels {
		select {
		case ch <- reason:
		default:
		}
	}
	for _, ch := range channels {
		close(ch)
	}

	p.mu.Unlock()

	// trackRejection AFTER releasing lock, AFTER scheduling handlers
	if p.loop != nil {
		p.loop.trackRejection(p.id, reason, p.creationStack)
	}
}

// Then adds handlers to be called when the promise settles.
// Returns a new [Promise] that resolves with the result of the handler.
//
// Parameters:
//   - onFulfilled: Handler called with the fulfillment value. Can be nil.
//   - onRejected: Handler called with the rejection reason. Can be nil.
//
// Handler Return Values:
//   - If a handler returns a value, the returned promise resolves with that value
//   - If a handler panics, the returned promise rejects with a PanicError wrapping the panic value
//   - If a handler is nil, the result passes through to the returned promise
//
// Handlers are always executed as microtasks on the event loop thread.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	if p.loop == nil {
		return p.thenStandalone(onFulfilled, onRejected)
	}

	child := &Promise{
		id:   nextPromiseID(p.loop),
		loop: p.loop,
	}
	child.state.Store(int32(Pending))

	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})

	// Rejection tracking: register handler AFTER addHandler stores/schedules it.
	// Microtasks queued by addHandler won't execute until the current synchronous
	// code completes, so this registration happens before the handler runs.
	if onRejected != nil {
		p.registerRejectionHandler()
	}

	return child
}

// registerRejectionHandler tracks that a rejection handler has been attached
// to the parent promise. This is used by the unhandled rejection detection system
// to avoid false-positive reports.
func (p *Promise) registerRejectionHandler() {
	l := p.loop
	currentState := PromiseState(p.state.Load())

	switch currentState {
	case Fulfilled:
		// Fulfilled promises can never be rejected; clean up tracking
		l.promiseHandlersMu.Lock()
		delete(l.promiseHandlers, p.id)
		l.promiseHandlersMu.Unlock()

	case Rejected:
		// Register handler first, then verify it's still needed.
		// This order prevents a race where checkUnhandledRejections processes
		// and removes the entry from unhandledRejections between our check
		// and our set, leaving an orphaned promiseHandlers entry.
		l.promiseHandlersMu.Lock()
		l.promiseHandlers[p.id] = true
		l.promiseHandlersMu.Unlock()
		p.signalHandlerReady()

		// Double-check: if the rejection was already processed (removed from
		// unhandledRejections by checkUnhandledRejections running concurrently),
		// clean up our handler registration to prevent a map entry leak.
		l.rejectionsMu.RLock()
		_, isUnhandled := l.unhandledRejections[p.id]
		l.rejectionsMu.RUnlock()

		if !isUnhandled {
			l.promiseHandlersMu.Lock()
			delete(l.promiseHandlers, p.id)
			l.promiseHandlersMu.Unlock()
		}

	default: // Pending
		l.promiseHandlersMu.Lock()
		l.promiseHandlers[p.id] = true
		l.promiseHandlersMu.Unlock()
		p.signalHandlerReady()
	}
}

// signalHandlerReady signals that a rejection handler has been registered,
// allowing trackRejection's synchronization to proceed.
func (p *Promise) signalHandlerReady() {
	l := p.loop
	l.handlerReadyMu.Lock()
	if ch, exists := l.handlerReadyChans[p.id]; exists {
		select {
		case <-ch:
			// Already closed
		default:
			close(ch)
		}
	}
	l.handlerReadyMu.Unlock()
}

// thenStandalone creates a child promise without a Loop for basic operations.
// Uses addHandler internally for simplified code.
//
// NOTE: This code path is NOT Promise/A+ compliant - handlers execute synchronously
// when called on already-settled promises (since p.loop is nil, scheduleHandler falls
// back to executeHandler). This is intentional for testing/fallback scenarios.
func (p *Promise) thenStandalone(onFulfilled, onRejected func(Result) Result) *Promise {
	child := &Promise{
		id:   nextPromiseID(nil),
		loop: nil,
	}
	child.state.Store(int32(Pending))

	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})

	return child
}

// Catch adds a rejection handler to the promise.
// Returns a new [Promise] that resolves with the result of the handler.
//
// This is equivalent to calling Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// Finally adds a handler that runs regardless of how the promise settles.
// Returns a new [Promise] that preserves the original settlement.
//
// Unlike Then/Catch, the onFinally callback receives no arguments and its
// return value is ignored. The promise returned by Finally will settle with
// the same value/reason as the original promise.
//
// Go-specific behavior: If onFinally panics, the panic value is discarded and
// the original settlement is still propagated to the child promise. This differs
// from JavaScript's Promise.prototype.finally where a throw inside finally causes
// the returned promise to be rejected with the thrown value. The Go convention is
// that cleanup panics should not silently swallow the original result.
func (p *Promise) Finally(onFinally func()) *Promise {
	loop := p.loop
	var child *Promise
	if loop != nil {
		child, _, _ = NewPromise(loop)
	} else {
		child = &Promise{id: nextPromiseID(nil)}
		child.state.Store(int32(Pending))
	}

	if onFinally == nil {
		onFinally = func() {}
	}

	// Run onFinally, then propagate the original result.
	runFinally := func(res Result, isRej bool) {
		defer func() {
			if r := recover(); r != nil {
				// Panic in finally: still propagate original settlement.
				_ = r // panic value discarded
				if isRej {
					child.reject(res)
				} else {
					child.resolve(res)
				}
			}
		}()
		onFinally()
		if isRej {
			child.reject(res)
		} else {
			child.resolve(res)
		}
	}

	p.addHandler(handler{
		onFulfilled: func(v Result) Result {
			runFinally(v, false)
			return nil // Return ignored; child is resolved manually
		},
		onRejected: func(r Result) Result {
			runFinally(r, true)
			return nil // Return ignored; child is rejected manually
		},
		target: child,
	})

	// Track rejection handler (Finally always provides onRejected)
	if loop != nil {
		p.registerRejectionHandler()
	}

	return child
}

// ToChannel returns a channel that will receive the result when the promise settles.
// The channel is buffered (capacity 1) and will be closed after sending.
// If the promise is already settled, returns a pre-filled channel.
// Thread-safe and can be called from any goroutine.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)

	currentState := p.state.Load()
	if currentState != int32(Pending) {
		// Already settled, send result immediately
		ch <- p.result
		close(ch)
		return ch
	}

	// Pending: set up callback to send result when settled
	p.mu.Lock()
	// Double-check state after acquiring lock
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		ch <- p.result
		close(ch)
		return ch
	}

	// Store the channel
	p.channels = append(p.channels, ch)
	p.mu.Unlock()

	return ch
}

// trackRejection tracks a rejected promise for unhandled rejection detection.
// This is called from Promise.reject().
//
// This implementation ensures that checkUnhandledRejections runs AFTER all
// concurrent handler registrations from Then() by using proper channel
// synchronization. Each rejection waits for a handler to be registered (or
// determines none will be) before checking for unhandled rejections.
func (l *Loop) trackRejection(promiseID uint64, reason Result, creationStack []uintptr) {
	info := &rejectionInfo{
		promiseID:     promiseID,
		reason:        reason,
		timestamp:     time.Now().UnixNano(),
		creationStack: creationStack,
	}
	l.rejectionsMu.Lock()
	l.unhandledRejections[promiseID] = info
	l.rejectionsMu.Unlock()

	// Use atomic counter to prevent duplicate microtasks: checkUnhandledRejections
	// checks all unhandled rejections, so only one scheduled check needs to run
	// at a time, not one per rejection.
	if !l.checkRejectionScheduled.CompareAndSwap(false, true) {
		// Another check is already scheduled, this rejection will be caught by it
		return
	}

	// Create a channel for this rejection to signal handler registration.
	// Multiple rejections to the same promise share this channel.
	handlerReady := make(chan struct{})
	handlerKey := promiseID

	l.handlerReadyMu.Lock()
	if _, exists := l.handlerReadyChans[handlerKey]; !exists {
		l.handlerReadyChans[handlerKey] = handlerReady
	}
	l.handlerReadyMu.Unlock()

	// We wait for handler registration (via channel) to prevent false positives
	// where checkUnhandledRejections runs before the handler is registered in
	// promiseHandlers. We also re-check promiseHandlers after the wait to handle
	// the case where no handler is ever attached.
	_ = l.ScheduleMicrotask(func() {
		l.handlerReadyMu.Lock()
		ch, exists := l.handlerReadyChans[handlerKey]
		if exists {
			delete(l.handlerReadyChans, handlerKey)
		}
		l.handlerReadyMu.Unlock()

		if exists && ch == handlerReady {
			select {
			case <-handlerReady:
				// Handler was registered
			case <-time.After(10 * time.Millisecond):
				// Timeout - no handler registered yet
			}
		}

		// Always run checkUnhandledRejections to catch ALL pending unhandled
		// rejections, not just this promise's. Without this, concurrent
		// rejections where one has a handler and another doesn't could result
		// in the unhandled one never being reported (the CAS gate means only
		// one microtask runs).
		//
		// Re-check loop: after resetting the CAS gate, verify no new
		// rejections arrived during our check, to avoid orphaning them.
		for {
			l.checkUnhandledRejections()
			l.checkRejectionScheduled.Store(false)

			l.rejectionsMu.RLock()
			pending := len(l.unhandledRejections) > 0
			l.rejectionsMu.RUnlock()
			if !pending || !l.checkRejectionScheduled.CompareAndSwap(false, true) {
				break
			}
		}
	})
}

// checkUnhandledRejections checks for rejections without handlers and reports them.
func (l *Loop) checkUnhandledRejections() {
	callback := l.unhandledCallback

	l.rejectionsMu.RLock()
	if len(l.unhandledRejections) == 0 {
		l.rejectionsMu.RUnlock()
		return
	}
	snapshot := make([]*rejectionInfo, 0, len(l.unhandledRejections))
	for _, info := range l.unhandledRejections {
		snapshot = append(snapshot, info)
	}
	l.rejectionsMu.RUnlock()

	for _, info := range snapshot {
		promiseID := info.promiseID

		l.promiseHandlersMu.Lock()
		handled, exists := l.promiseHandlers[promiseID]
		if exists && handled {
			delete(l.promiseHandlers, promiseID)
			l.promiseHandlersMu.Unlock()

			l.rejectionsMu.Lock()
			delete(l.unhandledRejections, promiseID)
			l.rejectionsMu.Unlock()
			continue
		}
		l.promiseHandlersMu.Unlock()

		l.logger.Warn().Interface("reason", info.reason).Msg("eventloop: unhandled promise rejection")
		if callback != nil {
			if len(info.creationStack) > 0 {
				callback(&UnhandledRejectionDebugInfo{
					Reason:             info.reason,
					CreationStackTrace: formatCreationStack(info.creationStack),
				})
			} else {
				callback(info.reason)
			}
		}

		l.rejectionsMu.Lock()
		delete(l.unhandledRejections, promiseID)
		l.rejectionsMu.Unlock()
	}
}

// rejectionInfo holds information about a rejected promise.
type rejectionInfo struct {
	reason        Result
	creationStack []uintptr
	promiseID     uint64
	timestamp     int64
}

// UnhandledRejectionDebugInfo is passed to the callback registered via
// [WithUnhandledRejection] when debug mode is enabled and the promise has a
// creation stack trace.
//
// Users can type-assert the reason in their callback to access the debug
// information:
//
//	loop, _ := eventloop.New(eventloop.WithDebugMode(true), eventloop.WithUnhandledRejection(func(r eventloop.Result) {
//	    if debug, ok := r.(*eventloop.UnhandledRejectionDebugInfo); ok {
//	        log.Printf("unhandled rejection: %v\ncreated at:\n%s", debug.Reason, debug.CreationStackTrace)
//	    }
//	}))
//
// If debug mode is not enabled or the promise has no creation stack, the
// callback receives the raw rejection reason without wrapping.
type UnhandledRejectionDebugInfo struct {
	// Reason is the original rejection value from the failed promise.
	Reason Result

	// CreationStackTrace is a formatted stack trace showing where the promise
	// was created. Each frame is on its own line in the format:
	//   package.function (file:line)
	CreationStackTrace string
}

// Error implements the error interface so UnhandledRejectionDebugInfo can be
// used as an error value when the underlying Reason is also an error.
func (u *UnhandledRejectionDebugInfo) Error() string {
	if err, ok := u.Reason.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", u.Reason)
}

// Unwrap returns the underlying error if Reason is an error type.
// This enables [errors.Is] and [errors.As] to work through the wrapper.
func (u *UnhandledRejectionDebugInfo) Unwrap() error {
	if err, ok := u.Reason.(error); ok {
		return err
	}
	return nil
}

// formatCreationStack formats a slice of program counters as a stack trace string.
func formatCreationStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs)
	var result string
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			if result != "" {
				result += "\n"
			}
			result += fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return result
}

// ============================================================================
// Promise Combinators
// ============================================================================

// cancelSiblings calls Cancel on every promise in promises. Cancel is a
// no-op on an already-settled or already-cancelled promise, so callers may
// pass the full input slice (including the one that triggered settlement)
// without special-casing it.
func cancelSiblings(promises []*Promise) {
	for _, p := range promises {
		p.Cancel()
	}
}

// All returns a promise that resolves when all input promises resolve.
//
// Behavior:
//   - If promises is empty, resolves immediately with an empty slice
//   - Resolves with a slice of values in the same order as the input promises
//   - Rejects immediately when any promise rejects, with that promise's
//     reason, and cancels the remaining (still-pending) input promises
func All(loop *Loop, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(loop)

	if len(promises) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	// Cancelling the combinator itself cancels every input promise still
	// pending (spec.md §4.3/§5, I9).
	result.SetCancelHandler(func() {
		cancelSiblings(promises)
	})

	var mu sync.Mutex
	var completed atomic.Int32
	values := make([]Result, len(promises))
	hasRejected := atomic.Bool{}

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				mu.Lock()
				values[idx] = v
				mu.Unlock()

				count := completed.Add(1)
				if count == int32(len(promises)) && !hasRejected.Load() {
					resolve(values)
				}
				return nil
			},
			func(r Result) Result {
				if hasRejected.CompareAndSwap(false, true) {
					reject(r)
					cancelSiblings(promises)
				}
				return nil
			},
		)
	}

	return result
}

// Race returns a promise that settles as soon as any of the input promises settles.
//
// Behavior:
//   - If promises is empty, the returned promise never settles (remains pending)
//   - Settles with the value/reason of the first promise to settle
//   - Ignores subsequent settlements from other promises
//   - Cancels all the other (losing) input promises once one settles
func Race(loop *Loop, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(loop)

	if len(promises) == 0 {
		return result
	}

	result.SetCancelHandler(func() {
		cancelSiblings(promises)
	})

	var settled atomic.Bool

	for _, p := range promises {
		p.Then(
			func(v Result) Result {
				if settled.CompareAndSwap(false, true) {
					resolve(v)
					cancelSiblings(promises)
				}
				return nil
			},
			func(r Result) Result {
				if settled.CompareAndSwap(false, true) {
					reject(r)
					cancelSiblings(promises)
				}
				return nil
			},
		)
	}

	return result
}

// AllSettled returns a promise that resolves when all input promises have settled.
//
// Unlike [All], this never rejects - it waits for all promises to complete.
// The promise fulfills with a slice of outcome objects:
//
//	// For fulfilled promises:
//	map[string]interface{}{"status": "fulfilled", "value": <value>}
//
//	// For rejected promises:
//	map[string]interface{}{"status": "rejected", "reason": <reason>}
func AllSettled(loop *Loop, promises []*Promise) *Promise {
	if len(promises) == 0 {
		p := &Promise{loop: loop, id: nextPromiseID(loop)}
		p.state.Store(int32(Fulfilled))
		p.result = make([]Result, 0)
		return p
	}

	result, resolve, _ := NewPromise(loop)

	var mu sync.Mutex
	var completed atomic.Int32
	results := make([]Result, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				mu.Lock()
				results[idx] = map[string]interface{}{
					"status": "fulfilled",
					"value":  v,
				}
				mu.Unlock()

				count := completed.Add(1)
				if count == int32(len(promises)) {
					resolve(results)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				results[idx] = map[string]interface{}{
					"status": "rejected",
					"reason": r,
				}
				mu.Unlock()

				count := completed.Add(1)
				if count == int32(len(promises)) {
					resolve(results)
				}
				return nil
			},
		)
	}

	return result
}

// Any returns a promise that resolves when any input promise resolves.
//
// Behavior:
//   - If promises is empty, rejects immediately with [AggregateError]
//   - Resolves with the value of the first promise to resolve, and cancels
//     the other (still-pending) input promises
//   - Rejects with [AggregateError] only if ALL promises reject
func Any(loop *Loop, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(loop)

	if len(promises) == 0 {
		reject(&AggregateError{
			Errors: []error{&ErrNoPromiseResolved{}},
		})
		return result
	}

	result.SetCancelHandler(func() {
		cancelSiblings(promises)
	})

	var mu sync.Mutex
	var rejected atomic.Int32
	rejections := make([]Result, len(promises))
	var resolved atomic.Bool

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				if resolved.CompareAndSwap(false, true) {
					resolve(v)
					cancelSiblings(promises)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				rejections[idx] = r
				mu.Unlock()

				count := rejected.Add(1)
				if count == int32(len(promises)) && !resolved.Load() {
					errs := make([]error, len(rejections))
					for i, r := range rejections {
						if err, ok := r.(error); ok {
							errs[i] = err
						} else {
							errs[i] = &ErrorWrapper{Value: r}
						}
					}
					reject(&AggregateError{
						Errors:  errs,
						Message: "All promises were rejected",
					})
				}
				return nil
			},
		)
	}

	return result
}

// AggregateError represents an error thrown when [Any] fails because
// all input promises were rejected.
//
// The Errors field contains the rejection reasons from all failed promises,
// preserving the order of the input promises slice.
type AggregateError struct {
	// Message matches standard JS AggregateError property
	Message string
	// Errors contains all rejection reasons from failed promises.
	// The order matches the input promises slice to [Any].
	Errors []error
}

// Error implements the error interface.
// Returns Message when set, otherwise "All promises were rejected".
// Individual rejection reasons can be accessed via the Errors field.
func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "All promises were rejected"
}

// ErrNoPromiseResolved indicates that [Any] was called with an empty slice.
type ErrNoPromiseResolved struct{}

// Error implements the error interface.
func (e *ErrNoPromiseResolved) Error() string {
	return "No promises were provided"
}

// ErrorWrapper wraps a non-error value as an error for [AggregateError] compatibility.
type ErrorWrapper struct {
	// Value is the original non-error rejection reason.
	Value Result
}

// Error implements the error interface.
func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

// ============================================================================
// Promise.withResolvers (ES2024 API)
// ============================================================================

// PromiseWithResolvers represents the result of Promise.withResolvers().
// It provides a convenient way to create a promise along with its
// resolve and reject functions, without requiring an executor callback.
type PromiseWithResolvers struct {
	// Promise is the pending promise associated with this resolvers object.
	Promise *Promise

	// Resolve is the function that fulfills the Promise with a value.
	Resolve ResolveFunc

	// Reject is the function that rejects the Promise with a reason.
	Reject RejectFunc
}

// WithResolvers creates a new pending promise along with its resolve and reject functions.
// This is the Go equivalent of ES2024's Promise.withResolvers().
func WithResolvers(loop *Loop) *PromiseWithResolvers {
	p, resolve, reject := NewPromise(loop)
	return &PromiseWithResolvers{
		Promise: p,
		Resolve: resolve,
		Reject:  reject,
	}
}
