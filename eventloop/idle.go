package eventloop

import (
	"sync"
	"time"
)

// Idle-detection and adaptive-sleep constants (spec.md §4.1).
const (
	// idleEMAAlpha is the smoothing factor for the inter-activity-gap
	// exponential moving average.
	idleEMAAlpha = 0.1

	// idleWarmupCount is the number of observed activities before the
	// adaptive (EMA-based) idle threshold replaces the fixed one.
	idleWarmupCount = 100

	// idleFixedThreshold is used before idleWarmupCount activities have
	// been observed.
	idleFixedThreshold = 5 * time.Second

	// idleMinThreshold is the floor applied to the adaptive threshold
	// (max(1s, avgInterval*idleAvgMultiplier)).
	idleMinThreshold = 1 * time.Second

	// idleAvgMultiplier scales the observed average inter-activity gap
	// into the adaptive idle threshold.
	idleAvgMultiplier = 10

	// adaptiveMaxSleep is the upper bound on how long the loop blocks in
	// poll() when an iteration did no work and no coroutines are runnable.
	adaptiveMaxSleep = 500 * time.Microsecond

	// adaptiveMinSleep is the floor under which the loop skips sleeping
	// entirely rather than pay for a near-zero-duration timer/syscall.
	adaptiveMinSleep = 50 * time.Microsecond
)

// activityTracker implements spec.md §4.1's idle-detection algorithm: an
// exponential moving average of the gaps between successive activities
// (task/timer/microtask executions), with a 100-activity warm-up before the
// adaptive threshold (max(1s, avgInterval*10)) replaces the fixed 5s one.
type activityTracker struct {
	mu           sync.Mutex
	lastActivity time.Time
	avgInterval  time.Duration
	count        uint64
}

// record marks an activity at now, updating the running average of gaps
// between activities.
func (a *activityTracker) record(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastActivity.IsZero() {
		gap := now.Sub(a.lastActivity)
		if a.count == 0 {
			a.avgInterval = gap
		} else {
			a.avgInterval = time.Duration(float64(a.avgInterval)*(1-idleEMAAlpha) + float64(gap)*idleEMAAlpha)
		}
	}
	a.lastActivity = now
	a.count++
}

// idle reports whether the loop has been idle (per spec.md §4.1) as of now.
func (a *activityTracker) idle(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastActivity.IsZero() {
		return true
	}

	threshold := idleFixedThreshold
	if a.count >= idleWarmupCount {
		threshold = a.avgInterval * idleAvgMultiplier
		if threshold < idleMinThreshold {
			threshold = idleMinThreshold
		}
	}
	return now.Sub(a.lastActivity) > threshold
}

// IsIdle reports whether the loop is currently idle per spec.md §4.1: once
// at least 100 activities have been observed, idle iff the gap since the
// last activity exceeds max(1s, avgInterval*10); before warm-up, a fixed 5s
// threshold applies.
func (l *Loop) IsIdle() bool {
	return l.activity.idle(time.Now())
}

// adaptiveSleepDuration bounds the loop's poll timeout per spec.md §4.1's
// adaptive-sleep rule: sleep for at most adaptiveMaxSleep, capped further by
// the next timer's delay, and skip sleeping altogether (return 0) when that
// bound falls under adaptiveMinSleep.
func adaptiveSleepDuration(nextTimerDelay time.Duration) time.Duration {
	d := adaptiveMaxSleep
	if nextTimerDelay >= 0 && nextTimerDelay < d {
		d = nextTimerDelay
	}
	if d < adaptiveMinSleep {
		return 0
	}
	return d
}
