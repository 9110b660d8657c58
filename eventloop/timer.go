package eventloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer for later cancellation via
// [Loop.CancelTimer]. The zero value never refers to a live timer.
type TimerID uint64

// timer represents a scheduled task in the timer heap.
type timer struct {
	when      time.Time
	task      Task
	id        TimerID
	cancelled bool
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ScheduleTimer schedules fn to run after delay has elapsed, measured from
// the loop's current tick time. It returns a [TimerID] that can be passed to
// [Loop.CancelTimer] to prevent the callback from firing.
//
// Scheduling is itself routed through SubmitInternal so the heap is only ever
// mutated on the loop thread.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	id := TimerID(l.nextTimerID.Add(1))
	now := l.CurrentTickTime()
	t := timer{
		when: now.Add(delay),
		task: Task{Runnable: fn},
		id:   id,
	}

	if err := l.SubmitInternal(Task{Runnable: func() {
		heap.Push(&l.timers, t)
	}}); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelTimer prevents a previously scheduled timer from firing.
//
// Cancellation is best-effort: if the timer has already fired, CancelTimer is
// a no-op and returns nil. Like ScheduleTimer, the heap mutation is routed
// through SubmitInternal to keep it confined to the loop thread.
func (l *Loop) CancelTimer(id TimerID) error {
	if id == 0 {
		return nil
	}
	return l.SubmitInternal(Task{Runnable: func() {
		for i := range l.timers {
			if l.timers[i].id == id {
				l.timers[i].cancelled = true
				return
			}
		}
	}})
}

// runTimers executes all expired, non-cancelled timers.
func (l *Loop) runTimers() {
	now := l.CurrentTickTime()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(timer)
		if t.cancelled {
			continue
		}
		l.safeExecute(t.task)

		if l.StrictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}
