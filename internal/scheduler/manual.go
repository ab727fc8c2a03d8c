package scheduler

import (
	"sync"
	"time"
)

// Manual is a deterministic scheduler driven by a virtual clock. Nothing
// runs until Drain or Advance is called, and everything runs on the
// calling goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*manualTask
	seq    int
}

// NewManual creates a manual scheduler starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// RunAsync queues fn until the next Drain or Advance
func (m *Manual) RunAsync(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

// ScheduleAfter registers fn to run once the virtual clock passes d
func (m *Manual) ScheduleAfter(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{m: m, fn: fn, deadline: m.now.Add(d), seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Drain runs queued work, including work queued while draining
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		execute(fn)
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
func (m *Manual) Advance(d time.Duration) {
	m.Drain()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.deadline
		next.state = taskQueued
		m.queue = append(m.queue, next.run)
		m.mu.Unlock()

		m.Drain()
	}

	m.Drain()
}

// PendingTimers returns the number of timers that have not fired or been canceled
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if t.state == taskPending || t.state == taskPaused {
			n++
		}
	}
	return n
}

// nextDueLocked returns the earliest pending timer due at or before target
func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	var next *manualTask
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.state == taskDone || t.state == taskCanceled {
			continue
		}
		live = append(live, t)
		if t.state != taskPending || t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) || (t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	m.timers = live
	return next
}

type manualTask struct {
	m        *Manual
	fn       func()
	deadline time.Time
	seq      int
	state    taskState
	// remaining holds the delay left while paused
	remaining time.Duration
}

func (t *manualTask) run() {
	t.m.mu.Lock()
	if t.state != taskQueued {
		t.m.mu.Unlock()
		return
	}
	t.state = taskDone
	t.m.mu.Unlock()
	t.fn()
}

func (t *manualTask) Cancel() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.state != taskDone {
		t.state = taskCanceled
	}
}

func (t *manualTask) Pause() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.state == taskPending {
		t.remaining = t.deadline.Sub(t.m.now)
		t.state = taskPaused
	}
}

func (t *manualTask) Resume() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.state == taskPaused {
		t.deadline = t.m.now.Add(t.remaining)
		t.state = taskPending
	}
}
