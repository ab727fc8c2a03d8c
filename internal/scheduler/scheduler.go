// Package scheduler provides serial execution contexts for mediation work
package scheduler

import (
	"sync"
	"time"

	"github.com/thenexusengine/tne_mediation/pkg/logger"
)

// Scheduler runs work on a single logical execution context. Work
// submitted through RunAsync and fired delayed tasks never run
// concurrently with each other.
type Scheduler interface {
	// RunAsync queues fn for execution
	RunAsync(fn func())

	// ScheduleAfter queues fn once d has elapsed
	ScheduleAfter(d time.Duration, fn func()) Task

	// Now returns the scheduler's current time
	Now() time.Time
}

// Task is a handle on a delayed task
type Task interface {
	// Cancel prevents the task from running. It is safe to call at any
	// time, including after the task fired or from within the task.
	Cancel()

	// Pause stops the countdown, keeping the remaining delay
	Pause()

	// Resume restarts a paused countdown
	Resume()
}

type taskState int

const (
	taskPending taskState = iota
	taskPaused
	taskQueued
	taskDone
	taskCanceled
)

// Serial executes work in FIFO order on one worker goroutine
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerial creates a serial scheduler and starts its worker
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// RunAsync queues fn. Work submitted after Close is dropped.
func (s *Serial) RunAsync(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// ScheduleAfter queues fn after d
func (s *Serial) ScheduleAfter(d time.Duration, fn func()) Task {
	t := &serialTask{s: s, fn: fn, remaining: d}
	t.mu.Lock()
	t.start()
	t.mu.Unlock()
	return t
}

// Now returns wall-clock time
func (s *Serial) Now() time.Time {
	return time.Now()
}

// Close drains queued work and stops the worker
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		execute(fn)
	}
}

// execute runs fn, keeping the worker alive if it panics
func execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().
				Interface("panic", r).
				Msg("scheduled work panicked")
		}
	}()
	fn()
}

type serialTask struct {
	s  *Serial
	fn func()

	mu        sync.Mutex
	state     taskState
	timer     *time.Timer
	deadline  time.Time
	remaining time.Duration
}

// start must be called with t.mu held
func (t *serialTask) start() {
	t.state = taskPending
	t.deadline = time.Now().Add(t.remaining)
	t.timer = time.AfterFunc(t.remaining, t.fire)
}

func (t *serialTask) fire() {
	t.mu.Lock()
	if t.state != taskPending {
		t.mu.Unlock()
		return
	}
	t.state = taskQueued
	t.mu.Unlock()

	t.s.RunAsync(func() {
		t.mu.Lock()
		if t.state != taskQueued {
			t.mu.Unlock()
			return
		}
		t.state = taskDone
		t.mu.Unlock()
		t.fn()
	})
}

func (t *serialTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == taskDone || t.state == taskCanceled {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = taskCanceled
}

func (t *serialTask) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != taskPending {
		return
	}
	if t.timer.Stop() {
		t.remaining = time.Until(t.deadline)
		if t.remaining < 0 {
			t.remaining = 0
		}
		t.state = taskPaused
	}
}

func (t *serialTask) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != taskPaused {
		return
	}
	t.start()
}
