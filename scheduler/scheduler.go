// Package scheduler implements the timer service which promotes due tasks
// into the dispatcher queue.
//
// The scheduler never runs a task itself. When a task's wake time arrives
// and it has not been stopped, the task is handed to the dispatcher and runs
// there like any other task.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/gotserv/dispatcher"
	"badc0de.net/pkg/gotserv/metrics"
)

// MinTicks is the smallest delay the server uses when re-trying deferred
// work such as releasing a still-referenced connection.
const MinTicks = 50 * time.Millisecond

// State is the run state of a Scheduler.
type State int

const (
	StateRunning State = iota
	StateClosing
	StateTerminated
)

// TaskAdder receives due tasks. *dispatcher.Dispatcher implements it.
type TaskAdder interface {
	AddTask(t *dispatcher.Task) bool
}

// Scheduler keeps tasks ordered by wake time and hands each due task to a
// TaskAdder.
type Scheduler struct {
	target TaskAdder

	mu          sync.Mutex
	events      taskHeap
	live        map[uint32]struct{}
	lastEventID uint32
	seq         uint64
	state       State

	wake    chan struct{}
	started bool
	done    chan struct{}
}

// New creates a running scheduler which delivers due tasks to target. The
// worker goroutine starts with Start.
func New(target TaskAdder) *Scheduler {
	return &Scheduler{
		target: target,
		live:   make(map[uint32]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// AddEvent queues t and returns its event id. A task without an id is given
// the next one. If the scheduler is not running the task is dropped and 0
// is returned.
func (s *Scheduler) AddEvent(t *Task) uint32 {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		glog.Errorf("scheduler: not running; dropping event %d", t.eventID)
		metrics.SchedulerEvents.WithLabelValues("dropped").Inc()
		return 0
	}

	if t.eventID == 0 {
		if s.lastEventID == 0xFFFFFFFF {
			s.lastEventID = 0
		}
		s.lastEventID++
		t.eventID = s.lastEventID
	}

	s.live[t.eventID] = struct{}{}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.events, t)

	// Only a new earliest task changes how long the worker has to sleep.
	earliest := s.events[0] == t
	id := t.eventID
	s.mu.Unlock()

	metrics.SchedulerEvents.WithLabelValues("added").Inc()
	if earliest {
		s.signal()
	}
	return id
}

// AddFunc schedules f to be dispatched after delay and returns the event id.
func (s *Scheduler) AddFunc(delay time.Duration, f func()) uint32 {
	return s.AddEvent(NewTask(delay, f))
}

// StopEvent cancels the event with the passed id. It returns false if the id
// is 0 or not live, which includes events that were already handed to the
// dispatcher.
func (s *Scheduler) StopEvent(id uint32) bool {
	if id == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		return false
	}
	delete(s.live, id)
	metrics.SchedulerEvents.WithLabelValues("cancelled").Inc()
	return true
}

// Len returns the number of queued events, including stopped ones which have
// not yet been popped.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.state == StateTerminated {
			s.mu.Unlock()
			return
		}

		var due *Task
		var sleep time.Duration
		waitForever := len(s.events) == 0
		if !waitForever {
			sleep = time.Until(s.events[0].cycle)
			if sleep <= 0 {
				due = heap.Pop(&s.events).(*Task)
			}
		}

		run := false
		if due != nil {
			if _, ok := s.live[due.eventID]; ok {
				delete(s.live, due.eventID)
				run = true
			}
		}
		s.mu.Unlock()

		if due != nil {
			if run {
				metrics.SchedulerEvents.WithLabelValues("fired").Inc()
				s.target.AddTask(due.Task)
			}
			continue
		}

		if waitForever {
			<-s.wake
			continue
		}

		timer := time.NewTimer(sleep)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Stop moves the scheduler into the closing state: no new events are
// accepted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateClosing
	}
	s.mu.Unlock()
}

// Shutdown terminates the worker goroutine, drops all pending events and
// waits for the worker to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.state = StateTerminated
	s.events = nil
	s.live = make(map[uint32]struct{})
	started := s.started
	s.mu.Unlock()

	s.signal()
	if started {
		<-s.done
	}
}
