// Package dispatcher implements the single goroutine which is allowed to
// mutate game state.
//
// Every piece of work that touches shared state is boxed into a Task and
// queued here. Tasks run strictly in the order they were added, one at a
// time, so the state they touch never needs its own locking.
package dispatcher

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"

	"badc0de.net/pkg/gotserv/metrics"
)

// State is the run state of a Dispatcher.
type State int

const (
	StateRunning State = iota
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Cycler is notified around every task executed by the dispatcher.
//
// The output message pool uses this to stamp the frame time before a task
// and to flush batched messages after it. Game code can use EndCycle to
// drop caches which are only valid for the duration of a single task.
type Cycler interface {
	BeginCycle()
	EndCycle()
}

// Dispatcher is a FIFO task queue drained by a single worker goroutine.
type Dispatcher struct {
	mu     sync.Mutex
	signal *sync.Cond
	tasks  []*Task
	state  State

	cyclers []Cycler

	started bool
	done    chan struct{}
}

// New creates a dispatcher in the running state. The worker goroutine is
// not started until Start is called; tasks added before that are kept.
func New() *Dispatcher {
	d := &Dispatcher{
		done: make(chan struct{}),
	}
	d.signal = sync.NewCond(&d.mu)
	return d
}

// AddCycler registers c to be notified around every executed task. Cyclers
// must be registered before Start.
func (d *Dispatcher) AddCycler(c Cycler) {
	d.mu.Lock()
	d.cyclers = append(d.cyclers, c)
	d.mu.Unlock()
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.run()
}

// AddTask queues t for execution. It returns false if the dispatcher is no
// longer running, in which case the task is dropped.
//
// The worker is only woken when the queue goes from empty to non-empty; if
// the queue already had tasks, the worker is either busy or about to look
// at the queue again anyway.
func (d *Dispatcher) AddTask(t *Task) bool {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		glog.V(1).Infof("dispatcher is %s; dropping task", d.state)
		return false
	}
	wake := len(d.tasks) == 0
	d.tasks = append(d.tasks, t)
	queued := len(d.tasks)
	d.mu.Unlock()

	metrics.DispatcherQueueLength.Set(float64(queued))
	if wake {
		d.signal.Signal()
	}
	return true
}

// AddFunc is shorthand for AddTask(NewTask(f)).
func (d *Dispatcher) AddFunc(f func()) bool {
	return d.AddTask(NewTask(f))
}

// State returns the current run state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && d.state != StateTerminated {
			d.signal.Wait()
		}
		if d.state == StateTerminated {
			d.mu.Unlock()
			return
		}
		t := d.pop()
		cyclers := d.cyclers
		d.mu.Unlock()

		d.execute(t, cyclers)
	}
}

// pop removes the first task. d.mu must be held and the queue non-empty.
func (d *Dispatcher) pop() *Task {
	t := d.tasks[0]
	d.tasks[0] = nil
	d.tasks = d.tasks[1:]
	if len(d.tasks) == 0 {
		d.tasks = nil
	}
	metrics.DispatcherQueueLength.Set(float64(len(d.tasks)))
	return t
}

func (d *Dispatcher) execute(t *Task, cyclers []Cycler) {
	for _, c := range cyclers {
		c.BeginCycle()
	}
	d.call(t)
	for _, c := range cyclers {
		c.EndCycle()
	}
	metrics.DispatcherTasks.Inc()
}

func (d *Dispatcher) call(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("dispatcher: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	t.Execute()
}

// Flush synchronously executes every queued task on the calling goroutine.
// Tasks queued by the flushed tasks run too, as long as the dispatcher still
// accepts tasks. It does not wait for new tasks.
//
// Flush is meant for shutdown, after the worker goroutine has exited. Once
// Stop or Shutdown was called AddTask refuses everything, so follow-up tasks
// queued from within a flush at that point are dropped.
func (d *Dispatcher) Flush() {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		t := d.pop()
		cyclers := d.cyclers
		d.mu.Unlock()

		d.execute(t, cyclers)
	}
}

// Stop moves the dispatcher into the closing state. Queued tasks still run,
// but no new tasks are accepted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.state == StateRunning {
		d.state = StateClosing
	}
	d.mu.Unlock()
}

// Shutdown terminates the worker goroutine, waits for it to exit and then
// flushes whatever is left in the queue on the calling goroutine.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.state = StateTerminated
	started := d.started
	d.mu.Unlock()
	d.signal.Broadcast()

	if started {
		<-d.done
	}
	d.Flush()
}
