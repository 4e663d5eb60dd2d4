package scheduler

import (
	"time"

	"badc0de.net/pkg/gotserv/dispatcher"
)

// Task is a dispatcher task with an event id and an absolute wake time.
type Task struct {
	*dispatcher.Task

	eventID uint32
	cycle   time.Time
	seq     uint64
}

// NewTask creates a task which becomes due after delay.
func NewTask(delay time.Duration, f func()) *Task {
	return &Task{
		Task:  dispatcher.NewTask(f),
		cycle: time.Now().Add(delay),
	}
}

// EventID returns the id assigned by AddEvent, or 0.
func (t *Task) EventID() uint32 { return t.eventID }

// SetEventID presets the id. AddEvent keeps a non-zero id as is.
func (t *Task) SetEventID(id uint32) { t.eventID = id }

// Cycle returns the wake time.
func (t *Task) Cycle() time.Time { return t.cycle }

// taskHeap orders tasks by wake time, then by insertion order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].cycle.Equal(h[j].cycle) {
		return h[i].seq < h[j].seq
	}
	return h[i].cycle.Before(h[j].cycle)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
