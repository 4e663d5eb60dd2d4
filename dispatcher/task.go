package dispatcher

// Task is a deferred call queued on the dispatcher.
type Task struct {
	f func()
}

// NewTask boxes f into a Task.
func NewTask(f func()) *Task {
	return &Task{f: f}
}

// Execute runs the task. A task with a nil function does nothing.
func (t *Task) Execute() {
	if t == nil || t.f == nil {
		return
	}
	t.f()
}
