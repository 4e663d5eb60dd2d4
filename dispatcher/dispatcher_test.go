package dispatcher

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))
}

type countingCycler struct {
	mu         sync.Mutex
	begin, end int
}

func (c *countingCycler) BeginCycle() {
	c.mu.Lock()
	c.begin++
	c.mu.Unlock()
}

func (c *countingCycler) EndCycle() {
	c.mu.Lock()
	c.end++
	c.mu.Unlock()
}

func TestFIFOFromManyGoroutines(t *testing.T) {
	d := New()
	d.Start()
	defer d.Shutdown()

	const producers = 8
	const perProducer = 200

	var (
		mu  sync.Mutex
		got = make(map[int][]int)
		all sync.WaitGroup
	)
	all.Add(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				i := i
				if !d.AddFunc(func() {
					mu.Lock()
					got[p] = append(got[p], i)
					mu.Unlock()
					all.Done()
				}) {
					t.Errorf("AddFunc rejected task %d/%d", p, i)
					all.Done()
				}
			}
		}(p)
	}
	wg.Wait()
	all.Wait()

	for p := 0; p < producers; p++ {
		if len(got[p]) != perProducer {
			t.Fatalf("producer %d: got %d tasks; want %d", p, len(got[p]), perProducer)
		}
		for i, v := range got[p] {
			if v != i {
				t.Fatalf("producer %d: task %d ran at position %d", p, v, i)
			}
		}
	}
}

func TestSequentialOrder(t *testing.T) {
	d := New()

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		d.AddFunc(func() { order = append(order, i) })
	}

	done := make(chan struct{})
	d.AddFunc(func() { close(done) })
	d.Start()
	defer d.Shutdown()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d; want %d", i, v, i)
		}
	}
}

func TestCyclersWrapEveryTask(t *testing.T) {
	c := &countingCycler{}
	d := New()
	d.AddCycler(c)

	for i := 0; i < 10; i++ {
		d.AddFunc(func() {})
	}
	d.Flush()

	if c.begin != 10 || c.end != 10 {
		t.Errorf("got begin=%d end=%d; want 10 and 10", c.begin, c.end)
	}
}

func TestFlushRunsTasksQueuedByTasks(t *testing.T) {
	d := New()
	ran := 0
	d.AddFunc(func() {
		ran++
		d.AddFunc(func() { ran++ })
	})
	d.Flush()
	if ran != 2 {
		t.Errorf("got %d tasks run; want 2", ran)
	}
	if d.Len() != 0 {
		t.Errorf("queue not empty after flush: %d", d.Len())
	}
}

func TestShutdownDropsTasksQueuedWhileFlushing(t *testing.T) {
	d := New()
	queued := true
	d.AddFunc(func() {
		queued = d.AddFunc(func() { t.Error("follow-up task ran after Shutdown") })
	})
	d.Shutdown()
	if queued {
		t.Error("AddFunc accepted a follow-up task during Shutdown")
	}
	if d.Len() != 0 {
		t.Errorf("queue not empty after shutdown: %d", d.Len())
	}
}

func TestStopRejectsNewTasks(t *testing.T) {
	d := New()
	d.Start()
	d.Stop()

	if d.AddFunc(func() { t.Error("task added after Stop ran") }) {
		t.Error("AddFunc accepted a task after Stop")
	}
	if got := d.State(); got != StateClosing {
		t.Errorf("got state %s; want %s", got, StateClosing)
	}

	d.Shutdown()
	if got := d.State(); got != StateTerminated {
		t.Errorf("got state %s; want %s", got, StateTerminated)
	}
}

func TestShutdownFlushesPendingTasks(t *testing.T) {
	d := New()
	ran := false
	d.AddFunc(func() { ran = true })

	// Never started: Shutdown must still run what was queued.
	d.Shutdown()
	if !ran {
		t.Error("queued task did not run on shutdown")
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	d := New()
	d.Start()
	defer d.Shutdown()

	done := make(chan struct{})
	d.AddFunc(func() { panic("boom") })
	d.AddFunc(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped after a panicking task")
	}
}
