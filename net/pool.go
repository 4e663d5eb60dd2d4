package net

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/gotserv/metrics"
)

// PoolOptions configure an OutputMessagePool.
type PoolOptions struct {
	// Prealloc is the number of messages created up front.
	Prealloc int
	// AutosendSize is the size above which a batched message is flushed at
	// the end of the current dispatcher cycle.
	AutosendSize int
	// AutosendAge is the age above which a batched message is flushed.
	AutosendAge time.Duration
}

// OutputMessagePool recycles OutputMessages and batches autosend messages
// until the end of the dispatcher cycle in which they grew large or old
// enough.
//
// The pool is a dispatcher.Cycler: BeginCycle stamps the frame time and
// EndCycle flushes due messages.
type OutputMessagePool struct {
	opts PoolOptions

	mu        sync.Mutex
	free      []*OutputMessage
	autosend  []*OutputMessage
	frameTime time.Time
	shutdown  bool
	allocated int

	// flushLater, when set, is asked to run nudge on the dispatcher after
	// a delay, so that messages still held back get another cycle. At most
	// one nudge is outstanding.
	flushLater   func(delay time.Duration, nudge func()) bool
	flushPending bool

	now func() time.Time
}

// NewOutputMessagePool creates a pool and preallocates opts.Prealloc
// messages.
func NewOutputMessagePool(opts PoolOptions) *OutputMessagePool {
	p := &OutputMessagePool{
		opts: opts,
		now:  time.Now,
	}
	for i := 0; i < opts.Prealloc; i++ {
		p.free = append(p.free, newOutputMessage())
	}
	p.allocated = opts.Prealloc
	p.frameTime = p.now()
	metrics.OutputMessagesAllocated.Add(float64(opts.Prealloc))
	return p
}

// SetFlushScheduler registers f to be called when messages are held back
// at the end of a cycle. f should run nudge as a dispatcher task after the
// passed delay, and return false if it cannot.
func (p *OutputMessagePool) SetFlushScheduler(f func(delay time.Duration, nudge func()) bool) {
	p.mu.Lock()
	p.flushLater = f
	p.mu.Unlock()
}

// GetOutputMessage hands out a message bound to proto and its connection.
// Autosend messages are flushed by the pool at the end of a cycle; others
// must be passed to Send.
//
// It returns nil if the pool is shut down or proto has lost its connection.
func (p *OutputMessagePool) GetOutputMessage(proto Protocol, autosend bool) *OutputMessage {
	b := proto.base()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil
	}
	conn := b.Connection()
	if conn == nil {
		return nil
	}

	var msg *OutputMessage
	if n := len(p.free); n > 0 {
		msg = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		msg = newOutputMessage()
		p.allocated++
		metrics.OutputMessagesAllocated.Inc()
	}

	msg.reset()
	if autosend {
		msg.state = OutputMessageAllocated
		p.autosend = append(p.autosend, msg)
	} else {
		msg.state = OutputMessageAllocatedNoAutosend
	}
	msg.protocol = b
	b.addRef()
	msg.conn = conn
	conn.addRef()
	msg.frame = p.frameTime

	metrics.OutputMessagesInUse.Inc()
	return msg
}

// Send sends a message which was obtained without autosend.
func (p *OutputMessagePool) Send(msg *OutputMessage) {
	p.mu.Lock()
	if msg.state != OutputMessageAllocatedNoAutosend {
		state := msg.state
		p.mu.Unlock()
		glog.Warningf("output message pool: not sending message in state %s", state)
		return
	}
	// Marked before the connection sees it, so that a write completing
	// right away can release it.
	msg.state = OutputMessageWaiting
	p.mu.Unlock()

	p.sendMessage(msg)
}

// SendAll flushes every autosend message which is above the size threshold
// or older than the age threshold relative to the current frame time.
func (p *OutputMessagePool) SendAll() {
	p.mu.Lock()
	var due []*OutputMessage
	kept := p.autosend[:0]
	for _, msg := range p.autosend {
		if msg.Len() > p.opts.AutosendSize || p.frameTime.Sub(msg.frame) > p.opts.AutosendAge {
			msg.state = OutputMessageWaiting
			due = append(due, msg)
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(p.autosend); i++ {
		p.autosend[i] = nil
	}
	p.autosend = kept

	var later func(time.Duration, func()) bool
	if len(kept) > 0 && p.flushLater != nil && !p.flushPending {
		p.flushPending = true
		later = p.flushLater
	}
	p.mu.Unlock()

	for _, msg := range due {
		p.sendMessage(msg)
	}
	if later != nil && !later(p.opts.AutosendAge+time.Millisecond, p.nudged) {
		p.mu.Lock()
		p.flushPending = false
		p.mu.Unlock()
	}
}

// nudged is the task scheduled by SendAll. The cycle it runs in ends with
// another SendAll, which schedules the next nudge if still needed.
func (p *OutputMessagePool) nudged() {
	p.mu.Lock()
	p.flushPending = false
	p.mu.Unlock()
}

func (p *OutputMessagePool) sendMessage(msg *OutputMessage) {
	conn := msg.conn
	if conn == nil {
		glog.Errorf("output message pool: message without a connection")
		p.ReleaseMessage(msg, true)
		return
	}
	if !conn.Send(msg) {
		msg.protocol.forgetOutputBuffer(msg)
		p.ReleaseMessage(msg, true)
	}
}

// ReleaseMessage returns msg to the pool. sent must be true when the message
// is in the waiting state, that is once its write completed or failed;
// releasing a waiting message with sent false is an error and does nothing.
func (p *OutputMessagePool) ReleaseMessage(msg *OutputMessage, sent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.state {
	case OutputMessageAllocated:
		for i, m := range p.autosend {
			if m == msg {
				copy(p.autosend[i:], p.autosend[i+1:])
				p.autosend[len(p.autosend)-1] = nil
				p.autosend = p.autosend[:len(p.autosend)-1]
				break
			}
		}
		p.releaseLocked(msg)
	case OutputMessageAllocatedNoAutosend:
		p.releaseLocked(msg)
	case OutputMessageWaiting:
		if !sent {
			glog.Errorf("output message pool: releasing unsent waiting message")
			metrics.OutputMessageReleaseErrors.WithLabelValues(msg.state.String()).Inc()
			return
		}
		p.releaseLocked(msg)
	default:
		glog.Errorf("output message pool: releasing message in state %s", msg.state)
		metrics.OutputMessageReleaseErrors.WithLabelValues(msg.state.String()).Inc()
	}
}

func (p *OutputMessagePool) releaseLocked(msg *OutputMessage) {
	if msg.protocol != nil {
		msg.protocol.unRef()
	}
	if msg.conn != nil {
		msg.conn.unRef()
	} else {
		glog.Warningf("output message pool: releasing message without a connection")
	}
	msg.free()
	p.free = append(p.free, msg)
	metrics.OutputMessagesInUse.Dec()
}

// BeginCycle stamps the frame time used to age autosend messages.
func (p *OutputMessagePool) BeginCycle() {
	p.mu.Lock()
	p.frameTime = p.now()
	p.mu.Unlock()
}

// EndCycle flushes due autosend messages.
func (p *OutputMessagePool) EndCycle() {
	p.SendAll()
}

// Shutdown makes GetOutputMessage return nil from now on.
func (p *OutputMessagePool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
}

// Stats reports how many messages exist and how many are free.
func (p *OutputMessagePool) Stats() (allocated, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, len(p.free)
}
