package status

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/valyala/bytebufferpool"

	tnet "badc0de.net/pkg/gotserv/net"
)

// ProtocolID is the first byte of a status connection.
const ProtocolID = 0xFF

// DefaultInterval is how often an IP may query the status.
const DefaultInterval = 5 * time.Second

// Protocol answers one status query and closes the connection.
type Protocol struct {
	*tnet.BaseProtocol
	status   *Status
	throttle *throttle
}

// NewFactory returns a factory for status protocols answering from st.
// Queries from an IP which come sooner than interval after its previous
// one are dropped.
func NewFactory(st *Status, interval time.Duration) tnet.ProtocolFactory {
	if interval == 0 {
		interval = DefaultInterval
	}
	t := newThrottle(interval)
	return func(c *tnet.Connection, checksummed bool) tnet.Protocol {
		return &Protocol{
			BaseProtocol: tnet.NewBaseProtocol(c, checksummed),
			status:       st,
			throttle:     t,
		}
	}
}

// Register installs the status protocol on s.
func Register(s *tnet.Server, st *Status, interval time.Duration) {
	s.Register(ProtocolID, NewFactory(st, interval))
}

func (p *Protocol) OnRecvFirstMessage(msg *tnet.Message) {
	defer p.Disconnect()

	ip := p.IP()
	if ip != nil && !p.throttle.allow(ip.String(), time.Now()) {
		glog.V(2).Infof("status: %s asked too soon", ip)
		return
	}

	req, err := msg.ReadByte()
	if err != nil {
		return
	}
	switch req {
	case 0xFF:
		var what [4]byte
		if n, _ := msg.Read(what[:]); n != 4 || string(what[:]) != "info" {
			return
		}
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if err := p.status.WriteXML(buf); err != nil {
			glog.Errorf("status: %v", err)
			return
		}
		p.SetRawMessages(true)
		p.SendMessage(func(out *tnet.OutputMessage) error {
			_, err := out.Write(buf.B)
			return err
		})
	case 0x01:
		flags, err := msg.ReadU16()
		if err != nil {
			return
		}
		p.SendMessage(func(out *tnet.OutputMessage) error {
			return p.status.WriteInfo(out, flags, msg)
		})
	default:
		glog.V(2).Infof("status: unknown request 0x%02x from %s", req, ip)
	}
}

// throttle remembers when each IP last asked.
type throttle struct {
	interval time.Duration

	mu          sync.Mutex
	last        map[string]time.Time
	lastCleanup time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (t *throttle) allow(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastCleanup) > time.Minute {
		for k, at := range t.last {
			if now.Sub(at) >= t.interval {
				delete(t.last, k)
			}
		}
		t.lastCleanup = now
	}

	if at, ok := t.last[ip]; ok && now.Sub(at) < t.interval {
		return false
	}
	t.last[ip] = now
	return true
}
