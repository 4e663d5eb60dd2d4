package net

import (
	"github.com/golang/glog"
)

// LegacyProtocol answers clients which do not checksum their messages, and
// so are too old to talk to this server, with a version error.
type LegacyProtocol struct {
	*BaseProtocol
	versionText string
}

// NewLegacyProtocol creates a protocol which replies with versionText and
// disconnects.
func NewLegacyProtocol(c *Connection, versionText string) *LegacyProtocol {
	return &LegacyProtocol{
		BaseProtocol: NewBaseProtocol(c, false),
		versionText:  versionText,
	}
}

func (p *LegacyProtocol) OnRecvFirstMessage(msg *Message) {
	glog.V(1).Infof("legacy client from %s", p.IP())
	p.DisconnectClient(0x0A, p.versionText)
}

// WithLegacy wraps f so that connections without a checksum on their first
// message get a LegacyProtocol instead.
func WithLegacy(f ProtocolFactory, versionText string) ProtocolFactory {
	return func(c *Connection, checksummed bool) Protocol {
		if !checksummed {
			return NewLegacyProtocol(c, versionText)
		}
		return f(c, checksummed)
	}
}
