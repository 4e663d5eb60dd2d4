package net

import (
	gonet "net"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// Protocol is a conversation with the client, selected by the first byte of
// the first message on a connection.
//
// Implementations embed *BaseProtocol, which carries the connection, the
// encryption state and the reference count.
type Protocol interface {
	// OnRecvFirstMessage is called from the connection's reader with the
	// first message, after the checksum and the protocol id byte were
	// consumed.
	OnRecvFirstMessage(msg *Message)
	// ParsePacket is called from the connection's reader with every later
	// message, after XTEA decryption if it is enabled.
	ParsePacket(msg *Message)

	base() *BaseProtocol
}

// Releaser is implemented by protocols which need to clean up once the
// protocol is destroyed. OnRelease runs on the dispatcher.
type Releaser interface {
	OnRelease()
}

// ProtocolFactory creates the protocol for a newly identified connection.
// checksummed reports whether the first message carried a valid checksum.
type ProtocolFactory func(c *Connection, checksummed bool) Protocol

// BaseProtocol holds what every protocol shares.
type BaseProtocol struct {
	server *Server
	conn   atomic.Pointer[Connection]
	self   Protocol
	refs   atomic.Int32

	mu           sync.Mutex
	outputBuffer *OutputMessage
	encryption   bool
	checksum     bool
	raw          bool
	key          XTEAKey
	cipher       *XTEACipher
}

// NewBaseProtocol binds a protocol to c. checksummed enables the checksum in
// the crypto header of encrypted output.
func NewBaseProtocol(c *Connection, checksummed bool) *BaseProtocol {
	p := &BaseProtocol{
		server:   c.server,
		checksum: checksummed,
	}
	p.self = p
	p.conn.Store(c)
	return p
}

func (p *BaseProtocol) base() *BaseProtocol { return p }

// OnRecvFirstMessage does nothing; protocols override it.
func (p *BaseProtocol) OnRecvFirstMessage(msg *Message) {}

// ParsePacket does nothing; protocols override it.
func (p *BaseProtocol) ParsePacket(msg *Message) {}

// Connection returns the connection, or nil once it was closed.
func (p *BaseProtocol) Connection() *Connection { return p.conn.Load() }

func (p *BaseProtocol) setConnection(c *Connection) { p.conn.Store(c) }

// Server returns the server the protocol's connection was accepted by.
func (p *BaseProtocol) Server() *Server { return p.server }

// IP returns the peer address, or nil if unknown or disconnected.
func (p *BaseProtocol) IP() gonet.IP {
	if c := p.Connection(); c != nil {
		return c.IP()
	}
	return nil
}

// SetXTEAKey installs the session key.
func (p *BaseProtocol) SetXTEAKey(key XTEAKey) error {
	c, err := NewXTEACipher(key)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.key = key
	p.cipher = c
	p.mu.Unlock()
	return nil
}

// XTEAKey returns the session key.
func (p *BaseProtocol) XTEAKey() XTEAKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

// EnableXTEAEncryption makes the protocol decrypt incoming and encrypt
// outgoing messages with the session key. SetXTEAKey must be called first.
func (p *BaseProtocol) EnableXTEAEncryption() {
	p.mu.Lock()
	p.encryption = true
	p.mu.Unlock()
}

// DisableChecksum omits the checksum from encrypted output.
func (p *BaseProtocol) DisableChecksum() {
	p.mu.Lock()
	p.checksum = false
	p.mu.Unlock()
}

// SetRawMessages makes outgoing messages go out with no header at all.
func (p *BaseProtocol) SetRawMessages(raw bool) {
	p.mu.Lock()
	p.raw = raw
	p.mu.Unlock()
}

// RSADecrypt decrypts the rest of msg with the server's private key.
func (p *BaseProtocol) RSADecrypt(msg *Message) error {
	return msg.RSADecryptRemainder(p.server.PrivateKey)
}

// OutputBuffer returns the protocol's current autosend message, allocating
// one if needed. It returns nil once the connection is gone.
func (p *BaseProtocol) OutputBuffer() *OutputMessage {
	p.mu.Lock()
	out := p.outputBuffer
	p.mu.Unlock()
	if out != nil {
		return out
	}

	out = p.server.Pool.GetOutputMessage(p, true)
	p.mu.Lock()
	p.outputBuffer = out
	p.mu.Unlock()
	return out
}

func (p *BaseProtocol) forgetOutputBuffer(msg *OutputMessage) {
	p.mu.Lock()
	if p.outputBuffer == msg {
		p.outputBuffer = nil
	}
	p.mu.Unlock()
}

// onSendMessage applies the framing of the protocol to msg right before it
// is queued on the connection.
func (p *BaseProtocol) onSendMessage(msg *OutputMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.raw {
		msg.writeMessageLength()
		if p.encryption {
			if err := msg.pad(); err != nil {
				glog.Errorf("protocol: padding output message: %v", err)
			} else if err := p.cipher.Encrypt(msg.Bytes()); err != nil {
				glog.Errorf("protocol: encrypting output message: %v", err)
			}
			msg.addCryptoHeader(p.checksum)
		}
	}
	if p.outputBuffer == msg {
		p.outputBuffer = nil
	}
}

// recvMessage decrypts msg if needed and hands it to proto.
func recvMessage(proto Protocol, msg *Message) {
	p := proto.base()

	p.mu.Lock()
	cipher := p.cipher
	encryption := p.encryption
	p.mu.Unlock()

	if encryption {
		if err := msg.XTEADecrypt(cipher); err != nil {
			glog.V(1).Infof("protocol: %s: dropping connection: %v", p.IP(), err)
			p.Disconnect()
			return
		}
	}
	proto.ParsePacket(msg)
}

// SendMessage sends a one-off message built by fill. fill errors are
// logged, and the message is dropped.
func (p *BaseProtocol) SendMessage(fill func(out *OutputMessage) error) {
	pool := p.server.Pool
	out := pool.GetOutputMessage(p, false)
	if out == nil {
		return
	}
	if err := fill(out); err != nil {
		glog.Errorf("protocol: building message: %v", err)
		pool.ReleaseMessage(out, false)
		return
	}
	pool.Send(out)
}

// DisconnectClient sends code followed by text and closes the connection.
// Login refusals use 0x0A; the game protocol uses 0x14 except for version
// errors.
func (p *BaseProtocol) DisconnectClient(code byte, text string) {
	p.SendMessage(func(out *OutputMessage) error {
		if err := out.WriteByte(code); err != nil {
			return err
		}
		return out.WriteTibiaString(text)
	})
	p.Disconnect()
}

// Disconnect asks the connection to close.
func (p *BaseProtocol) Disconnect() {
	if c := p.Connection(); c != nil {
		c.CloseConnection()
	}
}

func (p *BaseProtocol) addRef() { p.refs.Add(1) }

func (p *BaseProtocol) unRef() {
	if p.refs.Add(-1) < 0 {
		glog.Errorf("protocol: reference count below zero")
	}
}

// Refs returns the number of live references to the protocol.
func (p *BaseProtocol) Refs() int32 { return p.refs.Load() }

// releaseProtocol runs on the dispatcher. The protocol is destroyed once no
// output message references it.
func (p *BaseProtocol) releaseProtocol() {
	if p.refs.Load() > 0 {
		if p.server.Scheduler.AddFunc(p.server.opts.ReleaseRetry, p.releaseProtocol) == 0 {
			glog.Warningf("protocol: scheduler stopped; abandoning release with %d references", p.refs.Load())
		}
		return
	}
	p.deleteProtocolTask()
}

func (p *BaseProtocol) deleteProtocolTask() {
	if n := p.refs.Load(); n != 0 {
		glog.Fatalf("protocol: deleting with %d references", n)
	}
	p.setConnection(nil)

	if r, ok := p.self.(Releaser); ok {
		r.OnRelease()
	}
}
