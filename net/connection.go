package net

import (
	"encoding/binary"
	"fmt"
	"io"
	gonet "net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/gotserv/metrics"
)

type closeState int

const (
	closeNone closeState = iota
	closeRequested
	closing
)

// Connection owns one client socket.
//
// Reads happen on a dedicated goroutine; writes on a goroutine started per
// message, with at most one in flight. Closing is requested by
// CloseConnection and carried out on the dispatcher: the protocol is
// released first, then the socket is closed once no write is in flight, and
// the connection is destroyed once the reader has exited and no output
// message refers to it.
type Connection struct {
	server *Server
	socket gonet.Conn
	events trace.EventLog
	refs   atomic.Int32

	mu            sync.Mutex
	protocol      Protocol
	pendingRead   int
	pendingWrite  int
	outputQueue   []*OutputMessage
	closeState    closeState
	readError     bool
	writeError    bool
	socketClosed  bool
	releasePosted bool
	deleted       bool
}

func newConnection(s *Server, socket gonet.Conn) *Connection {
	c := &Connection{
		server: s,
		socket: socket,
		events: trace.NewEventLog("gotserv.Connection", socket.RemoteAddr().String()),
	}
	return c
}

// RemoteAddr returns the peer address of the socket.
func (c *Connection) RemoteAddr() gonet.Addr { return c.socket.RemoteAddr() }

// IP returns the peer IP address, or nil if the socket is not IP based.
func (c *Connection) IP() gonet.IP {
	switch a := c.socket.RemoteAddr().(type) {
	case *gonet.TCPAddr:
		return a.IP
	case *gonet.UDPAddr:
		return a.IP
	}
	return nil
}

func (c *Connection) String() string {
	return c.socket.RemoteAddr().String()
}

// Protocol returns the protocol selected for the connection, or nil.
func (c *Connection) Protocol() Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

func (c *Connection) addRef() { c.refs.Add(1) }

func (c *Connection) unRef() {
	if c.refs.Add(-1) < 0 {
		glog.Errorf("connection %s: reference count below zero", c)
	}
}

// Refs returns the number of output messages referring to the connection.
func (c *Connection) Refs() int32 { return c.refs.Load() }

// acceptConnection starts reading. The reader holds a single pending read
// for its whole life.
func (c *Connection) acceptConnection() {
	c.mu.Lock()
	c.pendingRead++
	c.mu.Unlock()

	c.events.Printf("accepted")
	go c.readLoop()
}

func (c *Connection) readLoop() {
	var header [2]byte
	for {
		if d := c.server.opts.ReadTimeout; d > 0 {
			c.socket.SetReadDeadline(time.Now().Add(d))
		}
		_, err := io.ReadFull(c.socket, header[:])
		size, ok := c.parseHeader(header[:], err)
		if !ok {
			return
		}

		body := make([]byte, size)
		_, err = io.ReadFull(c.socket, body)
		if !c.parsePacket(body, err) {
			return
		}
	}
}

// parseHeader validates the length header of the next message. It returns
// false if the reader has to stop, in which case the pending read is gone.
func (c *Connection) parseHeader(header []byte, err error) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeState == closing {
		c.pendingRead--
		c.closingConnection()
		return 0, false
	}
	if err != nil {
		c.pendingRead--
		c.handleReadError(err)
		return 0, false
	}

	size := int(binary.LittleEndian.Uint16(header))
	if size == 0 || size >= c.server.opts.MaxPacketSize-16 {
		c.pendingRead--
		c.events.Errorf("invalid packet size %d", size)
		glog.V(1).Infof("connection %s: invalid packet size %d", c, size)
		metrics.ConnectionErrors.WithLabelValues("read").Inc()
		c.readError = true
		c.closeConnectionLocked()
		return 0, false
	}
	return size, true
}

// parsePacket hands the message body to the protocol, selecting the
// protocol first if this is the first message. It returns false if the
// reader has to stop.
func (c *Connection) parsePacket(body []byte, err error) bool {
	c.mu.Lock()
	if c.closeState == closing {
		c.pendingRead--
		c.closingConnection()
		c.mu.Unlock()
		return false
	}
	if err != nil {
		c.pendingRead--
		c.handleReadError(err)
		c.mu.Unlock()
		return false
	}

	msg := NewMessage(body)
	checksummed := msg.VerifyChecksum()

	proto := c.protocol
	first := proto == nil
	if first {
		proto = c.selectProtocolLocked(msg, checksummed)
		if proto == nil {
			c.pendingRead--
			c.readError = true
			c.closeConnectionLocked()
			c.mu.Unlock()
			return false
		}
	}
	c.mu.Unlock()

	// The protocol may send or close from here, both of which lock the
	// connection. The pending read stays counted, so the connection can't
	// be released while the callback runs.
	if first {
		proto.OnRecvFirstMessage(msg)
	} else {
		recvMessage(proto, msg)
	}
	return true
}

// selectProtocolLocked picks the protocol from the first byte after the
// checksum field. The first message always carries the field; when it does
// not match, the legacy codec is used and the field is skipped.
func (c *Connection) selectProtocolLocked(msg *Message, checksummed bool) Protocol {
	if !checksummed {
		msg.Next(checksumSize)
	}
	id, err := msg.ReadByte()
	if err != nil {
		c.events.Errorf("empty first message")
		return nil
	}
	factory := c.server.protocolFactory(id)
	if factory == nil {
		c.events.Errorf("unknown protocol 0x%02x", id)
		glog.V(1).Infof("connection %s: unknown protocol 0x%02x", c, id)
		metrics.ProtocolSelected.WithLabelValues("unknown", fmt.Sprint(checksummed)).Inc()
		return nil
	}

	proto := factory(c, checksummed)
	proto.base().self = proto
	c.protocol = proto

	name := fmt.Sprintf("0x%02x", id)
	c.events.Printf("protocol %s, checksummed=%t", name, checksummed)
	metrics.ProtocolSelected.WithLabelValues(name, fmt.Sprint(checksummed)).Inc()
	return proto
}

// Send queues msg for writing, applying the protocol's framing first. It
// returns false if the connection is closing or broken, in which case the
// caller still owns msg.
func (c *Connection) Send(msg *OutputMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeState == closing || c.writeError {
		return false
	}

	msg.protocol.onSendMessage(msg)

	if c.pendingWrite == 0 {
		c.internalSend(msg)
		return true
	}

	c.outputQueue = append(c.outputQueue, msg)
	c.pendingWrite++
	if c.pendingWrite > c.server.opts.MaxOutputQueue && c.server.opts.ForceCloseSlowConnection {
		c.events.Errorf("output queue of %d messages", c.pendingWrite)
		glog.Infof("connection %s: forcing slow connection to disconnect", c)
		metrics.SlowConnectionsClosed.Inc()
		c.closeConnectionLocked()
	}
	return true
}

func (c *Connection) internalSend(msg *OutputMessage) {
	c.pendingWrite++
	go c.write(msg)
}

func (c *Connection) write(msg *OutputMessage) {
	n, err := c.socket.Write(msg.Bytes())
	metrics.BytesWritten.Add(float64(n))
	c.onWriteOperation(msg, err)
}

func (c *Connection) onWriteOperation(msg *OutputMessage, err error) {
	c.server.Pool.ReleaseMessage(msg, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if c.pendingWrite > 0 {
			if len(c.outputQueue) > 0 {
				next := c.outputQueue[0]
				c.outputQueue[0] = nil
				c.outputQueue = c.outputQueue[1:]
				c.pendingWrite--
				c.internalSend(next)
			}
			c.pendingWrite--
		} else {
			glog.Errorf("connection %s: write completed with no pending write", c)
		}
	} else {
		c.pendingWrite--
		c.handleWriteError(err)
	}

	if c.closeState == closing {
		c.closingConnection()
	}
}

// isAbortError reports errors caused by our own closing of the socket.
func isAbortError(err error) bool {
	return errors.Is(err, gonet.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// isPeerClose reports errors which mean the client went away.
func isPeerClose(err error) bool {
	return err == io.EOF ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (c *Connection) handleReadError(err error) {
	switch {
	case isAbortError(err):
		c.events.Printf("read aborted")
	case isPeerClose(err):
		c.events.Printf("peer closed: %v", err)
		c.closeConnectionLocked()
	default:
		c.events.Errorf("read error: %v", err)
		glog.Warningf("connection %s: read error: %v", c, err)
		metrics.ConnectionErrors.WithLabelValues("read").Inc()
		c.closeConnectionLocked()
	}
	c.readError = true
}

func (c *Connection) handleWriteError(err error) {
	switch {
	case isAbortError(err):
		c.events.Printf("write aborted")
	case isPeerClose(err):
		c.events.Printf("peer closed: %v", err)
		c.closeConnectionLocked()
	default:
		c.events.Errorf("write error: %v", err)
		glog.Warningf("connection %s: write error: %v", c, err)
		metrics.ConnectionErrors.WithLabelValues("write").Inc()
		c.closeConnectionLocked()
	}
	c.writeError = true
}

// CloseConnection requests the connection to close. Only the first request
// has an effect; the actual closing runs on the dispatcher.
func (c *Connection) CloseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConnectionLocked()
}

func (c *Connection) closeConnectionLocked() {
	if c.closeState != closeNone {
		return
	}
	c.closeState = closeRequested
	c.events.Printf("close requested")

	if !c.server.Dispatcher.AddFunc(c.closeConnectionTask) {
		// Nothing will run the close task. Drop the socket so the reader
		// exits at least.
		glog.Warningf("connection %s: dispatcher not running; closing socket directly", c)
		if !c.socketClosed {
			c.socket.Close()
			c.socketClosed = true
		}
	}
}

func (c *Connection) closeConnectionTask() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeState != closeRequested {
		glog.Errorf("connection %s: close task in state %d", c, c.closeState)
		return
	}
	c.closeState = closing
	c.events.Printf("closing")

	if c.protocol != nil {
		b := c.protocol.base()
		c.server.Dispatcher.AddFunc(b.releaseProtocol)
		b.setConnection(nil)
		c.protocol = nil
	}

	// Pending writes get a bounded amount of time to drain.
	if d := c.server.opts.CloseWriteTimeout; d > 0 {
		c.socket.SetWriteDeadline(time.Now().Add(d))
	}

	c.closingConnection()
}

// closingConnection closes the socket once no write is in flight, and posts
// the release of the connection once the reader is gone too. It is called
// with the lock held, whenever an operation completes while closing.
func (c *Connection) closingConnection() bool {
	if c.pendingWrite != 0 && !c.writeError {
		return false
	}

	if !c.socketClosed {
		if err := c.socket.Close(); err != nil && !isAbortError(err) {
			glog.V(1).Infof("connection %s: closing socket: %v", c, err)
		}
		c.socketClosed = true
	}

	if c.pendingRead != 0 {
		return false
	}
	if !c.releasePosted {
		c.releasePosted = true
		c.server.Dispatcher.AddFunc(c.releaseConnection)
	}
	return true
}

// releaseConnection runs on the dispatcher. Messages still queued can never
// be written any more, so they are dropped first; the connection is then
// destroyed once no other message refers to it.
func (c *Connection) releaseConnection() {
	c.mu.Lock()
	queue := c.outputQueue
	c.outputQueue = nil
	c.mu.Unlock()

	for i := len(queue) - 1; i >= 0; i-- {
		c.server.Pool.ReleaseMessage(queue[i], true)
	}

	if n := c.refs.Load(); n > 0 {
		if c.server.Scheduler.AddFunc(c.server.opts.ReleaseRetry, c.releaseConnection) == 0 {
			glog.Warningf("connection %s: scheduler stopped; abandoning release with %d references", c, n)
		}
		return
	}
	c.deleteConnectionTask()
}

func (c *Connection) deleteConnectionTask() {
	if n := c.refs.Load(); n != 0 {
		glog.Fatalf("connection %s: deleting with %d references", c, n)
	}

	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return
	}
	c.deleted = true
	c.mu.Unlock()

	c.server.Connections.releaseConnection(c)
	c.events.Printf("released")
	c.events.Finish()
}

// Closed reports whether the connection was destroyed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}
