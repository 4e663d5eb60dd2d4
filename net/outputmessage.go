package net

import (
	"encoding/binary"
	"hash/adler32"
	"time"

	"github.com/pkg/errors"
)

// MaxMessageSize is the largest message the server sends or accepts,
// including all headers.
const MaxMessageSize = 15340

// outputHeaderSize is the room kept in front of the payload for the outer
// length, the checksum and the inner length.
const outputHeaderSize = 2 + 4 + 2

// ErrMessageFull is returned when a write would overflow an OutputMessage.
var ErrMessageFull = errors.New("output message full")

// OutputMessageState tracks where a pooled message is in its lifecycle.
type OutputMessageState int

const (
	OutputMessageFree OutputMessageState = iota
	OutputMessageAllocated
	OutputMessageAllocatedNoAutosend
	OutputMessageWaiting
)

func (s OutputMessageState) String() string {
	switch s {
	case OutputMessageFree:
		return "free"
	case OutputMessageAllocated:
		return "allocated"
	case OutputMessageAllocatedNoAutosend:
		return "allocated_no_autosend"
	case OutputMessageWaiting:
		return "waiting"
	}
	return "unknown"
}

// OutputMessage is a pooled outgoing message. The payload is written after a
// reserved header area, so that the length, checksum and encryption headers
// can be prepended without moving it.
//
// OutputMessages are obtained from an OutputMessagePool and must not be used
// after they were sent or released.
type OutputMessage struct {
	buf   [MaxMessageSize]byte
	start int
	end   int

	state    OutputMessageState
	protocol *BaseProtocol
	conn     *Connection
	frame    time.Time
}

func newOutputMessage() *OutputMessage {
	m := &OutputMessage{}
	m.reset()
	return m
}

func (m *OutputMessage) reset() {
	m.start = outputHeaderSize
	m.end = outputHeaderSize
}

func (m *OutputMessage) free() {
	m.reset()
	m.state = OutputMessageFree
	m.protocol = nil
	m.conn = nil
	m.frame = time.Time{}
}

// Len returns the number of bytes written so far, including any headers
// already prepended.
func (m *OutputMessage) Len() int { return m.end - m.start }

// Bytes returns the message as it would be sent right now.
func (m *OutputMessage) Bytes() []byte { return m.buf[m.start:m.end] }

// Frame returns the frame time of the dispatcher cycle which allocated the
// message.
func (m *OutputMessage) Frame() time.Time { return m.frame }

// Connection returns the connection the message was allocated for.
func (m *OutputMessage) Connection() *Connection { return m.conn }

func (m *OutputMessage) grow(n int) ([]byte, error) {
	if m.end+n > len(m.buf) {
		return nil, errors.Wrapf(ErrMessageFull, "adding %d bytes to %d", n, m.Len())
	}
	b := m.buf[m.end : m.end+n]
	m.end += n
	return b, nil
}

func (m *OutputMessage) Write(p []byte) (int, error) {
	b, err := m.grow(len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

func (m *OutputMessage) WriteByte(c byte) error {
	b, err := m.grow(1)
	if err != nil {
		return err
	}
	b[0] = c
	return nil
}

// WriteU16 appends a little-endian uint16.
func (m *OutputMessage) WriteU16(v uint16) error {
	b, err := m.grow(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// WriteU32 appends a little-endian uint32.
func (m *OutputMessage) WriteU32(v uint32) error {
	b, err := m.grow(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// WriteTibiaString appends a string prefixed with its 16-bit length.
func (m *OutputMessage) WriteTibiaString(s string) error {
	if len(s) > 0xFFFF {
		return errors.Errorf("string of %d bytes is too long", len(s))
	}
	b, err := m.grow(2 + len(s))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return nil
}

func (m *OutputMessage) prepend(n int) []byte {
	if m.start < n {
		panic("output message: header area exhausted")
	}
	m.start -= n
	return m.buf[m.start : m.start+n]
}

func (m *OutputMessage) prependU16(v uint16) {
	binary.LittleEndian.PutUint16(m.prepend(2), v)
}

func (m *OutputMessage) prependU32(v uint32) {
	binary.LittleEndian.PutUint32(m.prepend(4), v)
}

// writeMessageLength prefixes the message with its current length.
func (m *OutputMessage) writeMessageLength() {
	m.prependU16(uint16(m.Len()))
}

// pad extends the message with zeroes up to a multiple of XTEABlockSize.
func (m *OutputMessage) pad() error {
	if r := m.Len() % XTEABlockSize; r != 0 {
		b, err := m.grow(XTEABlockSize - r)
		if err != nil {
			return err
		}
		for i := range b {
			b[i] = 0
		}
	}
	return nil
}

// addCryptoHeader prefixes the encrypted message with its checksum, if
// requested, and then with the total length.
func (m *OutputMessage) addCryptoHeader(checksum bool) {
	if checksum {
		m.prependU32(adler32.Checksum(m.Bytes()))
	}
	m.writeMessageLength()
}
