// Package nettest provides the client side of the wire protocol and a
// running server, for tests of the protocols built on package net.
package nettest

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"hash/adler32"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/secrets"
)

// StartServer creates and starts a server using the OpenTibia key and an
// in-memory attempt store. register is called before the server starts.
// The server is shut down when the test ends.
func StartServer(t testing.TB, opts tnet.Options, register func(s *tnet.Server)) *tnet.Server {
	t.Helper()
	s := tnet.NewServer(opts, &secrets.OpenTibiaPrivateKey, nil)
	if register != nil {
		register(s)
	}
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return s
}

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

// Pipe connects a new client to s over net.Pipe. A non-nil from is reported
// to the server as the client's address.
func Pipe(s *tnet.Server, from *net.TCPAddr) *Client {
	server, client := net.Pipe()
	if from != nil {
		server = addrConn{Conn: server, remote: from}
	}
	s.Accept(server)
	return NewClient(client)
}

// Client frames, checksums and encrypts messages the way the game client
// does.
type Client struct {
	Conn net.Conn
	// Checksum adds an adler32 checksum to every outgoing message and
	// expects one on encrypted incoming messages. Without it the first
	// message still carries a zeroed checksum field, which no body
	// matches, and later messages carry none.
	Checksum bool

	cipher *tnet.XTEACipher
	sent   bool
}

// NewClient wraps conn. Checksums are on.
func NewClient(conn net.Conn) *Client {
	return &Client{Conn: conn, Checksum: true}
}

// Close closes the connection.
func (c *Client) Close() error { return c.Conn.Close() }

// SetKey makes WriteEncrypted and ReadEncrypted use key.
func (c *Client) SetKey(key tnet.XTEAKey) error {
	cipher, err := tnet.NewXTEACipher(key)
	if err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

// SetDeadline bounds every following read and write.
func (c *Client) SetDeadline(d time.Duration) {
	c.Conn.SetDeadline(time.Now().Add(d))
}

func (c *Client) frame(body []byte) []byte {
	field := c.Checksum || !c.sent
	c.sent = true

	n := len(body)
	if field {
		n += 4
	}
	out := make([]byte, 2, 2+n)
	binary.LittleEndian.PutUint16(out, uint16(n))
	switch {
	case c.Checksum:
		out = binary.LittleEndian.AppendUint32(out, adler32.Checksum(body))
	case field:
		out = append(out, 0, 0, 0, 0)
	}
	return append(out, body...)
}

// WritePacket sends body unencrypted.
func (c *Client) WritePacket(body []byte) error {
	_, err := c.Conn.Write(c.frame(body))
	return errors.Wrap(err, "writing packet")
}

// WriteEncrypted sends body encrypted with the key set by SetKey.
func (c *Client) WriteEncrypted(body []byte) error {
	if c.cipher == nil {
		return errors.New("no xtea key set")
	}
	plain := make([]byte, 2, 2+len(body)+tnet.XTEABlockSize)
	binary.LittleEndian.PutUint16(plain, uint16(len(body)))
	plain = append(plain, body...)
	if r := len(plain) % tnet.XTEABlockSize; r != 0 {
		plain = append(plain, make([]byte, tnet.XTEABlockSize-r)...)
	}
	if err := c.cipher.Encrypt(plain); err != nil {
		return err
	}
	return c.WritePacket(plain)
}

// ReadPacket reads one message and returns it without its length header.
func (c *Client) ReadPacket() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "reading length")
	}
	body := make([]byte, binary.LittleEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(c.Conn, body); err != nil {
		return nil, errors.Wrap(err, "reading body")
	}
	return body, nil
}

// ReadMessage reads one unencrypted message: [len][payload].
func (c *Client) ReadMessage() (*tnet.Message, error) {
	body, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	return tnet.NewMessage(body), nil
}

// ReadEncrypted reads one encrypted message, verifies its checksum if
// enabled and returns the decrypted payload.
func (c *Client) ReadEncrypted() (*tnet.Message, error) {
	if c.cipher == nil {
		return nil, errors.New("no xtea key set")
	}
	body, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	msg := tnet.NewMessage(body)
	if c.Checksum && !msg.VerifyChecksum() {
		return nil, errors.New("bad checksum")
	}
	if err := msg.XTEADecrypt(c.cipher); err != nil {
		return nil, err
	}
	return msg, nil
}

// RSABlock builds the 128-byte RSA block a client sends: a zero byte,
// then plain, then zero padding, encrypted with pub.
func RSABlock(pub *rsa.PublicKey, plain []byte) ([]byte, error) {
	if len(plain) > tnet.RSABlockSize-1 {
		return nil, errors.Errorf("%d bytes do not fit an rsa block", len(plain))
	}
	block := make([]byte, tnet.RSABlockSize)
	copy(block[1:], plain)
	return tnet.RSAEncryptBlock(pub, block)
}

// Builder assembles a message body.
type Builder struct {
	b []byte
}

func (b *Builder) Byte(v byte) *Builder {
	b.b = append(b.b, v)
	return b
}

func (b *Builder) U16(v uint16) *Builder {
	b.b = binary.LittleEndian.AppendUint16(b.b, v)
	return b
}

func (b *Builder) U32(v uint32) *Builder {
	b.b = binary.LittleEndian.AppendUint32(b.b, v)
	return b
}

func (b *Builder) TibiaString(s string) *Builder {
	b.U16(uint16(len(s)))
	b.b = append(b.b, s...)
	return b
}

func (b *Builder) Key(k tnet.XTEAKey) *Builder {
	for _, w := range k {
		b.U32(w)
	}
	return b
}

func (b *Builder) Raw(p []byte) *Builder {
	b.b = append(b.b, p...)
	return b
}

func (b *Builder) Bytes() []byte { return b.b }
