package net

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

var (
	// ErrRSABlockSize is returned when the RSA encrypted remainder of a
	// message is not exactly RSABlockSize bytes.
	ErrRSABlockSize = errors.New("invalid rsa block size")
	// ErrRSAFirstByte is returned when the first decrypted byte is not zero,
	// which means the client used a different key.
	ErrRSAFirstByte = errors.New("rsa decrypted block does not start with zero")
	// ErrXTEABlockSize is returned when encrypted data is not a multiple of
	// the XTEA block size.
	ErrXTEABlockSize = errors.New("invalid xtea encrypted size")
	// ErrXTEALength is returned when the decrypted length header claims more
	// bytes than were received.
	ErrXTEALength = errors.New("invalid xtea unencrypted size")
)

// Message is a single block received from the client, without its 2-byte
// length header.
type Message struct {
	bytes.Buffer
}

// NewMessage wraps body. The message takes ownership of the slice.
func NewMessage(body []byte) *Message {
	return &Message{Buffer: *bytes.NewBuffer(body)}
}

func (msg *Message) Read(b []byte) (int, error) {
	n, err := msg.Buffer.Read(b)
	glog.V(3).Infof("read %d bytes", n)
	return n, err
}

// checksumSize is the size of the adler32 field leading a message.
const checksumSize = 4

// VerifyChecksum checks whether the message starts with the adler32 checksum
// of the rest of the message. If so, the checksum is consumed and true is
// returned; otherwise the message is left untouched.
//
// A message carrying nothing after the checksum field only matches a zero
// checksum.
func (msg *Message) VerifyChecksum() bool {
	b := msg.Bytes()
	if len(b) < checksumSize {
		return false
	}
	received := binary.LittleEndian.Uint32(b[:checksumSize])
	var checksum uint32
	if len(b) > checksumSize {
		checksum = adler32.Checksum(b[checksumSize:])
	}
	if received != checksum {
		return false
	}
	msg.Next(checksumSize)
	return true
}

// ReadU16 reads a little-endian uint16.
func (msg *Message) ReadU16() (uint16, error) {
	var v uint16
	if err := binary.Read(msg, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "reading u16")
	}
	return v, nil
}

// ReadU32 reads a little-endian uint32.
func (msg *Message) ReadU32() (uint32, error) {
	var v uint32
	if err := binary.Read(msg, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "reading u32")
	}
	return v, nil
}

// Skip discards the next n bytes.
func (msg *Message) Skip(n int) error {
	if msg.Len() < n {
		return errors.Wrapf(io.ErrUnexpectedEOF, "skipping %d of %d bytes", n, msg.Len())
	}
	msg.Next(n)
	return nil
}

// ReadXTEAKey reads the four little-endian words of a symmetric key.
func (msg *Message) ReadXTEAKey() (XTEAKey, error) {
	var key XTEAKey
	if err := binary.Read(msg, binary.LittleEndian, &key); err != nil {
		return key, errors.Wrap(err, "reading xtea key")
	}
	return key, nil
}

func (msg *Message) ReadTibiaString() (string, error) {
	var sz uint16
	err := binary.Read(msg, binary.LittleEndian, &sz)
	if err != nil {
		return "", fmt.Errorf("reading tibia string size: %s", err)
	}
	if int(sz) > msg.Len() {
		return "", fmt.Errorf("reading tibia string: size %d exceeds remaining %d bytes", sz, msg.Len())
	}
	return string(msg.Next(int(sz))), nil
}

// RSADecryptRemainder decrypts the rest of the message in place. The rest
// must be exactly one RSA block, and its first decrypted byte must be zero.
// The zero byte is consumed.
func (msg *Message) RSADecryptRemainder(pk *rsa.PrivateKey) error {
	if msg.Len() != RSABlockSize {
		return errors.Wrapf(ErrRSABlockSize, "rsa encrypted block size = %d; want %d", msg.Len(), RSABlockSize)
	}

	em, err := RSADecryptBlock(pk, msg.Bytes())
	if err != nil {
		return errors.Wrap(err, "rsa decrypt")
	}
	msg.Buffer = *bytes.NewBuffer(em)

	if b, _ := msg.ReadByte(); b != 0 {
		return ErrRSAFirstByte
	}
	return nil
}

// XTEADecrypt decrypts the rest of the message in place and trims it to the
// length declared by the 2-byte header found at the start of the decrypted
// data.
func (msg *Message) XTEADecrypt(c *XTEACipher) error {
	b := msg.Bytes()
	if len(b)%XTEABlockSize != 0 {
		return errors.Wrapf(ErrXTEABlockSize, "%d bytes", len(b))
	}
	if err := c.Decrypt(b); err != nil {
		return err
	}
	if len(b) < 2 {
		return errors.Wrapf(ErrXTEALength, "no length header in %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b))
	if n > len(b)-2 {
		return errors.Wrapf(ErrXTEALength, "declared %d bytes; have %d", n, len(b)-2)
	}
	msg.Next(2)
	msg.Truncate(n)
	return nil
}
