package net

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/xtea"
)

// XTEABlockSize is the size of a single XTEA block.
const XTEABlockSize = xtea.BlockSize

// XTEAKey is the 128-bit symmetric key sent by the client inside the RSA
// block, as four little-endian words.
type XTEAKey [4]uint32

// XTEACipher encrypts and decrypts data the way the client does: 32 rounds,
// with every 8-byte block read as two little-endian words.
type XTEACipher struct {
	c *xtea.Cipher
}

// NewXTEACipher prepares a cipher for key.
func NewXTEACipher(key XTEAKey) (*XTEACipher, error) {
	// x/crypto/xtea reads the key as big-endian words.
	var kb [16]byte
	for i, k := range key {
		binary.BigEndian.PutUint32(kb[i*4:], k)
	}
	c, err := xtea.NewCipher(kb[:])
	if err != nil {
		return nil, errors.Wrap(err, "creating xtea cipher")
	}
	return &XTEACipher{c: c}, nil
}

// Encrypt encrypts b in place. len(b) must be a multiple of XTEABlockSize.
func (x *XTEACipher) Encrypt(b []byte) error {
	return x.crypt(b, x.c.Encrypt)
}

// Decrypt decrypts b in place. len(b) must be a multiple of XTEABlockSize.
func (x *XTEACipher) Decrypt(b []byte) error {
	return x.crypt(b, x.c.Decrypt)
}

func (x *XTEACipher) crypt(b []byte, f func(dst, src []byte)) error {
	if len(b)%XTEABlockSize != 0 {
		return errors.Wrapf(ErrXTEABlockSize, "%d bytes", len(b))
	}
	var block [XTEABlockSize]byte
	for i := 0; i < len(b); i += XTEABlockSize {
		swapWords(block[:], b[i:])
		f(block[:], block[:])
		swapWords(b[i:], block[:])
	}
	return nil
}

// swapWords copies one block from src to dst, reversing the byte order of
// both 32-bit words.
func swapWords(dst, src []byte) {
	binary.BigEndian.PutUint32(dst[0:], binary.LittleEndian.Uint32(src[0:]))
	binary.BigEndian.PutUint32(dst[4:], binary.LittleEndian.Uint32(src[4:]))
}
