package net

import (
	"crypto/rsa"
	"math/big"

	"github.com/pkg/errors"
)

// RSABlockSize is the size of the RSA block the client sends: one 1024-bit
// integer.
const RSABlockSize = 128

// RSADecryptBlock performs raw (unpadded) RSA decryption of a single block
// and returns the result left-padded with zeroes to RSABlockSize bytes.
func RSADecryptBlock(pk *rsa.PrivateKey, block []byte) ([]byte, error) {
	if len(block) != RSABlockSize {
		return nil, errors.Wrapf(ErrRSABlockSize, "got %d bytes", len(block))
	}
	c := new(big.Int).SetBytes(block)
	if c.Cmp(pk.N) >= 0 {
		return nil, errors.New("rsa block is not smaller than the modulus")
	}
	m := new(big.Int).Exp(c, pk.D, pk.N)
	return leftPad(m.Bytes(), RSABlockSize), nil
}

// RSAEncryptBlock performs raw RSA encryption of a single block, as the
// client does before sending its login or game packet.
func RSAEncryptBlock(pub *rsa.PublicKey, block []byte) ([]byte, error) {
	if len(block) != RSABlockSize {
		return nil, errors.Wrapf(ErrRSABlockSize, "got %d bytes", len(block))
	}
	m := new(big.Int).SetBytes(block)
	if m.Cmp(pub.N) >= 0 {
		return nil, errors.New("rsa block is not smaller than the modulus")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(c.Bytes(), RSABlockSize), nil
}

func leftPad(input []byte, size int) []byte {
	n := len(input)
	if n > size {
		n = size
	}
	out := make([]byte, size)
	copy(out[len(out)-n:], input)
	return out
}
