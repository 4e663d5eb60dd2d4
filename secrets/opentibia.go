// Package secrets provides the RSA private key used to decrypt the first
// packet of the login and game protocols.
package secrets

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

var (
	bigOne = big.NewInt(1)
	// RSA private key used by OpenTibia server to decrypt content encrypted with the corresponding public key.
	OpenTibiaPrivateKey rsa.PrivateKey
)

func init() {
	if err := initOpenTibiaPK(); err != nil {
		glog.Errorf("secrets: %v", err)
	}
}

func initOpenTibiaPK() error {
	p := "14299623962416399520070177382898895550795403345466153217470516082934737582776038882967213386204600674145392845853859217990626450972452084065728686565928113"
	q := "7630979195970404721891201847792002125535401292779123937207447574596692788513647179235335529307251350570728407373705564708871762033017096809910315212884101"
	pB, ok := new(big.Int).SetString(p, 10)
	if !ok {
		return fmt.Errorf("opentibia key: invalid p")
	}
	qB, ok := new(big.Int).SetString(q, 10)
	if !ok {
		return fmt.Errorf("opentibia key: invalid q")
	}

	pk, err := keyFromPrimes(pB, qB, 65537)
	if err != nil {
		return errors.Wrap(err, "opentibia key")
	}
	OpenTibiaPrivateKey = *pk
	return nil
}

func keyFromPrimes(p, q *big.Int, e int) (*rsa.PrivateKey, error) {
	p1 := new(big.Int).Sub(p, bigOne)
	q1 := new(big.Int).Sub(q, bigOne)
	p1q1 := new(big.Int).Mul(p1, q1)

	d := new(big.Int).ModInverse(big.NewInt(int64(e)), p1q1)
	if d == nil {
		return nil, fmt.Errorf("e=%d has no inverse", e)
	}
	pk := &rsa.PrivateKey{
		Primes: []*big.Int{p, q},
		PublicKey: rsa.PublicKey{
			E: e,
			N: new(big.Int).Mul(p, q),
		},
		D: d,
	}
	pk.Precompute()
	return pk, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key, in either PKCS#1 or
// PKCS#8 form. The modulus must be 1024 bits, as that is all the client
// can encrypt with.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading rsa key")
	}
	return ParsePrivateKey(b)
}

// ParsePrivateKey decodes the first PEM block in b.
func ParsePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no pem block found")
	}

	var pk *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing pkcs#1 key")
		}
		pk = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing pkcs#8 key")
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pkcs#8 key is %T, not rsa", k)
		}
		pk = rk
	default:
		return nil, fmt.Errorf("unsupported pem block %q", block.Type)
	}

	if bits := pk.N.BitLen(); bits != 1024 {
		return nil, fmt.Errorf("rsa key has %d bits; want 1024", bits)
	}
	return pk, nil
}
