package login

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadCredentials is returned by Accounts when the account does not exist
// or the password does not match.
var ErrBadCredentials = errors.New("account name or password is not correct")

// Account is what the login server needs to know about an account.
type Account struct {
	Name        string
	Characters  []CharacterListEntry
	PremiumDays uint16
}

// Accounts authenticates players. Implementations may block; they are
// called from the connection's reader, not from the dispatcher.
type Accounts interface {
	Authenticate(ctx context.Context, name, password string) (*Account, error)
}

// StaticAccount is an account with a plaintext password, for StaticAccounts.
type StaticAccount struct {
	Account
	Password string
}

// StaticAccounts is a fixed set of accounts, keyed by lowercase name.
type StaticAccounts map[string]StaticAccount

// NewStaticAccounts indexes accounts by their lowercased names.
func NewStaticAccounts(accounts ...StaticAccount) StaticAccounts {
	s := make(StaticAccounts, len(accounts))
	for _, a := range accounts {
		s[strings.ToLower(a.Name)] = a
	}
	return s
}

func (s StaticAccounts) Authenticate(ctx context.Context, name, password string) (*Account, error) {
	a, ok := s[strings.ToLower(name)]
	if !ok || subtle.ConstantTimeCompare([]byte(a.Password), []byte(password)) != 1 {
		return nil, ErrBadCredentials
	}
	acc := a.Account
	return &acc, nil
}
