// Package admin implements the remote administration protocol: a client
// optionally exchanges keys and logs in with a password, then issues
// commands such as broadcasts, kicks and shutdown.
package admin

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ProtocolID is the first byte of an admin connection.
const ProtocolID = 0xFE

// Client to server message types.
const (
	msgLogin       = 1
	msgEncryption  = 2
	msgKeyExchange = 3
	msgCommand     = 4
	msgPing        = 5
)

// Server to client message types.
const (
	msgHello             = 1
	msgKeyExchangeOK     = 2
	msgKeyExchangeFailed = 3
	msgLoginOK           = 4
	msgLoginFailed       = 5
	msgCommandOK         = 6
	msgCommandFailed     = 7
	msgEncryptionOK      = 8
	msgEncryptionFailed  = 9
	msgPingOK            = 10
	msgError             = 12
)

// Commands.
const (
	cmdBroadcast   = 1
	cmdCloseServer = 2
	cmdOpenServer  = 4
	cmdShutdown    = 5
	cmdKick        = 9
)

// Policy bits sent in the hello message.
const (
	RequireLogin      = 1
	RequireEncryption = 2
)

// EncryptionRSA1024XTEA is the only supported key type.
const EncryptionRSA1024XTEA = 1

// ProtocolVersion is sent in the hello message.
const ProtocolVersion = 1

// ErrPlayerNotOnline is returned by Commands.Kick.
var ErrPlayerNotOnline = errors.New("player is not online")

// Commands carries out what administrators ask for. Methods are called on
// the dispatcher.
type Commands interface {
	Broadcast(text string) error
	// CloseServer stops players without gamemaster rights from logging in.
	CloseServer() error
	OpenServer() error
	Shutdown() error
	Kick(name string) error
}

// Options configure the admin protocol.
type Options struct {
	Password          string
	RequireLogin      bool
	RequireEncryption bool
	OnlyLocalhost     bool
	// MaxConnections bounds concurrent admin connections. Zero means one.
	MaxConnections int
	// Timeout bounds the time from connecting until encryption and login
	// are done.
	Timeout time.Duration
	// MaxLoginTries is the number of wrong passwords after which the
	// connection is closed.
	MaxLoginTries int
}

// Admin is shared by all admin connections.
type Admin struct {
	opts     Options
	commands Commands

	mu    sync.Mutex
	conns int
}

// New creates an Admin carrying out commands.
func New(commands Commands, opts Options) *Admin {
	if opts.MaxConnections == 0 {
		opts.MaxConnections = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxLoginTries == 0 {
		opts.MaxLoginTries = 3
	}
	return &Admin{opts: opts, commands: commands}
}

// Policy returns the policy bits announced to clients.
func (a *Admin) Policy() uint16 {
	var p uint16
	if a.opts.RequireLogin {
		p |= RequireLogin
	}
	if a.opts.RequireEncryption {
		p |= RequireEncryption
	}
	return p
}

// ProtocolOptions returns the supported encryption bits announced to
// clients.
func (a *Admin) ProtocolOptions() uint32 {
	if a.opts.RequireEncryption {
		return EncryptionRSA1024XTEA
	}
	return 0
}

func (a *Admin) addConnection() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns >= a.opts.MaxConnections {
		return false
	}
	a.conns++
	return true
}

func (a *Admin) removeConnection() {
	a.mu.Lock()
	a.conns--
	a.mu.Unlock()
}

// Connections returns the number of admin connections.
func (a *Admin) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}
