// Package gameworld implements the game protocol, and hands logged in
// players over to a World.
package gameworld

import (
	"context"

	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/gotserv/net"
)

// ErrBadCredentials is returned by World.Authenticate for an unknown
// account, a wrong password or a character not on the account.
var ErrBadCredentials = errors.New("account name, password or character is not correct")

// LoginError refuses a login with a message shown to the player.
type LoginError string

func (e LoginError) Error() string { return string(e) }

// Player is a character in the game.
type Player struct {
	ID      uint32
	Name    string
	Account string
	// GM is set for characters allowed to use the gamemaster login.
	GM bool
	// Direction the character faces: 0 north, 1 east, 2 south, 3 west.
	Direction byte
}

// World is the game the protocol feeds. Authenticate is called from the
// connection's reader and may block. The other methods are called on the
// dispatcher, one at a time.
type World interface {
	Authenticate(ctx context.Context, account, password, character string) (*Player, error)
	// Login places pl in the world. A LoginError is shown to the player;
	// any other error is logged.
	Login(p *Protocol, pl *Player) error
	// Handle processes a packet from a logged in player. msg is positioned
	// after the opcode.
	Handle(p *Protocol, pl *Player, opcode byte, msg *tnet.Message)
	// Logout removes pl from the world. It is called exactly once for
	// every successful Login.
	Logout(p *Protocol, pl *Player)
}
