package gameworld

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/gotserv/login"
	tnet "badc0de.net/pkg/gotserv/net"
)

const demoFirstPlayerID = 0x10000000

// ErrNotOnline is returned by DemoWorld.Kick.
var ErrNotOnline = errors.New("player is not online")

// MessageStatusWarning is the class of broadcasts.
const MessageStatusWarning byte = 0x12

type demoSession struct {
	pl *Player
	p  *Protocol
}

// DemoWorld is a world without a map: players log in with the characters
// of a login.Accounts, can talk, and are told they can't walk anywhere.
type DemoWorld struct {
	accounts login.Accounts
	gms      map[string]bool

	mu     sync.Mutex
	closed bool
	nextID uint32
	online map[string]demoSession
}

// NewDemoWorld creates a world for the characters of accounts. Characters
// named in gms may use the gamemaster login.
func NewDemoWorld(accounts login.Accounts, gms ...string) *DemoWorld {
	w := &DemoWorld{
		accounts: accounts,
		gms:      make(map[string]bool),
		nextID:   demoFirstPlayerID,
		online:   make(map[string]demoSession),
	}
	for _, name := range gms {
		w.gms[strings.ToLower(name)] = true
	}
	return w
}

func (w *DemoWorld) Authenticate(ctx context.Context, account, password, character string) (*Player, error) {
	acc, err := w.accounts.Authenticate(ctx, account, password)
	if errors.Cause(err) == login.ErrBadCredentials {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	for _, c := range acc.Characters {
		if c.CharacterName == character {
			return &Player{
				Name:      c.CharacterName,
				Account:   acc.Name,
				GM:        w.gms[strings.ToLower(c.CharacterName)],
				Direction: 2,
			}, nil
		}
	}
	return nil, ErrBadCredentials
}

func (w *DemoWorld) Login(p *Protocol, pl *Player) error {
	w.mu.Lock()
	if w.closed && !pl.GM {
		w.mu.Unlock()
		return LoginError("Server is currently closed. Please try again later.")
	}
	if _, ok := w.online[pl.Name]; ok {
		w.mu.Unlock()
		return LoginError("You are already logged in.")
	}
	pl.ID = w.nextID
	w.nextID++
	w.online[pl.Name] = demoSession{pl: pl, p: p}
	w.mu.Unlock()

	return p.Write(func(out *tnet.OutputMessage) error {
		if err := SelfAppear(out, pl.ID, false); err != nil {
			return err
		}
		return TextMessage(out, MessageStatusDefault, fmt.Sprintf("Welcome, %s.", pl.Name))
	})
}

func (w *DemoWorld) Handle(p *Protocol, pl *Player, opcode byte, msg *tnet.Message) {
	var err error
	switch opcode {
	case 0x1E: // ping answer
	case 0x64, 0x65, 0x66, 0x67, 0x68, 0x6A, 0x6B, 0x6C, 0x6D:
		if opcode >= 0x65 && opcode <= 0x68 {
			pl.Direction = opcode - 0x65
		}
		err = p.Write(func(out *tnet.OutputMessage) error {
			if err := CancelWalk(out, pl.Direction); err != nil {
				return err
			}
			return TextMessage(out, MessageStatusSmall, "There is no way.")
		})
	case 0x6F, 0x70, 0x71, 0x72: // turn
		pl.Direction = opcode - 0x6F
	case 0x96:
		err = w.say(p, pl, msg)
	default:
		glog.V(2).Infof("demo world: %s sent unknown opcode 0x%02x", pl.Name, opcode)
	}
	if err != nil {
		glog.Warningf("demo world: %s: opcode 0x%02x: %v", pl.Name, opcode, err)
	}
}

func (w *DemoWorld) say(p *Protocol, pl *Player, msg *tnet.Message) error {
	if _, err := msg.ReadByte(); err != nil { // speak class
		return errors.Wrap(err, "reading speak class")
	}
	text, err := msg.ReadTibiaString()
	if err != nil {
		return errors.Wrap(err, "reading text")
	}
	return p.Write(func(out *tnet.OutputMessage) error {
		return TextMessage(out, MessageInfoDescr, fmt.Sprintf("%s: %s", pl.Name, text))
	})
}

func (w *DemoWorld) Logout(p *Protocol, pl *Player) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.online[pl.Name].pl == pl {
		delete(w.online, pl.Name)
	}
}

// SetOpen opens or closes the world for players without gamemaster
// rights.
func (w *DemoWorld) SetOpen(open bool) {
	w.mu.Lock()
	w.closed = !open
	w.mu.Unlock()
}

func (w *DemoWorld) sessions() []demoSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := make([]demoSession, 0, len(w.online))
	for _, sess := range w.online {
		s = append(s, sess)
	}
	return s
}

// Broadcast shows text to everyone online. It must be called on the
// dispatcher.
func (w *DemoWorld) Broadcast(text string) {
	for _, sess := range w.sessions() {
		if err := sess.p.Write(func(out *tnet.OutputMessage) error {
			return TextMessage(out, MessageStatusWarning, text)
		}); err != nil {
			glog.V(1).Infof("demo world: broadcast to %s: %v", sess.pl.Name, err)
		}
	}
}

// Kick disconnects the named player, who is logged out once the
// connection is gone.
func (w *DemoWorld) Kick(name string) error {
	w.mu.Lock()
	sess, ok := w.online[name]
	w.mu.Unlock()
	if !ok {
		return ErrNotOnline
	}
	sess.p.Disconnect()
	return nil
}

// Online returns the names of the players currently logged in, sorted.
func (w *DemoWorld) Online() []string {
	w.mu.Lock()
	names := make([]string, 0, len(w.online))
	for name := range w.online {
		names = append(names, name)
	}
	w.mu.Unlock()
	sort.Strings(names)
	return names
}

// PlayerCount returns the number of players logged in.
func (w *DemoWorld) PlayerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.online)
}
