package gameworld

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/gotserv/net"
)

// ProtocolID is the first byte of a game connection.
const ProtocolID = 0x0A

const (
	opLogout = 0x14

	floodWindow      = 5 * time.Second
	floodGrace       = 800 * time.Millisecond
	floodMinInterval = 25 * time.Millisecond
)

// Options configure the game protocol.
type Options struct {
	ClientVersionMin, ClientVersionMax uint16
	VersionText                        string

	// AuthTimeout bounds a single call to World.Authenticate.
	AuthTimeout time.Duration
	// FloodProtection closes connections sending more than one packet
	// per 25ms on average.
	FloodProtection bool
}

// Protocol is the game conversation of one player.
type Protocol struct {
	*tnet.BaseProtocol

	world World
	opts  *Options

	acceptPackets atomic.Bool
	flood         floodCheck

	mu     sync.Mutex
	player *Player
}

// NewFactory returns a factory creating game protocols feeding world.
func NewFactory(world World, opts Options) tnet.ProtocolFactory {
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	return func(c *tnet.Connection, checksummed bool) tnet.Protocol {
		return &Protocol{
			BaseProtocol: tnet.NewBaseProtocol(c, checksummed),
			world:        world,
			opts:         &opts,
		}
	}
}

// Register installs the game protocol on s, with clients which do not
// checksum their messages getting the version error.
func Register(s *tnet.Server, world World, opts Options) {
	s.Register(ProtocolID, tnet.WithLegacy(NewFactory(world, opts), opts.VersionText))
}

// Player returns the logged in player, or nil.
func (p *Protocol) Player() *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.player
}

// Write fills the protocol's pending output, which goes out at the end of
// the current dispatcher cycle or soon after.
func (p *Protocol) Write(fill func(out *tnet.OutputMessage) error) error {
	out := p.OutputBuffer()
	if out == nil {
		return errors.New("connection is gone")
	}
	return fill(out)
}

func (p *Protocol) OnRecvFirstMessage(msg *tnet.Message) {
	if err := p.parseFirstPacket(msg); err != nil {
		glog.V(1).Infof("game login from %s: %v", p.IP(), err)
		p.Disconnect()
	}
}

type loginRequest struct {
	os, version                  uint16
	gm                           bool
	account, character, password string
}

func (p *Protocol) readLogin(msg *tnet.Message) (loginRequest, error) {
	var req loginRequest
	var err error
	if req.os, err = msg.ReadU16(); err != nil {
		return req, errors.Wrap(err, "reading os")
	}
	if req.version, err = msg.ReadU16(); err != nil {
		return req, errors.Wrap(err, "reading version")
	}
	if err := p.RSADecrypt(msg); err != nil {
		return req, errors.Wrap(err, "rsa decrypt remainder error")
	}
	key, err := msg.ReadXTEAKey()
	if err != nil {
		return req, err
	}
	if err := p.SetXTEAKey(key); err != nil {
		return req, err
	}
	p.EnableXTEAEncryption()

	gm, err := msg.ReadByte()
	if err != nil {
		return req, errors.Wrap(err, "reading gamemaster flag")
	}
	req.gm = gm != 0
	if req.account, err = msg.ReadTibiaString(); err != nil {
		return req, errors.Wrap(err, "account read error")
	}
	req.account = strings.ToLower(req.account)
	if req.character, err = msg.ReadTibiaString(); err != nil {
		return req, errors.Wrap(err, "character read error")
	}
	if req.password, err = msg.ReadTibiaString(); err != nil {
		return req, errors.Wrap(err, "pwd read error")
	}
	return req, nil
}

func (p *Protocol) parseFirstPacket(msg *tnet.Message) error {
	req, err := p.readLogin(msg)
	if err != nil {
		return err
	}
	glog.V(2).Infof("game login: os:%d version:%d acc:%s char:%s gm:%t", req.os, req.version, req.account, req.character, req.gm)

	if req.version < p.opts.ClientVersionMin || req.version > p.opts.ClientVersionMax {
		p.DisconnectClient(0x0A, p.opts.VersionText)
		return nil
	}
	if req.account == "" {
		p.DisconnectClient(0x14, "You must enter your account name.")
		return nil
	}

	ip := p.IP()
	conns := p.Server().Connections
	if conns.IsDisabled(ip) {
		p.DisconnectClient(0x14, "Too many connections attempts from this IP. Try again later.")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AuthTimeout)
	defer cancel()
	pl, err := p.world.Authenticate(ctx, req.account, req.password, req.character)
	switch {
	case errors.Cause(err) == ErrBadCredentials:
		conns.AddAttempt(ip, false)
		return err
	case err != nil:
		glog.Errorf("game login: authenticating %q/%q: %v", req.account, req.character, err)
		p.DisconnectClient(0x14, "Your character could not be loaded.")
		return nil
	}
	conns.AddAttempt(ip, true)

	gm := req.gm
	if !p.Server().Dispatcher.AddFunc(func() { p.login(pl, gm) }) {
		return errors.New("dispatcher is not running")
	}
	return nil
}

// login runs on the dispatcher.
func (p *Protocol) login(pl *Player, gm bool) {
	if p.Connection() == nil {
		return
	}
	if gm && !pl.GM {
		p.DisconnectClient(0x14, "You are not a gamemaster!")
		return
	}

	p.mu.Lock()
	p.player = pl
	p.mu.Unlock()

	if err := p.world.Login(p, pl); err != nil {
		p.mu.Lock()
		p.player = nil
		p.mu.Unlock()

		text := "Your character could not be loaded."
		var le LoginError
		if errors.As(err, &le) {
			text = string(le)
		} else {
			glog.Errorf("game login: %s: %v", pl.Name, err)
		}
		p.DisconnectClient(0x14, text)
		return
	}

	glog.V(1).Infof("%s logged in from %s", pl.Name, p.IP())
	p.acceptPackets.Store(true)
}

// ParsePacket runs on the connection's reader; the packet itself is
// processed on the dispatcher.
func (p *Protocol) ParsePacket(msg *tnet.Message) {
	if !p.acceptPackets.Load() || msg.Len() == 0 {
		return
	}
	if p.opts.FloodProtection && !p.flood.allow(time.Now()) {
		glog.Warningf("game: %s is flooding; closing", p.IP())
		p.Disconnect()
		return
	}

	opcode, _ := msg.ReadByte()
	if opcode == opLogout {
		p.Server().Dispatcher.AddFunc(func() {
			p.logout()
			p.Disconnect()
		})
		return
	}
	p.Server().Dispatcher.AddFunc(func() {
		if pl := p.Player(); pl != nil {
			p.world.Handle(p, pl, opcode, msg)
		}
	})
}

// logout runs on the dispatcher, and removes the player from the world
// once.
func (p *Protocol) logout() {
	p.acceptPackets.Store(false)

	p.mu.Lock()
	pl := p.player
	p.player = nil
	p.mu.Unlock()

	if pl != nil {
		glog.V(1).Infof("%s logged out", pl.Name)
		p.world.Logout(p, pl)
	}
}

func (p *Protocol) OnRelease() {
	p.logout()
}

// floodCheck counts packets in windows of floodWindow. A window older than
// floodGrace whose packets came faster than floodMinInterval on average is
// a flood.
type floodCheck struct {
	start time.Time
	count int64
}

func (f *floodCheck) allow(now time.Time) bool {
	elapsed := now.Sub(f.start)
	if elapsed > floodWindow {
		f.start = now
		f.count = 1
		return true
	}
	f.count++
	return elapsed <= floodGrace || elapsed/time.Duration(f.count) >= floodMinInterval
}
