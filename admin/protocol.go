package admin

import (
	"crypto/subtle"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/gotserv/net"
)

type state int

const (
	stateEncryptionNotSet state = iota
	stateNotLoggedIn
	stateLoggedIn
)

// Protocol is one administrator's connection. Its state is only touched
// by the connection's reader.
type Protocol struct {
	*tnet.BaseProtocol
	admin *Admin

	added      atomic.Bool
	state      state
	start      time.Time
	loginTries int
}

// NewFactory returns a factory for admin protocols served by a.
func NewFactory(a *Admin) tnet.ProtocolFactory {
	return func(c *tnet.Connection, checksummed bool) tnet.Protocol {
		return &Protocol{
			BaseProtocol: tnet.NewBaseProtocol(c, checksummed),
			admin:        a,
		}
	}
}

// Register installs the admin protocol on s.
func Register(s *tnet.Server, a *Admin) {
	s.Register(ProtocolID, NewFactory(a))
}

func (p *Protocol) OnRecvFirstMessage(msg *tnet.Message) {
	ip := p.IP()
	if p.admin.opts.OnlyLocalhost && (ip == nil || !ip.IsLoopback()) {
		glog.Warningf("admin: refusing connection from %s", ip)
		p.Disconnect()
		return
	}
	if !p.admin.addConnection() {
		glog.Warningf("admin: too many connections; refusing %s", ip)
		p.Disconnect()
		return
	}
	p.added.Store(true)
	p.start = time.Now()
	p.state = stateEncryptionNotSet

	glog.Infof("admin: connection from %s", ip)
	p.SendMessage(func(out *tnet.OutputMessage) error {
		if err := out.WriteByte(msgHello); err != nil {
			return err
		}
		if err := out.WriteU32(ProtocolVersion); err != nil {
			return err
		}
		if err := out.WriteTibiaString("OTADMIN"); err != nil {
			return err
		}
		if err := out.WriteU16(p.admin.Policy()); err != nil {
			return err
		}
		return out.WriteU32(p.admin.ProtocolOptions())
	})
}

func (p *Protocol) OnRelease() {
	if p.added.Load() {
		p.admin.removeConnection()
	}
}

func (p *Protocol) reply(code byte, text ...string) {
	p.SendMessage(func(out *tnet.OutputMessage) error {
		if err := out.WriteByte(code); err != nil {
			return err
		}
		for _, t := range text {
			if err := out.WriteTibiaString(t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Protocol) fail(code byte, text string) {
	glog.Warningf("admin: %s: %s", p.IP(), text)
	p.reply(code, text)
	p.Disconnect()
}

func (p *Protocol) timedOut() bool {
	return time.Since(p.start) > p.admin.opts.Timeout
}

func (p *Protocol) ParsePacket(msg *tnet.Message) {
	op, err := msg.ReadByte()
	if err != nil {
		return
	}
	opts := &p.admin.opts

	switch p.state {
	case stateEncryptionNotSet:
		if opts.RequireEncryption {
			if p.timedOut() {
				glog.Warningf("admin: %s: encryption timeout", p.IP())
				p.Disconnect()
				return
			}
			if op != msgEncryption && op != msgKeyExchange {
				p.fail(msgError, "encryption needed")
				return
			}
			break
		}
		p.state = stateNotLoggedIn
		fallthrough
	case stateNotLoggedIn:
		if opts.RequireLogin {
			if p.timedOut() {
				glog.Warningf("admin: %s: login timeout", p.IP())
				p.Disconnect()
				return
			}
			if op != msgLogin {
				p.fail(msgError, "you are not logged in")
				return
			}
			break
		}
		p.state = stateLoggedIn
	}

	switch op {
	case msgLogin:
		p.login(msg)
	case msgEncryption:
		p.encryption(msg)
	case msgKeyExchange:
		p.keyExchange(msg)
	case msgCommand:
		if p.state != stateLoggedIn {
			glog.Warningf("admin: %s: command before login", p.IP())
			return
		}
		p.command(msg)
	case msgPing:
		p.reply(msgPingOK)
	default:
		glog.Warningf("admin: %s: unknown message 0x%02x", p.IP(), op)
		p.reply(msgError, "not known command byte")
	}
}

func (p *Protocol) login(msg *tnet.Message) {
	opts := &p.admin.opts
	if p.state != stateNotLoggedIn || !opts.RequireLogin {
		p.reply(msgLoginFailed, "can not login")
		return
	}
	password, err := msg.ReadTibiaString()
	if err == nil && subtle.ConstantTimeCompare([]byte(password), []byte(opts.Password)) == 1 {
		p.state = stateLoggedIn
		glog.Infof("admin: %s logged in", p.IP())
		p.reply(msgLoginOK)
		return
	}

	p.loginTries++
	glog.Warningf("admin: %s: login failed (%d/%d)", p.IP(), p.loginTries, opts.MaxLoginTries)
	if p.loginTries >= opts.MaxLoginTries {
		p.fail(msgLoginFailed, "too many login tries")
		return
	}
	p.reply(msgLoginFailed, "wrong password")
}

func (p *Protocol) encryption(msg *tnet.Message) {
	if p.state != stateEncryptionNotSet || !p.admin.opts.RequireEncryption {
		p.reply(msgEncryptionFailed, "can not set encryption")
		return
	}
	if kt, err := msg.ReadByte(); err != nil || kt != EncryptionRSA1024XTEA {
		p.reply(msgEncryptionFailed, "no valid key type")
		return
	}
	if err := p.RSADecrypt(msg); err != nil {
		glog.Warningf("admin: %s: %v", p.IP(), err)
		p.reply(msgEncryptionFailed, "wrong encrypted packet")
		return
	}
	key, err := msg.ReadXTEAKey()
	if err == nil {
		err = p.SetXTEAKey(key)
	}
	if err != nil {
		p.reply(msgEncryptionFailed, "wrong encrypted packet")
		return
	}
	p.EnableXTEAEncryption()
	p.state = stateNotLoggedIn
	p.reply(msgEncryptionOK)
}

func (p *Protocol) keyExchange(msg *tnet.Message) {
	if p.state != stateEncryptionNotSet || !p.admin.opts.RequireEncryption {
		p.reply(msgKeyExchangeFailed, "can not get public key")
		return
	}
	if kt, err := msg.ReadByte(); err != nil || kt != EncryptionRSA1024XTEA {
		p.reply(msgKeyExchangeFailed, "no valid key type")
		return
	}
	modulus := p.Server().PrivateKey.N.FillBytes(make([]byte, tnet.RSABlockSize))
	p.SendMessage(func(out *tnet.OutputMessage) error {
		if err := out.WriteByte(msgKeyExchangeOK); err != nil {
			return err
		}
		if err := out.WriteByte(EncryptionRSA1024XTEA); err != nil {
			return err
		}
		_, err := out.Write(modulus)
		return err
	})
}

func (p *Protocol) command(msg *tnet.Message) {
	cmd, err := msg.ReadByte()
	if err != nil {
		return
	}
	c := p.admin.commands

	var run func() error
	switch cmd {
	case cmdBroadcast:
		text, err := msg.ReadTibiaString()
		if err != nil {
			p.reply(msgCommandFailed, "bad broadcast")
			return
		}
		glog.Infof("admin: %s broadcasts %q", p.IP(), text)
		run = func() error { return c.Broadcast(text) }
	case cmdCloseServer:
		run = c.CloseServer
	case cmdOpenServer:
		run = c.OpenServer
	case cmdShutdown:
		run = c.Shutdown
	case cmdKick:
		name, err := msg.ReadTibiaString()
		if err != nil {
			p.reply(msgCommandFailed, "bad player name")
			return
		}
		run = func() error { return c.Kick(name) }
	default:
		p.reply(msgCommandFailed, "not known server command")
		return
	}

	glog.Infof("admin: %s runs command %d", p.IP(), cmd)
	ok := p.Server().Dispatcher.AddFunc(func() {
		if err := run(); err != nil {
			p.reply(msgCommandFailed, errors.Cause(err).Error())
			return
		}
		p.reply(msgCommandOK)
	})
	if !ok {
		p.reply(msgCommandFailed, "server is going down")
	}
}
