// Package login implements the login protocol: the client authenticates
// with its account and receives the message of the day and its character
// list, after which the connection is closed.
package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/gotserv/net"
)

// ProtocolID is the first byte of a login connection.
const ProtocolID = 0x01

// Options configure the login protocol.
type Options struct {
	ClientVersionMin, ClientVersionMax uint16
	// VersionText is sent to clients outside the version range.
	VersionText string

	MOTD    string
	MOTDNum int

	ServerName string
	URL        string

	// AuthTimeout bounds a single call to Accounts.
	AuthTimeout time.Duration
}

// Protocol is a single login conversation.
type Protocol struct {
	*tnet.BaseProtocol

	accounts Accounts
	opts     *Options
}

// NewFactory returns a factory creating login protocols which authenticate
// against accounts.
func NewFactory(accounts Accounts, opts Options) tnet.ProtocolFactory {
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	return func(c *tnet.Connection, checksummed bool) tnet.Protocol {
		return &Protocol{
			BaseProtocol: tnet.NewBaseProtocol(c, checksummed),
			accounts:     accounts,
			opts:         &opts,
		}
	}
}

// Register installs the login protocol on s, with clients which do not
// checksum their messages getting the version error.
func Register(s *tnet.Server, accounts Accounts, opts Options) {
	s.Register(ProtocolID, tnet.WithLegacy(NewFactory(accounts, opts), opts.VersionText))
}

type loginHeader struct {
	OS, Version            uint16
	DatSig, SprSig, PicSig uint32
}

func readHeader(msg *tnet.Message) (loginHeader, error) {
	var hdr loginHeader
	var err error
	if hdr.OS, err = msg.ReadU16(); err != nil {
		return hdr, errors.Wrap(err, "reading os")
	}
	if hdr.Version, err = msg.ReadU16(); err != nil {
		return hdr, errors.Wrap(err, "reading version")
	}
	for _, sig := range []*uint32{&hdr.DatSig, &hdr.SprSig, &hdr.PicSig} {
		if *sig, err = msg.ReadU32(); err != nil {
			return hdr, errors.Wrap(err, "reading signatures")
		}
	}
	return hdr, nil
}

func (p *Protocol) OnRecvFirstMessage(msg *tnet.Message) {
	if err := p.parseFirstPacket(msg); err != nil {
		glog.V(1).Infof("login from %s: %v", p.IP(), err)
		p.Disconnect()
	}
}

// parseFirstPacket returns an error only where the conversation ends
// without a reply.
func (p *Protocol) parseFirstPacket(msg *tnet.Message) error {
	hdr, err := readHeader(msg)
	if err != nil {
		return err
	}
	glog.V(2).Infof("header: %+v", hdr)

	if err := p.RSADecrypt(msg); err != nil {
		return errors.Wrap(err, "rsa decrypt remainder error")
	}
	key, err := msg.ReadXTEAKey()
	if err != nil {
		return err
	}
	if err := p.SetXTEAKey(key); err != nil {
		return err
	}
	p.EnableXTEAEncryption()

	name, err := msg.ReadTibiaString()
	if err != nil {
		return errors.Wrap(err, "account read error")
	}
	name = strings.ToLower(name)
	password, err := msg.ReadTibiaString()
	if err != nil {
		return errors.Wrap(err, "pwd read error")
	}

	glog.V(2).Infof("acc:%s len(pwd):%d", name, len(password))

	if name == "" {
		p.DisconnectClient(0x0A, "You must enter your account name.")
		return nil
	}
	if hdr.Version < p.opts.ClientVersionMin || hdr.Version > p.opts.ClientVersionMax {
		p.DisconnectClient(0x0A, p.opts.VersionText)
		return nil
	}

	ip := p.IP()
	conns := p.Server().Connections
	if conns.IsDisabled(ip) {
		p.DisconnectClient(0x0A, "Too many connections attempts from this IP. Please try again later.")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AuthTimeout)
	defer cancel()
	acc, err := p.accounts.Authenticate(ctx, name, password)
	switch {
	case errors.Cause(err) == ErrBadCredentials:
		conns.AddAttempt(ip, false)
		p.DisconnectClient(0x0A, "Account name or password is not correct.")
		return nil
	case err != nil:
		glog.Errorf("login: authenticating %q: %v", name, err)
		p.DisconnectClient(0x0A, "Internal error, please try again later.")
		return nil
	}

	if len(acc.Characters) == 0 {
		p.DisconnectClient(0x0A, fmt.Sprintf(
			"This account does not contain any character yet.\nCreate a new character on the %s website at %s.",
			p.opts.ServerName, p.opts.URL))
		return nil
	}

	conns.AddAttempt(ip, true)

	p.SendMessage(func(out *tnet.OutputMessage) error {
		if err := MOTD(out, fmt.Sprintf("%d\n%s", p.opts.MOTDNum, p.opts.MOTD)); err != nil {
			return errors.Wrap(err, "error generating the motd message")
		}
		if err := CharacterList(out, acc.Characters, acc.PremiumDays); err != nil {
			return errors.Wrap(err, "error generating the character list message")
		}
		return nil
	})
	p.Disconnect()
	return nil
}
