package login

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/net/nettest"
	"badc0de.net/pkg/gotserv/secrets"
	"badc0de.net/pkg/gotserv/ttesting"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))
}

const versionText = "Only clients with protocol 8.4 allowed!"

var testOptions = Options{
	ClientVersionMin: 840,
	ClientVersionMax: 840,
	VersionText:      versionText,
	MOTD:             "Welcome!",
	MOTDNum:          3,
	ServerName:       "Demo World",
	URL:              "http://localhost/",
}

var testAccounts = NewStaticAccounts(
	StaticAccount{
		Account: Account{
			Name: "demo",
			Characters: []CharacterListEntry{{
				CharacterName:  "Demo Character",
				CharacterWorld: "Demo World",
				GameFrontend:   net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7172},
			}},
			PremiumDays: 30,
		},
		Password: "secret",
	},
	StaticAccount{
		Account:  Account{Name: "empty"},
		Password: "secret",
	},
)

var testKey = tnet.XTEAKey{0xA1A2A3A4, 0xB1B2B3B4, 0xC1C2C3C4, 0xD1D2D3D4}

func startServer(t *testing.T, tries int) *tnet.Server {
	opts := tnet.DefaultOptions()
	opts.Throttle.MaxLoginTries = tries
	return nettest.StartServer(t, opts, func(s *tnet.Server) {
		Register(s, testAccounts, testOptions)
	})
}

func dial(t *testing.T, s *tnet.Server, from *net.TCPAddr) *nettest.Client {
	c := nettest.Pipe(s, from)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(5 * time.Second)
	require.NoError(t, c.SetKey(testKey))
	return c
}

func loginPacket(t *testing.T, version uint16, account, password string) []byte {
	block, err := nettest.RSABlock(&secrets.OpenTibiaPrivateKey.PublicKey,
		new(nettest.Builder).Key(testKey).TibiaString(account).TibiaString(password).Bytes())
	require.NoError(t, err)
	return new(nettest.Builder).
		Byte(ProtocolID).
		U16(2).U16(version).
		U32(0x1111).U32(0x2222).U32(0x3333).
		Raw(block).
		Bytes()
}

func readError(t *testing.T, c *nettest.Client) string {
	t.Helper()
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	code, err := msg.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x0A), code, "not an error message")
	text, err := msg.ReadTibiaString()
	require.NoError(t, err)
	return text
}

func TestSuccessfulLogin(t *testing.T) {
	s := startServer(t, 10)
	c := dial(t, s, nil)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, "Demo", "secret")))

	msg, err := c.ReadEncrypted()
	require.NoError(t, err)

	code, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "motd opcode", int(code), 0x14)
	motd, err := msg.ReadTibiaString()
	require.NoError(t, err)
	ttesting.AssertEqualString(t, "motd", motd, "3\nWelcome!")

	code, _ = msg.ReadByte()
	ttesting.AssertEqualInt(t, "character list opcode", int(code), 0x64)
	count, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "characters", int(count), 1)
	name, _ := msg.ReadTibiaString()
	world, _ := msg.ReadTibiaString()
	ttesting.AssertEqualString(t, "name", name, "Demo Character")
	ttesting.AssertEqualString(t, "world", world, "Demo World")
	ip := make([]byte, 4)
	msg.Read(ip)
	ttesting.AssertEqualBytes(t, "ip", ip, []byte{127, 0, 0, 1})
	port, _ := msg.ReadU16()
	ttesting.AssertEqualInt(t, "port", int(port), 7172)
	premium, _ := msg.ReadU16()
	ttesting.AssertEqualInt(t, "premium days", int(premium), 30)

	_, err = c.ReadPacket()
	require.Error(t, err, "connection still open after the character list")
}

func TestLoginErrors(t *testing.T) {
	for _, tc := range []struct {
		name              string
		version           uint16
		account, password string
		want              string
	}{
		{"bad password", 840, "demo", "wrong", "Account name or password is not correct."},
		{"unknown account", 840, "nobody", "secret", "Account name or password is not correct."},
		{"no account name", 840, "", "secret", "You must enter your account name."},
		{"old client", 810, "demo", "secret", versionText},
		{"no characters", 840, "empty", "secret", "This account does not contain any character yet.\nCreate a new character on the Demo World website at http://localhost/."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := startServer(t, 10)
			c := dial(t, s, nil)
			require.NoError(t, c.WritePacket(loginPacket(t, tc.version, tc.account, tc.password)))
			ttesting.AssertEqualString(t, "error", readError(t, c), tc.want)
		})
	}
}

func TestFailedLoginsLockOutIP(t *testing.T) {
	s := startServer(t, 2)
	from := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 40000}

	for i := 0; i < 2; i++ {
		c := dial(t, s, from)
		require.NoError(t, c.WritePacket(loginPacket(t, 840, "demo", "wrong")))
		ttesting.AssertEqualString(t, "error", readError(t, c), "Account name or password is not correct.")
	}

	c := dial(t, s, from)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, "demo", "secret")))
	ttesting.AssertEqualString(t, "error", readError(t, c), "Too many connections attempts from this IP. Please try again later.")

	// Other addresses are not affected.
	c = dial(t, s, &net.TCPAddr{IP: net.ParseIP("192.0.2.8"), Port: 40000})
	require.NoError(t, c.WritePacket(loginPacket(t, 840, "demo", "secret")))
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	code, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "motd opcode", int(code), 0x14)
}

func TestLegacyClient(t *testing.T) {
	s := startServer(t, 10)
	c := dial(t, s, nil)
	c.Checksum = false
	require.NoError(t, c.WritePacket(loginPacket(t, 760, "demo", "secret")))

	msg, err := c.ReadMessage()
	require.NoError(t, err)
	code, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "code", int(code), 0x0A)
	text, _ := msg.ReadTibiaString()
	ttesting.AssertEqualString(t, "text", text, versionText)
}

func TestGarbageHandshakeCloses(t *testing.T) {
	s := startServer(t, 10)
	c := dial(t, s, nil)
	require.NoError(t, c.WritePacket([]byte{ProtocolID, 0x02, 0x00}))
	_, err := c.ReadPacket()
	require.Error(t, err)
}
