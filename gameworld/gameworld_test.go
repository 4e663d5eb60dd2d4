package gameworld

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"badc0de.net/pkg/gotserv/login"
	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/net/nettest"
	"badc0de.net/pkg/gotserv/secrets"
	"badc0de.net/pkg/gotserv/ttesting"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))
}

const versionText = "Only clients with protocol 8.4 allowed!"

var testKey = tnet.XTEAKey{1, 2, 3, 4}

func newWorld() *DemoWorld {
	return NewDemoWorld(login.NewStaticAccounts(login.StaticAccount{
		Account: login.Account{
			Name: "demo",
			Characters: []login.CharacterListEntry{
				{CharacterName: "Demo Character", CharacterWorld: "Demo World"},
				{CharacterName: "Demo GM", CharacterWorld: "Demo World"},
			},
		},
		Password: "secret",
	}), "Demo GM")
}

func startServer(t *testing.T, w World, tries int) *tnet.Server {
	opts := tnet.DefaultOptions()
	opts.Throttle.MaxLoginTries = tries
	return nettest.StartServer(t, opts, func(s *tnet.Server) {
		Register(s, w, Options{
			ClientVersionMin: 840,
			ClientVersionMax: 840,
			VersionText:      versionText,
		})
	})
}

func dial(t *testing.T, s *tnet.Server, from *net.TCPAddr) *nettest.Client {
	c := nettest.Pipe(s, from)
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(5 * time.Second)
	require.NoError(t, c.SetKey(testKey))
	return c
}

func loginPacket(t *testing.T, version uint16, gm byte, account, character, password string) []byte {
	block, err := nettest.RSABlock(&secrets.OpenTibiaPrivateKey.PublicKey,
		new(nettest.Builder).Key(testKey).Byte(gm).TibiaString(account).TibiaString(character).TibiaString(password).Bytes())
	require.NoError(t, err)
	return new(nettest.Builder).Byte(ProtocolID).U16(2).U16(version).Raw(block).Bytes()
}

func readText(t *testing.T, msg *tnet.Message) (byte, string) {
	t.Helper()
	op, err := msg.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xB4), op, "not a text message")
	class, err := msg.ReadByte()
	require.NoError(t, err)
	text, err := msg.ReadTibiaString()
	require.NoError(t, err)
	return class, text
}

func readDisconnect(t *testing.T, c *nettest.Client) (byte, string) {
	t.Helper()
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	code, err := msg.ReadByte()
	require.NoError(t, err)
	text, err := msg.ReadTibiaString()
	require.NoError(t, err)
	_, err = c.ReadPacket()
	require.Error(t, err, "connection still open")
	return code, text
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 10)
	c := dial(t, s, nil)

	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "Demo", "Demo Character", "secret")))

	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	op, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "self appear", int(op), 0x0A)
	id, _ := msg.ReadU32()
	ttesting.AssertEqualUint32(t, "player id", id, demoFirstPlayerID)
	msg.Skip(3)
	_, text := readText(t, msg)
	ttesting.AssertEqualString(t, "welcome", text, "Welcome, Demo Character.")
	require.Equal(t, []string{"Demo Character"}, w.Online())

	// Say something.
	require.NoError(t, c.WriteEncrypted(new(nettest.Builder).Byte(0x96).Byte(1).TibiaString("hello").Bytes()))
	msg, err = c.ReadEncrypted()
	require.NoError(t, err)
	class, text := readText(t, msg)
	ttesting.AssertEqualInt(t, "class", int(class), int(MessageInfoDescr))
	ttesting.AssertEqualString(t, "echo", text, "Demo Character: hello")

	// Walk east.
	require.NoError(t, c.WriteEncrypted([]byte{0x66}))
	msg, err = c.ReadEncrypted()
	require.NoError(t, err)
	op, _ = msg.ReadByte()
	ttesting.AssertEqualInt(t, "cancel walk", int(op), 0xB5)
	dir, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "direction", int(dir), 1)

	// Log out.
	require.NoError(t, c.WriteEncrypted([]byte{opLogout}))
	_, err = c.ReadPacket()
	require.Error(t, err, "connection still open after logout")
	waitFor(t, "logout", func() bool { return w.PlayerCount() == 0 })
}

func TestDroppedConnectionLogsOut(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 10)
	c := dial(t, s, nil)

	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	_, err := c.ReadEncrypted()
	require.NoError(t, err)
	ttesting.AssertEqualInt(t, "online", w.PlayerCount(), 1)

	c.Close()
	waitFor(t, "logout", func() bool { return w.PlayerCount() == 0 })
}

func TestAlreadyLoggedIn(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 10)

	first := dial(t, s, nil)
	require.NoError(t, first.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	_, err := first.ReadEncrypted()
	require.NoError(t, err)

	second := dial(t, s, nil)
	require.NoError(t, second.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	code, text := readDisconnect(t, second)
	ttesting.AssertEqualInt(t, "code", int(code), 0x14)
	ttesting.AssertEqualString(t, "text", text, "You are already logged in.")

	// The first session is not affected.
	ttesting.AssertEqualInt(t, "online", w.PlayerCount(), 1)
}

func TestLoginRefusals(t *testing.T) {
	for _, tc := range []struct {
		name                         string
		version                      uint16
		gm                           byte
		account, character, password string
		code                         byte
		text                         string
	}{
		{"old client", 810, 0, "demo", "Demo Character", "secret", 0x0A, versionText},
		{"no account name", 840, 0, "", "Demo Character", "secret", 0x14, "You must enter your account name."},
		{"not a gamemaster", 840, 1, "demo", "Demo Character", "secret", 0x14, "You are not a gamemaster!"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := startServer(t, newWorld(), 10)
			c := dial(t, s, nil)
			require.NoError(t, c.WritePacket(loginPacket(t, tc.version, tc.gm, tc.account, tc.character, tc.password)))
			code, text := readDisconnect(t, c)
			ttesting.AssertEqualInt(t, "code", int(code), int(tc.code))
			ttesting.AssertEqualString(t, "text", text, tc.text)
		})
	}
}

func TestGamemasterLogin(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 10)
	c := dial(t, s, nil)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, 1, "demo", "Demo GM", "secret")))
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	op, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "self appear", int(op), 0x0A)
}

func TestBadCredentialsCloseAndCount(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 2)
	from := &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 50000}

	for _, char := range []string{"Demo Character", "Somebody Else"} {
		c := dial(t, s, from)
		password := "wrong"
		if char == "Somebody Else" {
			password = "secret"
		}
		require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", char, password)))
		_, err := c.ReadPacket()
		require.Error(t, err, "expected the connection to be closed without a reply")
	}

	c := dial(t, s, from)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	code, text := readDisconnect(t, c)
	ttesting.AssertEqualInt(t, "code", int(code), 0x14)
	ttesting.AssertEqualString(t, "text", text, "Too many connections attempts from this IP. Try again later.")
	ttesting.AssertEqualInt(t, "online", w.PlayerCount(), 0)
}

func TestFloodCheck(t *testing.T) {
	var f floodCheck
	start := time.Unix(1000, 0)
	require.True(t, f.allow(start))

	// Bursts within the grace period are fine.
	for i := 1; i <= 100; i++ {
		require.True(t, f.allow(start.Add(time.Duration(i)*time.Millisecond)))
	}
	// After it, more than one packet per 25ms on average is not.
	require.False(t, f.allow(start.Add(time.Second)))

	// A new window starts over.
	var g floodCheck
	require.True(t, g.allow(start))
	for i := 1; i <= 40; i++ {
		require.True(t, g.allow(start.Add(time.Duration(i)*30*time.Millisecond)), "packet %d", i)
	}
	require.True(t, g.allow(start.Add(10*time.Second)))
	ttesting.AssertEqualInt(t, "count", int(g.count), 1)
}

func TestBroadcastAndKick(t *testing.T) {
	w := newWorld()
	s := startServer(t, w, 10)
	c := dial(t, s, nil)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	_, err := c.ReadEncrypted()
	require.NoError(t, err)

	require.True(t, s.Dispatcher.AddFunc(func() { w.Broadcast("Server save in 5 minutes.") }))
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	class, text := readText(t, msg)
	ttesting.AssertEqualInt(t, "class", int(class), int(MessageStatusWarning))
	ttesting.AssertEqualString(t, "text", text, "Server save in 5 minutes.")

	require.Equal(t, ErrNotOnline, w.Kick("Nobody"))
	require.NoError(t, w.Kick("Demo Character"))
	_, err = c.ReadPacket()
	require.Error(t, err, "kicked connection still open")
	waitFor(t, "logout", func() bool { return w.PlayerCount() == 0 })
}

func TestClosedWorldAdmitsGamemasters(t *testing.T) {
	w := newWorld()
	w.SetOpen(false)
	s := startServer(t, w, 10)

	c := dial(t, s, nil)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", "Demo Character", "secret")))
	code, text := readDisconnect(t, c)
	ttesting.AssertEqualInt(t, "code", int(code), 0x14)
	ttesting.AssertEqualString(t, "text", text, "Server is currently closed. Please try again later.")

	c = dial(t, s, nil)
	require.NoError(t, c.WritePacket(loginPacket(t, 840, 0, "demo", "Demo GM", "secret")))
	msg, err := c.ReadEncrypted()
	require.NoError(t, err)
	op, _ := msg.ReadByte()
	ttesting.AssertEqualInt(t, "self appear", int(op), 0x0A)
	require.Equal(t, []string{"Demo GM"}, w.Online())
}
