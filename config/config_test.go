package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"badc0de.net/pkg/gotserv/ttesting"
)

const sample = `
server:
  name: Demo World
  ip: 192.0.2.10
  port: 7172
  status_addr: ":7173"
  motd: Hello there.
  url: http://example.com/
network:
  max_output_queue: 200
  force_close_slow_connection: false
  autosend_age: 20ms
  read_timeout: 2m
login:
  max_tries: 3
  login_timeout: 30s
  client_version_min: 820
  client_version_max: 860
game:
  flood_protection: true
redis:
  addr: localhost:6379
accounts:
  - name: demo
    password: secret
    premium_days: 7
    characters:
      - name: Demo Character
      - name: Demo GM
        gm: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	ttesting.AssertEqualString(t, "name", cfg.Server.Name, "Demo World")
	ttesting.AssertEqualString(t, "login addr", cfg.Server.LoginAddr, ":7171")

	n := cfg.NetOptions()
	ttesting.AssertEqualInt(t, "max output queue", n.MaxOutputQueue, 200)
	ttesting.AssertEqualBool(t, "force close", n.ForceCloseSlowConnection, false)
	ttesting.AssertEqualInt(t, "autosend size", n.AutosendSize, 1024)
	require.Equal(t, 20*time.Millisecond, n.AutosendAge)
	require.Equal(t, 2*time.Minute, n.ReadTimeout)
	ttesting.AssertEqualInt(t, "max tries", n.Throttle.MaxLoginTries, 3)
	require.Equal(t, 30*time.Second, n.Throttle.LoginTimeout)
	require.Equal(t, 5*time.Second, n.Throttle.RetryTimeout)

	g := cfg.GameOptions()
	ttesting.AssertEqualBool(t, "flood protection", g.FloodProtection, true)
	ttesting.AssertEqualInt(t, "version min", int(g.ClientVersionMin), 820)

	l := cfg.LoginOptions()
	ttesting.AssertEqualString(t, "motd", l.MOTD, "Hello there.")
	ttesting.AssertEqualString(t, "url", l.URL, "http://example.com/")

	ttesting.AssertEqualString(t, "client", cfg.StatusInfo("gotserv", "0.1").Client, "8.6")
	ttesting.AssertEqualString(t, "redis prefix", cfg.RedisOptions().KeyPrefix, "gotserv:")

	accounts, gms := cfg.StaticAccounts()
	require.Len(t, accounts, 1)
	require.Len(t, accounts[0].Characters, 2)
	ch := accounts[0].Characters[1]
	ttesting.AssertEqualString(t, "world", ch.CharacterWorld, "Demo World")
	ttesting.AssertEqualString(t, "ip", ch.GameFrontend.IP.String(), "192.0.2.10")
	ttesting.AssertEqualInt(t, "port", ch.GameFrontend.Port, 7172)
	ttesting.AssertEqualInt(t, "premium", int(accounts[0].PremiumDays), 7)
	require.Equal(t, []string{"Demo GM"}, gms)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gotserv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	ttesting.AssertEqualString(t, "name", cfg.Server.Name, "Demo World")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestExplicitZeroesFallBack(t *testing.T) {
	cfg, err := Parse([]byte("network:\n  max_packet_size: 0\nstatus:\n  interval: 0s\n"))
	require.NoError(t, err)
	ttesting.AssertEqualInt(t, "max packet size", cfg.Network.MaxPacketSize, 15340)
	require.Equal(t, 5*time.Second, cfg.Status.Interval)
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name, yaml string
	}{
		{"no listeners", "server:\n  login_addr: \"\"\n  game_addr: \"\"\n"},
		{"bad ip", "server:\n  ip: example.com\n"},
		{"ipv6", "server:\n  ip: \"::1\"\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"huge packets", "network:\n  max_packet_size: 65535\n"},
		{"version range", "login:\n  client_version_min: 860\n  client_version_max: 840\n"},
		{"admin without address", "admin:\n  enabled: true\n  password: x\n"},
		{"admin without password", "server:\n  admin_addr: \":7174\"\nadmin:\n  enabled: true\n"},
		{"duplicate account", "accounts:\n  - name: a\n  - name: a\n"},
		{"garbage", "server: [\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}
