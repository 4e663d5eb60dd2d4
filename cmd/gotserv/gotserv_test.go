package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"badc0de.net/pkg/gotserv/admin"
	"badc0de.net/pkg/gotserv/gameworld"
	"badc0de.net/pkg/gotserv/login"
	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/secrets"
)

func TestListenAddrs(t *testing.T) {
	require.Equal(t, []string{":7171", ":7172"}, listenAddrs(":7171", "", ":7172", ":7171"))
	require.Empty(t, listenAddrs("", ""))
}

func TestCommands(t *testing.T) {
	called := false
	c := &commands{
		world:    gameworld.NewDemoWorld(login.NewStaticAccounts()),
		shutdown: func() { called = true },
	}
	require.Equal(t, admin.ErrPlayerNotOnline, c.Kick("Nobody"))
	require.NoError(t, c.CloseServer())
	require.NoError(t, c.OpenServer())
	require.NoError(t, c.Broadcast("hello"))
	require.NoError(t, c.Shutdown())
	require.True(t, called)
}

func TestDebugHandler(t *testing.T) {
	s := tnet.NewServer(tnet.DefaultOptions(), &secrets.OpenTibiaPrivateKey, nil)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	h := debugHandler(s)
	for path, want := range map[string]string{
		"/debug/minimetrics": "connections: 0",
		"/metrics":           "gotserv_connections_total",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.True(t, strings.Contains(rec.Body.String(), want), "%s: %q not in %q", path, want, rec.Body.String())
	}
}
