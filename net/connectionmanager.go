package net

import (
	"context"
	gonet "net"
	"sync"
	"time"

	"github.com/golang/glog"

	"badc0de.net/pkg/gotserv/attempts"
	"badc0de.net/pkg/gotserv/metrics"
)

// ThrottleOptions configure the failed login throttle.
type ThrottleOptions struct {
	// MaxLoginTries is the number of quick or failed attempts after which an
	// IP is locked out. Zero disables the throttle.
	MaxLoginTries int
	// RetryTimeout is the minimum interval between attempts which is not
	// counted against the IP.
	RetryTimeout time.Duration
	// LoginTimeout is how long an IP stays locked out.
	LoginTimeout time.Duration
}

// ConnectionManager tracks live connections and throttles logins per IP.
type ConnectionManager struct {
	throttle ThrottleOptions
	store    attempts.Store
	now      func() time.Time

	// attemptsMu serializes the read-modify-write of attempt records.
	attemptsMu sync.Mutex

	mu          sync.Mutex
	connections map[*Connection]struct{}
}

// NewConnectionManager creates a manager which keeps login attempts in
// store.
func NewConnectionManager(store attempts.Store, throttle ThrottleOptions) *ConnectionManager {
	return &ConnectionManager{
		throttle:    throttle,
		store:       store,
		now:         time.Now,
		connections: make(map[*Connection]struct{}),
	}
}

func (m *ConnectionManager) createConnection(s *Server, socket gonet.Conn) *Connection {
	c := newConnection(s, socket)

	m.mu.Lock()
	m.connections[c] = struct{}{}
	m.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	return c
}

func (m *ConnectionManager) releaseConnection(c *Connection) {
	m.mu.Lock()
	_, ok := m.connections[c]
	delete(m.connections, c)
	m.mu.Unlock()

	if ok {
		metrics.ActiveConnections.Dec()
	}
}

// Len returns the number of live connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// CloseAll requests every live connection to close.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	glog.Infof("closing %d connections", len(conns))
	for _, c := range conns {
		c.CloseConnection()
	}
}

func ipKey(ip gonet.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

// IsDisabled reports whether logins from ip are currently locked out.
func (m *ConnectionManager) IsDisabled(ip gonet.IP) bool {
	key := ipKey(ip)
	if m.throttle.MaxLoginTries == 0 || key == "" {
		return false
	}

	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()

	rec, err := m.store.Get(context.Background(), key)
	if err != nil {
		glog.Warningf("login throttle: %v", err)
		return false
	}
	return rec.LoginsAmount >= m.throttle.MaxLoginTries &&
		m.now().Before(rec.LastLogin.Add(m.throttle.LoginTimeout))
}

// AddAttempt records a login attempt from ip. A successful attempt made
// after at least RetryTimeout resets the count; a failed or hasty one adds
// to it. Reaching MaxLoginTries starts the count over on the next attempt,
// so the lock out lasts LoginTimeout from the last attempt.
func (m *ConnectionManager) AddAttempt(ip gonet.IP, success bool) {
	key := ipKey(ip)
	if key == "" {
		return
	}

	if success {
		metrics.LoginAttempts.WithLabelValues("success").Inc()
	} else {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
	}

	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()

	ctx := context.Background()
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		glog.Warningf("login throttle: %v", err)
		return
	}

	now := m.now()
	if rec.LoginsAmount >= m.throttle.MaxLoginTries {
		rec.LoginsAmount = 0
	}
	if !success || now.Before(rec.LastLogin.Add(m.throttle.RetryTimeout)) {
		rec.LoginsAmount++
	} else {
		rec.LoginsAmount = 0
	}
	rec.LastLogin = now

	if err := m.store.Put(ctx, key, rec); err != nil {
		glog.Warningf("login throttle: %v", err)
	}
}
