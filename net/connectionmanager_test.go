package net

import (
	gonet "net"
	"testing"
	"time"

	"github.com/bradfitz/iter"

	"badc0de.net/pkg/gotserv/attempts"
	"badc0de.net/pkg/gotserv/ttesting"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newThrottledManager(tries int) (*ConnectionManager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000000, 0)}
	m := NewConnectionManager(attempts.NewMemory(), ThrottleOptions{
		MaxLoginTries: tries,
		RetryTimeout:  5 * time.Second,
		LoginTimeout:  60 * time.Second,
	})
	m.now = clock.Now
	return m, clock
}

func TestFailedLoginsLockOut(t *testing.T) {
	m, clock := newThrottledManager(3)
	ip := gonet.ParseIP("10.0.0.1")

	for range iter.N(3) {
		ttesting.AssertEqualBool(t, "disabled before the limit", m.IsDisabled(ip), false)
		m.AddAttempt(ip, false)
		clock.Advance(time.Second)
	}
	ttesting.AssertEqualBool(t, "disabled at the limit", m.IsDisabled(ip), true)
	ttesting.AssertEqualBool(t, "other ip", m.IsDisabled(gonet.ParseIP("10.0.0.2")), false)

	clock.Advance(60 * time.Second)
	ttesting.AssertEqualBool(t, "disabled after the timeout", m.IsDisabled(ip), false)

	// The count starts over after a lock out.
	m.AddAttempt(ip, false)
	ttesting.AssertEqualBool(t, "disabled after one more failure", m.IsDisabled(ip), false)
}

func TestSuccessfulLoginResetsCount(t *testing.T) {
	m, clock := newThrottledManager(3)
	ip := gonet.ParseIP("10.0.0.1")

	m.AddAttempt(ip, false)
	m.AddAttempt(ip, false)
	clock.Advance(6 * time.Second)
	m.AddAttempt(ip, true)

	m.AddAttempt(ip, false)
	m.AddAttempt(ip, false)
	ttesting.AssertEqualBool(t, "disabled", m.IsDisabled(ip), false)
}

func TestHastySuccessCounts(t *testing.T) {
	m, clock := newThrottledManager(3)
	ip := gonet.ParseIP("10.0.0.1")

	for range iter.N(3) {
		m.AddAttempt(ip, true)
		clock.Advance(time.Second)
	}
	// The first attempt has nothing to be hasty against; the next two
	// came within the retry timeout.
	ttesting.AssertEqualBool(t, "disabled after two hasty logins", m.IsDisabled(ip), false)
	m.AddAttempt(ip, true)
	ttesting.AssertEqualBool(t, "disabled after three hasty logins", m.IsDisabled(ip), true)
}

func TestThrottleIgnoresUnknownAddresses(t *testing.T) {
	m, _ := newThrottledManager(1)
	for range iter.N(5) {
		m.AddAttempt(nil, false)
	}
	ttesting.AssertEqualBool(t, "nil ip", m.IsDisabled(nil), false)
	ttesting.AssertEqualBool(t, "unspecified ip", m.IsDisabled(gonet.IPv4zero), false)
}

func TestThrottleDisabled(t *testing.T) {
	m, _ := newThrottledManager(0)
	ip := gonet.ParseIP("10.0.0.1")
	for range iter.N(20) {
		m.AddAttempt(ip, false)
	}
	ttesting.AssertEqualBool(t, "disabled", m.IsDisabled(ip), false)
}
