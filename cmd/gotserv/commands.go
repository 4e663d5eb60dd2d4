package main

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/gotserv/admin"
	"badc0de.net/pkg/gotserv/gameworld"
)

// commands carries out admin commands on the demo world.
type commands struct {
	world *gameworld.DemoWorld
	// shutdown must not block: it is called on the dispatcher, which the
	// server's shutdown waits for.
	shutdown func()
}

func (c *commands) Broadcast(text string) error {
	c.world.Broadcast(text)
	return nil
}

func (c *commands) CloseServer() error {
	glog.Infoln("server closed by admin")
	c.world.SetOpen(false)
	return nil
}

func (c *commands) OpenServer() error {
	glog.Infoln("server opened by admin")
	c.world.SetOpen(true)
	return nil
}

func (c *commands) Shutdown() error {
	glog.Infoln("shutdown requested by admin")
	c.shutdown()
	return nil
}

func (c *commands) Kick(name string) error {
	err := c.world.Kick(name)
	if errors.Cause(err) == gameworld.ErrNotOnline {
		return admin.ErrPlayerNotOnline
	}
	return err
}
