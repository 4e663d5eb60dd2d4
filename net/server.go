package net

import (
	"context"
	"crypto/rsa"
	gonet "net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/gotserv/attempts"
	"badc0de.net/pkg/gotserv/dispatcher"
	"badc0de.net/pkg/gotserv/scheduler"
)

// Options tune the network core.
type Options struct {
	// MaxPacketSize bounds incoming messages: a declared size of
	// MaxPacketSize-16 or more closes the connection.
	MaxPacketSize int
	// MaxOutputQueue is the number of queued writes above which a slow
	// connection is closed, if ForceCloseSlowConnection is set.
	MaxOutputQueue           int
	ForceCloseSlowConnection bool

	OutputPoolSize int
	AutosendSize   int
	AutosendAge    time.Duration

	// ReleaseRetry is the delay between attempts to release a connection
	// or protocol which is still referenced.
	ReleaseRetry time.Duration
	// CloseWriteTimeout bounds how long pending writes may take once a
	// connection is closing. Zero waits forever.
	CloseWriteTimeout time.Duration
	// ReadTimeout, if set, closes connections which stay silent for longer.
	ReadTimeout time.Duration

	Throttle ThrottleOptions
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		MaxPacketSize:            MaxMessageSize,
		MaxOutputQueue:           500,
		ForceCloseSlowConnection: true,
		OutputPoolSize:           100,
		AutosendSize:             1024,
		AutosendAge:              10 * time.Millisecond,
		ReleaseRetry:             scheduler.MinTicks,
		CloseWriteTimeout:        5 * time.Second,
		Throttle: ThrottleOptions{
			MaxLoginTries: 10,
			RetryTimeout:  5 * time.Second,
			LoginTimeout:  60 * time.Second,
		},
	}
}

// Server is the context shared by everything on the network side: the
// dispatcher, the scheduler, the output message pool, the connection
// manager and the protocol registry.
type Server struct {
	Dispatcher  *dispatcher.Dispatcher
	Scheduler   *scheduler.Scheduler
	Pool        *OutputMessagePool
	Connections *ConnectionManager
	PrivateKey  *rsa.PrivateKey

	opts Options

	mu        sync.Mutex
	factories map[byte]ProtocolFactory
	listeners map[gonet.Listener]struct{}
	closing   bool
	quit      chan struct{}
}

// NewServer creates a server. store keeps login attempts; nil means an
// in-memory store.
func NewServer(opts Options, pk *rsa.PrivateKey, store attempts.Store) *Server {
	if store == nil {
		store = attempts.NewMemory()
	}

	d := dispatcher.New()
	s := &Server{
		Dispatcher: d,
		Scheduler:  scheduler.New(d),
		Pool: NewOutputMessagePool(PoolOptions{
			Prealloc:     opts.OutputPoolSize,
			AutosendSize: opts.AutosendSize,
			AutosendAge:  opts.AutosendAge,
		}),
		Connections: NewConnectionManager(store, opts.Throttle),
		PrivateKey:  pk,
		opts:        opts,
		factories:   make(map[byte]ProtocolFactory),
		listeners:   make(map[gonet.Listener]struct{}),
		quit:        make(chan struct{}),
	}
	d.AddCycler(s.Pool)
	s.Pool.SetFlushScheduler(func(delay time.Duration, nudge func()) bool {
		return s.Scheduler.AddFunc(delay, nudge) != 0
	})
	return s
}

// Options returns the options the server was created with.
func (s *Server) Options() Options { return s.opts }

// Register makes connections whose first message starts with id use the
// protocol created by f.
func (s *Server) Register(id byte, f ProtocolFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factories[id]; ok {
		glog.Warningf("protocol 0x%02x registered twice", id)
	}
	s.factories[id] = f
}

func (s *Server) protocolFactory(id byte) ProtocolFactory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factories[id]
}

// Start launches the dispatcher and scheduler goroutines.
func (s *Server) Start() {
	s.Dispatcher.Start()
	s.Scheduler.Start()
}

// Accept takes over an already connected socket. After Shutdown the socket
// is closed and nil is returned.
func (s *Server) Accept(socket gonet.Conn) *Connection {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		socket.Close()
		return nil
	}
	c := s.Connections.createConnection(s, socket)
	s.mu.Unlock()

	c.acceptConnection()
	return c
}

func (s *Server) trackListener(l gonet.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

// Serve accepts connections on l until the listener is closed. Accept
// errors are retried with exponential backoff.
func (s *Server) Serve(l gonet.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return nil
	}
	defer s.trackListener(l, false)

	glog.Infof("listening on %s", l.Addr())

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	for {
		socket, err := l.Accept()
		if err != nil {
			if errors.Is(err, gonet.ErrClosed) || s.isClosing() {
				return nil
			}
			d := b.Duration()
			glog.Errorf("accept on %s: %v; retrying in %s", l.Addr(), err, d)
			select {
			case <-time.After(d):
			case <-s.quit:
				return nil
			}
			continue
		}
		b.Reset()

		if tcp, ok := socket.(*gonet.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		glog.V(2).Infof("accepted %s on %s", socket.RemoteAddr(), l.Addr())
		s.Accept(socket)
	}
}

// ServeAll serves every listener until ctx is done or Shutdown is called.
// The first listener to fail stops the others.
func (s *Server) ServeAll(ctx context.Context, listeners ...gonet.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := s.Serve(l); err != nil {
				return errors.Wrapf(err, "serving %s", l.Addr())
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.quit:
		}
		for _, l := range listeners {
			l.Close()
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, closes every connection and waits for them to
// be released or for ctx to be done, then stops the pool, the scheduler and
// the dispatcher. Tasks still queued on the dispatcher are run before it
// returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	close(s.quit)
	for l := range s.listeners {
		l.Close()
	}
	s.mu.Unlock()

	s.Connections.CloseAll()

	var err error
	ticker := time.NewTicker(10 * time.Millisecond)
	for s.Connections.Len() > 0 && err == nil {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			err = errors.Wrapf(ctx.Err(), "%d connections still open", s.Connections.Len())
		}
	}
	ticker.Stop()

	s.Pool.Shutdown()
	s.Dispatcher.Stop()
	s.Scheduler.Stop()
	s.Scheduler.Shutdown()
	s.Dispatcher.Shutdown()
	return err
}
