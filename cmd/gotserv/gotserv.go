// Command gotserv runs the login, game, status and admin protocols on one
// network core.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/common-nighthawk/go-figure"
	"github.com/golang/glog"
	"github.com/gookit/color"
	"github.com/pkg/errors"

	"badc0de.net/pkg/gotserv/admin"
	"badc0de.net/pkg/gotserv/attempts"
	"badc0de.net/pkg/gotserv/config"
	"badc0de.net/pkg/gotserv/gameworld"
	"badc0de.net/pkg/gotserv/login"
	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/paths"
	"badc0de.net/pkg/gotserv/secrets"
	"badc0de.net/pkg/gotserv/status"
)

const version = "0.1"

var (
	configPath string

	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen; overrides server.debug_addr")
	banner         = flag.Bool("banner", true, "print a banner on startup")
)

func main() {
	paths.SetupFilePathFlag("gotserv.yaml", "config", "path to the YAML configuration; defaults are used if empty", &configPath)
	flagutil.Parse()

	if err := run(); err != nil {
		glog.Fatalf("gotserv: %v", err)
	}
	glog.Flush()
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	glog.Infof("loading configuration from %s", configPath)
	return config.Load(configPath)
}

func privateKey(cfg *config.Config) (*rsa.PrivateKey, error) {
	if cfg.RSA.KeyFile == "" {
		glog.Warningf("using the well known OpenTibia key; set rsa.key_file for anything but testing")
		return &secrets.OpenTibiaPrivateKey, nil
	}
	return secrets.LoadPrivateKey(cfg.RSA.KeyFile)
}

// attemptStore returns the login attempt store and a function releasing
// it.
func attemptStore(ctx context.Context, cfg *config.Config) (attempts.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return attempts.NewMemory(), func() {}, nil
	}
	r := attempts.NewRedis(cfg.RedisOptions())
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Redis.Addr)
	}
	glog.Infof("login attempts are kept in redis at %s", cfg.Redis.Addr)
	return r, func() { r.Close() }, nil
}

// listenAddrs returns the distinct non-empty addresses among addrs. Every
// listener serves every registered protocol.
func listenAddrs(addrs ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pk, err := privateKey(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := attemptStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	s := tnet.NewServer(cfg.NetOptions(), pk, store)

	staticAccounts, gms := cfg.StaticAccounts()
	accounts := login.NewStaticAccounts(staticAccounts...)
	world := gameworld.NewDemoWorld(accounts, gms...)

	login.Register(s, accounts, cfg.LoginOptions())
	gameworld.Register(s, world, cfg.GameOptions())
	status.Register(s, status.New(cfg.StatusInfo("gotserv", version), world), cfg.Status.Interval)
	if cfg.Admin.Enabled {
		admin.Register(s, admin.New(&commands{world: world, shutdown: stop}, cfg.AdminOptions()))
	}

	addrs := listenAddrs(cfg.Server.LoginAddr, cfg.Server.GameAddr, cfg.Server.StatusAddr)
	if cfg.Admin.Enabled {
		addrs = listenAddrs(append(addrs, cfg.Server.AdminAddr)...)
	}
	var listeners []net.Listener
	for _, a := range addrs {
		l, err := net.Listen("tcp", a)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return errors.Wrapf(err, "listening on %s", a)
		}
		listeners = append(listeners, l)
	}

	s.Start()

	debugAddr := cfg.Server.DebugAddr
	if *debugWebServer != "" {
		debugAddr = *debugWebServer
	}
	if debugAddr != "" {
		stopDebug := serveDebug(debugAddr, s)
		defer stopDebug()
	}

	if *banner {
		printBanner(cfg, addrs)
	}
	glog.Infoln("starting gotserv services")

	serveErr := s.ServeAll(ctx, listeners...)

	glog.Infoln("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		glog.Errorf("shutdown: %v", err)
	}
	return serveErr
}

func printBanner(cfg *config.Config, addrs []string) {
	color.Cyan.Println(figure.NewFigure("gotserv", "", true).String())
	color.Green.Printf("%s %s, client %d-%d\n", cfg.Server.Name, version, cfg.Login.ClientVersionMin, cfg.Login.ClientVersionMax)
	for _, a := range addrs {
		color.Yellow.Printf("  listening on %s\n", a)
	}
}
