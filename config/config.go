// Package config loads the server configuration from YAML.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"badc0de.net/pkg/gotserv/admin"
	"badc0de.net/pkg/gotserv/attempts"
	"badc0de.net/pkg/gotserv/gameworld"
	"badc0de.net/pkg/gotserv/login"
	tnet "badc0de.net/pkg/gotserv/net"
	"badc0de.net/pkg/gotserv/status"
)

// Config is the whole server configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Network  NetworkConfig   `yaml:"network"`
	Login    LoginConfig     `yaml:"login"`
	Game     GameConfig      `yaml:"game"`
	Status   StatusConfig    `yaml:"status"`
	Admin    AdminConfig     `yaml:"admin"`
	Redis    RedisConfig     `yaml:"redis"`
	RSA      RSAConfig       `yaml:"rsa"`
	Accounts []AccountConfig `yaml:"accounts"`

	// ShutdownTimeout bounds the wait for connections to close.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig holds listen addresses and what the server tells clients
// about itself.
type ServerConfig struct {
	LoginAddr  string `yaml:"login_addr"`
	GameAddr   string `yaml:"game_addr"`
	StatusAddr string `yaml:"status_addr"`
	AdminAddr  string `yaml:"admin_addr"`
	// DebugAddr serves metrics and traces. Empty disables it.
	DebugAddr string `yaml:"debug_addr"`

	Name string `yaml:"name"`
	// IP and Port of the game world, as given in the character list.
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	MOTD       string `yaml:"motd"`
	MOTDNum    int    `yaml:"motd_num"`
	Location   string `yaml:"location"`
	URL        string `yaml:"url"`
	Owner      string `yaml:"owner"`
	OwnerEmail string `yaml:"owner_email"`
	MaxPlayers int    `yaml:"max_players"`

	MapName   string `yaml:"map_name"`
	MapAuthor string `yaml:"map_author"`
	MapWidth  uint16 `yaml:"map_width"`
	MapHeight uint16 `yaml:"map_height"`
}

// NetworkConfig tunes the network core.
type NetworkConfig struct {
	MaxPacketSize            int           `yaml:"max_packet_size"`
	MaxOutputQueue           int           `yaml:"max_output_queue"`
	ForceCloseSlowConnection bool          `yaml:"force_close_slow_connection"`
	OutputPoolSize           int           `yaml:"output_pool_size"`
	AutosendSize             int           `yaml:"autosend_size"`
	AutosendAge              time.Duration `yaml:"autosend_age"`
	ReleaseRetry             time.Duration `yaml:"release_retry"`
	CloseWriteTimeout        time.Duration `yaml:"close_write_timeout"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
}

// LoginConfig configures the login throttle and the accepted clients.
type LoginConfig struct {
	MaxTries         int           `yaml:"max_tries"`
	RetryTimeout     time.Duration `yaml:"retry_timeout"`
	LoginTimeout     time.Duration `yaml:"login_timeout"`
	ClientVersionMin uint16        `yaml:"client_version_min"`
	ClientVersionMax uint16        `yaml:"client_version_max"`
	VersionText      string        `yaml:"version_text"`
}

// GameConfig configures the game protocol.
type GameConfig struct {
	FloodProtection bool `yaml:"flood_protection"`
}

// StatusConfig configures the status protocol.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AdminConfig configures the admin protocol.
type AdminConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Password          string `yaml:"password"`
	RequireLogin      bool   `yaml:"require_login"`
	RequireEncryption bool   `yaml:"require_encryption"`
	OnlyLocalhost     bool   `yaml:"only_localhost"`
	MaxConnections    int    `yaml:"max_connections"`
}

// RedisConfig configures the shared login attempt store. An empty Addr
// keeps attempts in memory.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RSAConfig names the server key. An empty KeyFile uses the OpenTibia key.
type RSAConfig struct {
	KeyFile string `yaml:"key_file"`
}

// AccountConfig is a static account.
type AccountConfig struct {
	Name        string            `yaml:"name"`
	Password    string            `yaml:"password"`
	PremiumDays uint16            `yaml:"premium_days"`
	Characters  []CharacterConfig `yaml:"characters"`
}

// CharacterConfig is a character of a static account.
type CharacterConfig struct {
	Name string `yaml:"name"`
	GM   bool   `yaml:"gm"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	n := tnet.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			LoginAddr:  ":7171",
			GameAddr:   ":7172",
			Name:       "Gotserv",
			IP:         "127.0.0.1",
			Port:       7172,
			MOTD:       "Welcome to Gotserv.",
			MOTDNum:    1,
			MaxPlayers: 1000,
		},
		Network: NetworkConfig{
			MaxPacketSize:            n.MaxPacketSize,
			MaxOutputQueue:           n.MaxOutputQueue,
			ForceCloseSlowConnection: n.ForceCloseSlowConnection,
			OutputPoolSize:           n.OutputPoolSize,
			AutosendSize:             n.AutosendSize,
			AutosendAge:              n.AutosendAge,
			ReleaseRetry:             n.ReleaseRetry,
			CloseWriteTimeout:        n.CloseWriteTimeout,
		},
		Login: LoginConfig{
			MaxTries:         n.Throttle.MaxLoginTries,
			RetryTimeout:     n.Throttle.RetryTimeout,
			LoginTimeout:     n.Throttle.LoginTimeout,
			ClientVersionMin: 840,
			ClientVersionMax: 840,
			VersionText:      "Only clients with protocol 8.4 allowed!",
		},
		Status: StatusConfig{
			Interval: status.DefaultInterval,
		},
		Admin: AdminConfig{
			RequireLogin:      true,
			RequireEncryption: true,
			OnlyLocalhost:     true,
			MaxConnections:    1,
		},
		Redis: RedisConfig{
			KeyPrefix: "gotserv:",
			TTL:       time.Hour,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads the configuration at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes a YAML configuration on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// setDefaults fills in values explicitly zeroed which must not be zero.
func setDefaults(cfg *Config) {
	d := Default()
	if cfg.Network.MaxPacketSize == 0 {
		cfg.Network.MaxPacketSize = d.Network.MaxPacketSize
	}
	if cfg.Network.OutputPoolSize == 0 {
		cfg.Network.OutputPoolSize = d.Network.OutputPoolSize
	}
	if cfg.Network.ReleaseRetry == 0 {
		cfg.Network.ReleaseRetry = d.Network.ReleaseRetry
	}
	if cfg.Status.Interval == 0 {
		cfg.Status.Interval = d.Status.Interval
	}
	if cfg.Admin.MaxConnections == 0 {
		cfg.Admin.MaxConnections = d.Admin.MaxConnections
	}
	if cfg.Server.MOTDNum == 0 {
		cfg.Server.MOTDNum = d.Server.MOTDNum
	}
}

// Validate checks the configuration for values the server can't run with.
func (cfg *Config) Validate() error {
	if cfg.Server.LoginAddr == "" && cfg.Server.GameAddr == "" {
		return errors.New("server.login_addr or server.game_addr is required")
	}
	if ip := net.ParseIP(cfg.Server.IP); ip == nil || ip.To4() == nil {
		return errors.Errorf("server.ip %q is not an IPv4 address", cfg.Server.IP)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Network.MaxPacketSize <= 16 || cfg.Network.MaxPacketSize > tnet.MaxMessageSize {
		return errors.Errorf("network.max_packet_size must be between 17 and %d", tnet.MaxMessageSize)
	}
	if cfg.Network.MaxOutputQueue < 0 {
		return errors.New("network.max_output_queue must not be negative")
	}
	if cfg.Network.AutosendSize < 0 || cfg.Network.AutosendAge < 0 {
		return errors.New("network.autosend_size and network.autosend_age must not be negative")
	}
	if cfg.Login.MaxTries < 0 {
		return errors.New("login.max_tries must not be negative")
	}
	if cfg.Login.ClientVersionMin > cfg.Login.ClientVersionMax {
		return errors.New("login.client_version_min is above login.client_version_max")
	}
	if cfg.Admin.Enabled {
		if cfg.Server.AdminAddr == "" {
			return errors.New("server.admin_addr is required when the admin protocol is enabled")
		}
		if cfg.Admin.RequireLogin && cfg.Admin.Password == "" {
			return errors.New("admin.password is required when admin.require_login is set")
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be greater than 0")
	}

	seen := make(map[string]bool)
	for _, a := range cfg.Accounts {
		if a.Name == "" {
			return errors.New("accounts: an account has no name")
		}
		if seen[a.Name] {
			return errors.Errorf("accounts: %q is listed twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// NetOptions returns the options of the network core.
func (cfg *Config) NetOptions() tnet.Options {
	n := cfg.Network
	return tnet.Options{
		MaxPacketSize:            n.MaxPacketSize,
		MaxOutputQueue:           n.MaxOutputQueue,
		ForceCloseSlowConnection: n.ForceCloseSlowConnection,
		OutputPoolSize:           n.OutputPoolSize,
		AutosendSize:             n.AutosendSize,
		AutosendAge:              n.AutosendAge,
		ReleaseRetry:             n.ReleaseRetry,
		CloseWriteTimeout:        n.CloseWriteTimeout,
		ReadTimeout:              n.ReadTimeout,
		Throttle: tnet.ThrottleOptions{
			MaxLoginTries: cfg.Login.MaxTries,
			RetryTimeout:  cfg.Login.RetryTimeout,
			LoginTimeout:  cfg.Login.LoginTimeout,
		},
	}
}

// LoginOptions returns the options of the login protocol.
func (cfg *Config) LoginOptions() login.Options {
	return login.Options{
		ClientVersionMin: cfg.Login.ClientVersionMin,
		ClientVersionMax: cfg.Login.ClientVersionMax,
		VersionText:      cfg.Login.VersionText,
		MOTD:             cfg.Server.MOTD,
		MOTDNum:          cfg.Server.MOTDNum,
		ServerName:       cfg.Server.Name,
		URL:              cfg.Server.URL,
	}
}

// GameOptions returns the options of the game protocol.
func (cfg *Config) GameOptions() gameworld.Options {
	return gameworld.Options{
		ClientVersionMin: cfg.Login.ClientVersionMin,
		ClientVersionMax: cfg.Login.ClientVersionMax,
		VersionText:      cfg.Login.VersionText,
		FloodProtection:  cfg.Game.FloodProtection,
	}
}

// StatusInfo returns what the status protocol reports.
func (cfg *Config) StatusInfo(software, version string) status.Info {
	s := cfg.Server
	return status.Info{
		ServerName: s.Name,
		IP:         s.IP,
		Port:       s.Port,
		Location:   s.Location,
		URL:        s.URL,
		MOTD:       s.MOTD,
		Owner:      s.Owner,
		OwnerEmail: s.OwnerEmail,
		MaxPlayers: s.MaxPlayers,
		MapName:    s.MapName,
		MapAuthor:  s.MapAuthor,
		MapWidth:   s.MapWidth,
		MapHeight:  s.MapHeight,
		Software:   software,
		Version:    version,
		Client:     clientVersion(cfg.Login.ClientVersionMax),
	}
}

func clientVersion(v uint16) string {
	return strconv.Itoa(int(v/100)) + "." + strconv.Itoa(int(v%100/10))
}

// AdminOptions returns the options of the admin protocol.
func (cfg *Config) AdminOptions() admin.Options {
	a := cfg.Admin
	return admin.Options{
		Password:          a.Password,
		RequireLogin:      a.RequireLogin,
		RequireEncryption: a.RequireEncryption,
		OnlyLocalhost:     a.OnlyLocalhost,
		MaxConnections:    a.MaxConnections,
	}
}

// RedisOptions returns the options of the Redis attempt store.
func (cfg *Config) RedisOptions() attempts.RedisOptions {
	r := cfg.Redis
	return attempts.RedisOptions{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
		TTL:       r.TTL,
	}
}

// StaticAccounts returns the configured accounts, with every character in
// the configured game world, and the names of the gamemaster characters.
func (cfg *Config) StaticAccounts() ([]login.StaticAccount, []string) {
	world := net.TCPAddr{IP: net.ParseIP(cfg.Server.IP), Port: cfg.Server.Port}
	var accounts []login.StaticAccount
	var gms []string
	for _, a := range cfg.Accounts {
		acc := login.StaticAccount{
			Account: login.Account{
				Name:        a.Name,
				PremiumDays: a.PremiumDays,
			},
			Password: a.Password,
		}
		for _, c := range a.Characters {
			acc.Characters = append(acc.Characters, login.CharacterListEntry{
				CharacterName:  c.Name,
				CharacterWorld: cfg.Server.Name,
				GameFrontend:   world,
			})
			if c.GM {
				gms = append(gms, c.Name)
			}
		}
		accounts = append(accounts, acc)
	}
	return accounts, gms
}
