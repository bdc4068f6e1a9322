// Package config loads rcpd's YAML configuration and turns it into the
// settings each component takes.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/bridge"
	"github.com/chronologos/rcp/internal/protocol"
	"github.com/chronologos/rcp/internal/session"
	"github.com/chronologos/rcp/internal/state"
	"github.com/chronologos/rcp/internal/transport"
)

// Config is the whole rcpd configuration file.
type Config struct {
	Server ServerConfig   `yaml:"server"`
	State  StateConfig    `yaml:"state"`
	Auth   AuthConfig     `yaml:"auth"`
	Apps   []session.App  `yaml:"apps"`
	Bridge BridgeSettings `yaml:"bridge"`
	Log    LogConfig      `yaml:"log"`

	// path is the file the config was read from; relative paths inside it
	// resolve against its directory.
	path string
}

type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Transport     string        `yaml:"transport"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	MaxSessions   int           `yaml:"max_sessions"`
	Heartbeat     time.Duration `yaml:"heartbeat_interval"`
	Sweep         time.Duration `yaml:"sweep_interval"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// ProtocolVersions lists the wire versions accepted from clients.
	// Empty accepts only the current version.
	ProtocolVersions []int `yaml:"protocol_versions"`
}

type StateConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// OnExhaustion is "close" or "reject".
	OnExhaustion string `yaml:"on_exhaustion"`
}

type AuthConfig struct {
	// PSKHash is the output of `rcpd hash-secret`.
	PSKHash        string        `yaml:"psk_hash"`
	AuthorizedKeys string        `yaml:"authorized_keys"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	// TokenSecret signs session tokens. Tokens survive restarts only when
	// it is set.
	TokenSecret string `yaml:"token_secret"`
	// MaxVerifications caps concurrent PSK hash checks.
	MaxVerifications int `yaml:"max_verifications"`
	// AllowedIdentities, when set, are the only identities granted a
	// session.
	AllowedIdentities []string `yaml:"allowed_identities"`
	// Permissions maps identities ("*" for everyone else) to permission
	// lists. Empty grants everything to everyone.
	Permissions map[string][]string `yaml:"permissions"`
}

type BridgeSettings struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	Upstream       string        `yaml:"upstream"` // host:port of the RCP server
	Transport      string        `yaml:"transport"`
	Insecure       bool          `yaml:"insecure"`
	OriginPatterns []string      `yaml:"origin_patterns"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Defaults for fields the file leaves out.
const (
	DefaultHost       = "0.0.0.0"
	DefaultBridgePort = 8080
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          DefaultHost,
			Port:          protocol.DefaultPort,
			Transport:     string(transport.ModeTCP),
			Heartbeat:     session.DefaultHeartbeatInterval,
			Sweep:         session.DefaultSweepInterval,
			ShutdownGrace: session.DefaultShutdownGrace,
		},
		State: StateConfig{
			MaxRetries:   state.DefaultMaxRetries,
			IdleTimeout:  state.DefaultIdleTimeout,
			AuthTimeout:  state.DefaultAuthTimeout,
			OnExhaustion: "close",
		},
		Auth: AuthConfig{
			ChallengeTTL:     auth.DefaultChallengeTTL,
			TokenTTL:         auth.DefaultTokenTTL,
			MaxVerifications: auth.DefaultMaxVerifies,
		},
		Bridge: BridgeSettings{
			Host:      DefaultHost,
			Port:      DefaultBridgePort,
			Path:      "/",
			Upstream:  net.JoinHostPort("127.0.0.1", strconv.Itoa(protocol.DefaultPort)),
			Transport: string(transport.ModeTCP),
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// DefaultPath returns ~/.rcp/rcpd.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rcp", "rcpd.yaml")
	}
	return filepath.Join(home, ".rcp", "rcpd.yaml")
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults with no error. Load does not validate.
func Load(path string) (*Config, error) {
	return load(path, os.Stderr)
}

func load(path string, warn io.Writer) (*Config, error) {
	cfg := Default()
	cfg.path = path

	// The file may hold the PSK hash and token secret.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(warn,
			"warning: config file %s has permissions %04o, expected 0600. "+
				"Secrets in it may be readable by other users.\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := transport.ParseMode(c.Server.Transport); err != nil {
		errs = append(errs, fmt.Errorf("server.transport: %w", err))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, errors.New("server.max_sessions must not be negative"))
	}
	if _, err := c.versions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.exhaustionPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.State.MaxRetries < 0 {
		errs = append(errs, errors.New("state.max_retries must not be negative"))
	}
	if c.Auth.PSKHash == "" && c.Auth.AuthorizedKeys == "" {
		errs = append(errs, errors.New("auth: set psk_hash or authorized_keys"))
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 16 {
		errs = append(errs, errors.New("auth.token_secret must be at least 16 characters"))
	}
	if c.Auth.MaxVerifications < 0 {
		errs = append(errs, errors.New("auth.max_verifications must not be negative"))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Apps))
	for i, app := range c.Apps {
		switch {
		case app.Name == "":
			errs = append(errs, fmt.Errorf("apps[%d]: name is required", i))
		case app.Command == "":
			errs = append(errs, fmt.Errorf("apps[%d] %s: command is required", i, app.Name))
		case seen[app.Name]:
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate name %q", i, app.Name))
		}
		seen[app.Name] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (want text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) exhaustionPolicy() (state.ExhaustionPolicy, error) {
	switch strings.ToLower(c.State.OnExhaustion) {
	case "", "close":
		return state.CloseOnExhaustion, nil
	case "reject":
		return state.RejectOnExhaustion, nil
	}
	return 0, fmt.Errorf("state.on_exhaustion %q (want close or reject)", c.State.OnExhaustion)
}

func (c *Config) versions() (protocol.Versions, error) {
	if len(c.Server.ProtocolVersions) == 0 {
		return nil, nil
	}
	vs := make(protocol.Versions, 0, len(c.Server.ProtocolVersions))
	for _, v := range c.Server.ProtocolVersions {
		if v < 1 || v > 0xff {
			return nil, fmt.Errorf("server.protocol_versions: %d out of range 1-255", v)
		}
		vs = append(vs, byte(v))
	}
	return vs, nil
}

// Policy returns the per-identity permission policy, or nil when none is
// configured.
func (c *Config) Policy() (*session.Policy, error) {
	if len(c.Auth.Permissions) == 0 {
		return nil, nil
	}
	p, err := session.NewPolicy(c.Auth.Permissions)
	if err != nil {
		return nil, fmt.Errorf("auth.permissions: %w", err)
	}
	return p, nil
}

// resolve makes p relative to the config file's directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// AuthorizedKeysPath returns the resolved authorized keys file, or "".
func (c *Config) AuthorizedKeysPath() string { return c.resolve(c.Auth.AuthorizedKeys) }

// Listen returns the server listener settings.
func (c *Config) Listen() transport.ListenConfig {
	mode, _ := transport.ParseMode(c.Server.Transport)
	return transport.ListenConfig{
		Mode:     mode,
		Host:     c.Server.Host,
		Port:     c.Server.Port,
		CertFile: c.resolve(c.Server.CertFile),
		KeyFile:  c.resolve(c.Server.KeyFile),
	}
}

// Session returns the session manager settings.
func (c *Config) Session() session.Config {
	onExhaustion, _ := c.exhaustionPolicy()
	versions, _ := c.versions()
	policy, _ := c.Policy()
	return session.Config{
		Versions:          versions,
		Policy:            policy,
		MaxSessions:       c.Server.MaxSessions,
		HeartbeatInterval: c.Server.Heartbeat,
		SweepInterval:     c.Server.Sweep,
		ShutdownGrace:     c.Server.ShutdownGrace,
		State: state.Config{
			MaxRetries:   c.State.MaxRetries,
			IdleTimeout:  c.State.IdleTimeout,
			AuthTimeout:  c.State.AuthTimeout,
			OnExhaustion: onExhaustion,
		},
	}
}

// AuthSettings returns the authenticator settings.
func (c *Config) AuthSettings() auth.Config {
	return auth.Config{
		ChallengeTTL: c.Auth.ChallengeTTL,
		TokenTTL:     c.Auth.TokenTTL,
		TokenSecret:  []byte(c.Auth.TokenSecret),
		MaxVerifies:  c.Auth.MaxVerifications,
	}
}

// Credentials reads the credential set: the PSK hash and the authorized
// keys file, if configured.
func (c *Config) Credentials() (auth.Credentials, error) {
	creds := auth.Credentials{
		PSKHash:           c.Auth.PSKHash,
		AllowedIdentities: c.Auth.AllowedIdentities,
	}
	if path := c.AuthorizedKeysPath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return auth.Credentials{}, fmt.Errorf("authorized keys: %w", err)
		}
		keys, err := auth.ParseAuthorizedKeys(data)
		if err != nil {
			return auth.Credentials{}, err
		}
		creds.PublicKeys = keys
	}
	return creds, nil
}

// BridgeConfig returns the bridge settings.
func (c *Config) BridgeConfig() (bridge.Config, error) {
	host, port, err := net.SplitHostPort(c.Bridge.Upstream)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("bridge.upstream: %w", err)
	}
	bc := bridge.Config{
		WSHost:         c.Bridge.Host,
		WSPort:         strconv.Itoa(c.Bridge.Port),
		Path:           c.Bridge.Path,
		RCPHost:        host,
		RCPPort:        port,
		RCPTransport:   transport.Mode(c.Bridge.Transport),
		RCPInsecure:    c.Bridge.Insecure,
		OriginPatterns: c.Bridge.OriginPatterns,
		PingInterval:   c.Bridge.PingInterval,
	}
	return bc, bc.Validate()
}
