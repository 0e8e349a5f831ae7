// Package config implements the operator-facing configuration file of the
// nodelink client.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"

	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/storage"
)

const (
	defaultLogLevel         = "INFO"
	defaultStatePath        = "nodelink.db"
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultChannelTTL       = 30 * time.Minute
	defaultSessionTTL       = 15 * time.Minute
	defaultExpirySkew       = 30 * time.Second
	defaultBrowseTimeout    = 5 * time.Second
)

// Environment variables that override file values.
const (
	EnvBaseURL          = "NODELINK_BASE_URL"
	EnvDiscoverInstance = "NODELINK_DISCOVER_INSTANCE"
	EnvStatePath        = "NODELINK_STATE_PATH"
	EnvNamespace        = "NODELINK_NAMESPACE"
	EnvCertificate      = "NODELINK_CERTIFICATE"
	EnvPrivateKey       = "NODELINK_PRIVATE_KEY"
	EnvLogLevel         = "NODELINK_LOG_LEVEL"
	EnvMetricsAddress   = "NODELINK_METRICS_ADDRESS"
)

// Duration is a time.Duration written as a string ("30s", "15m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Node is the research node endpoint configuration.
type Node struct {
	// BaseURL is the node's base URL. When empty, DiscoverInstance is
	// resolved through DNS-SD.
	BaseURL string `toml:"base_url"`

	// DiscoverInstance is the DNS-SD instance name of the node. "*" picks
	// the first node found.
	DiscoverInstance string `toml:"discover_instance"`

	// HandshakeTimeout bounds each handshake call.
	HandshakeTimeout Duration `toml:"handshake_timeout"`

	// RequestTimeout bounds each business call.
	RequestTimeout Duration `toml:"request_timeout"`

	// CACertificate is an optional PEM bundle used to verify the node's
	// TLS certificate.
	CACertificate string `toml:"ca_certificate"`
}

func (n *Node) validate() error {
	if n.BaseURL == "" && n.DiscoverInstance == "" {
		return errors.New("config: Node: one of base_url or discover_instance is required")
	}
	if n.BaseURL != "" {
		u, err := url.Parse(n.BaseURL)
		if err != nil {
			return fmt.Errorf("config: Node: base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Node: base_url scheme '%v' is invalid", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("config: Node: base_url has no host")
		}
	}
	if n.HandshakeTimeout.Duration == 0 {
		n.HandshakeTimeout.Duration = defaultHandshakeTimeout
	}
	if n.RequestTimeout.Duration == 0 {
		n.RequestTimeout.Duration = defaultRequestTimeout
	}
	if n.HandshakeTimeout.Duration < 0 || n.RequestTimeout.Duration < 0 {
		return errors.New("config: Node: timeouts must not be negative")
	}
	return nil
}

// Identity locates the node identity credential.
type Identity struct {
	// Certificate is the PEM file holding the identity certificate.
	Certificate string `toml:"certificate"`

	// PrivateKey is the PEM file holding the P-384 identity key.
	PrivateKey string `toml:"private_key"`
}

func (i *Identity) validate() error {
	if i.Certificate == "" {
		return errors.New("config: Identity: certificate is required")
	}
	if i.PrivateKey == "" {
		return errors.New("config: Identity: private_key is required")
	}
	return nil
}

// State is the persistence configuration.
type State struct {
	// Path is the bbolt database file.
	Path string `toml:"path"`

	// Namespace separates the records of several nodes in one database.
	Namespace string `toml:"namespace"`
}

// Keys returns the storage keys for the namespace.
func (s *State) Keys() storage.Keys {
	return storage.KeysFor(s.Namespace)
}

func (s *State) fixup() {
	if s.Path == "" {
		s.Path = defaultStatePath
	}
}

// Channel is the channel configuration.
type Channel struct {
	// TTL is the channel lifetime.
	TTL Duration `toml:"ttl"`

	// Ciphers are offered to the node in preference order.
	Ciphers []string `toml:"ciphers"`
}

// Suites returns Ciphers as cipher suites.
func (c *Channel) Suites() []crypto.CipherSuite {
	out := make([]crypto.CipherSuite, 0, len(c.Ciphers))
	for _, s := range c.Ciphers {
		out = append(out, crypto.CipherSuite(s))
	}
	return out
}

func (c *Channel) validate() error {
	if c.TTL.Duration == 0 {
		c.TTL.Duration = defaultChannelTTL
	}
	if c.TTL.Duration < 0 {
		return errors.New("config: Channel: ttl must not be negative")
	}
	for i, s := range c.Ciphers {
		s = strings.ToUpper(s)
		if !crypto.CipherSuite(s).IsValid() {
			return fmt.Errorf("config: Channel: cipher '%v' is invalid", c.Ciphers[i])
		}
		c.Ciphers[i] = s
	}
	return nil
}

// Session is the session configuration.
type Session struct {
	// TTL applies when the node does not report an expiry.
	TTL Duration `toml:"ttl"`

	// ExpirySkew renews a session or channel this long before it expires.
	ExpirySkew Duration `toml:"expiry_skew"`

	// DisableEarlyRenewal ignores ExpirySkew and renews only on expiry.
	DisableEarlyRenewal bool `toml:"disable_early_renewal"`
}

func (s *Session) validate() error {
	if s.TTL.Duration == 0 {
		s.TTL.Duration = defaultSessionTTL
	}
	switch {
	case s.DisableEarlyRenewal:
		s.ExpirySkew.Duration = 0
	case s.ExpirySkew.Duration == 0:
		s.ExpirySkew.Duration = defaultExpirySkew
	}
	if s.TTL.Duration < 0 || s.ExpirySkew.Duration < 0 {
		return errors.New("config: Session: durations must not be negative")
	}
	return nil
}

// Discovery is the DNS-SD configuration.
type Discovery struct {
	// Service is the DNS-SD service type.
	Service string `toml:"service"`

	// Domain is the DNS-SD domain.
	Domain string `toml:"domain"`

	// Timeout bounds a browse or lookup.
	Timeout Duration `toml:"timeout"`
}

func (d *Discovery) fixup() {
	if d.Timeout.Duration <= 0 {
		d.Timeout.Duration = defaultBrowseTimeout
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool `toml:"disable"`

	// Level specifies the log level.
	Level string `toml:"level"`
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
	case "WARNING":
		lvl = "WARN"
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// LoggerFactory returns a factory writing to w at the configured level, or
// nil when logging is disabled.
func (l *Logging) LoggerFactory(w io.Writer) logging.LoggerFactory {
	if l.Disable {
		return nil
	}
	level := logging.LogLevelInfo
	switch l.Level {
	case "ERROR":
		level = logging.LogLevelError
	case "WARN":
		level = logging.LogLevelWarn
	case "DEBUG":
		level = logging.LogLevelDebug
	case "TRACE":
		level = logging.LogLevelTrace
	}
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: level,
		ScopeLevels:     make(map[string]logging.LogLevel),
	}
}

// Metrics is the Prometheus exposition configuration.
type Metrics struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9464".
	Address string `toml:"address"`
}

// Config is the top level nodelink configuration.
type Config struct {
	Node      *Node
	Identity  *Identity
	State     *State
	Channel   *Channel
	Session   *Session
	Discovery *Discovery
	Logging   *Logging
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if c.Identity == nil {
		return errors.New("config: No Identity block was present")
	}

	// Handle missing sections if possible.
	if c.State == nil {
		c.State = &State{}
	}
	if c.Channel == nil {
		c.Channel = &Channel{}
	}
	if c.Session == nil {
		c.Session = &Session{}
	}
	if c.Discovery == nil {
		c.Discovery = &Discovery{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	// Validate/fixup the various sections.
	if err := c.Node.validate(); err != nil {
		return err
	}
	if err := c.Identity.validate(); err != nil {
		return err
	}
	c.State.fixup()
	if err := c.State.Keys().Validate(); err != nil {
		return fmt.Errorf("config: State: %w", err)
	}
	if err := c.Channel.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	c.Discovery.fixup()
	return c.Logging.validate()
}

// ApplyEnv overrides file values with the NODELINK_* variables found by
// lookup. Call FixupAndValidate afterwards.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if c.Node == nil {
		c.Node = &Node{}
	}
	if c.Identity == nil {
		c.Identity = &Identity{}
	}
	if c.State == nil {
		c.State = &State{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	set(EnvBaseURL, &c.Node.BaseURL)
	set(EnvDiscoverInstance, &c.Node.DiscoverInstance)
	set(EnvStatePath, &c.State.Path)
	set(EnvNamespace, &c.State.Namespace)
	set(EnvCertificate, &c.Identity.Certificate)
	set(EnvPrivateKey, &c.Identity.PrivateKey)
	set(EnvLogLevel, &c.Logging.Level)
	set(EnvMetricsAddress, &c.Metrics.Address)
}

// Parse decodes b without validating it.
func Parse(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys %v", undecoded)
	}
	return cfg, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
