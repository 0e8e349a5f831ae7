package middleware

import (
	"time"

	"github.com/pion/logging"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/metrics"
	"github.com/backkem/nodelink/pkg/session"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

// DefaultExpirySkew is the margin EnsureSessionValid applies to expiries.
const DefaultExpirySkew = 30 * time.Second

// Dependency names reported by MissingDependencies.
const (
	DepStorage   = "storage"
	DepTransport = "transport"
	DepProvider  = "crypto provider"
	DepIdentity  = "node identity"
	DepSigner    = "challenge signer"
)

// Config configures a Middleware.
type Config struct {
	// Storage persists channel and session records.
	Storage storage.Storage

	// Transport reaches the node.
	Transport transport.Caller

	// Provider supplies the cryptographic primitives.
	Provider crypto.Provider

	// Identity is presented to the node in the identify phase.
	Identity credentials.NodeIdentity

	// Signer proves possession of the identity key. The middleware never
	// holds the identity private key itself.
	Signer credentials.Signer

	// Keys name the persisted records. Default: storage.DefaultKeys().
	Keys storage.Keys

	// ChannelTTL is the channel lifetime. Default: 30 minutes.
	ChannelTTL time.Duration

	// SessionTTL applies when the node does not report a session expiry.
	// Default: 15 minutes.
	SessionTTL time.Duration

	// ExpirySkew is subtracted from expiries by EnsureSessionValid and
	// Invoke. Default: 30 seconds.
	ExpirySkew time.Duration

	// DisableEarlyRenewal forces ExpirySkew to zero, so the channel and
	// session are renewed only once they have expired.
	DisableEarlyRenewal bool

	// SupportedCiphers are offered on channel open.
	// Default: crypto.SupportedCiphers.
	SupportedCiphers []crypto.CipherSuite

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory

	// Metrics records handshakes and invokes (optional).
	Metrics *metrics.Collector

	// OnStatusChange is called after each status change, outside any lock.
	// It is not called after Close.
	OnStatusChange func(status Status, err error)
}

// MissingDependencies lists the required dependencies that are not set.
func (c *Config) MissingDependencies() []string {
	var missing []string
	if c.Storage == nil {
		missing = append(missing, DepStorage)
	}
	if c.Transport == nil {
		missing = append(missing, DepTransport)
	}
	if c.Provider == nil {
		missing = append(missing, DepProvider)
	}
	if c.Identity.IsZero() {
		missing = append(missing, DepIdentity)
	}
	if c.Signer == nil {
		missing = append(missing, DepSigner)
	}
	return missing
}

// Validate checks the options. Missing dependencies are not a validation
// error; they are reported by every network-capable operation.
func (c *Config) Validate() error {
	if c.Keys != (storage.Keys{}) {
		if err := c.Keys.Validate(); err != nil {
			return err
		}
	}
	for _, s := range c.SupportedCiphers {
		if !s.IsValid() {
			return crypto.ErrUnsupportedCipher
		}
	}
	if c.ExpirySkew < 0 {
		return errNegativeSkew
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Keys == (storage.Keys{}) {
		c.Keys = storage.DefaultKeys()
	}
	if c.ChannelTTL <= 0 {
		c.ChannelTTL = channel.DefaultTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
	switch {
	case c.DisableEarlyRenewal:
		c.ExpirySkew = 0
	case c.ExpirySkew == 0:
		c.ExpirySkew = DefaultExpirySkew
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
