// Package channel implements phase 1 of the nodelink handshake: an
// ephemeral P-384 key exchange that yields a symmetric channel key, and the
// encrypted envelope every later message travels in.
//
// The ephemeral private key lives only for the duration of Open. What
// survives is the derived symmetric key, held by State and persisted as a
// storage.ChannelRecord.
package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

// DefaultTTL is the channel lifetime.
const DefaultTTL = 30 * time.Minute

// Config configures an Establisher.
type Config struct {
	// Transport sends the open request. Required.
	Transport transport.Caller

	// Provider supplies the cryptographic primitives. Required.
	Provider crypto.Provider

	// TTL is the channel lifetime. Default: 30 minutes.
	TTL time.Duration

	// ProtocolVersion is advertised in the open request. Default: "1".
	ProtocolVersion string

	// SupportedCiphers are offered in preference order.
	// Default: crypto.SupportedCiphers.
	SupportedCiphers []crypto.CipherSuite

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return ErrNoTransport
	}
	if c.Provider == nil {
		return ErrNoProvider
	}
	for _, s := range c.SupportedCiphers {
		if !s.IsValid() {
			return fmt.Errorf("%w: %q", ErrUnsupportedCipher, s)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = ProtocolVersion
	}
	if len(c.SupportedCiphers) == 0 {
		c.SupportedCiphers = append([]crypto.CipherSuite(nil), crypto.SupportedCiphers...)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Establisher opens and restores channels. It never touches storage.
type Establisher struct {
	config Config
	log    logging.LeveledLogger
}

// NewEstablisher creates an Establisher.
func NewEstablisher(config Config) (*Establisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	e := &Establisher{config: config}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("channel")
	}
	return e, nil
}

// TTL returns the configured channel lifetime.
func (e *Establisher) TTL() time.Duration {
	return e.config.TTL
}

// Open performs the channel-open exchange with the node.
//
// Open fails unless the response carries a channel id, the node's
// ephemeral public key and the node's nonce. It never returns a partially
// keyed channel.
func (e *Establisher) Open(ctx context.Context) (*Result, error) {
	p := e.config.Provider

	kp, err := p.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("channel: key generation: %w", err)
	}
	defer kp.Zeroize()

	nonce, err := p.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	body, err := json.Marshal(OpenChannelRequest{
		ProtocolVersion:      e.config.ProtocolVersion,
		EphemeralPublicKey:   base64.StdEncoding.EncodeToString(kp.PublicKey()),
		KeyExchangeAlgorithm: crypto.KeyExchangeAlgorithm,
		SupportedCiphers:     e.config.SupportedCiphers,
		Timestamp:            e.config.Now().UnixMilli(),
		Nonce:                base64.StdEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return nil, err
	}

	resp, err := e.config.Transport.Do(ctx, transport.Call{
		Kind:   transport.KindHandshake,
		Method: http.MethodPost,
		Path:   PathOpen,
		Header: http.Header{HeaderContentType: []string{ContentTypeJSON}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.StatusError(); err != nil {
		return nil, err
	}

	channelID := resp.Header.Get(HeaderChannelID)
	if channelID == "" {
		return nil, ErrMissingChannelID
	}

	var msg OpenChannelResponse
	if err := json.Unmarshal(resp.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if msg.EphemeralPublicKey == "" {
		return nil, ErrMissingPeerPublicKey
	}
	if msg.Nonce == "" {
		return nil, ErrMissingPeerNonce
	}
	peerPub, err := base64.StdEncoding.DecodeString(msg.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeralPublicKey: %v", ErrMalformedResponse, err)
	}
	peerNonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedResponse, err)
	}

	suite, err := e.selectCipher(msg.Cipher)
	if err != nil {
		return nil, err
	}

	key, err := p.DeriveSymmetricKey(crypto.DeriveParams{
		PrivateKey:    kp,
		PeerPublicKey: peerPub,
		SelfNonce:     nonce,
		PeerNonce:     peerNonce,
		Cipher:        suite,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: key derivation: %w", err)
	}

	now := e.config.Now()
	state := &State{
		id:        channelID,
		suite:     suite,
		provider:  p,
		serverPub: peerPub,
		createdAt: now,
		expiresAt: now.Add(e.config.TTL),
		now:       e.config.Now,
		key:       key,
	}
	record, err := state.Record()
	if err != nil {
		state.Discard()
		return nil, err
	}

	if e.log != nil {
		e.log.Debugf("opened channel %s (%s), expires %s", channelID, suite, state.expiresAt.Format(time.RFC3339))
	}

	return &Result{State: state, Record: record, Summary: state.Summary()}, nil
}

func (e *Establisher) selectCipher(chosen crypto.CipherSuite) (crypto.CipherSuite, error) {
	if chosen == "" {
		return e.config.SupportedCiphers[0], nil
	}
	for _, s := range e.config.SupportedCiphers {
		if s == chosen {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: node chose %q", ErrUnsupportedCipher, chosen)
}

// Restore rebuilds a channel from its persisted record.
//
// A record without key material fails with ErrMissingKeyMaterial; an
// expired record fails with ErrExpired. Other malformed records wrap
// storage.ErrCorruptRecord.
func (e *Establisher) Restore(record *storage.ChannelRecord) (*State, error) {
	if record == nil || len(record.KeyMaterial) == 0 {
		return nil, ErrMissingKeyMaterial
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	expiresAt, _ := record.Expiry()
	if !e.config.Now().Before(expiresAt) {
		return nil, ErrExpired
	}

	alg := record.KeyAlgorithm
	if alg == "" {
		alg = record.Cipher
	}
	key, err := e.config.Provider.ImportSymmetricKey(crypto.ExportedKey{
		Algorithm: crypto.CipherSuite(alg),
		Material:  record.KeyMaterial,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}

	var serverPub []byte
	if record.ServerPublicKey != "" {
		serverPub, _ = base64.StdEncoding.DecodeString(record.ServerPublicKey)
	}
	var createdAt time.Time
	if record.CreatedAt != "" {
		createdAt, _ = time.Parse(time.RFC3339, record.CreatedAt)
	}

	return &State{
		id:        record.ChannelID,
		suite:     key.Suite(),
		provider:  e.config.Provider,
		serverPub: serverPub,
		createdAt: createdAt,
		expiresAt: expiresAt,
		now:       e.config.Now,
		key:       key,
	}, nil
}
