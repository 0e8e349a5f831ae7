// Package session implements phases 2 and 3 of the nodelink handshake:
// node identification and challenge-response authentication. Both run
// inside an open channel; every byte exchanged is sealed under the channel
// key.
//
// A session is scoped to the channel that carried its authentication. When
// that channel is discarded the session is invalid, whatever its own
// expiry says.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

// DefaultTTL is used when the node does not report an expiry.
const DefaultTTL = 15 * time.Minute

// Config configures an Establisher.
type Config struct {
	// Transport sends the identify and authenticate calls. Required.
	Transport transport.Caller

	// Identity is presented in the identify phase.
	Identity credentials.NodeIdentity

	// Signer proves possession of the identity key.
	Signer credentials.Signer

	// DefaultTTL applies when the node omits expiresAt. Default: 15 minutes.
	DefaultTTL time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
//
// A missing identity or signer is not a construction error; Establish
// reports it before any network call.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return ErrNoTransport
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Establisher authenticates the local node over an open channel. It never
// touches storage.
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
		e.log = config.LoggerFactory.NewLogger("session")
	}
	return e, nil
}

// CheckCredentials reports a missing signer or identity.
func (e *Establisher) CheckCredentials() error {
	if e.config.Signer == nil {
		return ErrSignerRequired
	}
	if e.config.Identity.IsZero() {
		return ErrIdentityRequired
	}
	return nil
}

// Establish runs identification and authentication over ch.
func (e *Establisher) Establish(ctx context.Context, ch *channel.State) (*Result, error) {
	if err := e.CheckCredentials(); err != nil {
		return nil, err
	}
	if !ch.Valid(e.config.Now()) {
		return nil, ErrChannelRequired
	}
	id := e.config.Identity

	// Phase 2: identification.
	var ident IdentifyResponse
	if err := e.exchange(ctx, ch, PathIdentify, IdentifyRequest{
		NodeID:      id.NodeID,
		Certificate: base64.StdEncoding.EncodeToString(id.Certificate),
		Fingerprint: id.Fingerprint,
		Timestamp:   e.config.Now().UnixMilli(),
	}, &ident); err != nil {
		return nil, err
	}
	if ident.ChallengeID == "" || ident.Challenge == "" {
		return nil, ErrMissingChallenge
	}
	nonce, err := base64.StdEncoding.DecodeString(ident.Challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: challenge: %v", ErrMalformedResponse, err)
	}

	// Phase 3: challenge-response.
	proof, err := e.config.Signer.SignChallenge(ctx, credentials.Challenge{
		ChannelID:   ch.ID(),
		ChallengeID: ident.ChallengeID,
		Nonce:       nonce,
		NodeID:      id.NodeID,
		Algorithm:   ident.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	var auth AuthenticateResponse
	if err := e.exchange(ctx, ch, PathAuthenticate, AuthenticateRequest{
		ChallengeID: ident.ChallengeID,
		NodeID:      id.NodeID,
		Proof:       base64.StdEncoding.EncodeToString(proof),
	}, &auth); err != nil {
		return nil, err
	}
	if auth.SessionToken == "" {
		return nil, ErrMissingSessionToken
	}

	now := e.config.Now()
	expiresAt := now.Add(e.config.DefaultTTL)
	if auth.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, auth.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidExpiry, auth.ExpiresAt)
		}
		if !now.Before(expiresAt) {
			return nil, fmt.Errorf("%w: %q is not in the future", ErrInvalidExpiry, auth.ExpiresAt)
		}
	}

	nodeIdentity := auth.NodeIdentity
	if nodeIdentity == "" {
		nodeIdentity = id.NodeID
	}

	state := &State{
		SessionID:    auth.SessionID,
		Token:        auth.SessionToken,
		ExpiresAt:    expiresAt,
		NodeIdentity: nodeIdentity,
		ChannelID:    ch.ID(),
		CreatedAt:    now,
	}

	if e.log != nil {
		e.log.Debugf("established session %s for %s on channel %s, expires %s",
			state.SessionID, nodeIdentity, state.ChannelID, expiresAt.Format(time.RFC3339))
	}

	return &Result{State: state, Record: state.Record(), Summary: state.Summary()}, nil
}

// Restore rebuilds a session from its persisted record.
func (e *Establisher) Restore(record *storage.SessionRecord) (*State, error) {
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	expiresAt, _ := record.Expiry()
	if !e.config.Now().Before(expiresAt) {
		return nil, ErrExpired
	}

	var createdAt time.Time
	if record.CreatedAt != "" {
		createdAt, _ = time.Parse(time.RFC3339, record.CreatedAt)
	}
	return &State{
		SessionID:    record.SessionID,
		Token:        record.Token,
		ExpiresAt:    expiresAt,
		NodeIdentity: record.NodeIdentity,
		ChannelID:    record.ChannelID,
		CreatedAt:    createdAt,
	}, nil
}

// exchange sends req sealed under ch to path and opens the response into
// resp.
func (e *Establisher) exchange(ctx context.Context, ch *channel.State, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	sealed, err := ch.SealRequest(body)
	if err != nil {
		return err
	}

	r, err := e.config.Transport.Do(ctx, transport.Call{
		Kind:   transport.KindHandshake,
		Method: http.MethodPost,
		Path:   path,
		Header: sealed.Header,
		Body:   sealed.Body,
	})
	if err != nil {
		return err
	}
	if err := r.StatusError(); err != nil {
		return err
	}

	plain, err := ch.OpenResponse(sealed, r.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, resp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

// IsCredentialError reports whether err is a missing signer or identity.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrSignerRequired) || errors.Is(err, ErrIdentityRequired)
}
