// Package middleware keeps an encrypted, authenticated relationship with a
// research node alive and sends business requests through it.
//
// A Middleware owns one channel and at most one session bound to it. It
// opens, authenticates, persists and renews them on demand, so callers only
// ever use Invoke. Handshakes are single-flight: concurrent callers that
// find the channel or session missing share one handshake.
//
// Every state change is written to storage before it becomes visible to
// callers, so a restarted process resumes without repeating work.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/singleflight"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/metrics"
	"github.com/backkem/nodelink/pkg/session"
	"github.com/backkem/nodelink/pkg/storage"
)

// Operation names carried in Error.Op.
const (
	opHydrate         = "hydrate"
	opEnsureChannel   = "ensure channel"
	opEnsureSession   = "ensure session"
	opOpenChannel     = "open channel"
	opEstablish       = "establish session"
	opInvoke          = "invoke"
	opRevokeSession   = "revoke session"
	opReset           = "reset"
	opPersistChannel  = "persist channel"
	opPersistSession  = "persist session"
	flightHydrate     = "hydrate"
	flightChannel     = "channel"
	flightSession     = "session"
)

// bound is a session together with the channel it was established over.
type bound struct {
	channel *channel.State
	session *session.State
}

// Middleware is the nodelink client. Create it with New.
//
// All methods are safe for concurrent use.
type Middleware struct {
	config   Config
	log      logging.LeveledLogger
	channels *channel.Establisher
	sessions *session.Establisher
	group    singleflight.Group

	mu           sync.Mutex
	channel      *channel.State
	session      *session.State
	channelPhase Phase
	sessionPhase Phase
	status       Status
	lastErr      error
	hydrated     bool
	closed       bool

	// Reset bumps both epochs and RevokeSession bumps sessionEpoch.
	// Handshakes started under an older epoch are discarded.
	channelEpoch uint64
	sessionEpoch uint64
}

// New creates a Middleware in StatusIdle. Missing dependencies do not fail
// New; they are reported by MissingDependencies and by every operation that
// needs them.
func New(config Config) (*Middleware, error) {
	if err := config.Validate(); err != nil {
		return nil, newError(KindConfig, "new", err)
	}
	config.applyDefaults()

	m := &Middleware{config: config}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("nodelink")
	}

	if config.Transport != nil && config.Provider != nil {
		ce, err := channel.NewEstablisher(channel.Config{
			Transport:        config.Transport,
			Provider:         config.Provider,
			TTL:              config.ChannelTTL,
			SupportedCiphers: config.SupportedCiphers,
			Now:              config.Now,
			LoggerFactory:    config.LoggerFactory,
		})
		if err != nil {
			return nil, newError(KindConfig, "new", err)
		}
		m.channels = ce
	}
	if config.Transport != nil {
		se, err := session.NewEstablisher(session.Config{
			Transport:     config.Transport,
			Identity:      config.Identity,
			Signer:        config.Signer,
			DefaultTTL:    config.SessionTTL,
			Now:           config.Now,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, newError(KindConfig, "new", err)
		}
		m.sessions = se
	}

	config.Metrics.SetStatus(StatusIdle.String(), allStatuses)
	return m, nil
}

// MissingDependencies names the required dependencies that were not
// configured. Operations fail with KindConfig while any are missing.
func (m *Middleware) MissingDependencies() []string {
	return m.config.MissingDependencies()
}

// Status returns the current status.
func (m *Middleware) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the error of the last failed operation, or nil after a
// success.
func (m *Middleware) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Snapshot returns a view of the current state.
func (m *Middleware) Snapshot() Snapshot {
	now := m.config.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Status:       m.status,
		Hydrated:     m.hydrated,
		ChannelPhase: m.channelPhase,
		SessionPhase: m.sessionPhase,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if m.channel != nil {
		sum := m.channel.Summary()
		s.Channel = &sum
		if !m.channel.Valid(now) && s.ChannelPhase == PhaseOpen {
			s.ChannelPhase = PhaseExpiredOrInvalid
		}
	}
	if m.session != nil {
		sum := m.session.Summary()
		s.Session = &sum
		if (!m.session.Valid(now) || !m.session.BoundTo(m.channel)) && s.SessionPhase == PhaseOpen {
			s.SessionPhase = PhaseExpiredOrInvalid
		}
	}
	return s
}

// Hydrate loads persisted state into memory. It makes no network calls.
//
// Expired records are deleted. A corrupt record is deleted and only that
// piece of state is cleared; a session not bound to the restored channel is
// deleted too. Hydrate runs once; later calls return immediately.
func (m *Middleware) Hydrate(ctx context.Context) error {
	if err := m.precheck(opHydrate); err != nil {
		m.fail(err)
		return err
	}
	_, err := m.flight(ctx, flightHydrate, func(ctx context.Context) (interface{}, error) {
		return nil, m.hydrate()
	})
	if err != nil {
		e := classify(opHydrate, err)
		m.fail(e)
		return e
	}
	return nil
}

func (m *Middleware) hydrate() error {
	m.mu.Lock()
	if m.hydrated {
		m.mu.Unlock()
		return nil
	}
	chEpoch, sEpoch := m.channelEpoch, m.sessionEpoch
	m.mu.Unlock()

	m.transition(StatusHydrating, nil)

	keys := m.config.Keys
	st := m.config.Storage

	var ch *channel.State
	rec, err := st.LoadChannel(keys.Channel)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.config.Metrics.ObserveHydration(metrics.PhaseChannel, "absent")
	case errors.Is(err, storage.ErrCorruptRecord):
		m.dropRecord(metrics.PhaseChannel, "corrupt", err)
	case err != nil:
		return newError(KindStorage, opHydrate, err)
	default:
		ch, err = m.channels.Restore(rec)
		switch {
		case errors.Is(err, channel.ErrExpired):
			m.dropRecord(metrics.PhaseChannel, "expired", nil)
		case err != nil:
			m.dropRecord(metrics.PhaseChannel, "corrupt", err)
		default:
			m.config.Metrics.ObserveHydration(metrics.PhaseChannel, "restored")
		}
	}

	var sess *session.State
	srec, err := st.LoadSession(keys.Session)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.config.Metrics.ObserveHydration(metrics.PhaseSession, "absent")
	case errors.Is(err, storage.ErrCorruptRecord):
		m.dropRecord(metrics.PhaseSession, "corrupt", err)
	case err != nil:
		if ch != nil {
			ch.Discard()
		}
		return newError(KindStorage, opHydrate, err)
	default:
		sess, err = m.sessions.Restore(srec)
		switch {
		case errors.Is(err, session.ErrExpired):
			m.dropRecord(metrics.PhaseSession, "expired", nil)
		case err != nil:
			m.dropRecord(metrics.PhaseSession, "corrupt", err)
		case !sess.BoundTo(ch):
			sess = nil
			m.dropRecord(metrics.PhaseSession, "unbound", nil)
		default:
			m.config.Metrics.ObserveHydration(metrics.PhaseSession, "restored")
		}
	}

	m.mu.Lock()
	if m.closed || chEpoch != m.channelEpoch || sEpoch != m.sessionEpoch || m.channel != nil {
		// Reset, Close or a handshake got there first.
		if ch != nil && ch != m.channel {
			ch.Discard()
		}
	} else {
		if ch != nil {
			m.channel = ch
			m.channelPhase = PhaseOpen
		}
		if sess != nil {
			m.session = sess
			m.sessionPhase = PhaseOpen
		}
	}
	m.hydrated = true
	m.mu.Unlock()

	if m.log != nil {
		m.log.Debugf("hydrated: channel=%v session=%v", ch != nil, sess != nil)
	}
	m.transition(StatusReady, nil)
	return nil
}

// dropRecord deletes the persisted channel or session record found unusable
// during hydration. Dropping the channel drops the session with it.
func (m *Middleware) dropRecord(phase, reason string, cause error) {
	m.config.Metrics.ObserveHydration(phase, reason)
	if m.log != nil && cause != nil {
		m.log.Warnf("discarding %s %s record: %v", reason, phase, cause)
	}
	var err error
	if phase == metrics.PhaseChannel {
		err = m.config.Storage.DeleteChannel(m.config.Keys.Channel)
	} else {
		err = m.config.Storage.DeleteSession(m.config.Keys.Session)
	}
	if err != nil && m.log != nil {
		m.log.Warnf("failed to delete %s record: %v", phase, err)
	}
}

// EnsureChannel returns the current valid channel, opening one if needed.
func (m *Middleware) EnsureChannel(ctx context.Context) (*channel.State, error) {
	if err := m.ready(ctx, opEnsureChannel); err != nil {
		return nil, err
	}
	ch, err := m.ensureChannel(ctx, 0)
	if err != nil {
		e := classify(opEnsureChannel, err)
		m.fail(e)
		return nil, e
	}
	m.transition(StatusReady, nil)
	return ch, nil
}

// EnsureSession returns the current session bound to a valid channel,
// opening the channel and establishing the session as needed.
func (m *Middleware) EnsureSession(ctx context.Context) (*session.State, error) {
	b, err := m.ensureBound(ctx, opEnsureSession, 0)
	if err != nil {
		return nil, err
	}
	return b.session, nil
}

// EnsureSessionValid is EnsureSession with ExpirySkew applied: a session or
// channel that expires within the skew is renewed first. Renewing the
// channel renews the session with it.
func (m *Middleware) EnsureSessionValid(ctx context.Context) (*session.State, error) {
	b, err := m.ensureBound(ctx, opEnsureSession, m.config.ExpirySkew)
	if err != nil {
		return nil, err
	}
	return b.session, nil
}

func (m *Middleware) ensureBound(ctx context.Context, op string, skew time.Duration) (*bound, error) {
	if err := m.ready(ctx, op); err != nil {
		return nil, err
	}
	b, err := m.ensureSession(ctx, skew)
	if err != nil {
		e := classify(op, err)
		m.fail(e)
		return nil, e
	}
	m.transition(StatusReady, nil)
	return b, nil
}

// ready rejects calls after Close or with missing dependencies, and
// hydrates on first use.
func (m *Middleware) ready(ctx context.Context, op string) error {
	if err := m.precheck(op); err != nil {
		m.fail(err)
		return err
	}
	m.mu.Lock()
	hydrated := m.hydrated
	m.mu.Unlock()
	if !hydrated {
		return m.Hydrate(ctx)
	}
	return nil
}

func (m *Middleware) precheck(op string) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return newError(KindConfig, op, ErrClosed)
	}
	if missing := m.MissingDependencies(); len(missing) > 0 {
		return newError(KindConfig, op, fmt.Errorf("%w: %s", ErrMissingDependencies, strings.Join(missing, ", ")))
	}
	return nil
}

// flight runs fn once per key across concurrent callers. fn runs detached
// from the caller's cancellation so that one caller giving up does not
// fail the others; the transport timeouts bound it.
func (m *Middleware) flight(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	fctx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return fn(fctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// usableChannelLocked returns the current channel if it is valid at now and
// does not expire within skew.
func (m *Middleware) usableChannelLocked(now time.Time, skew time.Duration) *channel.State {
	ch := m.channel
	if ch == nil {
		return nil
	}
	if !ch.Valid(now) {
		m.channelPhase = PhaseExpiredOrInvalid
		return nil
	}
	if skew > 0 && ch.ExpiresWithin(now, skew) {
		return nil
	}
	return ch
}

// usableSessionLocked returns the current session if it is bound to ch,
// valid at now and does not expire within skew.
func (m *Middleware) usableSessionLocked(ch *channel.State, now time.Time, skew time.Duration) *session.State {
	s := m.session
	if s == nil {
		return nil
	}
	if !s.Valid(now) || !s.BoundTo(ch) {
		m.sessionPhase = PhaseExpiredOrInvalid
		return nil
	}
	if skew > 0 && s.ExpiresWithin(now, skew) {
		return nil
	}
	return s
}

func (m *Middleware) ensureChannel(ctx context.Context, skew time.Duration) (*channel.State, error) {
	now := m.config.Now()
	m.mu.Lock()
	ch := m.usableChannelLocked(now, skew)
	m.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	v, err := m.flight(ctx, flightChannel, func(ctx context.Context) (interface{}, error) {
		return m.openChannel(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel.State), nil
}

// openChannel runs inside the channel flight. Callers of every skew share
// the flight, so it renews with the largest one, ExpirySkew.
func (m *Middleware) openChannel(ctx context.Context) (*channel.State, error) {
	m.mu.Lock()
	if ch := m.usableChannelLocked(m.config.Now(), m.config.ExpirySkew); ch != nil {
		m.mu.Unlock()
		return ch, nil
	}
	epoch := m.channelEpoch
	prevPhase := m.channelPhase
	m.channelPhase = PhaseOpening
	m.mu.Unlock()

	start := time.Now()
	res, err := m.channels.Open(ctx)
	m.config.Metrics.ObserveHandshake(metrics.PhaseChannel, time.Since(start), err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || epoch != m.channelEpoch {
		if res != nil {
			res.State.Discard()
		}
		if m.closed {
			return nil, newError(KindConfig, opOpenChannel, ErrClosed)
		}
		return nil, newError(KindProtocol, opOpenChannel, ErrSuperseded)
	}

	if err != nil {
		if m.log != nil {
			m.log.Warnf("channel open failed: %v", err)
		}
		if m.channel.Valid(m.config.Now()) {
			// Early renewal failed; the current channel is still usable.
			m.channelPhase = prevPhase
		} else {
			m.clearLocked("open failed")
		}
		return nil, classify(opOpenChannel, err)
	}

	if err := m.config.Storage.SaveChannel(m.config.Keys.Channel, res.Record); err != nil {
		res.State.Discard()
		m.channelPhase = prevPhase
		return nil, newError(KindStorage, opPersistChannel, err)
	}
	if err := m.config.Storage.DeleteSession(m.config.Keys.Session); err != nil && m.log != nil {
		m.log.Warnf("failed to delete stale session record: %v", err)
	}

	if old := m.channel; old != nil {
		// Invokes still running on the old channel finish before its key
		// is zeroized.
		old.Retire()
		m.config.Metrics.Discarded(metrics.PhaseChannel, "renewed")
	}
	m.channel = res.State
	m.channelPhase = PhaseOpen
	if m.session != nil {
		m.session = nil
		m.sessionPhase = PhaseAbsent
	}

	if m.log != nil {
		m.log.Infof("opened channel %s, expires %s", res.Summary.ChannelID, res.Summary.ExpiresAt.Format(time.RFC3339))
	}
	return res.State, nil
}

func (m *Middleware) ensureSession(ctx context.Context, skew time.Duration) (*bound, error) {
	ch, err := m.ensureChannel(ctx, skew)
	if err != nil {
		return nil, err
	}

	now := m.config.Now()
	m.mu.Lock()
	s := m.usableSessionLocked(ch, now, skew)
	m.mu.Unlock()
	if s != nil {
		return &bound{channel: ch, session: s}, nil
	}

	v, err := m.flight(ctx, flightSession, func(ctx context.Context) (interface{}, error) {
		return m.establishSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*bound), nil
}

// establishSession runs inside the session flight. Like openChannel it
// renews with ExpirySkew whatever the skew of the caller that started it.
func (m *Middleware) establishSession(ctx context.Context) (*bound, error) {
	skew := m.config.ExpirySkew
	ch, err := m.ensureChannel(ctx, skew)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s := m.usableSessionLocked(ch, m.config.Now(), skew); s != nil {
		m.mu.Unlock()
		return &bound{channel: ch, session: s}, nil
	}
	epoch := m.sessionEpoch
	m.sessionPhase = PhaseOpening
	m.mu.Unlock()

	if !ch.Acquire() {
		m.mu.Lock()
		if m.sessionPhase == PhaseOpening {
			m.sessionPhase = PhaseAbsent
		}
		m.mu.Unlock()
		return nil, newError(KindProtocol, opEstablish, ErrSuperseded)
	}
	start := time.Now()
	res, err := m.sessions.Establish(ctx, ch)
	m.config.Metrics.ObserveHandshake(metrics.PhaseSession, time.Since(start), err)
	ch.Release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, newError(KindConfig, opEstablish, ErrClosed)
	}
	if err != nil {
		if m.log != nil {
			m.log.Warnf("session establishment failed: %v", err)
		}
		e := classify(opEstablish, err)
		if e.Kind == KindCrypto && m.channel == ch {
			m.clearLocked("crypto")
		} else {
			m.sessionPhase = PhaseAbsent
			if m.session != nil {
				m.sessionPhase = PhaseExpiredOrInvalid
			}
		}
		return nil, e
	}
	if epoch != m.sessionEpoch || m.channel != ch {
		return nil, newError(KindProtocol, opEstablish, ErrSuperseded)
	}

	if err := m.config.Storage.SaveSession(m.config.Keys.Session, res.Record); err != nil {
		m.sessionPhase = PhaseAbsent
		return nil, newError(KindStorage, opPersistSession, err)
	}
	m.session = res.State
	m.sessionPhase = PhaseOpen

	if m.log != nil {
		m.log.Infof("established session %s on channel %s", res.Summary.SessionID, res.Summary.ChannelID)
	}
	return &bound{channel: ch, session: res.State}, nil
}

// clearLocked discards the runtime channel and session and deletes both
// records.
func (m *Middleware) clearLocked(reason string) {
	if m.channel != nil {
		m.channel.Discard()
		m.config.Metrics.Discarded(metrics.PhaseChannel, reason)
	}
	if m.session != nil {
		m.config.Metrics.Discarded(metrics.PhaseSession, reason)
	}
	m.channel = nil
	m.session = nil
	m.channelPhase = PhaseAbsent
	m.sessionPhase = PhaseAbsent

	if err := m.config.Storage.DeleteSession(m.config.Keys.Session); err != nil && m.log != nil {
		m.log.Warnf("failed to delete session record: %v", err)
	}
	if err := m.config.Storage.DeleteChannel(m.config.Keys.Channel); err != nil && m.log != nil {
		m.log.Warnf("failed to delete channel record: %v", err)
	}
}

// discardChannel clears ch and its session if ch is still current.
func (m *Middleware) discardChannel(ch *channel.State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == ch {
		m.clearLocked(reason)
		m.channelPhase = PhaseExpiredOrInvalid
	} else {
		ch.Discard()
	}
}

// dropSession clears s if it is still current.
func (m *Middleware) dropSession(s *session.State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return
	}
	m.session = nil
	m.sessionPhase = PhaseExpiredOrInvalid
	m.config.Metrics.Discarded(metrics.PhaseSession, reason)
	if err := m.config.Storage.DeleteSession(m.config.Keys.Session); err != nil && m.log != nil {
		m.log.Warnf("failed to delete session record: %v", err)
	}
}

// RevokeSession clears the session in memory and in storage. The channel is
// kept. Session handshakes in flight are discarded.
func (m *Middleware) RevokeSession(ctx context.Context) error {
	if err := m.precheck(opRevokeSession); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessionEpoch++
	if m.session != nil {
		m.config.Metrics.Discarded(metrics.PhaseSession, "revoked")
	}
	m.session = nil
	m.sessionPhase = PhaseAbsent
	err := m.config.Storage.DeleteSession(m.config.Keys.Session)
	m.mu.Unlock()

	if err != nil {
		e := newError(KindStorage, opRevokeSession, err)
		m.fail(e)
		return e
	}
	if m.log != nil {
		m.log.Info("session revoked")
	}
	return nil
}

// Reset clears the channel and session in memory and in storage.
// Handshakes in flight are discarded when they complete.
func (m *Middleware) Reset(ctx context.Context) error {
	if err := m.precheck(opReset); err != nil {
		return err
	}

	m.mu.Lock()
	m.channelEpoch++
	m.sessionEpoch++
	if m.channel != nil {
		m.channel.Discard()
		m.config.Metrics.Discarded(metrics.PhaseChannel, "reset")
	}
	if m.session != nil {
		m.config.Metrics.Discarded(metrics.PhaseSession, "reset")
	}
	m.channel = nil
	m.session = nil
	m.channelPhase = PhaseAbsent
	m.sessionPhase = PhaseAbsent
	errS := m.config.Storage.DeleteSession(m.config.Keys.Session)
	errC := m.config.Storage.DeleteChannel(m.config.Keys.Channel)
	hydrated := m.hydrated
	m.mu.Unlock()

	if err := errors.Join(errS, errC); err != nil {
		e := newError(KindStorage, opReset, err)
		m.fail(e)
		return e
	}
	if m.log != nil {
		m.log.Info("state reset")
	}
	if hydrated {
		m.transition(StatusReady, nil)
	} else {
		m.transition(StatusIdle, nil)
	}
	return nil
}

// Close tears the middleware down. The in-memory channel key is zeroized;
// persisted records are kept. Status no longer changes and every operation
// fails with ErrClosed.
func (m *Middleware) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.channelEpoch++
	m.sessionEpoch++
	if m.channel != nil {
		m.channel.Discard()
	}
	m.mu.Unlock()

	if ci, ok := m.config.Transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
	return nil
}

// transition sets the status. It is a no-op after Close.
func (m *Middleware) transition(s Status, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	changed := m.status != s || err != nil
	m.status = s
	if err != nil {
		m.lastErr = err
	} else if s == StatusReady {
		m.lastErr = nil
	}
	cb := m.config.OnStatusChange
	m.mu.Unlock()

	if !changed {
		return
	}
	m.config.Metrics.SetStatus(s.String(), allStatuses)
	if cb != nil {
		cb(s, err)
	}
}

func (m *Middleware) fail(err error) {
	if m.log != nil {
		m.log.Debugf("operation failed: %v", err)
	}
	m.transition(StatusError, err)
}
