package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/metrics"
	"github.com/backkem/nodelink/pkg/middleware"
	"github.com/backkem/nodelink/pkg/nodetest"
	"github.com/backkem/nodelink/pkg/session"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

const jobsPath = "/api/jobs"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	node     *nodetest.Node
	clock    *clock
	store    storage.Storage
	tc       *transport.Client
	identity credentials.NodeIdentity
	signer   *credentials.KeySigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := newClock()
	node := nodetest.New(t, nodetest.Options{Now: clk.Now})
	tc, err := transport.NewClient(transport.Config{BaseURL: node.URL(), HTTPClient: node.Client()})
	require.NoError(t, err)
	id, signer, err := credentials.GenerateIdentity("node-alpha", 24*time.Hour)
	require.NoError(t, err)
	return &harness{
		node:     node,
		clock:    clk,
		store:    storage.NewMemoryStorage(),
		tc:       tc,
		identity: id,
		signer:   signer,
	}
}

func (h *harness) config() middleware.Config {
	return middleware.Config{
		Storage:   h.store,
		Transport: h.tc,
		Provider:  crypto.NewProvider(),
		Identity:  h.identity,
		Signer:    h.signer,
		Now:       h.clock.Now,
	}
}

func (h *harness) middleware(t *testing.T, mutate func(*middleware.Config)) *middleware.Middleware {
	t.Helper()
	cfg := h.config()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := middleware.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func invoke(t *testing.T, m *middleware.Middleware, body string) nodetest.Echo {
	t.Helper()
	resp, err := m.Invoke(context.Background(), middleware.Request{
		Method: http.MethodPost,
		Path:   jobsPath,
		Body:   []byte(body),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var echo nodetest.Echo
	require.NoError(t, json.Unmarshal(resp.Body, &echo))
	return echo
}

func TestColdStartHandshakeOrder(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)

	echo := invoke(t, m, `{"job":1}`)
	assert.Equal(t, `{"job":1}`, echo.Body)
	assert.Equal(t, jobsPath, echo.Path)
	assert.Equal(t, "node-alpha", echo.NodeID)

	assert.Equal(t, []string{
		channel.PathOpen,
		session.PathIdentify,
		session.PathAuthenticate,
		jobsPath,
	}, h.node.Calls())

	chRec, err := h.store.LoadChannel(storage.DefaultChannelKey)
	require.NoError(t, err)
	sRec, err := h.store.LoadSession(storage.DefaultSessionKey)
	require.NoError(t, err)
	assert.Equal(t, chRec.ChannelID, sRec.ChannelID)
	assert.Equal(t, echo.SessionID, sRec.SessionID)

	assert.Equal(t, middleware.StatusReady, m.Status())
	assert.NoError(t, m.LastError())

	// Warm: no further handshakes.
	h.node.ResetCalls()
	invoke(t, m, `{"job":2}`)
	assert.Equal(t, []string{jobsPath}, h.node.Calls())
}

func TestRestartWithValidStateSkipsHandshakes(t *testing.T) {
	h := newHarness(t)
	first := h.middleware(t, nil)
	echo1 := invoke(t, first, "a")
	require.NoError(t, first.Close())

	h.node.ResetCalls()
	second := h.middleware(t, nil)
	require.NoError(t, second.Hydrate(context.Background()))

	snap := second.Snapshot()
	assert.True(t, snap.Hydrated)
	assert.Equal(t, middleware.PhaseOpen, snap.ChannelPhase)
	assert.Equal(t, middleware.PhaseOpen, snap.SessionPhase)
	assert.Empty(t, h.node.Calls(), "hydration must not reach the network")

	echo2 := invoke(t, second, "b")
	assert.Equal(t, echo1.SessionID, echo2.SessionID)
	assert.Equal(t, []string{jobsPath}, h.node.Calls())
}

func TestBoltPersistenceAcrossRestart(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "nodelink.db")

	db, err := storage.OpenBolt(path, nil)
	require.NoError(t, err)
	h.store = db
	first := h.middleware(t, nil)
	invoke(t, first, "a")
	require.NoError(t, first.Close())
	require.NoError(t, db.Close())

	db, err = storage.OpenBolt(path, nil)
	require.NoError(t, err)
	defer db.Close()
	h.store = db

	h.node.ResetCalls()
	second := h.middleware(t, nil)
	invoke(t, second, "b")
	assert.Equal(t, []string{jobsPath}, h.node.Calls())
}

func TestCorruptSessionClearsOnlySession(t *testing.T) {
	h := newHarness(t)
	first := h.middleware(t, nil)
	invoke(t, first, "a")
	require.NoError(t, first.Close())

	chRec, err := h.store.LoadChannel(storage.DefaultChannelKey)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSession(storage.DefaultSessionKey, &storage.SessionRecord{
		SessionID: "sess-broken",
		ChannelID: chRec.ChannelID,
		ExpiresAt: "not a time",
	}))

	h.node.ResetCalls()
	second := h.middleware(t, nil)
	require.NoError(t, second.Hydrate(context.Background()))

	snap := second.Snapshot()
	assert.Equal(t, middleware.PhaseOpen, snap.ChannelPhase)
	assert.Equal(t, middleware.PhaseAbsent, snap.SessionPhase)
	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	invoke(t, second, "b")
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate, jobsPath}, h.node.Calls())
}

func TestCorruptChannelClearsBoth(t *testing.T) {
	h := newHarness(t)
	first := h.middleware(t, nil)
	invoke(t, first, "a")
	require.NoError(t, first.Close())

	rec, err := h.store.LoadChannel(storage.DefaultChannelKey)
	require.NoError(t, err)
	rec.KeyMaterial = rec.KeyMaterial[:5]
	require.NoError(t, h.store.SaveChannel(storage.DefaultChannelKey, rec))

	h.node.ResetCalls()
	second := h.middleware(t, nil)
	require.NoError(t, second.Hydrate(context.Background()))

	_, err = h.store.LoadChannel(storage.DefaultChannelKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	invoke(t, second, "b")
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
}

func TestExpiredRecordsDroppedOnHydrate(t *testing.T) {
	h := newHarness(t)
	first := h.middleware(t, nil)
	invoke(t, first, "a")
	require.NoError(t, first.Close())

	h.clock.Advance(channel.DefaultTTL + time.Minute)

	second := h.middleware(t, nil)
	require.NoError(t, second.Hydrate(context.Background()))
	assert.Equal(t, middleware.StatusReady, second.Status())

	_, err := h.store.LoadChannel(storage.DefaultChannelKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExpiryEnforcement(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	first := invoke(t, m, "a")

	// Session (15m) lapses, channel (30m) does not.
	h.clock.Advance(16 * time.Minute)
	h.node.ResetCalls()
	second := invoke(t, m, "b")
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate, jobsPath}, h.node.Calls())

	// Channel lapses; the session goes with it.
	h.clock.Advance(15 * time.Minute)
	h.node.ResetCalls()
	invoke(t, m, "c")
	assert.Equal(t, []string{
		channel.PathOpen,
		session.PathIdentify,
		session.PathAuthenticate,
		jobsPath,
	}, h.node.Calls())
}

func TestExpirySkewRenewsEarly(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, func(c *middleware.Config) { c.ExpirySkew = time.Minute })

	s1, err := m.EnsureSessionValid(context.Background())
	require.NoError(t, err)

	// Inside the skew window but not yet expired.
	h.clock.Advance(session.DefaultTTL - 30*time.Second)

	s, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, s.SessionID, "EnsureSession applies no skew")

	h.node.ResetCalls()
	s2, err := m.EnsureSessionValid(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate}, h.node.Calls())
}

func TestConcurrentCallersShareHandshake(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	h.node.Configure(func(b *nodetest.Behavior) { b.OpenDelay = 100 * time.Millisecond })
	m := h.middleware(t, nil)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background())
			errs[i] = err
			if s != nil {
				ids[i] = s.SessionID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
	assert.Equal(t, 1, h.node.Count(session.PathIdentify))
	assert.Equal(t, 1, h.node.Count(session.PathAuthenticate))
}

func TestCallerCancellationDoesNotFailOthers(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	h.node.Configure(func(b *nodetest.Behavior) { b.OpenDelay = 200 * time.Millisecond })
	m := h.middleware(t, nil)
	require.NoError(t, m.Hydrate(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureChannel(context.Background())
		done <- err
	}()

	_, err := m.EnsureChannel(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, middleware.KindTransport, middleware.KindOf(err))

	require.NoError(t, <-done)
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
}

func TestConcurrentInvokesShareHandshake(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	h.node.Configure(func(b *nodetest.Behavior) { b.OpenDelay = 100 * time.Millisecond })
	m := h.middleware(t, nil)

	const callers = 16
	var wg sync.WaitGroup
	echoes := make([]nodetest.Echo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath, Body: []byte("x")})
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = json.Unmarshal(resp.Body, &echoes[i])
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, echoes[0].SessionID, echoes[i].SessionID)
	}
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
	assert.Equal(t, 1, h.node.Count(session.PathIdentify))
	assert.Equal(t, 1, h.node.Count(session.PathAuthenticate))
	assert.Equal(t, callers, h.node.Count(jobsPath))
}

func TestMixedCallersShareHandshake(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	h.node.Configure(func(b *nodetest.Behavior) { b.OpenDelay = 100 * time.Millisecond })
	m := h.middleware(t, nil)

	const each = 4
	var wg sync.WaitGroup
	ids := make(chan string, 2*each)
	errs := make(chan error, 2*each)
	for i := 0; i < each; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background())
			if err != nil {
				errs <- err
				return
			}
			ids <- s.SessionID
		}()
		go func() {
			defer wg.Done()
			resp, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
			if err != nil {
				errs <- err
				return
			}
			var echo nodetest.Echo
			if err := json.Unmarshal(resp.Body, &echo); err != nil {
				errs <- err
				return
			}
			ids <- echo.SessionID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
	assert.Equal(t, 1, h.node.Count(session.PathIdentify))
	assert.Equal(t, 1, h.node.Count(session.PathAuthenticate))
}

func TestResetDuringInvokes(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	m := h.middleware(t, nil)
	invoke(t, m, "warm")

	const rounds = 50
	var wg sync.WaitGroup
	errs := make(chan error, rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath}); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Reset(context.Background()))
		}()
	}
	wg.Wait()
	close(errs)

	// An invoke overtaken by Reset fails cleanly and leaves nothing broken.
	for err := range errs {
		kind := middleware.KindOf(err)
		assert.Contains(t, []middleware.Kind{middleware.KindCrypto, middleware.KindProtocol}, kind, "%v", err)
	}
	invoke(t, m, "after")
}

func TestRevokeDuringInvokes(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	h := newHarness(t)
	m := h.middleware(t, nil)
	invoke(t, m, "warm")
	ch, err := m.EnsureChannel(context.Background())
	require.NoError(t, err)

	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
			if err != nil {
				assert.Equal(t, middleware.KindProtocol, middleware.KindOf(err), "%v", err)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.RevokeSession(context.Background()))
		}()
	}
	wg.Wait()

	assert.False(t, ch.Discarded(), "revoking sessions keeps the channel")
	invoke(t, m, "after")
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
}

func TestRenewalRetiresOldChannel(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, func(c *middleware.Config) { c.ExpirySkew = time.Minute })

	invoke(t, m, "a")
	old, err := m.EnsureChannel(context.Background())
	require.NoError(t, err)

	// Inside the channel's skew window.
	h.clock.Advance(channel.DefaultTTL - 30*time.Second)
	h.node.ResetCalls()
	invoke(t, m, "b")
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))

	cur, err := m.EnsureChannel(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), cur.ID())
	assert.True(t, old.Discarded(), "replaced channel key is zeroized")
	assert.False(t, cur.Discarded())
}

func TestDisableEarlyRenewal(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, func(c *middleware.Config) { c.DisableEarlyRenewal = true })

	s1, err := m.EnsureSessionValid(context.Background())
	require.NoError(t, err)

	// Inside the default skew window but not yet expired.
	h.clock.Advance(session.DefaultTTL - 10*time.Second)
	h.node.ResetCalls()
	s2, err := m.EnsureSessionValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s1.SessionID, s2.SessionID)
	assert.Empty(t, h.node.Calls())
}

func TestResetScopesSession(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	ctx := context.Background()

	s1, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	ch1, err := m.EnsureChannel(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))
	assert.True(t, ch1.Discarded())
	snap := m.Snapshot()
	assert.Nil(t, snap.Channel)
	assert.Nil(t, snap.Session)
	assert.Equal(t, middleware.StatusReady, snap.Status)

	c, s := 0, 0
	if ms, ok := h.store.(*storage.MemoryStorage); ok {
		c, s = ms.Len()
	}
	assert.Zero(t, c)
	assert.Zero(t, s)

	s2, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	ch2, err := m.EnsureChannel(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, ch1.ID(), ch2.ID())
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, ch2.ID(), s2.ChannelID)
	assert.False(t, s1.BoundTo(ch2))
}

func TestRevokeSessionKeepsChannel(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	ctx := context.Background()

	s1, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.RevokeSession(ctx))

	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.LoadChannel(storage.DefaultChannelKey)
	assert.NoError(t, err)
	assert.Equal(t, middleware.PhaseAbsent, m.Snapshot().SessionPhase)

	h.node.ResetCalls()
	s2, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
	assert.Equal(t, s1.ChannelID, s2.ChannelID)
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate}, h.node.Calls())
}

func TestNewChannelDropsPersistedSession(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	ctx := context.Background()

	_, err := m.EnsureSession(ctx)
	require.NoError(t, err)

	h.clock.Advance(channel.DefaultTTL + time.Second)
	_, err = m.EnsureChannel(ctx)
	require.NoError(t, err)

	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, m.Snapshot().Session)
}

func TestMissingDependencies(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, func(c *middleware.Config) {
		c.Signer = nil
		c.Identity = credentials.NodeIdentity{}
	})

	assert.Equal(t, []string{middleware.DepIdentity, middleware.DepSigner}, m.MissingDependencies())

	_, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
	require.Error(t, err)
	assert.Equal(t, middleware.KindConfig, middleware.KindOf(err))
	assert.ErrorIs(t, err, middleware.ErrMissingDependencies)
	assert.False(t, middleware.IsRetryable(err))
	assert.Empty(t, h.node.Calls())
	assert.Equal(t, middleware.StatusError, m.Status())
}

func TestNothingConfigured(t *testing.T) {
	m, err := middleware.New(middleware.Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		middleware.DepStorage,
		middleware.DepTransport,
		middleware.DepProvider,
		middleware.DepIdentity,
		middleware.DepSigner,
	}, m.MissingDependencies())
	assert.Equal(t, middleware.StatusIdle, m.Status())

	err = m.Hydrate(context.Background())
	assert.Equal(t, middleware.KindConfig, middleware.KindOf(err))
	_, err = m.EnsureChannel(context.Background())
	assert.ErrorIs(t, err, middleware.ErrMissingDependencies)
}

func TestInvalidConfig(t *testing.T) {
	_, err := middleware.New(middleware.Config{ExpirySkew: -time.Second})
	assert.Equal(t, middleware.KindConfig, middleware.KindOf(err))

	_, err = middleware.New(middleware.Config{SupportedCiphers: []crypto.CipherSuite{"ROT13"}})
	assert.ErrorIs(t, err, crypto.ErrUnsupportedCipher)
}

func TestUnauthenticatedClearsSession(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	first := invoke(t, m, "a")

	h.node.DropSessions()
	_, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath, Body: []byte("b")})
	require.Error(t, err)
	assert.True(t, middleware.IsUnauthenticated(err))
	assert.True(t, middleware.IsRetryable(err))

	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	snap := m.Snapshot()
	assert.Nil(t, snap.Session)
	assert.Equal(t, middleware.PhaseOpen, snap.ChannelPhase)
	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.node.ResetCalls()
	second := invoke(t, m, "c")
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, []string{session.PathIdentify, session.PathAuthenticate, jobsPath}, h.node.Calls())
}

func TestTamperedResponseDiscardsChannel(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	invoke(t, m, "a")
	ch, err := m.EnsureChannel(context.Background())
	require.NoError(t, err)

	h.node.Configure(func(b *nodetest.Behavior) { b.TamperResponses = true })
	_, err = m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
	require.Error(t, err)
	assert.Equal(t, middleware.KindCrypto, middleware.KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.True(t, ch.Discarded())

	_, err = h.store.LoadChannel(storage.DefaultChannelKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.LoadSession(storage.DefaultSessionKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.node.Configure(func(b *nodetest.Behavior) { b.TamperResponses = false })
	h.node.ResetCalls()
	invoke(t, m, "b")
	assert.Equal(t, 1, h.node.Count(channel.PathOpen))
}

func TestBusinessErrorKeepsState(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)
	invoke(t, m, "a")

	h.node.Configure(func(b *nodetest.Behavior) { b.BusinessStatus = http.StatusServiceUnavailable })
	_, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
	require.Error(t, err)
	assert.Equal(t, middleware.KindTransport, middleware.KindOf(err))
	assert.True(t, middleware.IsRetryable(err))
	assert.Equal(t, middleware.StatusError, m.Status())
	assert.Equal(t, err, m.LastError())

	snap := m.Snapshot()
	assert.Equal(t, middleware.PhaseOpen, snap.ChannelPhase)
	assert.Equal(t, middleware.PhaseOpen, snap.SessionPhase)

	h.node.Configure(func(b *nodetest.Behavior) { b.BusinessStatus = 0 })
	invoke(t, m, "b")
	assert.Equal(t, middleware.StatusReady, m.Status())
	assert.NoError(t, m.LastError())
}

func TestHandshakeProtocolErrors(t *testing.T) {
	tests := []struct {
		name      string
		configure func(b *nodetest.Behavior)
		want      error
	}{
		{"no channel id", func(b *nodetest.Behavior) { b.OmitChannelID = true }, channel.ErrMissingChannelID},
		{"no nonce", func(b *nodetest.Behavior) { b.OmitNonce = true }, channel.ErrMissingPeerNonce},
		{"no challenge", func(b *nodetest.Behavior) { b.OmitChallenge = true }, session.ErrMissingChallenge},
		{"no token", func(b *nodetest.Behavior) { b.OmitToken = true }, session.ErrMissingSessionToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.node.Configure(tt.configure)
			m := h.middleware(t, nil)

			_, err := m.EnsureSession(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, middleware.KindProtocol, middleware.KindOf(err))
			assert.True(t, middleware.IsRetryable(err))
			assert.Equal(t, middleware.StatusError, m.Status())

			_, err = h.store.LoadSession(storage.DefaultSessionKey)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestRejectedAuthentication(t *testing.T) {
	h := newHarness(t)
	h.node.Configure(func(b *nodetest.Behavior) { b.RejectAuth = true })
	m := h.middleware(t, nil)

	_, err := m.EnsureSession(context.Background())
	require.Error(t, err)
	assert.True(t, middleware.IsUnauthenticated(err))

	// The channel survives a rejected authentication.
	assert.Equal(t, middleware.PhaseOpen, m.Snapshot().ChannelPhase)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	var calls int
	m := h.middleware(t, func(c *middleware.Config) {
		c.OnStatusChange = func(middleware.Status, error) { calls++ }
	})
	invoke(t, m, "a")
	ch, err := m.EnsureChannel(context.Background())
	require.NoError(t, err)

	before := calls
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, ch.Discarded())

	_, err = m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
	assert.ErrorIs(t, err, middleware.ErrClosed)
	assert.Equal(t, middleware.KindConfig, middleware.KindOf(err))
	assert.ErrorIs(t, m.Reset(context.Background()), middleware.ErrClosed)
	assert.ErrorIs(t, m.RevokeSession(context.Background()), middleware.ErrClosed)

	assert.Equal(t, before, calls, "no status callbacks after Close")
	assert.Equal(t, middleware.StatusReady, m.Status())

	// Records survive Close.
	_, err = h.store.LoadChannel(storage.DefaultChannelKey)
	assert.NoError(t, err)
}

func TestOnStatusChange(t *testing.T) {
	h := newHarness(t)
	var (
		mu   sync.Mutex
		seen []middleware.Status
	)
	m := h.middleware(t, func(c *middleware.Config) {
		c.OnStatusChange = func(s middleware.Status, err error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
			if s == middleware.StatusError {
				assert.Error(t, err)
			}
		}
	})

	invoke(t, m, "a")
	h.node.Configure(func(b *nodetest.Behavior) { b.BusinessStatus = http.StatusInternalServerError })
	_, err := m.Invoke(context.Background(), middleware.Request{Path: jobsPath})
	require.Error(t, err)
	h.node.Configure(func(b *nodetest.Behavior) { b.BusinessStatus = 0 })
	invoke(t, m, "b")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []middleware.Status{
		middleware.StatusHydrating,
		middleware.StatusReady,
		middleware.StatusError,
		middleware.StatusReady,
	}, seen)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)

	snap := m.Snapshot()
	assert.Equal(t, middleware.StatusIdle, snap.Status)
	assert.False(t, snap.Hydrated)
	assert.Equal(t, middleware.PhaseAbsent, snap.ChannelPhase)

	invoke(t, m, "a")
	snap = m.Snapshot()
	require.NotNil(t, snap.Channel)
	require.NotNil(t, snap.Session)
	assert.Equal(t, snap.Channel.ChannelID, snap.Session.ChannelID)
	assert.Equal(t, crypto.CipherAES256GCM, snap.Channel.Cipher)

	out, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"status":"ready"`)
	assert.Contains(t, string(out), `"channelPhase":"open"`)
	assert.NotContains(t, string(out), "token")

	h.clock.Advance(session.DefaultTTL + time.Second)
	assert.Equal(t, middleware.PhaseExpiredOrInvalid, m.Snapshot().SessionPhase)
	h.clock.Advance(channel.DefaultTTL)
	assert.Equal(t, middleware.PhaseExpiredOrInvalid, m.Snapshot().ChannelPhase)
}

func TestInvokeJSON(t *testing.T) {
	h := newHarness(t)
	m := h.middleware(t, nil)

	type job struct {
		Name string `json:"name"`
	}
	echo, err := middleware.InvokeJSON[nodetest.Echo](context.Background(), m, http.MethodPut, jobsPath, job{Name: "index"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, echo.Method)
	assert.JSONEq(t, `{"name":"index"}`, echo.Body)

	_, err = middleware.InvokeJSON[[]int](context.Background(), m, http.MethodGet, jobsPath, nil)
	require.Error(t, err)
	assert.Equal(t, middleware.KindProtocol, middleware.KindOf(err))
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewPedanticRegistry()
	mc, err := metrics.New(reg)
	require.NoError(t, err)
	m := h.middleware(t, func(c *middleware.Config) { c.Metrics = mc })

	invoke(t, m, "a")
	invoke(t, m, "b")

	n, err := testutil.GatherAndCount(reg, "nodelink_handshakes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per phase")

	n, err = testutil.GatherAndCount(reg, "nodelink_invokes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorageFailureIsReported(t *testing.T) {
	h := newHarness(t)
	db, err := storage.OpenBolt(filepath.Join(t.TempDir(), "nodelink.db"), nil)
	require.NoError(t, err)
	h.store = db
	m := h.middleware(t, nil)
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, db.Close())

	_, err = m.EnsureChannel(context.Background())
	require.Error(t, err)
	assert.Equal(t, middleware.KindStorage, middleware.KindOf(err))
	assert.True(t, errors.Is(err, storage.ErrClosed))
	assert.Nil(t, m.Snapshot().Channel, "unpersisted channel is not installed")
}

func TestNamespacedKeys(t *testing.T) {
	h := newHarness(t)
	keys := storage.KeysFor("lab-2")
	m := h.middleware(t, func(c *middleware.Config) { c.Keys = keys })
	invoke(t, m, "a")

	_, err := h.store.LoadChannel(keys.Channel)
	assert.NoError(t, err)
	_, err = h.store.LoadChannel(storage.DefaultChannelKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
