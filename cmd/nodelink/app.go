package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backkem/nodelink/pkg/config"
	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/discovery"
	"github.com/backkem/nodelink/pkg/metrics"
	"github.com/backkem/nodelink/pkg/middleware"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

// discoverAny as discover_instance picks the first node found.
const discoverAny = "*"

// app is the wired client: storage, transport, credentials, metrics and
// the middleware on top.
type app struct {
	mw      *middleware.Middleware
	store   *storage.BoltStorage
	tc      *transport.Client
	metrics *http.Server
	log     logging.LeveledLogger
}

func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	lf := cfg.Logging.LoggerFactory(logOut)
	a := &app{}
	if lf != nil {
		a.log = lf.NewLogger("cli")
	}

	baseURL, err := resolveBaseURL(ctx, cfg, lf)
	if err != nil {
		return nil, err
	}

	httpClient, err := newHTTPClient(cfg.Node.CACertificate)
	if err != nil {
		return nil, err
	}
	a.tc, err = transport.NewClient(transport.Config{
		BaseURL:          baseURL,
		HTTPClient:       httpClient,
		HandshakeTimeout: cfg.Node.HandshakeTimeout.Duration,
		RequestTimeout:   cfg.Node.RequestTimeout.Duration,
		LoggerFactory:    lf,
	})
	if err != nil {
		return nil, err
	}

	identity, err := credentials.LoadIdentity(cfg.Identity.Certificate)
	if err != nil {
		return nil, fmt.Errorf("identity certificate: %w", err)
	}
	signer, err := credentials.LoadKeySigner(cfg.Identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	if err := signer.MatchesCertificate(identity); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.State.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	a.store, err = storage.OpenBolt(cfg.State.Path, &storage.BoltOptions{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state %s: %w", cfg.State.Path, err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		if collector, err = metrics.New(reg); err != nil {
			a.store.Close()
			return nil, err
		}
		if a.metrics, err = serveMetrics(cfg.Metrics.Address, reg); err != nil {
			a.store.Close()
			return nil, err
		}
	}

	a.mw, err = middleware.New(middleware.Config{
		Storage:             a.store,
		Transport:           a.tc,
		Provider:            crypto.NewProvider(),
		Identity:            identity,
		Signer:              signer,
		Keys:                cfg.State.Keys(),
		ChannelTTL:          cfg.Channel.TTL.Duration,
		SessionTTL:          cfg.Session.TTL.Duration,
		ExpirySkew:          cfg.Session.ExpirySkew.Duration,
		DisableEarlyRenewal: cfg.Session.DisableEarlyRenewal,
		SupportedCiphers:    cfg.Channel.Suites(),
		LoggerFactory:       lf,
		Metrics:             collector,
		OnStatusChange: func(s middleware.Status, err error) {
			if a.log == nil {
				return
			}
			if err != nil {
				a.log.Debugf("status %s: %v", s, err)
				return
			}
			a.log.Debugf("status %s", s)
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close tears down the middleware, the state database and the metrics
// endpoint.
func (a *app) Close() error {
	var errs []error
	if a.mw != nil {
		errs = append(errs, a.mw.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

func resolveBaseURL(ctx context.Context, cfg *config.Config, lf logging.LoggerFactory) (string, error) {
	if cfg.Node.BaseURL != "" {
		return cfg.Node.BaseURL, nil
	}
	r, err := discovery.NewResolver(discovery.ResolverConfig{
		Service:       cfg.Discovery.Service,
		Domain:        cfg.Discovery.Domain,
		BrowseTimeout: cfg.Discovery.Timeout.Duration,
		LookupTimeout: cfg.Discovery.Timeout.Duration,
		LoggerFactory: lf,
	})
	if err != nil {
		return "", err
	}
	instance := cfg.Node.DiscoverInstance
	if instance == discoverAny {
		instance = ""
	}
	u, err := r.ResolveBaseURL(ctx, instance)
	if err != nil {
		return "", fmt.Errorf("discovering %q: %w", cfg.Node.DiscoverInstance, err)
	}
	return u, nil
}

func newHTTPClient(caFile string) (*http.Client, error) {
	if caFile == "" {
		return &http.Client{}, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s: no certificates found", caFile)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return &http.Client{Transport: tr}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}
