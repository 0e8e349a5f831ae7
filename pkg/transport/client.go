// Package transport carries nodelink calls to a research node over HTTP.
//
// Handshake calls and business calls have separate timeouts. The transport
// knows nothing about encryption; bodies are opaque bytes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/logging"
)

// Defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxResponseBytes = 4 << 20
	DefaultUserAgent        = "nodelink/1"

	maxStatusBody = 512
)

// Doer sends an HTTP request. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Caller sends calls to a node. *Client implements it; tests substitute
// their own.
type Caller interface {
	Do(ctx context.Context, call Call) (*Response, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the node's root URL, e.g. "https://node.local:8443".
	// Required.
	BaseURL string

	// HTTPClient sends requests. Default: a new http.Client.
	HTTPClient Doer

	// HandshakeTimeout bounds channel and session establishment calls.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds business calls. Default: 30 seconds.
	RequestTimeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// MaxResponseBytes caps the response body size.
	MaxResponseBytes int64

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("transport: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("transport: base URL %q has no host", c.BaseURL)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
}

// Call is a single request.
type Call struct {
	Kind   CallKind
	Method string

	// Path is joined onto the base URL path.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	method string
	path   string
}

// OK returns true for 2xx responses.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError returns nil for 2xx responses and a *StatusError otherwise.
func (r *Response) StatusError() error {
	if r.OK() {
		return nil
	}
	body := r.Body
	if len(body) > maxStatusBody {
		body = body[:maxStatusBody]
	}
	return &StatusError{
		StatusCode: r.StatusCode,
		Method:     r.method,
		Path:       r.path,
		Body:       append([]byte(nil), body...),
	}
}

// Client sends calls to one node.
//
// All methods are safe for concurrent use.
type Client struct {
	config  Config
	baseURL *url.URL
	log     logging.LeveledLogger
}

// NewClient creates a client.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	base, _ := url.Parse(config.BaseURL)

	c := &Client{config: config, baseURL: base}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport")
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Timeout returns the timeout applied to calls of kind k.
func (c *Client) Timeout(k CallKind) time.Duration {
	if k == KindHandshake {
		return c.config.HandshakeTimeout
	}
	return c.config.RequestTimeout
}

// Do sends call and reads the whole response.
//
// A non-2xx status is not an error; use Response.StatusError.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	if !call.Kind.IsValid() {
		return nil, fmt.Errorf("transport: invalid call kind %d", call.Kind)
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.resolve(call.Path, call.Query)

	ctx, cancel := context.WithTimeout(ctx, c.Timeout(call.Kind))
	defer cancel()

	var body io.Reader
	if call.Body != nil {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Op: method, URL: target, Err: err}
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		if c.log != nil {
			c.log.Debugf("%s %s %s failed after %v: %v", call.Kind, method, call.Path, time.Since(start), err)
		}
		return nil, c.wrap(ctx, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes+1))
	if err != nil {
		return nil, c.wrap(ctx, method, target, err)
	}
	if int64(len(data)) > c.config.MaxResponseBytes {
		return nil, &Error{Op: method, URL: target, Err: ErrResponseTooLarge}
	}

	if c.log != nil {
		c.log.Tracef("%s %s %s -> %d (%d bytes, %v)", call.Kind, method, call.Path, resp.StatusCode, len(data), time.Since(start))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		method:     method,
		path:       call.Path,
	}, nil
}

var _ Caller = (*Client)(nil)

// CloseIdleConnections releases pooled connections, if the HTTP client
// supports it.
func (c *Client) CloseIdleConnections() {
	if ci, ok := c.config.HTTPClient.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String()
}

func (c *Client) wrap(ctx context.Context, op, target string, err error) error {
	e := &Error{Op: op, URL: target, Err: err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.timeout = true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		e.timeout = true
	}
	return e
}
