package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/metrics"
	"github.com/backkem/nodelink/pkg/session"
	"github.com/backkem/nodelink/pkg/transport"
)

// Request is a business call to the node. Body is the plaintext; it is
// sealed under the channel key before it leaves the process.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is the decrypted reply to a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Invoke sends req to the node over the current channel and session,
// establishing or renewing either first if needed.
//
// A 401 or 403 clears the session and returns a KindUnauthenticated error;
// the next call authenticates again. A response that fails to decrypt
// discards the channel and returns a KindCrypto error. Invoke never
// retries.
func (m *Middleware) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := m.invoke(ctx, req)
	result := metrics.ResultOK
	if err != nil {
		result = KindOf(err).String()
	}
	m.config.Metrics.ObserveInvoke(result, time.Since(start))
	return resp, err
}

func (m *Middleware) invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	b, err := m.ensureBound(ctx, opInvoke, m.config.ExpirySkew)
	if err != nil {
		return nil, err
	}
	if !b.channel.Acquire() {
		// A renewal or Reset retired the channel after ensureBound
		// returned it. Nothing was sent yet, so resolve once more.
		if b, err = m.ensureBound(ctx, opInvoke, m.config.ExpirySkew); err != nil {
			return nil, err
		}
		if !b.channel.Acquire() {
			e := newError(KindCrypto, opInvoke, channel.ErrDiscarded)
			m.fail(e)
			return nil, e
		}
	}
	defer b.channel.Release()

	resp, err := m.send(ctx, b, req)
	if err != nil {
		m.fail(err)
		return nil, err
	}
	m.transition(StatusReady, nil)
	return resp, nil
}

func (m *Middleware) send(ctx context.Context, b *bound, req Request) (*Response, error) {
	sealed, err := b.channel.SealRequest(req.Body)
	if err != nil {
		if errors.Is(err, channel.ErrDiscarded) {
			// Reset or a concurrent failure discarded the channel after
			// ensureBound returned it.
			return nil, newError(KindCrypto, opInvoke, err)
		}
		return nil, classify(opInvoke, err)
	}

	header := make(http.Header)
	for k, v := range req.Header {
		header[k] = append([]string(nil), v...)
	}
	for k, v := range sealed.Header {
		header[k] = v
	}
	header.Set(session.HeaderSessionID, b.session.SessionID)
	header.Set(session.HeaderAuthorization, "Bearer "+b.session.Token)

	tr, err := m.config.Transport.Do(ctx, transport.Call{
		Kind:   transport.KindBusiness,
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
		Header: header,
		Body:   sealed.Body,
	})
	if err != nil {
		return nil, newError(KindTransport, opInvoke, err)
	}

	if !tr.OK() {
		serr := tr.StatusError()
		var se *transport.StatusError
		if errors.As(serr, &se) && se.Unauthorized() {
			if m.log != nil {
				m.log.Warnf("node rejected session %s: %d", b.session.SessionID, se.StatusCode)
			}
			m.dropSession(b.session, "unauthenticated")
			return nil, newError(KindUnauthenticated, opInvoke, serr)
		}
		return nil, newError(KindTransport, opInvoke, serr)
	}

	plain, err := b.channel.OpenResponse(sealed, tr.Body)
	switch {
	case err == nil:
	case errors.Is(err, crypto.ErrDecryptionFailed), errors.Is(err, crypto.ErrCiphertextTooShort):
		if m.log != nil {
			m.log.Errorf("response on channel %s failed authentication, discarding channel", b.channel.ID())
		}
		m.discardChannel(b.channel, "crypto")
		return nil, newError(KindCrypto, opInvoke, err)
	case errors.Is(err, channel.ErrMalformedEnvelope):
		return nil, newError(KindProtocol, opInvoke, err)
	default:
		return nil, classify(opInvoke, err)
	}

	return &Response{
		StatusCode: tr.StatusCode,
		Header:     tr.Header,
		Body:       plain,
	}, nil
}

// InvokeJSON marshals body, invokes the node and unmarshals the decrypted
// response into T. A nil body sends an empty payload.
func InvokeJSON[T any](ctx context.Context, m *Middleware, method, path string, body interface{}) (T, error) {
	var out T

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return out, newError(KindConfig, opInvoke, fmt.Errorf("encoding request: %w", err))
		}
	}

	resp, err := m.Invoke(ctx, Request{
		Method: method,
		Path:   path,
		Header: http.Header{"Accept": []string{channel.ContentTypeJSON}},
		Body:   payload,
	})
	if err != nil {
		return out, err
	}
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, newError(KindProtocol, opInvoke, fmt.Errorf("decoding response: %w", err))
	}
	return out, nil
}
