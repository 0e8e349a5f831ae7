// Package nodetest runs an in-process research node for tests.
//
// The node implements the channel-open, identify and authenticate
// endpoints and echoes every other authenticated request. It records the
// order of calls and can be told to misbehave.
package nodetest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/session"
)

// Behavior controls how the node answers. Change it with Node.Configure.
type Behavior struct {
	// Omit fields from the channel-open response.
	OmitChannelID bool
	OmitPublicKey bool
	OmitNonce     bool

	// Cipher is the suite the node picks. Empty picks the first offered.
	Cipher crypto.CipherSuite

	// OpenDelay is waited before answering a channel-open request.
	OpenDelay time.Duration

	// OmitChallenge drops the challenge from identify responses.
	OmitChallenge bool

	// RejectAuth answers authenticate with 401.
	RejectAuth bool

	// OmitToken drops the session token from authenticate responses.
	OmitToken bool

	// SessionExpiresAt overrides the expiresAt sent on authenticate. "-"
	// omits the field.
	SessionExpiresAt string

	// BusinessStatus forces the status of business responses.
	BusinessStatus int

	// TamperResponses corrupts the ciphertext of business responses.
	TamperResponses bool
}

// Options configures a Node.
type Options struct {
	// SessionTTL is the lifetime of issued sessions. Default: 15 minutes.
	SessionTTL time.Duration

	// Now returns the node's clock. Default: time.Now.
	Now func() time.Time
}

// Echo is the decrypted body of a business response.
type Echo struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId"`
	NodeID    string `json:"nodeId"`
}

type nodeChannel struct {
	key      *crypto.SymmetricKey
	requests map[string]bool
}

type nodeChallenge struct {
	channelID string
	identity  credentials.NodeIdentity
	nonce     []byte
	algorithm string
}

type nodeSession struct {
	id        string
	token     string
	channelID string
	nodeID    string
	expiresAt time.Time
}

// Node is a fake research node.
type Node struct {
	server   *httptest.Server
	provider crypto.Provider
	opts     Options

	mu         sync.Mutex
	behavior   Behavior
	calls      []string
	seq        int
	channels   map[string]*nodeChannel
	challenges map[string]*nodeChallenge
	sessions   map[string]*nodeSession
}

// New starts a node. It is closed when tb finishes.
func New(tb testing.TB, opts Options) *Node {
	tb.Helper()
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = session.DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	n := &Node{
		provider:   crypto.NewProvider(),
		opts:       opts,
		channels:   make(map[string]*nodeChannel),
		challenges: make(map[string]*nodeChallenge),
		sessions:   make(map[string]*nodeSession),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	tb.Cleanup(n.server.Close)
	return n
}

// URL returns the node's base URL.
func (n *Node) URL() string { return n.server.URL }

// Client returns an HTTP client for the node.
func (n *Node) Client() *http.Client { return n.server.Client() }

// Configure changes the node's behavior.
func (n *Node) Configure(fn func(b *Behavior)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.behavior)
}

// Calls returns the request paths received, in order.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// Count returns how many requests hit path.
func (n *Node) Count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, p := range n.calls {
		if p == path {
			c++
		}
	}
	return c
}

// ResetCalls clears the call log.
func (n *Node) ResetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

// DropSessions forgets every issued session, as a node restart would.
func (n *Node) DropSessions() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = make(map[string]*nodeSession)
}

// DropChannels forgets every channel and session.
func (n *Node) DropChannels() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = make(map[string]*nodeChannel)
	n.sessions = make(map[string]*nodeSession)
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.calls = append(n.calls, r.URL.Path)
	b := n.behavior
	n.mu.Unlock()

	switch r.URL.Path {
	case channel.PathOpen:
		n.handleOpen(w, r, b)
	case session.PathIdentify:
		n.handleSealed(w, r, func(chID string, plain []byte) (int, interface{}) {
			return n.identify(chID, plain, b)
		})
	case session.PathAuthenticate:
		n.handleSealed(w, r, func(chID string, plain []byte) (int, interface{}) {
			return n.authenticate(chID, plain, b)
		})
	default:
		n.handleBusiness(w, r, b)
	}
}

func (n *Node) nextID(prefix string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return prefix + "-" + strconv.Itoa(n.seq)
}

func (n *Node) handleOpen(w http.ResponseWriter, r *http.Request, b Behavior) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if b.OpenDelay > 0 {
		select {
		case <-time.After(b.OpenDelay):
		case <-r.Context().Done():
			return
		}
	}

	var req channel.OpenChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientPub, err1 := base64.StdEncoding.DecodeString(req.EphemeralPublicKey)
	clientNonce, err2 := base64.StdEncoding.DecodeString(req.Nonce)
	if err1 != nil || err2 != nil || req.KeyExchangeAlgorithm != crypto.KeyExchangeAlgorithm {
		http.Error(w, "bad key share", http.StatusBadRequest)
		return
	}

	suite := b.Cipher
	if suite == "" && len(req.SupportedCiphers) > 0 {
		suite = req.SupportedCiphers[0]
	}

	kp, err := n.provider.GenerateEphemeralKeyPair()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer kp.Zeroize()
	nonce, _ := n.provider.RandomNonce()

	respBody := channel.OpenChannelResponse{Cipher: suite}
	if !b.OmitPublicKey {
		respBody.EphemeralPublicKey = base64.StdEncoding.EncodeToString(kp.PublicKey())
	}
	if !b.OmitNonce {
		respBody.Nonce = base64.StdEncoding.EncodeToString(nonce)
	}

	chID := n.nextID("ch")
	if !b.OmitChannelID {
		w.Header().Set(channel.HeaderChannelID, chID)
	}

	// An unsupported suite is the client's problem to reject.
	if suite.IsValid() {
		key, err := n.provider.DeriveSymmetricKey(crypto.DeriveParams{
			PrivateKey:    kp,
			PeerPublicKey: clientPub,
			SelfNonce:     nonce,
			PeerNonce:     clientNonce,
			Cipher:        suite,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		n.channels[chID] = &nodeChannel{key: key, requests: make(map[string]bool)}
		n.mu.Unlock()
	}

	writeJSON(w, http.StatusOK, respBody)
}

type sealedHandler func(channelID string, plain []byte) (int, interface{})

// openRequest authenticates and decrypts a sealed request.
func (n *Node) openRequest(r *http.Request) (string, *nodeChannel, string, []byte, int, error) {
	chID := r.Header.Get(channel.HeaderChannelID)
	reqID := r.Header.Get(channel.HeaderRequestID)
	ts := r.Header.Get(channel.HeaderRequestTimestamp)
	if chID == "" || reqID == "" || ts == "" {
		return "", nil, "", nil, http.StatusBadRequest, fmt.Errorf("missing envelope headers")
	}

	n.mu.Lock()
	ch := n.channels[chID]
	n.mu.Unlock()
	if ch == nil {
		return "", nil, "", nil, http.StatusUnauthorized, fmt.Errorf("unknown channel %s", chID)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, "", nil, http.StatusBadRequest, err
	}
	ct, err := channel.DecodeEnvelope(body)
	if err != nil {
		return "", nil, "", nil, http.StatusBadRequest, err
	}
	plain, err := n.provider.Decrypt(ch.key, ct, channel.RequestAAD(chID, reqID, ts))
	if err != nil {
		return "", nil, "", nil, http.StatusBadRequest, err
	}

	n.mu.Lock()
	replay := ch.requests[reqID]
	ch.requests[reqID] = true
	n.mu.Unlock()
	if replay {
		return "", nil, "", nil, http.StatusConflict, fmt.Errorf("replayed request %s", reqID)
	}
	return chID, ch, reqID, plain, 0, nil
}

func (n *Node) sealResponse(w http.ResponseWriter, ch *nodeChannel, chID, reqID string, status int, v interface{}, tamper bool) {
	plain, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ct, err := n.provider.Encrypt(ch.key, plain, channel.ResponseAAD(chID, reqID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tamper {
		ct[len(ct)-1] ^= 0x01
	}
	env, _ := channel.EncodeEnvelope(ct)
	w.Header().Set(channel.HeaderContentType, channel.ContentTypeJSON)
	w.WriteHeader(status)
	w.Write(env)
}

func (n *Node) handleSealed(w http.ResponseWriter, r *http.Request, fn sealedHandler) {
	chID, ch, reqID, plain, status, err := n.openRequest(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	status, v := fn(chID, plain)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	n.sealResponse(w, ch, chID, reqID, status, v, false)
}

func (n *Node) identify(chID string, plain []byte, b Behavior) (int, interface{}) {
	var req session.IdentifyRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return http.StatusBadRequest, nil
	}
	der, err := base64.StdEncoding.DecodeString(req.Certificate)
	if err != nil {
		return http.StatusBadRequest, nil
	}
	id := credentials.NodeIdentity{NodeID: req.NodeID, Certificate: der, Fingerprint: credentials.Fingerprint(der)}
	if req.Fingerprint != id.Fingerprint {
		return http.StatusBadRequest, nil
	}
	if b.OmitChallenge {
		return http.StatusOK, session.IdentifyResponse{}
	}

	nonce := make([]byte, 32)
	rand.Read(nonce)
	chalID := n.nextID("chal")

	n.mu.Lock()
	n.challenges[chalID] = &nodeChallenge{
		channelID: chID,
		identity:  id,
		nonce:     nonce,
		algorithm: credentials.AlgorithmECDSAP384SHA384,
	}
	n.mu.Unlock()

	return http.StatusOK, session.IdentifyResponse{
		ChallengeID: chalID,
		Challenge:   base64.StdEncoding.EncodeToString(nonce),
		Algorithm:   credentials.AlgorithmECDSAP384SHA384,
	}
}

func (n *Node) authenticate(chID string, plain []byte, b Behavior) (int, interface{}) {
	if b.RejectAuth {
		return http.StatusUnauthorized, nil
	}
	var req session.AuthenticateRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return http.StatusBadRequest, nil
	}
	proof, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		return http.StatusBadRequest, nil
	}

	n.mu.Lock()
	chal := n.challenges[req.ChallengeID]
	delete(n.challenges, req.ChallengeID)
	n.mu.Unlock()
	if chal == nil || chal.channelID != chID || chal.identity.NodeID != req.NodeID {
		return http.StatusUnauthorized, nil
	}

	if err := credentials.VerifyChallenge(chal.identity, credentials.Challenge{
		ChannelID:   chID,
		ChallengeID: req.ChallengeID,
		Nonce:       chal.nonce,
		NodeID:      req.NodeID,
		Algorithm:   chal.algorithm,
	}, proof); err != nil {
		return http.StatusUnauthorized, nil
	}

	tok := make([]byte, 24)
	rand.Read(tok)
	s := &nodeSession{
		id:        n.nextID("sess"),
		token:     hex.EncodeToString(tok),
		channelID: chID,
		nodeID:    req.NodeID,
		expiresAt: n.opts.Now().Add(n.opts.SessionTTL),
	}
	n.mu.Lock()
	n.sessions[s.token] = s
	n.mu.Unlock()

	resp := session.AuthenticateResponse{
		SessionID:    s.id,
		SessionToken: s.token,
		ExpiresAt:    s.expiresAt.UTC().Format(time.RFC3339),
		NodeIdentity: req.NodeID,
	}
	switch b.SessionExpiresAt {
	case "":
	case "-":
		resp.ExpiresAt = ""
	default:
		resp.ExpiresAt = b.SessionExpiresAt
	}
	if b.OmitToken {
		resp.SessionToken = ""
	}
	return http.StatusOK, resp
}

func (n *Node) handleBusiness(w http.ResponseWriter, r *http.Request, b Behavior) {
	chID, ch, reqID, plain, status, err := n.openRequest(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	token := strings.TrimPrefix(r.Header.Get(session.HeaderAuthorization), "Bearer ")
	n.mu.Lock()
	s := n.sessions[token]
	n.mu.Unlock()
	if s == nil || s.channelID != chID || s.id != r.Header.Get(session.HeaderSessionID) || !n.opts.Now().Before(s.expiresAt) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	if b.BusinessStatus != 0 && b.BusinessStatus != http.StatusOK {
		http.Error(w, http.StatusText(b.BusinessStatus), b.BusinessStatus)
		return
	}

	n.sealResponse(w, ch, chID, reqID, http.StatusOK, Echo{
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      string(plain),
		SessionID: s.id,
		NodeID:    s.nodeID,
	}, b.TamperResponses)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(channel.HeaderContentType, channel.ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
