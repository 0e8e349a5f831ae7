package session

// Endpoint paths.
const (
	PathIdentify     = "/api/node/identify"
	PathAuthenticate = "/api/node/authenticate"
)

// Headers attached to business calls.
const (
	HeaderSessionID     = "X-Session-Id"
	HeaderAuthorization = "Authorization"
)

// IdentifyRequest is the decrypted body of POST /api/node/identify.
type IdentifyRequest struct {
	NodeID string `json:"nodeId"`

	// Certificate is the base64 DER certificate.
	Certificate string `json:"certificate"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

// IdentifyResponse carries the authentication challenge.
type IdentifyResponse struct {
	ChallengeID string `json:"challengeId"`

	// Challenge is the base64 challenge nonce.
	Challenge string `json:"challenge"`
	Algorithm string `json:"algorithm,omitempty"`
}

// AuthenticateRequest is the decrypted body of POST /api/node/authenticate.
type AuthenticateRequest struct {
	ChallengeID string `json:"challengeId"`
	NodeID      string `json:"nodeId"`

	// Proof is the base64 signature over the challenge message.
	Proof string `json:"proof"`
}

// AuthenticateResponse carries the session credential.
type AuthenticateResponse struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`

	// ExpiresAt is an RFC 3339 timestamp.
	ExpiresAt    string `json:"expiresAt,omitempty"`
	NodeIdentity string `json:"nodeIdentity,omitempty"`
}
