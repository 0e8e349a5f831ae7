package channel

import "github.com/backkem/nodelink/pkg/crypto"

// Endpoint paths.
const (
	PathOpen = "/api/channel/open"
)

// HTTP headers.
const (
	HeaderChannelID        = "X-Channel-Id"
	HeaderRequestID        = "X-Request-Id"
	HeaderRequestTimestamp = "X-Request-Timestamp"
	HeaderContentType      = "Content-Type"

	ContentTypeJSON = "application/json"
)

// ProtocolVersion is the version advertised in the open request.
const ProtocolVersion = "1"

// OpenChannelRequest is the body of POST /api/channel/open.
type OpenChannelRequest struct {
	ProtocolVersion      string               `json:"protocolVersion"`
	EphemeralPublicKey   string               `json:"ephemeralPublicKey"`
	KeyExchangeAlgorithm string               `json:"keyExchangeAlgorithm"`
	SupportedCiphers     []crypto.CipherSuite `json:"supportedCiphers"`
	Timestamp            int64                `json:"timestamp"`
	Nonce                string               `json:"nonce"`
}

// OpenChannelResponse is the body returned by the node. The channel id is
// carried in the X-Channel-Id header.
type OpenChannelResponse struct {
	EphemeralPublicKey string             `json:"ephemeralPublicKey"`
	Nonce              string             `json:"nonce"`
	Cipher             crypto.CipherSuite `json:"cipher,omitempty"`
}

// Envelope wraps every encrypted body.
type Envelope struct {
	// Payload is base64(nonce || ciphertext || tag).
	Payload string `json:"payload"`
}
