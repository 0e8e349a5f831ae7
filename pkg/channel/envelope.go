package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/backkem/nodelink/pkg/crypto"
)

const aadPrefix = "nodelink/v1|"

// RequestAAD returns the associated data bound to a request body.
func RequestAAD(channelID, requestID, timestamp string) []byte {
	return []byte(aadPrefix + channelID + "|" + requestID + "|" + timestamp)
}

// ResponseAAD returns the associated data bound to a response body.
func ResponseAAD(channelID, requestID string) []byte {
	return []byte(aadPrefix + channelID + "|" + requestID + "|response")
}

// EncodeEnvelope wraps ciphertext in a JSON envelope.
func EncodeEnvelope(ciphertext []byte) ([]byte, error) {
	return json.Marshal(Envelope{Payload: base64.StdEncoding.EncodeToString(ciphertext)})
}

// DecodeEnvelope returns the ciphertext carried by a JSON envelope.
func DecodeEnvelope(body []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return ct, nil
}

// Sealed is an encrypted request ready to send.
type Sealed struct {
	ChannelID string
	RequestID string

	// Timestamp is the request time in unix milliseconds.
	Timestamp string

	Header http.Header
	Body   []byte
}

// SealRequest encrypts body under the channel key with a fresh request id.
func (s *State) SealRequest(body []byte) (*Sealed, error) {
	requestID := uuid.NewString()
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	var ct []byte
	err := s.withKey(func(key *crypto.SymmetricKey) (err error) {
		ct, err = s.provider.Encrypt(key, body, RequestAAD(s.id, requestID, ts))
		return err
	})
	if err != nil {
		return nil, err
	}
	env, err := EncodeEnvelope(ct)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set(HeaderChannelID, s.id)
	h.Set(HeaderRequestID, requestID)
	h.Set(HeaderRequestTimestamp, ts)
	h.Set(HeaderContentType, ContentTypeJSON)

	return &Sealed{
		ChannelID: s.id,
		RequestID: requestID,
		Timestamp: ts,
		Header:    h,
		Body:      env,
	}, nil
}

// OpenResponse decrypts the response to sealed. An empty body yields an
// empty payload.
func (s *State) OpenResponse(sealed *Sealed, body []byte) ([]byte, error) {
	if len(body) == 0 {
		if s.Discarded() {
			return nil, ErrDiscarded
		}
		return []byte{}, nil
	}

	ct, err := DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	var plain []byte
	err = s.withKey(func(key *crypto.SymmetricKey) (err error) {
		plain, err = s.provider.Decrypt(key, ct, ResponseAAD(s.id, sealed.RequestID))
		return err
	})
	return plain, err
}
