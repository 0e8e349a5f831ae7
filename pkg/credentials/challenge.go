package credentials

import (
	"encoding/binary"
)

// AlgorithmECDSAP384SHA384 is the only challenge algorithm KeySigner produces.
const AlgorithmECDSAP384SHA384 = "ECDSA-P384-SHA384"

var challengeContext = []byte("nodelink/challenge/v1")

// Challenge is the authentication challenge issued by the node in the
// identify phase.
type Challenge struct {
	// ChannelID is the channel the challenge was issued over.
	ChannelID   string
	ChallengeID string
	Nonce       []byte
	NodeID      string

	// Algorithm is the signature algorithm the node asked for. Empty means
	// AlgorithmECDSAP384SHA384.
	Algorithm string
}

// ChallengeMessage returns the bytes a Signer signs for c.
//
// Each field is length prefixed so that no two challenges share an encoding.
// The channel id is included, so a proof is only valid on its own channel.
func ChallengeMessage(c Challenge) []byte {
	alg := c.Algorithm
	if alg == "" {
		alg = AlgorithmECDSAP384SHA384
	}
	fields := [][]byte{
		challengeContext,
		[]byte(alg),
		[]byte(c.ChannelID),
		[]byte(c.ChallengeID),
		[]byte(c.NodeID),
		c.Nonce,
	}

	n := 0
	for _, f := range fields {
		n += 4 + len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}
