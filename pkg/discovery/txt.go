package discovery

import (
	"fmt"
	"strings"
)

// TXT record keys advertised by a research node.
const (
	// TXTKeyScheme is the URL scheme, "http" or "https".
	TXTKeyScheme = "scheme"

	// TXTKeyPath is the base path the node API is mounted under.
	TXTKeyPath = "path"

	// TXTKeyNodeID is the node's identifier.
	TXTKeyNodeID = "node"

	// TXTKeyVersion is the nodelink protocol version the node speaks.
	TXTKeyVersion = "v"
)

// DefaultScheme is used when the scheme key is absent.
const DefaultScheme = "https"

// NodeTXT holds the TXT records of a _researchnode._tcp service.
type NodeTXT struct {
	Scheme  string
	Path    string
	NodeID  string
	Version string
}

// Encode returns the TXT records. Empty fields are omitted.
func (n *NodeTXT) Encode() []string {
	var records []string
	if n.Scheme != "" {
		records = append(records, TXTKeyScheme+"="+n.Scheme)
	}
	if n.Path != "" {
		records = append(records, TXTKeyPath+"="+n.Path)
	}
	if n.NodeID != "" {
		records = append(records, TXTKeyNodeID+"="+n.NodeID)
	}
	if n.Version != "" {
		records = append(records, TXTKeyVersion+"="+n.Version)
	}
	return records
}

// Validate checks the scheme and path.
func (n *NodeTXT) Validate() error {
	switch n.Scheme {
	case "", "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidTXTRecord, n.Scheme)
	}
	if n.Path != "" && !strings.HasPrefix(n.Path, "/") {
		return fmt.Errorf("%w: path %q must be absolute", ErrInvalidTXTRecord, n.Path)
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map.
// Keys are case-insensitive (RFC 6763 Section 6.4) and are lowercased.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := strings.ToLower(record[:idx])
			if _, dup := result[key]; dup {
				// Only the first occurrence counts (RFC 6763 Section 6.4).
				continue
			}
			result[key] = record[idx+1:]
		}
	}
	return result
}

// ParseNodeTXT parses raw TXT records into NodeTXT.
func ParseNodeTXT(records []string) (*NodeTXT, error) {
	m := ParseTXT(records)
	n := &NodeTXT{
		Scheme:  strings.ToLower(m[TXTKeyScheme]),
		Path:    m[TXTKeyPath],
		NodeID:  m[TXTKeyNodeID],
		Version: m[TXTKeyVersion],
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}
