package transport

// CallKind selects the timeout applied to a call.
type CallKind int

const (
	// KindBusiness is an application request sent through Invoke.
	KindBusiness CallKind = iota
	// KindHandshake is a channel or session establishment call.
	KindHandshake
)

// String returns the string representation of the call kind.
func (k CallKind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// IsValid returns true if the call kind is a known valid kind.
func (k CallKind) IsValid() bool {
	return k == KindBusiness || k == KindHandshake
}
