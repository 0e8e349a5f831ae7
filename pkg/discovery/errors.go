package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrInvalidServiceType is returned for a malformed DNS-SD service type.
	ErrInvalidServiceType = errors.New("discovery: invalid service type")

	// ErrInvalidInstanceName is returned for an empty instance name.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name")

	// ErrInvalidPort is returned when the port number is out of range.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrNoAddresses is returned when a node advertises neither a usable
	// address nor a host name.
	ErrNoAddresses = errors.New("discovery: no usable address")

	// ErrServiceNotFound is returned when a requested service is not found.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid format.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")
)
