// Package discovery finds research nodes on the local network via DNS-SD
// over mDNS and turns their advertisements into base URLs.
package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DNS-SD defaults for research nodes.
const (
	// DefaultService is the DNS-SD service type research nodes advertise.
	DefaultService = "_researchnode._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedNode contains information about a discovered research node.
type ResolvedNode struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (r *ResolvedNode) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

// BaseURL builds the node's base URL from the most preferred dialable
// address, the port and the scheme and path TXT keys. Without a dialable
// address the host name is used.
func (r *ResolvedNode) BaseURL() (string, error) {
	if r.Port <= 0 || r.Port > 65535 {
		return "", ErrInvalidPort
	}

	txt := NodeTXT{
		Scheme: strings.ToLower(r.Text[TXTKeyScheme]),
		Path:   r.Text[TXTKeyPath],
	}
	if err := txt.Validate(); err != nil {
		return "", err
	}
	if txt.Scheme == "" {
		txt.Scheme = DefaultScheme
	}

	var host string
	for _, ip := range r.IPs {
		if dialable(ip) {
			host = ip.String()
			break
		}
	}
	if host == "" {
		host = strings.TrimSuffix(r.HostName, ".")
	}
	if host == "" {
		return "", ErrNoAddresses
	}

	u := url.URL{
		Scheme: txt.Scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Port)),
		Path:   strings.TrimSuffix(txt.Path, "/"),
	}
	return u.String(), nil
}

// NodeID returns the node id advertised in TXT, if any.
func (r *ResolvedNode) NodeID() string {
	return r.Text[TXTKeyNodeID]
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Implementations send entries until ctx is done or no more entries will
// arrive, then return. They never close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
//
// A zeroconf.Resolver shuts its sockets down when the first query's
// context ends, so every query gets a fresh one.
type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	in := make(chan *zeroconf.ServiceEntry, 8)
	if err := r.Browse(ctx, service, domain, in); err != nil {
		return err
	}
	return forward(ctx, in, entries)
}

func (zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	in := make(chan *zeroconf.ServiceEntry, 8)
	if err := r.Lookup(ctx, instance, service, domain, in); err != nil {
		return err
	}
	return forward(ctx, in, entries)
}

// forward copies zeroconf's entries, which zeroconf closes itself, to out.
func forward(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- *zeroconf.ServiceEntry) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// Service is the DNS-SD service type. Default: DefaultService.
	Service string

	// Domain is the DNS-SD domain. Default: DefaultDomain.
	Domain string

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *ResolverConfig) Validate() error {
	if c.Service == "" {
		return nil
	}
	parts := strings.Split(c.Service, ".")
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "_") || len(parts[0]) < 2 ||
		(parts[1] != "_tcp" && parts[1] != "_udp") {
		return ErrInvalidServiceType
	}
	return nil
}

func (c *ResolverConfig) applyDefaults() {
	if c.MDNSResolver == nil {
		c.MDNSResolver = zeroconfResolver{}
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.BrowseTimeout == 0 {
		c.BrowseTimeout = DefaultBrowseTimeout
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
}

// Resolver discovers research nodes via DNS-SD.
type Resolver struct {
	config ResolverConfig
	log    logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	r := &Resolver{config: config}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discovery")
	}
	return r, nil
}

// Browse discovers research nodes on the network.
// Returns a channel that receives discovered nodes until the context is
// cancelled or the browse timeout expires. The channel is closed when the
// browse ends.
func (r *Resolver) Browse(ctx context.Context) (<-chan ResolvedNode, error) {
	results := make(chan ResolvedNode)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(entries)
		if err := r.config.MDNSResolver.Browse(ctx, r.config.Service, r.config.Domain, entries); err != nil && r.log != nil {
			r.log.Warnf("browse %s: %v", r.config.Service, err)
		}
	}()

	go func() {
		defer close(results)
		defer cancel()

		seen := make(map[string]bool)
		for entry := range entries {
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			node := entryToResolvedNode(entry)
			if r.log != nil {
				r.log.Debugf("found %s at %s:%d", node.InstanceName, node.HostName, node.Port)
			}
			select {
			case results <- node:
			case <-ctx.Done():
				// Drain so the browser can return.
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// Lookup resolves a specific node instance by name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*ResolvedNode, error) {
	if instance == "" {
		return nil, ErrInvalidInstanceName
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	done := make(chan error, 1)
	go func() {
		defer close(entries)
		done <- r.config.MDNSResolver.Lookup(ctx, instance, r.config.Service, r.config.Domain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-done; err != nil {
					return nil, err
				}
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, ErrTimeout
				}
				return nil, ErrServiceNotFound
			}
			if entry == nil || entry.Instance != instance {
				continue
			}
			node := entryToResolvedNode(entry)
			return &node, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// ResolveBaseURL returns the base URL of the named instance, or of the
// first node found when instance is empty.
func (r *Resolver) ResolveBaseURL(ctx context.Context, instance string) (string, error) {
	if instance != "" {
		node, err := r.Lookup(ctx, instance)
		if err != nil {
			return "", err
		}
		return node.BaseURL()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	nodes, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for node := range nodes {
		u, err := node.BaseURL()
		if err != nil {
			if r.log != nil {
				r.log.Debugf("skipping %s: %v", node.InstanceName, err)
			}
			continue
		}
		cancel()
		for range nodes {
		}
		return u, nil
	}
	return "", ErrServiceNotFound
}

// entryToResolvedNode converts a zeroconf.ServiceEntry to ResolvedNode.
func entryToResolvedNode(entry *zeroconf.ServiceEntry) ResolvedNode {
	allIPs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	allIPs = append(allIPs, entry.AddrIPv4...)
	allIPs = append(allIPs, entry.AddrIPv6...)

	return ResolvedNode{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(allIPs),
		Text:         ParseTXT(entry.Text),
	}
}
