package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/transport/v3/test"
)

func TestSortIPsByPreference(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("::1"),
		net.ParseIP("fe80::1"),
		net.ParseIP("fd00::1"),
		net.ParseIP("192.168.1.10"),
		net.ParseIP("2001:db8::1"),
		net.ParseIP("8.8.8.8"),
	}
	got := SortIPsByPreference(ips)
	want := []string{"8.8.8.8", "2001:db8::1", "192.168.1.10", "fd00::1", "fe80::1", "::1"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if ips[0].String() != "::1" {
		t.Error("input slice was modified")
	}
}

func TestFilterIPs(t *testing.T) {
	ips := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("fd00::1"), net.ParseIP("10.0.0.2")}
	if n := len(FilterIPv4(ips)); n != 2 {
		t.Errorf("FilterIPv4 = %d addresses, want 2", n)
	}
	if n := len(FilterIPv6(ips)); n != 1 {
		t.Errorf("FilterIPv6 = %d addresses, want 1", n)
	}
}

func TestParseTXT(t *testing.T) {
	m := ParseTXT([]string{"Scheme=http", "path=/api", "scheme=https", "novalue", "=x", "empty="})
	if m["scheme"] != "http" {
		t.Errorf("scheme = %q, want first occurrence", m["scheme"])
	}
	if m["path"] != "/api" {
		t.Errorf("path = %q", m["path"])
	}
	if v, ok := m["empty"]; !ok || v != "" {
		t.Errorf("empty = %q, %v", v, ok)
	}
	if _, ok := m["novalue"]; ok {
		t.Error("record without '=' should be skipped")
	}
	if len(m) != 3 {
		t.Errorf("len = %d, want 3", len(m))
	}
}

func TestNodeTXT(t *testing.T) {
	in := NodeTXT{Scheme: "http", Path: "/lab", NodeID: "node-7", Version: "1"}
	out, err := ParseNodeTXT(in.Encode())
	if err != nil {
		t.Fatalf("ParseNodeTXT() error = %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", *out, in)
	}

	for _, records := range [][]string{{"scheme=ftp"}, {"path=relative"}} {
		if _, err := ParseNodeTXT(records); !errors.Is(err, ErrInvalidTXTRecord) {
			t.Errorf("ParseNodeTXT(%v) error = %v, want ErrInvalidTXTRecord", records, err)
		}
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name string
		node ResolvedNode
		want string
		err  error
	}{
		{
			name: "default scheme",
			node: ResolvedNode{Port: 8443, IPs: []net.IP{net.ParseIP("192.168.1.5")}},
			want: "https://192.168.1.5:8443",
		},
		{
			name: "scheme and path",
			node: ResolvedNode{
				Port: 8080,
				IPs:  []net.IP{net.ParseIP("10.1.2.3")},
				Text: map[string]string{"scheme": "http", "path": "/node/"},
			},
			want: "http://10.1.2.3:8080/node",
		},
		{
			name: "ipv6 is bracketed",
			node: ResolvedNode{Port: 443, IPs: []net.IP{net.ParseIP("fd00::5")}},
			want: "https://[fd00::5]:443",
		},
		{
			name: "link-local falls back to host name",
			node: ResolvedNode{Port: 443, HostName: "lab-node.local.", IPs: []net.IP{net.ParseIP("fe80::1")}},
			want: "https://lab-node.local:443",
		},
		{
			name: "no port",
			node: ResolvedNode{IPs: []net.IP{net.ParseIP("10.1.2.3")}},
			err:  ErrInvalidPort,
		},
		{
			name: "no address",
			node: ResolvedNode{Port: 443},
			err:  ErrNoAddresses,
		},
		{
			name: "bad scheme",
			node: ResolvedNode{Port: 443, HostName: "x.local.", Text: map[string]string{"scheme": "gopher"}},
			err:  ErrInvalidTXTRecord,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.node.BaseURL()
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("BaseURL() error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BaseURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolverConfigValidate(t *testing.T) {
	for _, s := range []string{"_researchnode._tcp", "_x._udp", ""} {
		c := ResolverConfig{Service: s}
		if err := c.Validate(); err != nil {
			t.Errorf("Validate(%q) error = %v", s, err)
		}
	}
	for _, s := range []string{"researchnode._tcp", "_researchnode", "_a._sctp", "_._tcp"} {
		c := ResolverConfig{Service: s}
		if err := c.Validate(); !errors.Is(err, ErrInvalidServiceType) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidServiceType", s, err)
		}
	}
}

func newMockResolver(t *testing.T) (*Resolver, *MockMDNSResolver) {
	t.Helper()
	mock := NewMockMDNSResolver()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: time.Second,
		LookupTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r, mock
}

func TestBrowse(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	r, mock := newMockResolver(t)
	a := MockNodeService("lab-a", 8443, net.ParseIP("192.168.1.10"), NodeTXT{NodeID: "a"})
	b := MockNodeService("lab-b", 8080, net.ParseIP("fd00::2"), NodeTXT{Scheme: "http", NodeID: "b"})
	mock.RegisterService(DefaultService, a)
	mock.RegisterService(DefaultService, b)
	mock.RegisterService(DefaultService, a)
	mock.RegisterService("_other._tcp", MockNodeService("other", 1, net.ParseIP("10.0.0.1"), NodeTXT{}))

	nodes, err := r.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}
	var got []ResolvedNode
	for n := range nodes {
		got = append(got, n)
	}
	if len(got) != 2 {
		t.Fatalf("found %d nodes, want 2 (duplicates collapsed)", len(got))
	}
	if got[0].NodeID() != "a" || got[1].NodeID() != "b" {
		t.Errorf("node ids = %q, %q", got[0].NodeID(), got[1].NodeID())
	}
	if u, _ := got[1].BaseURL(); u != "http://[fd00::2]:8080" {
		t.Errorf("BaseURL() = %q", u)
	}
}

func TestBrowseCancel(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	r, mock := newMockResolver(t)
	for _, name := range []string{"a", "b", "c"} {
		mock.RegisterService(DefaultService, MockNodeService(name, 1, net.ParseIP("10.0.0.1"), NodeTXT{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	nodes, err := r.Browse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	<-nodes
	cancel()
	for range nodes {
	}
}

func TestLookup(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.RegisterService(DefaultService, MockNodeService("lab-a", 8443, net.ParseIP("192.168.1.10"), NodeTXT{}))
	mock.RegisterService(DefaultService, MockNodeService("lab-b", 9443, net.ParseIP("192.168.1.11"), NodeTXT{}))

	node, err := r.Lookup(context.Background(), "lab-b")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if node.Port != 9443 || !node.PreferredIP().Equal(net.ParseIP("192.168.1.11")) {
		t.Errorf("node = %+v", node)
	}

	if _, err := r.Lookup(context.Background(), "lab-z"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(missing) error = %v, want ErrServiceNotFound", err)
	}
	if _, err := r.Lookup(context.Background(), ""); !errors.Is(err, ErrInvalidInstanceName) {
		t.Errorf("Lookup(\"\") error = %v, want ErrInvalidInstanceName", err)
	}
}

type blockingResolver struct{}

func (blockingResolver) Browse(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return nil
}

func (blockingResolver) Lookup(ctx context.Context, _, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return nil
}

func TestLookupTimeout(t *testing.T) {
	r, err := NewResolver(ResolverConfig{MDNSResolver: blockingResolver{}, LookupTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lookup(context.Background(), "lab-a"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Lookup() error = %v, want ErrTimeout", err)
	}
}

func TestResolveBaseURL(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.RegisterService(DefaultService, MockNodeService("broken", 0, net.ParseIP("10.0.0.9"), NodeTXT{}))
	mock.RegisterService(DefaultService, MockNodeService("lab-a", 8443, net.ParseIP("10.0.0.1"), NodeTXT{Path: "/v1"}))

	u, err := r.ResolveBaseURL(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveBaseURL() error = %v", err)
	}
	if u != "https://10.0.0.1:8443/v1" {
		t.Errorf("ResolveBaseURL() = %q", u)
	}

	u, err = r.ResolveBaseURL(context.Background(), "lab-a")
	if err != nil || u != "https://10.0.0.1:8443/v1" {
		t.Errorf("ResolveBaseURL(lab-a) = %q, %v", u, err)
	}

	mock.ClearServices()
	if _, err := r.ResolveBaseURL(context.Background(), ""); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("ResolveBaseURL() on empty network error = %v", err)
	}
	if b, l := mock.Queries(); b != 2 || l != 1 {
		t.Errorf("queries = %d browses, %d lookups", b, l)
	}
}
