package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference orders addresses for reaching a node over HTTP.
// Priority order (highest to lowest):
//  1. Global unicast addresses
//  2. Private IPv4 and IPv6 unique local addresses (fc00::/7)
//  3. IPv6 link-local addresses (fe80::/10), which need a zone to dial
//  4. Loopback
//
// Within a class IPv4 sorts before IPv6. The input is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip = ip.To16()
	if ip == nil {
		return 99
	}
	v6 := 0
	if ip.To4() == nil {
		v6 = 1
	}

	switch {
	case ip.IsLoopback():
		return 80 + v6
	case ip.IsMulticast(), ip.IsUnspecified():
		return 90
	case ip.IsLinkLocalUnicast():
		return 40 + v6
	case isUniqueLocal(ip), ip.IsPrivate():
		return 10 + v6
	case ip.IsGlobalUnicast():
		return 0 + v6
	}
	return 60
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (ULA).
// ULA range: fc00::/7 (fc00:: to fdff::)
func isUniqueLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	ip = ip.To16()
	if ip == nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}

// dialable reports whether ip can appear in a URL without a zone.
func dialable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified() && !ip.IsMulticast() && !(ip.To4() == nil && ip.IsLinkLocalUnicast())
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}
