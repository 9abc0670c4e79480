package netutil

import (
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost lowercases a hostname, strips IPv6 brackets and converts
// internationalized names to their ASCII form for DNS lookup. IP literals
// are returned in canonical form.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// ParseIPLiteral reports whether host is an IP literal and returns it.
func ParseIPLiteral(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
