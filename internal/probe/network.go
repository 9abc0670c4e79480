package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"time"
)

// Resolver resolves a hostname to an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

// DialFunc opens a TCP connection to addr ("ip:port").
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TLSHandshakeFunc completes a TLS handshake against addr using serverName
// for SNI. Certificates are not verified.
type TLSHandshakeFunc func(ctx context.Context, addr, serverName string) error

var errNoIPv4 = errors.New("probe: no IPv4 address")

// SystemResolver resolves through the operating system resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

// LookupIPv4 returns the first IPv4 address for host.
func (r SystemResolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return netip.Addr{}, errNoIPv4
}

// DirectDial dials with a plain net.Dialer bounded by ctx.
func DirectDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// DirectTLSHandshake opens a new connection and performs a TLS handshake
// with verification disabled; only the handshake outcome matters.
func DirectTLSHandshake(ctx context.Context, addr, serverName string) error {
	d := tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true, //nolint:gosec // reachability check only
		},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func elapsedMs(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}
