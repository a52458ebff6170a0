package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Dialer resolves host names and dials TCP connections.
type Dialer struct {
	cfg      Config
	resolver Resolver
}

// New constructs a Dialer from cfg.
func New(cfg Config) (*Dialer, error) {
	var r Resolver = systemResolver{}
	if cfg.DNSServer != "" {
		dr, err := NewDNSResolver(cfg.DNSServer)
		if err != nil {
			return nil, err
		}
		r = dr
	}
	if cfg.CacheTTL > 0 {
		r = NewCachingResolver(r, cfg.CacheTTL)
	}
	return &Dialer{cfg: cfg, resolver: r}, nil
}

// Resolve returns the addresses of host. IP literals are returned as is.
func (d *Dialer) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	addrs, err := d.resolver.LookupNetIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, errNoAddresses(host))
	}
	return addrs, nil
}

// DialTCP connects to addr with keepalive applied and Nagle's algorithm
// disabled.
func (d *Dialer) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	nd := net.Dialer{KeepAliveConfig: d.cfg.KeepAlive}

	conn, err := nd.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
