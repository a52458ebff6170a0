package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
)

// DNSResolver queries one DNS server directly for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a resolver for server, given as host or host:port.
func NewDNSResolver(server string) (*DNSResolver, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	host, _, _ := net.SplitHostPort(server)
	if host == "" {
		return nil, fmt.Errorf("dns server %q: missing host", server)
	}
	return &DNSResolver{server: server, client: &dns.Client{Net: "udp"}}, nil
}

// LookupNetIP returns IPv4 addresses first, then IPv6. It fails only if both
// queries fail or neither returns an address.
func (r *DNSResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		wg         sync.WaitGroup
		v4, v6     []netip.Addr
		err4, err6 error
	)
	wg.Go(func() { v4, err4 = r.query(ctx, host, dns.TypeA) })
	wg.Go(func() { v6, err6 = r.query(ctx, host, dns.TypeAAAA) })
	wg.Wait()

	addrs := append(v4, v6...)
	if len(addrs) > 0 {
		return addrs, nil
	}
	if err := errors.Join(err4, err6); err != nil {
		return nil, err
	}
	return nil, errNoAddresses(host)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	m.SetQuestion(dns.Fqdn(host), qtype)

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns %s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, a)
			}
		}
	}
	return addrs, nil
}
