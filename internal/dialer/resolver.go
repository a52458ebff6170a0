package dialer

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Resolver looks up the IP addresses of a host name.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

type systemResolver struct{}

func (systemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

func errNoAddresses(host string) error {
	return &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
}

// maxSharedLookup bounds a lookup shared by several callers, since it
// outlives the context of the caller that started it.
const maxSharedLookup = 10 * time.Second

// CachingResolver caches successful lookups for a fixed TTL and coalesces
// concurrent lookups of the same host.
type CachingResolver struct {
	next  Resolver
	ttl   time.Duration
	cache *cache.Cache
	group singleflight.Group
}

// NewCachingResolver wraps next with a cache of the given TTL.
func NewCachingResolver(next Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		next:  next,
		ttl:   ttl,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *CachingResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if v, ok := r.cache.Get(host); ok {
		return v.([]netip.Addr), nil
	}

	ch := r.group.DoChan(host, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxSharedLookup)
		defer cancel()

		addrs, err := r.next.LookupNetIP(lctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			r.cache.Set(host, addrs, r.ttl)
		}
		return addrs, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
