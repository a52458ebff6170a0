package proxy

import (
	"context"
	"fmt"

	"github.com/die-net/anycast/internal/socks5"
	"github.com/die-net/anycast/internal/upstream"
)

// Connect races every candidate path to dst and returns a stream over the
// ones that survive the connect and handshake phases.
func Connect(ctx context.Context, cfg Config, dst socks5.Request) (*upstream.Stream, error) {
	log := cfg.logger()
	opts := cfg.Upstream
	opts.Logger = log

	set := upstream.Build(dst, cfg.RelayOnly, cfg.Upstreams)
	if err := set.Establish(ctx, cfg.Dialer, opts); err != nil {
		return nil, fmt.Errorf("connect %s: %w", dst, err)
	}
	if err := set.Handshake(ctx, opts); err != nil {
		_ = set.Close()
		return nil, fmt.Errorf("handshake %s: %w", dst, err)
	}

	return upstream.NewStream(set, log), nil
}
