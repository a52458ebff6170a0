package proxy

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/config"
	"github.com/die-net/anycast/internal/upstream"
)

type Config struct {
	// NegotiationTimeout bounds reading a client's greeting and request.
	NegotiationTimeout time.Duration

	RelayOnly bool
	Upstreams []config.Upstream

	// Upstream bounds the resolve, dial and handshake phases of each
	// candidate. Its Logger is replaced by Logger.
	Upstream upstream.Options

	// BufferSize is the size of each forwarding buffer.
	BufferSize int

	KeepAlive net.KeepAliveConfig

	Dialer upstream.Dialer

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return config.DefaultBufferSize
	}
	return c.BufferSize
}
