package tproxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/dialer"
	"github.com/die-net/anycast/internal/proxy"
)

func TestOriginalDstNotTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, ok := OriginalDst(a)
	require.False(t, ok)
}

func TestServerClosesUnredirected(t *testing.T) {
	ctx := t.Context()

	d, err := dialer.New(dialer.Config{})
	require.NoError(t, err)

	ln, err := proxy.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewServer(ctx, proxy.Config{Dialer: d, Logger: zap.NewNop()})
	go func() { _ = srv.Serve(ln) }()

	c, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, b)
}
