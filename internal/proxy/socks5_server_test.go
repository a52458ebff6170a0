package proxy

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"

	"github.com/die-net/anycast/internal/config"
	"github.com/die-net/anycast/internal/dialer"
	"github.com/die-net/anycast/internal/socks5"
	"github.com/die-net/anycast/internal/testutil"
	"github.com/die-net/anycast/internal/upstream"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	d, err := dialer.New(dialer.Config{})
	require.NoError(t, err)

	return Config{
		NegotiationTimeout: 2 * time.Second,
		Upstream: upstream.Options{
			ResolveTimeout:   time.Second,
			DialTimeout:      time.Second,
			HandshakeTimeout: time.Second,
		},
		BufferSize: 1024,
		Dialer:     d,
		Logger:     zap.NewNop(),
	}
}

func startSOCKS5Server(t *testing.T, cfg Config) string {
	t.Helper()

	ctx := t.Context()
	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKS5Server(ctx, cfg)
	go func() { _ = srv.Serve(ln) }()

	return ln.Addr().String()
}

func relayUpstream(t *testing.T, addr string) config.Upstream {
	t.Helper()
	ap := netip.MustParseAddrPort(addr)
	return config.Upstream{Host: ap.Addr().String(), Port: ap.Port()}
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	addr := startSOCKS5Server(t, testConfig(t))

	client, err := txsocks5.NewClient(addr, "", "", 2, 0)
	require.NoError(t, err)

	c, err := client.Dial("tcp", echo)
	require.NoError(t, err)
	defer c.Close()

	testutil.AssertEcho(t, c, []byte("hello"))
	testutil.AssertEcho(t, c, []byte("world"))
}

func TestSOCKS5ConnectRelayOnly(t *testing.T) {
	ctx := t.Context()
	echo := testutil.StartEchoTCPServer(t, ctx)
	good := testutil.StartSOCKS5Relay(t, ctx)
	refusing := testutil.StartSOCKS5Relay(t, ctx, testutil.WithRelayMode(testutil.RelayRefuse))

	cfg := testConfig(t)
	cfg.RelayOnly = true
	cfg.Upstreams = []config.Upstream{relayUpstream(t, refusing.Addr), relayUpstream(t, good.Addr)}
	addr := startSOCKS5Server(t, cfg)

	d, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	require.NoError(t, err)

	c, err := d.Dial("tcp", echo)
	require.NoError(t, err)
	defer c.Close()

	testutil.AssertEcho(t, c, []byte("over the relay"))
	require.EqualValues(t, 1, good.Accepted.Load())
	require.EqualValues(t, 1, refusing.Accepted.Load())
}

func TestSOCKS5DirectAndRelay(t *testing.T) {
	ctx := t.Context()
	echo := testutil.StartEchoTCPServer(t, ctx)
	relay := testutil.StartSOCKS5Relay(t, ctx)

	cfg := testConfig(t)
	cfg.Upstreams = []config.Upstream{relayUpstream(t, relay.Addr)}
	addr := startSOCKS5Server(t, cfg)

	d, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	require.NoError(t, err)

	for range 3 {
		c, err := d.Dial("tcp", echo)
		require.NoError(t, err)
		testutil.AssertEcho(t, c, []byte("first"))
		testutil.AssertEcho(t, c, []byte("second"))
		require.NoError(t, c.Close())
	}
}

// dialRaw opens a plain TCP connection to the server for hand-written
// SOCKS5 exchanges.
func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestSOCKS5AllUpstreamsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t)
	cfg.RelayOnly = true
	cfg.Upstreams = []config.Upstream{relayUpstream(t, closedAddr), relayUpstream(t, closedAddr)}
	addr := startSOCKS5Server(t, cfg)

	c := dialRaw(t, addr)
	_, err = c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	sel := make([]byte, 2)
	_, err = io.ReadFull(c, sel)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, sel)

	_, err = c.Write([]byte{0x05, 0x01, 0x00, 0x03, 11, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 0x01, 0xbb})
	require.NoError(t, err)

	reply, err := io.ReadAll(c)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(reply), 4)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(socks5.RepConnectionRefused), reply[1])
	require.Equal(t, byte(socks5.ATYPDomain), reply[3])
}

func TestSOCKS5ZeroMethods(t *testing.T) {
	addr := startSOCKS5Server(t, testConfig(t))

	c := dialRaw(t, addr)
	_, err := c.Write([]byte{0x05, 0x00})
	require.NoError(t, err)

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestSOCKS5UnsupportedCommand(t *testing.T) {
	addr := startSOCKS5Server(t, testConfig(t))

	c := dialRaw(t, addr)
	_, err := c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = io.ReadFull(c, sel)
	require.NoError(t, err)

	// BIND. The server answers before reading an address, so none is sent.
	_, err = c.Write([]byte{0x05, 0x02, 0x00, 0x01})
	require.NoError(t, err)

	reply, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Len(t, reply, 10)
	require.Equal(t, byte(socks5.RepCommandNotSupported), reply[1])
}

func TestSOCKS5NegotiationTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.NegotiationTimeout = 50 * time.Millisecond
	addr := startSOCKS5Server(t, cfg)

	c := dialRaw(t, addr)
	start := time.Now()
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, b)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSOCKS5ServeReturnsNilOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)

	srv := NewSOCKS5Server(ctx, testConfig(t))
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	cancel()
	require.NoError(t, ln.Close())
	require.NoError(t, <-errc)
}

func TestSOCKS5ServerSpeaksFirst(t *testing.T) {
	ctx := t.Context()
	dst, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = c.Write([]byte("220 ready\r\n"))
		_, _ = io.Copy(c, c)
	})
	defer wait()

	addr := startSOCKS5Server(t, testConfig(t))
	d, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	require.NoError(t, err)

	c, err := d.Dial("tcp", dst)
	require.NoError(t, err)
	defer c.Close()

	banner := make([]byte, len("220 ready\r\n"))
	_, err = io.ReadFull(c, banner)
	require.NoError(t, err)
	require.Equal(t, "220 ready\r\n", string(banner))

	testutil.AssertEcho(t, c, []byte("HELO"))
}
