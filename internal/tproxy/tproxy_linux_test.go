//go:build linux

package tproxy

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOriginalDstWithoutNAT(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer client.Close()

	var srv net.Conn
	select {
	case srv = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	defer srv.Close()

	want := netip.MustParseAddrPort(ln.Addr().String())

	// Without NAT, conntrack (if loaded) reports the unchanged destination;
	// otherwise the lookup fails and the local address is used.
	rc, err := srv.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)
	var (
		got   netip.AddrPort
		found bool
	)
	require.NoError(t, rc.Control(func(fd uintptr) {
		got, found = soOriginalDst(int(fd))
	}))
	if found {
		require.Equal(t, want, got)
	}

	dst, ok := OriginalDst(srv)
	require.True(t, ok)
	require.Equal(t, want, dst)
}
