//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/anycast/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the socket can accept redirected
// connections (typical TPROXY setup). Note: you still need appropriate iptables/nft rules.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the original destination for a TCP connection redirected to this listener.
//
// Connections NATed by REDIRECT or DNAT rules report it through
// SO_ORIGINAL_DST. Under TPROXY rules the local address already is the
// original destination.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}

	if rc, err := tc.SyscallConn(); err == nil {
		var (
			dst   netip.AddrPort
			found bool
		)
		_ = rc.Control(func(fd uintptr) {
			dst, found = soOriginalDst(int(fd))
		})
		if found {
			return dst, true
		}
	}

	la, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := la.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSOOriginalDst = 80

func soOriginalDst(fd int) (netip.AddrPort, bool) {
	// The kernel fills a sockaddr_in; IPv6Mreq is merely a buffer of the
	// right size.
	if mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST); err == nil {
		raw := mreq.Multiaddr
		port := binary.BigEndian.Uint16(raw[2:4])
		addr := netip.AddrFrom4([4]byte(raw[4:8]))
		return netip.AddrPortFrom(addr, port), true
	}

	if info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, ip6tSOOriginalDst); err == nil {
		sa := info.Addr
		port := uint16(sa.Port>>8) | uint16(sa.Port<<8)
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), port), true
	}

	return netip.AddrPort{}, false
}
