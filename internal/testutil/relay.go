package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

const methodNoAcceptable = 0xff

// RelayMode selects how a fake relay treats CONNECT requests.
type RelayMode int

const (
	// RelayForward dials the requested destination and splices to it.
	RelayForward RelayMode = iota
	// RelayRefuse answers every request with "connection refused".
	RelayRefuse
	// RelayBlackhole accepts connections and never answers.
	RelayBlackhole
)

// Relay is a minimal SOCKS5 server for tests.
type Relay struct {
	Addr     string
	Accepted atomic.Int32

	mode     RelayMode
	username string
	password string
}

// RelayOption configures a fake relay.
type RelayOption func(*Relay)

func WithRelayMode(m RelayMode) RelayOption {
	return func(r *Relay) { r.mode = m }
}

// WithRelayAuth makes the relay require username/password authentication.
func WithRelayAuth(username, password string) RelayOption {
	return func(r *Relay) { r.username, r.password = username, password }
}

// StartSOCKS5Relay starts a fake relay on loopback that stays up until the
// test ends.
func StartSOCKS5Relay(t *testing.T, ctx context.Context, opts ...RelayOption) *Relay {
	t.Helper()

	r := &Relay{}
	for _, o := range opts {
		o(r)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r.Addr = ln.Addr().String()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			r.Accepted.Add(1)
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Go(func() {
				defer c.Close()
				r.serve(ctx, c)
			})
		}
	})

	return r
}

func (r *Relay) serve(ctx context.Context, c net.Conn) {
	if r.mode == RelayBlackhole {
		_, _ = io.Copy(io.Discard, c)
		return
	}

	nreq, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return
	}
	method := byte(txsocks5.MethodNone)
	if r.username != "" {
		method = txsocks5.MethodUsernamePassword
	}
	if !containsMethod(nreq.Methods, method) {
		_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(c)
		return
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(c); err != nil {
		return
	}

	if method == txsocks5.MethodUsernamePassword {
		ureq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(ureq.Uname) != r.username || string(ureq.Passwd) != r.password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return
	}

	if r.mode == RelayRefuse {
		_, _ = txsocks5.NewReply(txsocks5.RepConnectionRefused, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(c)
		return
	}

	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = txsocks5.NewReply(txsocks5.RepHostUnreachable, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(c)
		return
	}
	defer up.Close()

	a, addr, port, err := txsocks5.ParseAddress(up.LocalAddr().String())
	if err != nil {
		return
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(up, c); done <- struct{}{} }()
	go func() { _, _ = io.Copy(c, up); done <- struct{}{} }()
	<-done
}

func containsMethod(methods []byte, m byte) bool {
	for _, v := range methods {
		if v == m {
			return true
		}
	}
	return false
}
