package upstream

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/config"
	"github.com/die-net/anycast/internal/socks5"
)

// Dialer resolves and dials candidate endpoints.
type Dialer interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
	DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// Options bounds the phases of a Set. A zero timeout means unbounded.
type Options struct {
	ResolveTimeout   time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Set is the ordered collection of candidates for one destination. Members
// are only ever removed.
type Set struct {
	dst   socks5.Request
	cands []*Candidate
}

// Build returns a direct candidate unless relayOnly is set, followed by one
// relay candidate per upstream in order. It does no I/O.
func Build(dst socks5.Request, relayOnly bool, relays []config.Upstream) *Set {
	s := &Set{dst: dst}
	if !relayOnly {
		s.cands = append(s.cands, &Candidate{Kind: Direct})
	}
	for _, u := range relays {
		s.cands = append(s.cands, &Candidate{Kind: Relay, Relay: u})
	}
	return s
}

func (s *Set) Destination() socks5.Request { return s.dst }

func (s *Set) Len() int { return len(s.cands) }

// Candidates returns the current members in order.
func (s *Set) Candidates() []*Candidate { return slices.Clone(s.cands) }

// Close closes every member and empties the set.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.cands {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cands = nil
	return errors.Join(errs...)
}

// Establish resolves and dials every candidate concurrently and waits for
// all of them. Candidates that fail are closed and removed. It fails only if
// none is left.
func (s *Set) Establish(ctx context.Context, d Dialer, opts Options) error {
	log := opts.logger()

	errs := make([]error, len(s.cands))
	var wg sync.WaitGroup
	for i, c := range s.cands {
		wg.Go(func() {
			if err := s.establish(ctx, d, opts, c); err != nil {
				errs[i] = err
				log.Warn("candidate connect failed", zap.Stringer("candidate", c), zap.Stringer("dst", s.dst), zap.Error(err))
			}
		})
	}
	wg.Wait()

	return s.prune(func(c *Candidate) bool { return c.connected }, errs)
}

func (s *Set) establish(ctx context.Context, d Dialer, opts Options, c *Candidate) error {
	host, port := s.dst.Host(), s.dst.Port
	if c.Kind == Relay {
		host, port = c.Relay.Host, c.Relay.Port
	}

	addrs, err := within(ctx, opts.ResolveTimeout, func(ctx context.Context) ([]netip.Addr, error) {
		return d.Resolve(ctx, host)
	}, nil)
	if err == nil && len(addrs) == 0 {
		err = &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	if err != nil {
		return &CandidateError{Op: "resolve", Candidate: c.String(), Err: err}
	}
	c.resolved = true

	addr := netip.AddrPortFrom(addrs[0], port)
	conn, err := within(ctx, opts.DialTimeout, func(ctx context.Context) (net.Conn, error) {
		return d.DialTCP(ctx, addr)
	}, func(conn net.Conn) { _ = conn.Close() })
	if err != nil {
		return &CandidateError{Op: "dial", Candidate: c.String(), Err: err}
	}

	c.conn = conn
	c.connected = true
	return nil
}

// Handshake runs a SOCKS5 CONNECT for the destination through every relay
// candidate concurrently and waits for all of them. Direct candidates are
// left alone. Relays that fail are closed and removed. It fails only if no
// candidate is left.
func (s *Set) Handshake(ctx context.Context, opts Options) error {
	log := opts.logger()

	errs := make([]error, len(s.cands))
	var wg sync.WaitGroup
	for i, c := range s.cands {
		if c.Kind != Relay || !c.connected {
			continue
		}
		wg.Go(func() {
			if err := s.handshake(ctx, opts, c); err != nil {
				errs[i] = err
				_ = c.Close()
				log.Warn("candidate handshake failed", zap.Stringer("candidate", c), zap.Stringer("dst", s.dst), zap.Error(err))
				return
			}
			c.handshaken = true
		})
	}
	wg.Wait()

	return s.prune((*Candidate).ready, errs)
}

func (s *Set) handshake(ctx context.Context, opts Options, c *Candidate) error {
	if opts.HandshakeTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(aLongTimeAgo) })

	auth := socks5.Auth{Username: c.Relay.Username, Password: c.Relay.Password}
	err := socks5.ClientConnect(c.conn, s.dst, auth)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		return &CandidateError{Op: "handshake", Candidate: c.String(), Err: err}
	}

	_ = c.conn.SetDeadline(time.Time{})
	return nil
}

// prune closes and removes every candidate for which keep is false.
func (s *Set) prune(keep func(*Candidate) bool, errs []error) error {
	kept := s.cands[:0]
	for _, c := range s.cands {
		if keep(c) {
			kept = append(kept, c)
			continue
		}
		_ = c.Close()
	}
	clear(s.cands[len(kept):])
	s.cands = kept

	if len(s.cands) == 0 {
		return exhausted(errs)
	}
	return nil
}

// within runs fn bounded by d. If the bound expires first, fn's eventual
// successful result is passed to discard.
func within[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-tctx.Done():
	}

	go func() {
		r := <-ch
		if r.err == nil && discard != nil {
			discard(r.v)
		}
	}()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, ErrTimeout
}
