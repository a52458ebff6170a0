package upstream

import (
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/socks5"
)

// Stream is a duplex stream over the surviving candidates of a Set.
//
// Until a winner is decided, Read races one read per candidate and Write
// goes to every candidate. The first candidate whose read succeeds becomes
// the winner, the rest are closed, and from then on Read and Write go only
// to the winner.
type Stream struct {
	dst socks5.Request
	log *zap.Logger

	mu   sync.Mutex
	live []*Candidate

	raceMu  sync.Mutex // serializes racing reads
	decided atomic.Bool
	winner  atomic.Pointer[Candidate]
	closed  atomic.Bool
}

// NewStream takes ownership of the candidates left in s, which is emptied.
func NewStream(s *Set, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	st := &Stream{dst: s.dst, log: log, live: slices.Clone(s.cands)}
	s.cands = nil
	return st
}

// Winner returns the chosen candidate, or nil while undecided.
func (s *Stream) Winner() *Candidate { return s.winner.Load() }

func (s *Stream) Read(p []byte) (int, error) {
	if w := s.winner.Load(); w != nil {
		return w.conn.Read(p)
	}
	return s.race(p)
}

type readResult struct {
	c   *Candidate
	buf []byte
	err error
}

func (s *Stream) race(p []byte) (int, error) {
	// An empty read proves nothing about a candidate.
	if len(p) == 0 {
		return 0, nil
	}

	s.raceMu.Lock()
	defer s.raceMu.Unlock()

	if w := s.winner.Load(); w != nil {
		return w.conn.Read(p)
	}
	if s.closed.Load() {
		return 0, net.ErrClosed
	}

	live := s.snapshot()
	if len(live) == 0 {
		return 0, ErrExhausted
	}

	results := make(chan readResult, len(live))
	for _, c := range live {
		go func() {
			buf := make([]byte, len(p))
			n, err := c.conn.Read(buf)
			results <- readResult{c: c, buf: buf[:n], err: err}
		}()
	}

	var errs []error
	for range live {
		r := <-results
		if r.err != nil {
			errs = append(errs, &CandidateError{Op: "read", Candidate: r.c.String(), Err: r.err})
			s.drop(r.c)
			continue
		}
		if s.decide(r.c) {
			return copy(p, r.buf), nil
		}
	}

	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	return 0, exhausted(errs)
}

// decide makes c the winner if no winner has been chosen yet, then cancels
// and closes every other candidate. Only one call ever returns true.
func (s *Stream) decide(c *Candidate) bool {
	if !s.decided.CompareAndSwap(false, true) {
		return false
	}
	s.winner.Store(c)

	s.mu.Lock()
	losers := slices.DeleteFunc(slices.Clone(s.live), func(l *Candidate) bool { return l == c })
	s.live = []*Candidate{c}
	s.mu.Unlock()

	for _, l := range losers {
		l.cancel()
		_ = l.Close()
	}

	s.log.Info("chosen upstream", zap.Stringer("candidate", c), zap.Stringer("dst", s.dst))
	return true
}

// drop closes c and removes it from the race.
func (s *Stream) drop(c *Candidate) {
	s.mu.Lock()
	s.live = slices.DeleteFunc(s.live, func(l *Candidate) bool { return l == c })
	s.mu.Unlock()

	_ = c.Close()
}

func (s *Stream) snapshot() []*Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.live)
}

// Write sends p to the winner, or to every live candidate while undecided.
// A broadcast returns only once every candidate write has finished, and
// reports success regardless of their errors.
func (s *Stream) Write(p []byte) (int, error) {
	if w := s.winner.Load(); w != nil {
		return w.conn.Write(p)
	}
	if s.closed.Load() {
		return 0, net.ErrClosed
	}

	live := s.snapshot()
	if len(live) == 0 {
		return 0, ErrExhausted
	}

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Go(func() {
			if _, err := c.conn.Write(p); err != nil {
				s.log.Debug("broadcast write failed", zap.Stringer("candidate", c), zap.Error(err))
			}
		})
	}
	wg.Wait()

	return len(p), nil
}

// Close closes every candidate the stream still owns.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range live {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
