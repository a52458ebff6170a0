package upstream

import (
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/anycast/internal/socks5"
)

// pipeCandidates returns n connected candidates backed by net.Pipe, their
// close counters, and the far ends of the pipes.
func pipeCandidates(t *testing.T, n int) ([]*Candidate, []*closeCounter, []net.Conn) {
	t.Helper()

	var (
		cands    []*Candidate
		counters []*closeCounter
		peers    []net.Conn
	)
	for i := range n {
		c, peer := net.Pipe()
		cc := &closeCounter{Conn: c}
		kind := Relay
		if i == 0 {
			kind = Direct
		}
		cands = append(cands, &Candidate{Kind: kind, conn: cc, connected: true, handshaken: kind == Relay})
		counters = append(counters, cc)
		peers = append(peers, peer)
		t.Cleanup(func() { _ = peer.Close() })
	}
	return cands, counters, peers
}

func newTestStream(t *testing.T, cands []*Candidate) *Stream {
	t.Helper()
	s := &Set{dst: socks5.NewRequest("example.com", 443), cands: cands}
	return NewStream(s, zaptest.NewLogger(t))
}

func TestStreamReadPicksFirstResponder(t *testing.T) {
	cands, counters, peers := pipeCandidates(t, 3)
	st := newTestStream(t, cands)

	go func() { _, _ = peers[1].Write([]byte("hello")) }()

	buf := make([]byte, 16)
	n, err := st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Same(t, cands[1], st.Winner())

	for i, cc := range counters {
		if i == 1 {
			require.Zero(t, cc.closes.Load())
			continue
		}
		require.EqualValues(t, 1, cc.closes.Load())
	}

	// Decided: reads and writes only touch the winner.
	go func() { _, _ = peers[1].Write([]byte("again")) }()
	n, err = st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "again", string(buf[:n]))

	go func() { _, _ = st.Write([]byte("reply")) }()
	n, err = peers[1].Read(buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf[:n]))

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	for _, cc := range counters {
		require.EqualValues(t, 1, cc.closes.Load())
	}
	require.Same(t, cands[1], st.Winner())
}

func TestStreamReadDropsErroredCandidates(t *testing.T) {
	cands, counters, peers := pipeCandidates(t, 2)
	st := newTestStream(t, cands)
	defer st.Close()

	require.NoError(t, peers[0].Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.Eventually(t, func() bool { return counters[0].closes.Load() == 1 }, time.Second, 5*time.Millisecond)
		_, _ = peers[1].Write([]byte("late"))
	}()

	buf := make([]byte, 16)
	n, err := st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "late", string(buf[:n]))
	require.Same(t, cands[1], st.Winner())
	require.EqualValues(t, 1, counters[0].closes.Load())
	<-done
}

func TestStreamReadExhausted(t *testing.T) {
	cands, counters, peers := pipeCandidates(t, 3)
	st := newTestStream(t, cands)

	for _, p := range peers {
		require.NoError(t, p.Close())
	}

	_, err := st.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, io.EOF)
	require.Nil(t, st.Winner())
	for _, cc := range counters {
		require.EqualValues(t, 1, cc.closes.Load())
	}

	_, err = st.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrExhausted)
	_, err = st.Write([]byte("x"))
	require.ErrorIs(t, err, ErrExhausted)
}

func TestStreamReadAfterClose(t *testing.T) {
	cands, _, _ := pipeCandidates(t, 2)
	st := newTestStream(t, cands)

	errc := make(chan error, 1)
	go func() {
		_, err := st.Read(make([]byte, 8))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, st.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}

	_, err := st.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestStreamDecideAtMostOnce(t *testing.T) {
	const n = 32

	for range 20 {
		cands, counters, _ := pipeCandidates(t, n)
		st := newTestStream(t, cands)

		var (
			wins  atomic.Int32
			start = make(chan struct{})
			wg    sync.WaitGroup
		)
		for _, c := range cands {
			wg.Go(func() {
				<-start
				if st.decide(c) {
					wins.Add(1)
				}
			})
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		w := st.Winner()
		require.NotNil(t, w)

		for i, c := range cands {
			want := int32(1)
			if c == w {
				want = 0
			}
			require.Equal(t, want, counters[i].closes.Load())
		}
		require.NoError(t, st.Close())
	}
}

// gatedConn blocks every Write until its gate is closed.
type gatedConn struct {
	net.Conn
	gate  chan struct{}
	err   error
	wrote atomic.Int32
}

func (c *gatedConn) Write(p []byte) (int, error) {
	<-c.gate
	c.wrote.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	return len(p), nil
}

func (c *gatedConn) SetReadDeadline(time.Time) error { return nil }

func (c *gatedConn) Close() error { return nil }

func TestStreamWriteWaitsForEveryCandidate(t *testing.T) {
	slow := &gatedConn{gate: make(chan struct{})}
	opened := make(chan struct{})
	close(opened)
	failing := &gatedConn{gate: opened, err: errors.New("broken pipe")}

	st := newTestStream(t, []*Candidate{
		{Kind: Direct, conn: failing, connected: true},
		{Kind: Relay, conn: slow, connected: true, handshaken: true},
	})

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := st.Write([]byte("payload"))
		done <- result{n, err}
	}()

	select {
	case <-done:
		t.Fatal("write returned before every candidate write finished")
	case <-time.After(50 * time.Millisecond):
	}
	require.EqualValues(t, 1, failing.wrote.Load())

	close(slow.gate)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, len("payload"), r.n)
	case <-time.After(time.Second):
		t.Fatal("write did not return")
	}
	require.EqualValues(t, 1, slow.wrote.Load())
}

func TestStreamWriteAfterWinnerPropagatesError(t *testing.T) {
	opened := make(chan struct{})
	close(opened)
	broken := &gatedConn{gate: opened, err: errors.New("broken pipe")}
	other := &gatedConn{gate: opened}

	st := newTestStream(t, []*Candidate{
		{Kind: Direct, conn: broken, connected: true},
		{Kind: Relay, conn: other, connected: true, handshaken: true},
	})
	require.True(t, st.decide(st.live[0]))

	_, err := st.Write([]byte("x"))
	require.EqualError(t, err, "broken pipe")
	require.Zero(t, other.wrote.Load())
}

func TestNewStreamLeavesCallerSliceIntact(t *testing.T) {
	cands, counters, _ := pipeCandidates(t, 3)
	orig := slices.Clone(cands)

	st := newTestStream(t, cands)
	require.True(t, st.decide(cands[1]))

	require.Equal(t, orig, cands)
	require.EqualValues(t, 1, counters[0].closes.Load())
	require.Zero(t, counters[1].closes.Load())
	require.EqualValues(t, 1, counters[2].closes.Load())
	require.NoError(t, st.Close())
}

func TestStreamEmptyReadKeepsRaceOpen(t *testing.T) {
	cands, counters, _ := pipeCandidates(t, 2)
	st := newTestStream(t, cands)
	defer st.Close()

	n, err := st.Read(nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Nil(t, st.Winner())
	for _, cc := range counters {
		require.Zero(t, cc.closes.Load())
	}
}

func TestStreamReadSimultaneousResponders(t *testing.T) {
	const n = 16

	for range 10 {
		cands, counters, peers := pipeCandidates(t, n)
		st := newTestStream(t, cands)

		start := make(chan struct{})
		for i, p := range peers {
			go func() {
				<-start
				_, _ = p.Write([]byte{byte(i)})
			}()
		}

		readc := make(chan []byte, 1)
		go func() {
			buf := make([]byte, 8)
			k, err := st.Read(buf)
			if err != nil {
				readc <- nil
				return
			}
			readc <- buf[:k]
		}()
		close(start)

		var got []byte
		select {
		case got = <-readc:
		case <-time.After(5 * time.Second):
			t.Fatal("race read did not complete")
		}
		require.Len(t, got, 1)

		w := st.Winner()
		require.NotNil(t, w)
		require.Same(t, cands[got[0]], w)

		for i, c := range cands {
			want := int32(1)
			if c == w {
				want = 0
			}
			require.Equal(t, want, counters[i].closes.Load(), "candidate %d", i)
		}
		require.NoError(t, st.Close())
		require.Same(t, w, st.Winner())
	}
}
