package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Forward copies bytes between client and up in both directions until
// either direction ends, then closes both. A clean end of stream on either
// side is not an error.
func Forward(ctx context.Context, client net.Conn, up io.ReadWriteCloser, pool *BufferPool) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = up.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		return pump(up, client, pool)
	})

	g.Go(func() error {
		return pump(client, up, pool)
	})

	// The first direction to end cancels gctx; closing both sides unblocks
	// the other.
	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	err := g.Wait()
	if isClosed(err) {
		return nil
	}
	return err
}

// pump copies src to dst through one pooled buffer. It always returns a
// non-nil error, io.EOF at a clean end of src. A short write ends the copy.
func pump(dst io.Writer, src io.Reader, pool *BufferPool) error {
	buf := pool.Get()
	defer pool.Put(buf)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if werr != nil {
				return werr
			}
			if w != n {
				return io.ErrShortWrite
			}
		}
		if err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
