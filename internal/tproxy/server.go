package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/config"
	"github.com/die-net/anycast/internal/proxy"
	"github.com/die-net/anycast/internal/socks5"
)

var errNotRedirected = errors.New("connection was not redirected")

// Server races the original destination of each redirected connection the
// same way the SOCKS5 server races a CONNECT request.
type Server struct {
	ctx  context.Context
	cfg  proxy.Config
	log  *zap.Logger
	pool *proxy.BufferPool
}

func NewServer(ctx context.Context, cfg proxy.Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Server{ctx: ctx, cfg: cfg, log: log, pool: proxy.NewBufferPool(size)}
}

func (s *Server) Serve(ln net.Listener) error {
	self := listenAddr(ln)
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			log := s.log.With(zap.Stringer("client", c.RemoteAddr()))
			if err := s.handle(c, self, log); err != nil {
				log.Debug("tproxy: connection error", zap.Error(err))
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn, self netip.AddrPort, log *zap.Logger) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	dst, ok := OriginalDst(conn)
	if !ok {
		return errors.New("original destination unavailable")
	}
	if dst.Port() == self.Port() && (dst.Addr() == self.Addr() || self.Addr().IsUnspecified()) {
		return errNotRedirected
	}

	req := socks5.Request{Addr: dst.Addr(), Port: dst.Port()}
	log.Debug("request", zap.Stringer("dst", req))

	up, err := proxy.Connect(ctx, s.cfg, req)
	if err != nil {
		return err
	}
	if err := proxy.Forward(ctx, conn, up, s.pool); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

func listenAddr(ln net.Listener) netip.AddrPort {
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
