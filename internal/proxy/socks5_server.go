package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/anycast/internal/socks5"
)

// SOCKS5Server accepts SOCKS5 CONNECT requests and serves each one over the
// fastest responding upstream path.
type SOCKS5Server struct {
	ctx  context.Context
	cfg  Config
	log  *zap.Logger
	pool *BufferPool
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{
		ctx:  ctx,
		cfg:  cfg,
		log:  cfg.logger(),
		pool: NewBufferPool(cfg.bufferSize()),
	}
}

// Serve handles connections from ln until it fails. It returns nil if ln
// was closed because the server's context ended.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.log.With(zap.Stringer("client", conn.RemoteAddr()))
	log.Debug("session start")

	if err := s.handle(conn, log); err != nil {
		log.Debug("session failed", zap.Error(err))
	}
}

func (s *SOCKS5Server) handle(conn net.Conn, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerNegotiate(conn); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		if errors.Is(err, socks5.ErrProtocol) {
			_ = socks5.WriteFailureReply(conn, socks5.ReplyCode(err))
		}
		return fmt.Errorf("read request: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	log = log.With(zap.Stringer("dst", req))
	log.Debug("request")

	up, err := Connect(ctx, s.cfg, req)
	if err != nil {
		log.Info("no usable upstream", zap.Error(err))
		_ = socks5.ServerRespond(conn, req, socks5.ReplyCode(err))
		return err
	}

	// The reply is sent as soon as one candidate is ready, before the race
	// has picked a winner.
	if err := socks5.ServerRespond(conn, req, socks5.RepSuccess); err != nil {
		_ = up.Close()
		return fmt.Errorf("respond: %w", err)
	}

	if err := Forward(ctx, conn, up, s.pool); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	log.Debug("session end")
	return nil
}
