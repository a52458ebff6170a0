package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/anycast/internal/config"
	"github.com/die-net/anycast/internal/dialer"
	"github.com/die-net/anycast/internal/proxy"
	"github.com/die-net/anycast/internal/tproxy"
	"github.com/die-net/anycast/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flags holds the command line. Values only override the config file when
// the flag was given explicitly.
type flags struct {
	set *pflag.FlagSet

	configPath   string
	listen       []string
	upstreams    []string
	relayOnly    bool
	tproxyListen string

	resolveTimeout     time.Duration
	dialTimeout        time.Duration
	handshakeTimeout   time.Duration
	negotiationTimeout time.Duration

	bufferSize  int
	dnsServer   string
	dnsCacheTTL time.Duration

	debugListen  string
	tcpKeepAlive string
	verbose      bool
	version      bool
}

func newFlags() *flags {
	def := config.Default()
	f := &flags{set: pflag.NewFlagSet("anycast", pflag.ContinueOnError)}
	fs := f.set

	fs.StringVarP(&f.configPath, "config", "c", "", "Config file (YAML, or the JSON layout with relay_only, listen and upstreams)")
	fs.StringArrayVar(&f.listen, "listen", nil, "SOCKS5 listen address; repeatable (default "+config.DefaultListen+")")
	fs.StringArrayVar(&f.upstreams, "upstream", nil, "Upstream relay socks5://[user:pass@]host[:port]; repeatable")
	fs.BoolVar(&f.relayOnly, "relay-only", def.RelayOnly, "Never connect directly, only through upstream relays")
	fs.StringVar(&f.tproxyListen, "tproxy-listen", def.TProxyListen, "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")

	fs.DurationVar(&f.resolveTimeout, "resolve-timeout", def.ResolveTimeout, "Timeout for resolving each candidate")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", def.DialTimeout, "Timeout for the TCP connect of each candidate")
	fs.DurationVar(&f.handshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "Timeout for the SOCKS5 handshake with each relay")
	fs.DurationVar(&f.negotiationTimeout, "negotiation-timeout", def.NegotiationTimeout, "Timeout for a client's SOCKS5 greeting and request")

	fs.IntVar(&f.bufferSize, "buffer-size", def.BufferSize, "Forwarding buffer size per direction")
	fs.StringVar(&f.dnsServer, "dns-server", def.DNSServer, "DNS server (host[:port]) used instead of the system resolver. Empty uses the system resolver.")
	fs.DurationVar(&f.dnsCacheTTL, "dns-cache-ttl", def.DNSCacheTTL, "How long resolved addresses are reused; 0 disables caching")

	fs.StringVar(&f.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&f.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable per-connection debug logging")
	fs.BoolVarP(&f.version, "version", "v", false, "Print version and exit")

	if !tproxy.IsSupported {
		_ = fs.MarkHidden("tproxy-listen")
	}
	fs.SortFlags = false

	return f
}

// load reads the config file, if any, and applies explicitly set flags on
// top of it.
func (f *flags) load() (*config.File, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	changed := f.set.Changed
	if changed("listen") {
		cfg.Listen = f.listen
	}
	if changed("upstream") {
		cfg.Upstreams = cfg.Upstreams[:0]
		for _, raw := range f.upstreams {
			u, err := config.ParseUpstream(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid --upstream: %w", err)
			}
			cfg.Upstreams = append(cfg.Upstreams, u)
		}
	}
	if changed("relay-only") {
		cfg.RelayOnly = f.relayOnly
	}
	if changed("tproxy-listen") {
		cfg.TProxyListen = f.tproxyListen
	}
	if changed("resolve-timeout") {
		cfg.ResolveTimeout = f.resolveTimeout
	}
	if changed("dial-timeout") {
		cfg.DialTimeout = f.dialTimeout
	}
	if changed("handshake-timeout") {
		cfg.HandshakeTimeout = f.handshakeTimeout
	}
	if changed("negotiation-timeout") {
		cfg.NegotiationTimeout = f.negotiationTimeout
	}
	if changed("buffer-size") {
		cfg.BufferSize = f.bufferSize
	}
	if changed("dns-server") {
		cfg.DNSServer = f.dnsServer
	}
	if changed("dns-cache-ttl") {
		cfg.DNSCacheTTL = f.dnsCacheTTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run() error {
	f := newFlags()
	if err := f.set.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if f.version {
		fmt.Println("anycast", version())
		return nil
	}

	logger, err := newLogger(f.verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ka, err := parseTCPKeepAlive(f.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	fileCfg, err := f.load()
	if err != nil {
		return err
	}

	d, err := dialer.New(dialer.Config{
		KeepAlive: ka,
		DNSServer: fileCfg.DNSServer,
		CacheTTL:  fileCfg.DNSCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("invalid --dns-server: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: fileCfg.NegotiationTimeout,
		RelayOnly:          fileCfg.RelayOnly,
		Upstreams:          fileCfg.Upstreams,
		Upstream: upstream.Options{
			ResolveTimeout:   fileCfg.ResolveTimeout,
			DialTimeout:      fileCfg.DialTimeout,
			HandshakeTimeout: fileCfg.HandshakeTimeout,
		},
		BufferSize: fileCfg.BufferSize,
		KeepAlive:  ka,
		Dialer:     d,
		Logger:     logger,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", f.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", zap.String("addr", f.debugListen))
	}

	for _, addr := range fileCfg.Listen {
		ln, err := proxy.ListenTCP(ctx, "tcp", addr, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		logger.Info("socks5 proxy listening",
			zap.String("addr", addr),
			zap.Bool("relay_only", cfg.RelayOnly),
			zap.Int("upstreams", len(cfg.Upstreams)))
	}

	if fileCfg.TProxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(ctx, fileCfg.TProxyListen, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		logger.Info("tproxy listening", zap.String("addr", fileCfg.TProxyListen))
	}

	err = g.Wait()

	logger.Info("shutting down")
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func version() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" {
		return "(devel)"
	}
	return bi.Main.Version
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
