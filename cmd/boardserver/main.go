// Command boardserver runs the whiteboard session server: a WebSocket
// (and optionally WebTransport) listener in front of a shared board
// registry, plus a read-only admin API, wired the way the teacher's
// main.go wires its room/store/transport stack.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"whiteboard/server/internal/adminapi"
	"whiteboard/server/internal/auth"
	"whiteboard/server/internal/board"
	"whiteboard/server/internal/store"
	"whiteboard/server/internal/transport"
	"whiteboard/server/internal/transport/webtransport"
	"whiteboard/server/internal/transport/ws"
)

// config holds the server's flag- and env-configurable settings.
// WHITEBOARD_* env vars populate defaults; explicit flags override them.
type config struct {
	Addr               string        `envconfig:"ADDR" default:":3013"`
	AdminAddr          string        `envconfig:"ADMIN_ADDR" default:":8080"`
	DBPath             string        `envconfig:"DB_PATH" default:"whiteboard.db"`
	IdleTimeout        time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	PerIPLimit         float64       `envconfig:"PER_IP_LIMIT" default:"5"`
	EnableWebTransport bool          `envconfig:"ENABLE_WEBTRANSPORT" default:"false"`
	WebTransportAddr   string        `envconfig:"WEBTRANSPORT_ADDR" default:":3014"`
	TLSHostname        string        `envconfig:"TLS_HOSTNAME" default:"localhost"`
}

func main() {
	if len(os.Args) > 1 && runCLI(os.Args[1:]) {
		return
	}

	cfg := parseConfig(os.Args[1:])
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := board.NewRegistry()
	adminSrv := adminapi.New(registry, logger)

	wsSrv := &ws.Server{
		Addr:           cfg.Addr,
		Registry:       registry,
		AuthFunc:       auth.Stub,
		Recorder:       st,
		Log:            logger,
		IdleTimeout:    cfg.IdleTimeout,
		RateLimiterFor: newPerIPLimiter(cfg.PerIPLimit),
	}

	var wtSrv *webtransport.Server
	if cfg.EnableWebTransport {
		tlsConfig, fingerprint, err := transport.GenerateSelfSignedTLSConfig(365*24*time.Hour, cfg.TLSHostname)
		if err != nil {
			logger.Error("generate webtransport TLS config", "error", err)
			os.Exit(1)
		}
		logger.Info("webtransport TLS certificate generated", "fingerprint", fingerprint)
		wtSrv = &webtransport.Server{
			Addr:      cfg.WebTransportAddr,
			TLSConfig: tlsConfig,
			Registry:  registry,
			AuthFunc:  auth.Stub,
			Recorder:  st,
			Log:       logger,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	go board.RunStatsLogger(ctx, registry, 30*time.Second, logger)

	listeners := 2
	if wtSrv != nil {
		listeners = 3
	}
	errCh := make(chan error, listeners)
	go func() { errCh <- wsSrv.Run(ctx) }()
	go func() {
		err := adminSrv.Start(cfg.AdminAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown", "error", err)
		}
	}()
	if wtSrv != nil {
		go func() { errCh <- wtSrv.Run(ctx) }()
		logger.Info("webtransport listener enabled", "addr", cfg.WebTransportAddr)
	}

	logger.Info("whiteboard server listening", "addr", cfg.Addr, "admin_addr", cfg.AdminAddr)

	for i := 0; i < listeners; i++ {
		if err := <-errCh; err != nil {
			logger.Warn("listener stopped", "error", err)
		}
	}
}

// newPerIPLimiter returns a factory for per-remote-IP accept-rate
// limiters, a transport-level throttle independent of any protocol-level
// rate limiting (which stays out of scope, per spec.md's Non-goals).
func newPerIPLimiter(rps float64) func(ip string) *rate.Limiter {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		lim, ok := limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
			limiters[ip] = lim
		}
		return lim
	}
}

func parseConfig(args []string) config {
	var cfg config
	if err := envconfig.Process("whiteboard", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "envconfig:", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("boardserver", flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "websocket listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin API listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "connection idle timeout")
	fs.Float64Var(&cfg.PerIPLimit, "per-ip-limit", cfg.PerIPLimit, "per-IP connection accept rate (per second)")
	fs.BoolVar(&cfg.EnableWebTransport, "enable-webtransport", cfg.EnableWebTransport, "also accept WebTransport (HTTP/3) connections")
	fs.StringVar(&cfg.WebTransportAddr, "webtransport-addr", cfg.WebTransportAddr, "webtransport listen address")
	fs.StringVar(&cfg.TLSHostname, "tls-hostname", cfg.TLSHostname, "hostname for the webtransport self-signed certificate")
	_ = fs.Parse(args)
	return cfg
}

// runCLI dispatches the version/status subcommands, trimmed down from
// the teacher's cli.go (channels/settings/backup had no whiteboard-domain
// analogue once chat channels are gone).
func runCLI(args []string) bool {
	switch args[0] {
	case "version":
		fmt.Println("boardserver (dev build)")
		return true
	case "status":
		cliStatus(args[1:])
		return true
	default:
		return false
	}
}

func cliStatus(args []string) {
	cfg := parseConfig(args)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer st.Close()

	boards, err := st.ListBoards(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "list boards:", err)
		os.Exit(1)
	}
	fmt.Printf("db: %s\n", cfg.DBPath)
	fmt.Printf("boards: %d\n", len(boards))
}
