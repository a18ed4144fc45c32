package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/peerline/one2one-signal/internal/call"
	"github.com/peerline/one2one-signal/internal/config"
	"github.com/peerline/one2one-signal/internal/httpserver"
	"github.com/peerline/one2one-signal/internal/media"
	"github.com/peerline/one2one-signal/internal/metrics"
	"github.com/peerline/one2one-signal/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting one2one-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"static_dir", cfg.StaticDir,
		"max_media_sessions", cfg.MaxMediaSessions,
		"media_answer_timeout", cfg.MediaAnswerTimeout,
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupWarnings(logger, cfg)

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. ICE sockets are only created per media session.
	api, err := media.NewAPI(logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	pipeline := media.NewLimiter(
		media.NewPion(api, cfg.ICEServers, cfg.MediaAnswerTimeout, logger),
		cfg.MaxMediaSessions,
		m,
	)
	coord := call.NewCoordinator(pipeline, logger, m)

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))

	sig := signaling.NewServer(cfg, coord, logger, m)
	sig.RegisterRoutes(srv.Mux())

	// Internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode == config.ModeProd && cfg.MaxMediaSessions <= 0 {
		logger.Warn("startup warning: MAX_MEDIA_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_media_sessions_unlimited_in_prod",
			"max_media_sessions", cfg.MaxMediaSessions,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no STUN/TURN servers configured; calls will only connect on directly reachable networks",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
