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

	"github.com/duetchat/signaling-relay/internal/auth"
	"github.com/duetchat/signaling-relay/internal/config"
	"github.com/duetchat/signaling-relay/internal/httpserver"
	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/ratelimit"
	"github.com/duetchat/signaling-relay/internal/room"
	"github.com/duetchat/signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	logger.Info("starting duet-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"idle_timeout", cfg.IdleTimeout,
		"ping_interval", cfg.PingInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_payload_bytes", cfg.MaxPayloadBytes,
		"connect_rate", fmt.Sprintf("%d/%d", cfg.ConnectRateCapacity, cfg.ConnectRateRefillPerSec),
		"message_rate", fmt.Sprintf("%d/%d", cfg.MessageRateCapacity, cfg.MessageRateRefillPerSec),
	)

	logStartupSecurityWarnings(logger, cfg)

	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		verifier, err = auth.NewVerifier(cfg)
		if err != nil {
			logger.Error("failed to configure auth", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	registry := room.NewRegistry(logger, m)
	admissions := ratelimit.NewAdmissions(ratelimit.AdmissionsConfig{
		Clock:               ratelimit.RealClock{},
		ConnectCapacity:     cfg.ConnectRateCapacity,
		ConnectRefillPerSec: cfg.ConnectRateRefillPerSec,
		MessageCapacity:     cfg.MessageRateCapacity,
		MessageRefillPerSec: cfg.MessageRateRefillPerSec,
		OnBucketEvicted:     func() { m.Inc(metrics.EventBucketEvicted) },
	})

	sig := signaling.NewServer(signaling.Config{
		Log:      logger,
		Metrics:  m,
		Registry: registry,

		Verifier:   verifier,
		AuthMode:   cfg.AuthMode,
		Admissions: admissions,

		IdleTimeout:  cfg.IdleTimeout,
		PingInterval: cfg.PingInterval,

		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		SendQueueSize:   cfg.SendQueueSize,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), m, sig.HandleSignal)

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

	// Stop accepting new connections and send every live session a going-away
	// close before tearing down the HTTP server.
	sig.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
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
