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

	"github.com/superviral-word-game/signaller/internal/config"
	"github.com/superviral-word-game/signaller/internal/httpserver"
	"github.com/superviral-word-game/signaller/internal/iceservers"
	"github.com/superviral-word-game/signaller/internal/metrics"
	"github.com/superviral-word-game/signaller/internal/reaper"
	"github.com/superviral-word-game/signaller/internal/session"
	"github.com/superviral-word-game/signaller/internal/signaling"
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

	logger.Info("starting signaller",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"twilio_enabled", cfg.Twilio.Enabled(),
		"keepalive_interval", cfg.KeepaliveInterval,
		"sweep_interval", cfg.SweepInterval,
		"session_ttl", cfg.SessionTTL,
	)
	if cfg.Mode == config.ModeDev {
		logger.Warn("dev mode: the origin allow-list is bypassed")
	}
	if !cfg.Twilio.Enabled() {
		logger.Warn("no twilio credentials configured, handing out the fallback STUN server only")
	}

	m := metrics.New()
	store := session.New(session.Config{})
	m.RegisterSessionGauge(func() float64 { return float64(store.Len()) })

	var iceProvider iceservers.Provider
	if cfg.Twilio.Enabled() {
		iceProvider = iceservers.NewTwilio(iceservers.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			Timeout:    cfg.ICEFetchTimeout,
			Fallback:   iceservers.Fallback(cfg.FallbackSTUNURL),
			Logger:     logger,
			Metrics:    m,
		})
	} else {
		iceProvider = iceservers.Static{Servers: iceservers.Fallback(cfg.FallbackSTUNURL)}
	}

	broker := signaling.NewBroker(signaling.BrokerConfig{
		Store:      store,
		ICEServers: iceProvider,
		Logger:     logger,
		Metrics:    m,
	})
	sig := signaling.NewServer(signaling.ServerConfig{
		Broker:            broker,
		Logger:            logger,
		Metrics:           m,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MaxMessagesPerSecond,
	})

	srv := httpserver.New(cfg, logger, m, resolveBuildInfo(buildCommit, buildTime))
	srv.Mux().Handle("GET /signal", srv.WithOriginPolicy(sig))
	srv.Mux().Handle("GET /metrics", m.Handler())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.New(reaper.Config{
			Store:             store,
			Logger:            logger,
			Metrics:           m,
			KeepaliveInterval: cfg.KeepaliveInterval,
			SweepInterval:     cfg.SweepInterval,
			SessionTTL:        cfg.SessionTTL,
		}).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stop()
		<-reaperDone
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
	<-reaperDone

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
