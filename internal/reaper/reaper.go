// Package reaper runs the broker's two periodic tasks: the websocket
// keepalive ping and the stale session sweep. They tick independently; a
// slow credential fetch or sweep never delays a ping.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/superviral-word-game/signaller/internal/config"
	"github.com/superviral-word-game/signaller/internal/metrics"
	"github.com/superviral-word-game/signaller/internal/session"
)

type Config struct {
	Store   *session.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// KeepaliveInterval is the ping cadence, chosen to beat typical
	// intermediary idle timeouts. SessionTTL is how long a record may go
	// without a visit before SweepInterval's next pass removes it.
	KeepaliveInterval time.Duration
	SweepInterval     time.Duration
	SessionTTL        time.Duration

	Now func() time.Time
}

type Reaper struct {
	store   *session.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	keepaliveInterval time.Duration
	sweepInterval     time.Duration
	sessionTTL        time.Duration

	now func() time.Time
}

func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = config.DefaultKeepaliveInterval
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = config.DefaultSweepInterval
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = config.DefaultSessionTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:             cfg.Store,
		log:               logger,
		metrics:           cfg.Metrics,
		keepaliveInterval: keepalive,
		sweepInterval:     sweep,
		sessionTTL:        ttl,
		now:               now,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	keepalive := time.NewTicker(r.keepaliveInterval)
	defer keepalive.Stop()
	sweep := time.NewTicker(r.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			r.PingAll()
		case <-sweep.C:
			r.SweepOnce()
		}
	}
}

// PingAll sends a websocket ping on every bound connection. Ping failures are
// left to the connection's own read loop to notice and tear down.
func (r *Reaper) PingAll() {
	for _, conn := range r.store.LiveConns() {
		if err := conn.Ping(); err != nil {
			r.log.Debug("keepalive ping failed", "err", err)
		}
	}
}

// SweepOnce removes every record idle past the TTL, connected or not.
func (r *Reaper) SweepOnce() {
	removed := r.store.Sweep(r.now(), r.sessionTTL)
	if removed > 0 {
		r.metrics.Add(metrics.EventSessionsReaped, float64(removed))
		r.log.Info("reaped stale sessions", "removed", removed, "remaining", r.store.Len())
	}
}
