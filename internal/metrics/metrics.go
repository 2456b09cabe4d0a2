// Package metrics exposes the broker's internal event counters via
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names used with Inc. Kept as plain strings so handler code stays
// readable at call sites.
const (
	EventHandshake         = "handshake"
	EventHandshakeResumed  = "handshake_resumed"
	EventCandidateRelayed  = "candidate_relayed"
	EventCandidateQueued   = "candidate_queued"
	EventOfferForwarded    = "offer_forwarded"
	EventOfferDropped      = "offer_dropped"
	EventGameConfirmed     = "game_confirmed"
	EventGameNotConfirmed  = "game_not_confirmed"
	EventJoinRequested     = "join_requested"
	EventJoinDropped       = "join_dropped"
	EventAnswerForwarded   = "answer_forwarded"
	EventPlayerNotFound    = "error_player_not_found"
	EventAlreadyBusy       = "error_already_busy"
	EventSocketError       = "error_socket"
	EventICEFetchFallback  = "ice_fetch_fallback"
	EventSessionsReaped    = "sessions_reaped"
	EventOriginRejected    = "origin_rejected"
	EventRateLimited       = "rate_limited"
	EventMessageRejected   = "message_rejected"
	EventHandlerPanic      = "handler_panic"
)

type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	liveSessions prometheus.GaugeFunc
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaller",
		Name:      "events_total",
		Help:      "Internal broker event counters.",
	}, []string{"event"})
	registry.MustRegister(events)

	return &Metrics{
		registry: registry,
		events:   events,
	}
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) Add(event string, n float64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Add(n)
}

// RegisterSessionGauge wires a live session count callback, typically the
// session store's Len.
func (m *Metrics) RegisterSessionGauge(count func() float64) {
	m.liveSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "signaller",
		Name:      "sessions",
		Help:      "Session records currently held in memory.",
	}, count)
	m.registry.MustRegister(m.liveSessions)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
