// Package signaling implements the relay protocol between two players'
// browsers: handshake, invite confirmation, pairing, and SDP/candidate
// exchange over a websocket.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/superviral-word-game/signaller/internal/config"
	"github.com/superviral-word-game/signaller/internal/metrics"
)

// wsWriteWait bounds every websocket write so one stalled client cannot wedge
// the broker behind its TCP backpressure.
const wsWriteWait = 10 * time.Second

type ServerConfig struct {
	Broker  *Broker
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps a single inbound frame; MessagesPerSecond is the
	// sustained per-connection rate (bursts up to twice that). Zero values
	// take the defaults.
	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Server owns the websocket endpoint: it upgrades requests, enforces frame
// and rate limits, parses inbound messages and hands them to the broker.
// Origin checks happen before this handler, in the HTTP layer.
type Server struct {
	broker  *Broker
	log     *slog.Logger
	metrics *metrics.Metrics

	maxMessageBytes   int64
	messagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxMessageBytes
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = config.DefaultMaxMessagesPerSecond
	}
	return &Server{
		broker:            cfg.Broker,
		log:               logger,
		metrics:           cfg.Metrics,
		maxMessageBytes:   maxBytes,
		messagesPerSecond: perSecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The origin gate already ran in the HTTP middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected websocket", http.StatusUpgradeRequired)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	ws := &wsConn{conn: conn}
	client := NewClient(ws)
	defer s.broker.Disconnect(client)

	conn.SetReadLimit(s.maxMessageBytes)
	limiter := newRateLimiter(s.messagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.EventMessageRejected)
			ws.writeClose(websocket.CloseUnsupportedData, "expected a text frame")
			return
		}
		if !limiter.allow(time.Now()) {
			s.metrics.Inc(metrics.EventRateLimited)
			ws.writeClose(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.EventMessageRejected)
			s.log.Debug("rejecting malformed message", "err", err)
			ws.writeClose(websocket.ClosePolicyViolation, "malformed message")
			return
		}

		if s.dispatch(client, ws, msg) {
			ws.writeClose(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// dispatch runs one message through the broker, converting a handler panic
// into a single-connection teardown instead of a process crash.
func (s *Server) dispatch(client *Client, ws *wsConn, msg ClientMessage) (closeRequested bool) {
	defer func() {
		if v := recover(); v != nil {
			s.metrics.Inc(metrics.EventHandlerPanic)
			s.log.Error("panic while handling relay message", "messageType", msg.Type, "panic", v)
			ws.writeClose(websocket.CloseInternalServerErr, "internal error")
			closeRequested = true
		}
	}()
	return s.broker.Dispatch(client, msg)
}

// wsConn adapts a gorilla connection to the session.Conn the broker and
// reaper use. The mutex covers all writes: the broker, the handshake reply
// goroutine and the keepalive pinger share this connection.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (w *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *wsConn) writeClose(code int, reason string) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// rateLimiter is a token bucket refilled at perSecond with a burst of twice
// that, enough for the handshake's initial flurry of candidates.
type rateLimiter struct {
	perSecond float64
	burst     float64

	tokens float64
	last   time.Time
}

func newRateLimiter(perSecond int) *rateLimiter {
	return &rateLimiter{
		perSecond: float64(perSecond),
		burst:     float64(2 * perSecond),
		tokens:    float64(2 * perSecond),
	}
}

func (l *rateLimiter) allow(now time.Time) bool {
	if !l.last.IsZero() {
		l.tokens += now.Sub(l.last).Seconds() * l.perSecond
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.last = now
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
