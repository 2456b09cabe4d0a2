package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/superviral-word-game/signaller/internal/iceservers"
	"github.com/superviral-word-game/signaller/internal/metrics"
	"github.com/superviral-word-game/signaller/internal/session"
)

// Client is one relay connection's view into the broker: the transport plus
// the session id the connection is currently bound to. The binding is mutated
// only under the broker's lock.
type Client struct {
	conn      session.Conn
	sessionID string
}

func NewClient(conn session.Conn) *Client {
	return &Client{conn: conn}
}

type BrokerConfig struct {
	Store      *session.Store
	ICEServers iceservers.Provider
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// Now and NewPlayerID are injectable for tests. They default to
	// time.Now and uuid.NewString.
	Now         func() time.Time
	NewPlayerID func() string
}

// Broker applies the relay protocol to the session store. A single mutex
// serializes message handling so every message observes and produces a
// consistent pairing state; the only work done off the lock is the handshake's
// ICE credential fetch and its reply.
type Broker struct {
	store       *session.Store
	ice         iceservers.Provider
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newPlayerID func() string

	mu sync.Mutex
}

func NewBroker(cfg BrokerConfig) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ice := cfg.ICEServers
	if ice == nil {
		ice = iceservers.Static{Servers: iceservers.Fallback("")}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newPlayerID := cfg.NewPlayerID
	if newPlayerID == nil {
		newPlayerID = uuid.NewString
	}
	return &Broker{
		store:       cfg.Store,
		ice:         ice,
		log:         logger,
		metrics:     cfg.Metrics,
		now:         now,
		newPlayerID: newPlayerID,
	}
}

// Dispatch applies one inbound message. It returns true when the connection
// should be closed (the client sent CLOSE).
func (b *Broker) Dispatch(c *Client, msg ClientMessage) (closeRequested bool) {
	switch msg.Type {
	case MessageTypeHandshake:
		b.handleHandshake(c, msg)
	case MessageTypeICECandidate:
		b.handleCandidate(c, msg)
	case MessageTypeOffer:
		b.handleOffer(c, msg)
	case MessageTypeCheckGameExists:
		b.handleCheckGameExists(c, msg)
	case MessageTypeRequestToJoin:
		b.handleRequestToJoin(c, msg)
	case MessageTypeGuestAnswer:
		b.handleGuestAnswer(c, msg)
	case MessageTypeClose:
		b.Disconnect(c)
		return true
	}
	return false
}

// Disconnect releases the connection's session binding. The record itself is
// kept so the player can resume with their cached session id; only the reaper
// removes records.
func (b *Broker) Disconnect(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.sessionID != "" {
		b.store.ReleaseConn(c.sessionID, c.conn)
		c.sessionID = ""
	}
}

// handleHandshake binds the connection to a session record, creating one for
// first-time players and resuming the existing one when the client presents a
// session id. Resuming replaces only the connection handle: candidates, sdp
// and pairing survive untouched. The reply is sent from a goroutine because
// the ICE credential fetch may take seconds and must not stall the broker.
func (b *Broker) handleHandshake(c *Client, msg ClientMessage) {
	b.mu.Lock()

	playerID := msg.PlayerID
	if playerID == "" {
		playerID = b.newPlayerID()
	}

	var sessionID, enemySessionID string
	if msg.SessionID != "" {
		rec, ok := b.store.Find(msg.SessionID)
		if !ok {
			b.mu.Unlock()
			b.metrics.Inc(metrics.EventPlayerNotFound)
			b.sendError(c, ErrorTypePlayerNotFound)
			return
		}
		if rec.EnemySessionID != "" {
			if _, enemyExists := b.store.Find(rec.EnemySessionID); !enemyExists {
				b.mu.Unlock()
				b.metrics.Inc(metrics.EventPlayerNotFound)
				b.sendError(c, ErrorTypePlayerNotFound)
				return
			}
			enemySessionID = rec.EnemySessionID
		}
		b.store.BindConn(rec.SessionID, c.conn)
		b.store.Touch(rec.SessionID, b.now())
		sessionID = rec.SessionID
		b.metrics.Inc(metrics.EventHandshakeResumed)
	} else {
		id, err := b.store.GenerateID()
		if err != nil {
			b.mu.Unlock()
			b.log.Error("could not mint a session id", "err", err)
			b.metrics.Inc(metrics.EventSocketError)
			b.sendError(c, ErrorTypeSocket)
			return
		}
		b.store.Insert(session.Record{
			SessionID: id,
			Conn:      c.conn,
			LastVisit: b.now(),
		})
		sessionID = id
		b.metrics.Inc(metrics.EventHandshake)
	}
	// A repeat handshake on the same connection moves the binding; the old
	// record must not keep a handle the reaper would go on pinging.
	if c.sessionID != "" && c.sessionID != sessionID {
		b.store.ReleaseConn(c.sessionID, c.conn)
	}
	c.sessionID = sessionID
	conn := c.conn
	b.mu.Unlock()

	go func() {
		servers := b.ice.ICEServers(context.Background())
		reply := newHandshakeAnswered(sessionID, playerID, servers, enemySessionID)
		if err := conn.Send(reply); err != nil {
			b.log.Debug("handshake reply failed", "sessionId", sessionID, "err", err)
		}
	}()
}

// handleCandidate appends the candidate to the sender's replay queue and
// relays it live when the enemy is connected. Queueing and relaying are not
// exclusive: the queue keeps every candidate so a later peer payload can
// replay the full set in gathering order.
func (b *Broker) handleCandidate(c *Client, msg ClientMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.store.Find(msg.SessionID)
	if !ok {
		b.metrics.Inc(metrics.EventPlayerNotFound)
		b.sendError(c, ErrorTypePlayerNotFound)
		return
	}
	b.store.AppendCandidate(rec.SessionID, msg.Candidate.ToPion())
	b.store.Touch(rec.SessionID, b.now())

	if rec.EnemySessionID == "" {
		b.metrics.Inc(metrics.EventCandidateQueued)
		return
	}
	enemy, ok := b.store.Find(rec.EnemySessionID)
	if !ok || enemy.Conn == nil {
		b.metrics.Inc(metrics.EventCandidateQueued)
		return
	}
	b.forward(c, enemy.Conn, newEnemyICECandidate(*msg.Candidate))
	b.metrics.Inc(metrics.EventCandidateRelayed)
}

// handleOffer stores the host's offer and pushes it, with every candidate
// gathered so far, to the paired guest. An offer sent before any guest has
// paired is dropped without storing the sdp; the client retries after the
// join round-trip completes.
func (b *Broker) handleOffer(c *Client, msg ClientMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.store.Find(msg.SessionID)
	if !ok {
		b.metrics.Inc(metrics.EventPlayerNotFound)
		b.sendError(c, ErrorTypePlayerNotFound)
		return
	}
	b.store.Touch(rec.SessionID, b.now())

	if rec.EnemySessionID == "" {
		b.metrics.Inc(metrics.EventOfferDropped)
		return
	}

	sdp, err := msg.Offer.ToPion()
	if err != nil {
		b.metrics.Inc(metrics.EventMessageRejected)
		b.log.Debug("offer with unusable sdp", "sessionId", rec.SessionID, "err", err)
		return
	}
	b.store.SetSDP(rec.SessionID, sdp)

	enemy, ok := b.store.Find(rec.EnemySessionID)
	if !ok || enemy.Conn == nil {
		b.metrics.Inc(metrics.EventOfferDropped)
		return
	}
	payload := newPeerPayload(MessageTypeHostToGuest, *msg.Offer, candidatesFromPion(rec.Candidates))
	b.forward(c, enemy.Conn, payload)
	b.metrics.Inc(metrics.EventOfferForwarded)
}

// handleCheckGameExists answers a guest probing an invite link. A live host
// paired with someone else yields ALREADY_BUSY; a host paired with this guest
// (or nobody) yields GAME_CONFIRMED with whatever offer and candidates have
// accumulated; a missing host yields GAME_NOT_CONFIRMED and nothing else.
func (b *Broker) handleCheckGameExists(c *Client, msg ClientMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.store.Touch(msg.GuestSessionID, b.now())

	host, ok := b.store.Find(msg.HostSessionID)
	if !ok {
		b.metrics.Inc(metrics.EventGameNotConfirmed)
		b.send(c, newGameNotConfirmed())
		return
	}
	if host.EnemySessionID != "" && host.EnemySessionID != msg.GuestSessionID {
		b.metrics.Inc(metrics.EventAlreadyBusy)
		b.sendError(c, ErrorTypeAlreadyBusy)
		return
	}

	var offer *SDP
	if host.SDP != nil {
		wire := SDPFromPion(*host.SDP)
		offer = &wire
	}
	b.metrics.Inc(metrics.EventGameConfirmed)
	b.send(c, newGameConfirmed(offer, candidatesFromPion(host.Candidates)))
}

// handleRequestToJoin pairs the two sessions mutually and tells the host a
// guest arrived. If either side is missing or the host has no connection the
// request is dropped; the guest's polling loop retries.
func (b *Broker) handleRequestToJoin(c *Client, msg ClientMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	host, hostOK := b.store.Find(msg.HostSessionID)
	_, guestOK := b.store.Find(msg.GuestSessionID)
	if !hostOK || !guestOK || host.Conn == nil {
		b.metrics.Inc(metrics.EventJoinDropped)
		return
	}

	b.store.SetEnemy(msg.HostSessionID, msg.GuestSessionID)
	b.store.SetEnemy(msg.GuestSessionID, msg.HostSessionID)
	b.store.Touch(msg.GuestSessionID, b.now())

	b.forward(c, host.Conn, newGuestWantsToJoin(msg.GuestSessionID))
	b.metrics.Inc(metrics.EventJoinRequested)
}

// handleGuestAnswer stores the guest's answer and pushes it, with the guest's
// gathered candidates, to the host.
func (b *Broker) handleGuestAnswer(c *Client, msg ClientMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	guest, guestOK := b.store.Find(msg.SessionID)
	host, hostOK := b.store.Find(msg.HostSessionID)
	if !guestOK || !hostOK || host.Conn == nil {
		b.metrics.Inc(metrics.EventPlayerNotFound)
		b.sendError(c, ErrorTypePlayerNotFound)
		return
	}

	sdp, err := msg.Answer.ToPion()
	if err != nil {
		b.metrics.Inc(metrics.EventMessageRejected)
		b.log.Debug("answer with unusable sdp", "sessionId", guest.SessionID, "err", err)
		return
	}
	b.store.SetSDP(guest.SessionID, sdp)
	b.store.Touch(guest.SessionID, b.now())

	payload := newPeerPayload(MessageTypeGuestToHost, *msg.Answer, candidatesFromPion(guest.Candidates))
	b.forward(c, host.Conn, payload)
	b.metrics.Inc(metrics.EventAnswerForwarded)
}

// send delivers a reply to the message's own connection. Failures are logged
// only: if the socket is gone there is nobody left to tell.
func (b *Broker) send(c *Client, v any) {
	if err := c.conn.Send(v); err != nil {
		b.log.Debug("reply send failed", "err", err)
	}
}

func (b *Broker) sendError(c *Client, errorType ErrorType) {
	b.send(c, newErrorMessage(errorType))
}

// forward delivers a message to the other player's connection. A transport
// failure there is reported back to the sender as SOCKET_ERROR so it can
// surface the broken link.
func (b *Broker) forward(src *Client, dst session.Conn, v any) {
	if err := dst.Send(v); err != nil {
		b.metrics.Inc(metrics.EventSocketError)
		b.log.Warn("peer forward failed", "err", err)
		b.sendError(src, ErrorTypeSocket)
	}
}
