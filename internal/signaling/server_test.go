package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/superviral-word-game/signaller/internal/iceservers"
	"github.com/superviral-word-game/signaller/internal/session"
)

func startTestServer(t *testing.T) (*httptest.Server, *session.Store) {
	t.Helper()
	store := session.New(session.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := NewBroker(BrokerConfig{
		Store:      store,
		ICEServers: iceservers.Static{Servers: iceservers.Fallback("stun:stun.test:3478")},
		Logger:     logger,
	})
	srv := NewServer(ServerConfig{Broker: broker, Logger: logger})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, store
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	return reply
}

func expectType(t *testing.T, reply map[string]any, want MessageType) {
	t.Helper()
	if reply["type"] != string(want) {
		t.Fatalf("reply type = %v, want %s (reply: %v)", reply["type"], want, reply)
	}
}

func TestPlainGETIsRefusedWith426(t *testing.T) {
	ts, _ := startTestServer(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Expected websocket") {
		t.Fatalf("body = %q", body)
	}
}

func TestEndToEndPairing(t *testing.T) {
	ts, _ := startTestServer(t)

	host := dial(t, ts)
	sendJSON(t, host, map[string]any{"type": "HANDSHAKE"})
	hostHello := readReply(t, host)
	expectType(t, hostHello, MessageTypeHandshakeAnswered)
	hostID, _ := hostHello["sessionId"].(string)
	if hostID == "" {
		t.Fatalf("host got no session id: %v", hostHello)
	}
	if hostHello["playerId"] == "" {
		t.Fatalf("host got no player id: %v", hostHello)
	}
	servers, ok := hostHello["iceServers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("host ice servers = %v", hostHello["iceServers"])
	}

	// The host gathers a candidate before anyone joins; it must be queued.
	sendJSON(t, host, map[string]any{
		"type": "ICE_CANDIDATE", "sessionId": hostID,
		"candidate": map[string]any{"candidate": "candidate:host-1"},
	})

	guest := dial(t, ts)
	sendJSON(t, guest, map[string]any{"type": "HANDSHAKE"})
	guestHello := readReply(t, guest)
	expectType(t, guestHello, MessageTypeHandshakeAnswered)
	guestID, _ := guestHello["sessionId"].(string)

	// The guest probes the invite and sees the queued candidate replayed.
	sendJSON(t, guest, map[string]any{
		"type": "CHECK_GAME_EXISTS", "hostSessionId": hostID, "guestSessionId": guestID,
	})
	confirmed := readReply(t, guest)
	expectType(t, confirmed, MessageTypeGameConfirmed)
	if cands, ok := confirmed["iceCandidates"].([]any); !ok || len(cands) != 1 {
		t.Fatalf("confirmed candidates = %v", confirmed["iceCandidates"])
	}

	sendJSON(t, guest, map[string]any{
		"type": "REQUEST_TO_JOIN", "hostSessionId": hostID, "guestSessionId": guestID,
	})
	notify := readReply(t, host)
	expectType(t, notify, MessageTypeGuestWantsToJoin)
	if notify["guestSessionId"] != guestID {
		t.Fatalf("host notified about %v, want %s", notify["guestSessionId"], guestID)
	}

	sendJSON(t, host, map[string]any{
		"type": "OFFER", "sessionId": hostID,
		"offer": map[string]any{"type": "offer", "sdp": "v=0 host"},
	})
	hostToGuest := readReply(t, guest)
	expectType(t, hostToGuest, MessageTypeHostToGuest)
	sdp, _ := hostToGuest["sdp"].(map[string]any)
	if sdp["sdp"] != "v=0 host" {
		t.Fatalf("forwarded offer = %v", hostToGuest["sdp"])
	}
	if cands, ok := hostToGuest["iceCandidates"].([]any); !ok || len(cands) != 1 {
		t.Fatalf("forwarded candidates = %v", hostToGuest["iceCandidates"])
	}

	// A live candidate now relays directly instead of waiting for a replay.
	sendJSON(t, guest, map[string]any{
		"type": "ICE_CANDIDATE", "sessionId": guestID,
		"candidate": map[string]any{"candidate": "candidate:guest-1"},
	})
	relayed := readReply(t, host)
	expectType(t, relayed, MessageTypeEnemyICECandidate)

	sendJSON(t, guest, map[string]any{
		"type": "GUEST_ANSWER", "sessionId": guestID, "hostSessionId": hostID,
		"answer": map[string]any{"type": "answer", "sdp": "v=0 guest"},
	})
	guestToHost := readReply(t, host)
	expectType(t, guestToHost, MessageTypeGuestToHost)
	answer, _ := guestToHost["sdp"].(map[string]any)
	if answer["sdp"] != "v=0 guest" {
		t.Fatalf("forwarded answer = %v", guestToHost["sdp"])
	}
}

func TestReconnectResumesSession(t *testing.T) {
	ts, store := startTestServer(t)

	first := dial(t, ts)
	sendJSON(t, first, map[string]any{"type": "HANDSHAKE"})
	hello := readReply(t, first)
	sessionID, _ := hello["sessionId"].(string)
	playerID, _ := hello["playerId"].(string)

	first.Close()

	// The record must survive the disconnect with its handle released.
	deadline := time.After(2 * time.Second)
	for {
		rec, ok := store.Find(sessionID)
		if !ok {
			t.Fatalf("record vanished on disconnect")
		}
		if rec.Conn == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("connection binding was not released")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second := dial(t, ts)
	sendJSON(t, second, map[string]any{
		"type": "HANDSHAKE", "sessionId": sessionID, "playerId": playerID,
	})
	resumed := readReply(t, second)
	expectType(t, resumed, MessageTypeHandshakeAnswered)
	if resumed["sessionId"] != sessionID {
		t.Fatalf("resume minted a new id: %v", resumed["sessionId"])
	}
	if resumed["playerId"] != playerID {
		t.Fatalf("resume changed the player id: %v", resumed["playerId"])
	}

	rec, _ := store.Find(sessionID)
	if rec.Conn == nil {
		t.Fatalf("resume must rebind the record")
	}
}

func TestCloseMessageEndsConnectionButKeepsRecord(t *testing.T) {
	ts, store := startTestServer(t)

	conn := dial(t, ts)
	sendJSON(t, conn, map[string]any{"type": "HANDSHAKE"})
	hello := readReply(t, conn)
	sessionID, _ := hello["sessionId"].(string)

	sendJSON(t, conn, map[string]any{"type": "CLOSE"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}

	if _, ok := store.Find(sessionID); !ok {
		t.Fatalf("CLOSE must keep the record for a later resume")
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	ts, _ := startTestServer(t)

	conn := dial(t, ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected a policy violation close, got %v", err)
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	ts, _ := startTestServer(t)

	conn := dial(t, ts)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("expected an unsupported data close, got %v", err)
	}
}

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := newRateLimiter(10)
	now := time.Now()

	for i := 0; i < 20; i++ {
		if !l.allow(now) {
			t.Fatalf("message %d inside the burst was blocked", i)
		}
	}
	if l.allow(now) {
		t.Fatalf("message beyond the burst was allowed")
	}

	// Tokens refill with time.
	if !l.allow(now.Add(time.Second)) {
		t.Fatalf("expected a refilled token after a second")
	}
}
