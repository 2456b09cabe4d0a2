package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// MessageType discriminates the relay protocol's tagged union. Client-bound
// and server-bound types share one namespace because they flow over the same
// connection.
type MessageType string

const (
	// Client -> broker.
	MessageTypeHandshake       MessageType = "HANDSHAKE"
	MessageTypeICECandidate    MessageType = "ICE_CANDIDATE"
	MessageTypeOffer           MessageType = "OFFER"
	MessageTypeCheckGameExists MessageType = "CHECK_GAME_EXISTS"
	MessageTypeRequestToJoin   MessageType = "REQUEST_TO_JOIN"
	MessageTypeGuestAnswer     MessageType = "GUEST_ANSWER"
	MessageTypeClose           MessageType = "CLOSE"

	// Broker -> client.
	MessageTypeHandshakeAnswered MessageType = "HANDSHAKE_ANSWERED"
	MessageTypeGameConfirmed     MessageType = "GAME_CONFIRMED"
	MessageTypeGameNotConfirmed  MessageType = "GAME_NOT_CONFIRMED"
	MessageTypeGuestWantsToJoin  MessageType = "GUEST_WANTS_TO_JOIN"
	MessageTypeHostToGuest       MessageType = "HOST_TO_GUEST"
	MessageTypeGuestToHost       MessageType = "GUEST_TO_HOST"
	MessageTypeEnemyICECandidate MessageType = "ENEMY_ICE_CANDIDATE"
	MessageTypeError             MessageType = "ERROR"
)

// ErrorType enumerates the typed errors the contract carries. The last two
// are raised by the client-side peer-link layer only; the broker never emits
// them but the shared enum keeps the wire contract in one place.
type ErrorType string

const (
	ErrorTypeSocket         ErrorType = "SOCKET_ERROR"
	ErrorTypePlayerNotFound ErrorType = "PLAYER_NOT_FOUND_IN_DB"
	ErrorTypeAlreadyBusy    ErrorType = "ALREADY_BUSY"

	ErrorTypeInitializationTimeout ErrorType = "INITIALIZATION_TIMEOUT"
	ErrorTypeEnemyDisconnected     ErrorType = "ENEMY_DISCONNECTED"
)

const (
	ModeHost  = "host"
	ModeGuest = "guest"
)

// SDP is the wire form of a session description (an offer from a host, an
// answer from a guest).
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of an ICE candidate, mirroring the browser's
// RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidatesFromPion(inits []webrtc.ICECandidateInit) []Candidate {
	out := make([]Candidate, len(inits))
	for i, init := range inits {
		out[i] = CandidateFromPion(init)
	}
	return out
}

// ClientMessage is the inbound half of the tagged union. Exactly the fields
// required by the message's type may be set; parsing is strict so protocol
// drift fails loudly instead of being half-ignored.
type ClientMessage struct {
	Type MessageType `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	PlayerID  string `json:"playerId,omitempty"`
	Mode      string `json:"mode,omitempty"`

	Candidate *Candidate `json:"candidate,omitempty"`
	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`

	HostSessionID  string `json:"hostSessionId,omitempty"`
	GuestSessionID string `json:"guestSessionId,omitempty"`
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Type {
	case MessageTypeHandshake:
		if m.Mode != "" && m.Mode != ModeHost && m.Mode != ModeGuest {
			return fmt.Errorf("handshake message has mode %q", m.Mode)
		}
		if m.Candidate != nil || m.Offer != nil || m.Answer != nil || m.HostSessionID != "" || m.GuestSessionID != "" {
			return fmt.Errorf("handshake message has unexpected fields")
		}
	case MessageTypeICECandidate:
		if m.SessionID == "" {
			return fmt.Errorf("candidate message missing sessionId")
		}
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil || m.HostSessionID != "" || m.GuestSessionID != "" || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case MessageTypeOffer:
		if m.SessionID == "" {
			return fmt.Errorf("offer message missing sessionId")
		}
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.Offer.Type)
		}
		if m.Candidate != nil || m.Answer != nil || m.HostSessionID != "" || m.GuestSessionID != "" || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeCheckGameExists:
		if m.HostSessionID == "" {
			return fmt.Errorf("check message missing hostSessionId")
		}
		if m.GuestSessionID == "" {
			return fmt.Errorf("check message missing guestSessionId")
		}
		if m.SessionID != "" || m.Candidate != nil || m.Offer != nil || m.Answer != nil || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("check message has unexpected fields")
		}
	case MessageTypeRequestToJoin:
		if m.HostSessionID == "" {
			return fmt.Errorf("join message missing hostSessionId")
		}
		if m.GuestSessionID == "" {
			return fmt.Errorf("join message missing guestSessionId")
		}
		if m.SessionID != "" || m.Candidate != nil || m.Offer != nil || m.Answer != nil || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeGuestAnswer:
		if m.SessionID == "" {
			return fmt.Errorf("answer message missing sessionId")
		}
		if m.HostSessionID == "" {
			return fmt.Errorf("answer message missing hostSessionId")
		}
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.Answer.Type)
		}
		if m.Candidate != nil || m.Offer != nil || m.GuestSessionID != "" || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeClose:
		if m.SessionID != "" || m.Candidate != nil || m.Offer != nil || m.Answer != nil ||
			m.HostSessionID != "" || m.GuestSessionID != "" || m.PlayerID != "" || m.Mode != "" {
			return fmt.Errorf("close message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Reply messages. Constructors set the type tag so a reply can never go out
// untagged.

type HandshakeAnswered struct {
	Type           MessageType        `json:"type"`
	SessionID      string             `json:"sessionId"`
	PlayerID       string             `json:"playerId"`
	ICEServers     []webrtc.ICEServer `json:"iceServers"`
	EnemySessionID string             `json:"enemySessionId,omitempty"`
}

func newHandshakeAnswered(sessionID, playerID string, servers []webrtc.ICEServer, enemySessionID string) HandshakeAnswered {
	return HandshakeAnswered{
		Type:           MessageTypeHandshakeAnswered,
		SessionID:      sessionID,
		PlayerID:       playerID,
		ICEServers:     servers,
		EnemySessionID: enemySessionID,
	}
}

type GameConfirmed struct {
	Type          MessageType `json:"type"`
	Offer         *SDP        `json:"offer,omitempty"`
	ICECandidates []Candidate `json:"iceCandidates"`
}

func newGameConfirmed(offer *SDP, candidates []Candidate) GameConfirmed {
	if candidates == nil {
		candidates = []Candidate{}
	}
	return GameConfirmed{Type: MessageTypeGameConfirmed, Offer: offer, ICECandidates: candidates}
}

type GameNotConfirmed struct {
	Type MessageType `json:"type"`
}

func newGameNotConfirmed() GameNotConfirmed {
	return GameNotConfirmed{Type: MessageTypeGameNotConfirmed}
}

type GuestWantsToJoin struct {
	Type           MessageType `json:"type"`
	GuestSessionID string      `json:"guestSessionId"`
}

func newGuestWantsToJoin(guestSessionID string) GuestWantsToJoin {
	return GuestWantsToJoin{Type: MessageTypeGuestWantsToJoin, GuestSessionID: guestSessionID}
}

// PeerPayload forwards one side's session description together with every
// candidate gathered so far (HOST_TO_GUEST or GUEST_TO_HOST).
type PeerPayload struct {
	Type          MessageType `json:"type"`
	SDP           SDP         `json:"sdp"`
	ICECandidates []Candidate `json:"iceCandidates"`
}

func newPeerPayload(t MessageType, sdp SDP, candidates []Candidate) PeerPayload {
	if candidates == nil {
		candidates = []Candidate{}
	}
	return PeerPayload{Type: t, SDP: sdp, ICECandidates: candidates}
}

type EnemyICECandidate struct {
	Type      MessageType `json:"type"`
	Candidate Candidate   `json:"candidate"`
}

func newEnemyICECandidate(c Candidate) EnemyICECandidate {
	return EnemyICECandidate{Type: MessageTypeEnemyICECandidate, Candidate: c}
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	ErrorType ErrorType   `json:"errorType"`
}

func newErrorMessage(errorType ErrorType) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, ErrorType: errorType}
}
