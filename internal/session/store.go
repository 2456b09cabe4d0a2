// Package session holds the broker's in-memory table of per-player
// connection records.
//
// The store is a thin keyed table: all protocol rules live in the signaling
// broker. Reads hand out copies and every field write goes through a setter,
// so the reaper can sweep and ping concurrently with in-flight messages. The
// broker additionally serializes multi-record updates so each inbound message
// is applied atomically.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// sessionIDBytes matches the entropy of the original invite tokens: 6 random
// bytes, base64url encoded (8 characters).
const sessionIDBytes = 6

// maxIDAttempts bounds GenerateID's retry-until-unique loop. With 48 bits of
// entropy the loop practically never retries, but an unbounded loop is not an
// acceptable primitive here.
const maxIDAttempts = 16

var ErrIDSpaceExhausted = errors.New("session: could not generate a unique session id")

// Conn is the live relay connection bound to a record. The store never reads
// from it; the broker sends replies through it and the reaper pings it.
type Conn interface {
	Send(v any) error
	Ping() error
}

// Record is one player's signaling state, keyed by SessionID.
//
// Candidates is append-only for the record's lifetime and preserves arrival
// order: late joiners replay every previously gathered candidate. Conn is nil
// whenever the player has no open relay connection; the record itself
// survives disconnects so a cached session id can resume it.
type Record struct {
	SessionID      string
	Conn           Conn
	Candidates     []webrtc.ICECandidateInit
	EnemySessionID string
	SDP            *webrtc.SessionDescription
	LastVisit      time.Time
}

type Config struct {
	// IDSource overrides the session id generator, for tests. The default
	// draws from crypto/rand.
	IDSource func() (string, error)
}

type Store struct {
	idSource func() (string, error)

	mu      sync.RWMutex
	records map[string]*Record
}

func New(cfg Config) *Store {
	if cfg.IDSource == nil {
		cfg.IDSource = cryptoRandomID
	}
	return &Store{
		idSource: cfg.IDSource,
		records:  make(map[string]*Record),
	}
}

// Insert stores rec, overwriting any record with the same session id.
func (s *Store) Insert(rec Record) {
	s.mu.Lock()
	s.records[rec.SessionID] = &rec
	s.mu.Unlock()
}

// Find returns a copy of the record for id. Mutating the copy does not touch
// the store; use the setters.
func (s *Store) Find(id string) (Record, bool) {
	if id == "" {
		return Record{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Candidates = append([]webrtc.ICECandidateInit(nil), rec.Candidates...)
	return out, true
}

// Touch stamps the record's last-visit time. Missing ids are a no-op.
func (s *Store) Touch(id string, now time.Time) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.LastVisit = now
	}
	s.mu.Unlock()
}

// AppendCandidate adds one gathered candidate to the record's replay queue.
// The queue is append-only; duplicates are kept as sent.
func (s *Store) AppendCandidate(id string, cand webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.Candidates = append(rec.Candidates, cand)
	return true
}

// SetEnemy records the mutual-pairing pointer on one side.
func (s *Store) SetEnemy(id, enemyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.EnemySessionID = enemyID
	return true
}

// SetSDP stores the record's session description (a host's offer or a guest's
// answer).
func (s *Store) SetSDP(id string, sdp webrtc.SessionDescription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.SDP = &sdp
	return true
}

// BindConn points the record at a live connection, replacing any previous
// binding. Used on handshake, including reconnects.
func (s *Store) BindConn(id string, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.Conn = conn
	return true
}

// ReleaseConn clears the record's connection, but only if it is still bound
// to conn. A reconnect that already rebound the record is left alone when the
// stale connection's teardown races in afterwards.
func (s *Store) ReleaseConn(id string, conn Conn) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok && rec.Conn == conn {
		rec.Conn = nil
	}
	s.mu.Unlock()
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*Record)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// GenerateID mints a session id that does not collide with any existing
// record. It retries a bounded number of times and fails loudly rather than
// silently overwriting a record on the (astronomically unlikely) collision.
func (s *Store) GenerateID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := s.idSource()
		if err != nil {
			return "", fmt.Errorf("session: generate id: %w", err)
		}
		if _, exists := s.Find(id); !exists {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// Sweep deletes every record whose LastVisit is older than ttl and returns
// how many were removed. Connected records are not exempt: a connection that
// never produces messages is indistinguishable from a leak.
func (s *Store) Sweep(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if now.Sub(rec.LastVisit) > ttl {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// LiveConns snapshots the connections currently bound to records, for the
// keepalive pinger. Snapshotting keeps ping I/O outside the store lock.
func (s *Store) LiveConns() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]Conn, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Conn != nil {
			conns = append(conns, rec.Conn)
		}
	}
	return conns
}

func cryptoRandomID() (string, error) {
	var b [sessionIDBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
