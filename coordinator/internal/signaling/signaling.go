// Package signaling implements the session table and the offer/answer/ICE
// relay described in §4.2: the coordinator locates a worker for a client and
// relays signaling frames verbatim, without ever inspecting SDP or candidate
// contents, so a direct data channel can be established between exactly two
// endpoints.
package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
)

// Plane owns the session table.
type Plane struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

// New creates an empty signaling plane.
func New() *Plane {
	return &Plane{sessions: make(map[string]*types.Session)}
}

// Offer creates a new session in the "offered" state. The client allocates
// the session-id; if empty, one is generated.
func (p *Plane) Offer(sessionID, workerID, clientID string) *types.Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &types.Session{
		ID:            sessionID,
		WorkerID:      workerID,
		ClientID:      clientID,
		Signaling:     types.SignalingOffered,
		SecureChannel: types.SecureNone,
		CreatedAt:     time.Now(),
	}

	p.mu.Lock()
	p.sessions[sessionID] = s
	p.mu.Unlock()
	return s
}

// Answer transitions a session from offered to answered. Relay is
// best-effort: a candidate or answer delivered to an unknown session-id is
// dropped without error, per §4.2.
func (p *Plane) Answer(sessionID string) (*types.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if s.Signaling == types.SignalingOffered {
		s.Signaling = types.SignalingAnswered
	}
	return s, true
}

// Establish marks a session's data channel as open.
func (p *Plane) Establish(sessionID string) (*types.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.Signaling = types.SignalingEstablished
	return s, true
}

// AdvanceSecureChannel moves a session's secure-channel state forward. It
// refuses any transition that would regress the monotone state ordering.
func (p *Plane) AdvanceSecureChannel(sessionID string, next types.SecureChannelState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return ferrors.New(ferrors.NotFound, "session not found")
	}
	if rank(next) < rank(s.SecureChannel) {
		return ferrors.New(ferrors.Protocol, "secure-channel state may not regress")
	}
	s.SecureChannel = next
	return nil
}

func rank(s types.SecureChannelState) int {
	switch s {
	case types.SecureNone:
		return 0
	case types.SecureRemotePubkeyKnown:
		return 1
	case types.SecureSymmetricEstablished:
		return 2
	default:
		return -1
	}
}

// Get returns a session by id, or ok=false if it is unknown — callers treat
// this as a silent drop for relay traffic, per §4.2.
func (p *Plane) Get(sessionID string) (*types.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	return s, ok
}

// Close transitions a session to closed and removes it from the active set.
func (p *Plane) Close(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		s.Signaling = types.SignalingClosed
		delete(p.sessions, sessionID)
	}
}

// CloseAllForWorker closes every session belonging to workerID — called when
// a worker disconnects from signaling, per §4.2 "all of its sessions are
// closed and their references dropped."
func (p *Plane) CloseAllForWorker(workerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closed []string
	for id, s := range p.sessions {
		if s.WorkerID == workerID {
			closed = append(closed, id)
			delete(p.sessions, id)
		}
	}
	return closed
}

// ListForWorker returns the ids of every session currently open for workerID
// — a worker may participate in multiple sessions concurrently.
func (p *Plane) ListForWorker(workerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, s := range p.sessions {
		if s.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	return ids
}
