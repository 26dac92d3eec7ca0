package core

import (
	"sync"

	"github.com/dkeye/voice-sfu/internal/domain"
)

// ConnID identifies one signaling connection.
type ConnID string

// Session is the connection scoped protocol state. It outlives joins and
// leaves and dies with the connection.
type Session struct {
	ConnID ConnID

	mu         sync.RWMutex
	identified bool
	joined     bool
	userID     domain.UserID
	user       domain.User
	roomID     domain.RoomID
	peerID     domain.PeerID
	override   NetworkOverride
}

func NewSession(id ConnID, override NetworkOverride) *Session {
	return &Session{ConnID: id, override: override}
}

// SessionState is a consistent copy of a session.
type SessionState struct {
	Identified bool
	Joined     bool
	UserID     domain.UserID
	User       domain.User
	RoomID     domain.RoomID
	PeerID     domain.PeerID
	Override   NetworkOverride
}

func (s *Session) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionState{
		Identified: s.identified,
		Joined:     s.joined,
		UserID:     s.userID,
		User:       s.user,
		RoomID:     s.roomID,
		PeerID:     s.peerID,
		Override:   s.override,
	}
}

// Identify records the verified identity. The peer id is generated once
// per connection and reused afterwards.
func (s *Session) Identify(user domain.User, roomID domain.RoomID, newPeerID func() domain.PeerID) domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identified = true
	s.userID = user.ID
	s.user = user
	s.roomID = roomID
	if s.peerID == "" {
		s.peerID = newPeerID()
	}
	return s.peerID
}

func (s *Session) SetJoined(joined bool) {
	s.mu.Lock()
	s.joined = joined
	s.mu.Unlock()
}
