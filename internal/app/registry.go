package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
)

type connEntry struct {
	Conn    core.SignalConnection
	Session *core.Session
}

// Registry is the transport layer's bookkeeping: every open connection by
// id, and joined peers by peer id for targeted delivery.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
	peers map[domain.PeerID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.ConnID]*connEntry),
		peers: make(map[domain.PeerID]*connEntry),
	}
}

func (r *Registry) Bind(conn core.SignalConnection, sess *core.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sess.ConnID] = &connEntry{Conn: conn, Session: sess}
	log.Info().Str("module", "app.registry").Str("conn", string(sess.ConnID)).Msg("bound connection")
}

// BindPeer makes the connection reachable by peer id. Called after a
// successful join.
func (r *Registry) BindPeer(id core.ConnID, peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	r.peers[peer] = e
	return true
}

// UnbindPeer drops the peer mapping if it still points at conn id.
func (r *Registry) UnbindPeer(id core.ConnID, peer domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peer]; ok && e.Session.ConnID == id {
		delete(r.peers, peer)
	}
}

// Unbind forgets the connection and its peer mapping.
func (r *Registry) Unbind(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	for peer, pe := range r.peers {
		if pe == e {
			delete(r.peers, peer)
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
}

func (r *Registry) Conn(id core.ConnID) (core.SignalConnection, *core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, nil, false
	}
	return e.Conn, e.Session, true
}

func (r *Registry) ConnOfPeer(peer domain.PeerID) (core.SignalConnection, *core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[peer]
	if !ok {
		return nil, nil, false
	}
	return e.Conn, e.Session, true
}

// Conns snapshots every open connection.
func (r *Registry) Conns() []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SignalConnection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.Conn)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
