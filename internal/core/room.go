package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
)

var (
	ErrRoomClosed = errors.New("room closed")
	ErrPeerClosed = errors.New("peer closed")
)

// TransportSettings are the server wide defaults for new transports.
type TransportSettings struct {
	ListenIP               string
	AnnouncedAddress       string
	PortMin                uint16
	PortMax                uint16
	InitialOutgoingBitrate uint32
}

// NetworkOverride is a per connection hint that replaces the announced
// address.
type NetworkOverride struct {
	AnnouncedAddress string
}

type ProducerSummary struct {
	ProducerID string         `json:"producerId"`
	PeerID     domain.PeerID  `json:"peerId"`
	Kind       string         `json:"kind"`
	AppData    map[string]any `json:"appData"`
}

type RoomInfo struct {
	ID         domain.RoomID `json:"id"`
	PeerCount  int           `json:"peerCount"`
	WorkerSlot int           `json:"workerSlot"`
	RouterID   string        `json:"routerId"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Room owns a router and the peers joined to it.
type Room struct {
	ID        domain.RoomID
	router    engine.Router
	slot      int
	settings  TransportSettings
	createdAt time.Time

	mu     sync.RWMutex
	peers  map[domain.PeerID]*Peer
	closed bool
}

func NewRoom(id domain.RoomID, router engine.Router, slot int, settings TransportSettings) *Room {
	return &Room{
		ID:        id,
		router:    router,
		slot:      slot,
		settings:  settings,
		createdAt: time.Now(),
		peers:     make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) Router() engine.Router                    { return r.router }
func (r *Room) RtpCapabilities() engine.RtpCapabilities { return r.router.RtpCapabilities() }
func (r *Room) WorkerSlot() int                          { return r.slot }

// CreatePeer returns the peer for id, creating it if needed. created is
// false when the peer already existed. A room that has been evicted
// refuses new peers with ErrRoomClosed.
func (r *Room) CreatePeer(id domain.PeerID, user domain.User) (peer *Peer, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRoomClosed
	}
	if p, ok := r.peers[id]; ok {
		p.SetUser(user)
		return p, false, nil
	}
	p := NewPeer(id, user, r.ID)
	r.peers[id] = p
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("peer", string(id)).Msg("peer added")
	return p, true, nil
}

func (r *Room) GetPeer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// RemovePeer forgets the peer and tears down its resources. It returns
// the ids of the producers the peer owned, or ok=false if the peer was
// not in the room.
func (r *Room) RemovePeer(id domain.PeerID) (producerIDs []string, ok bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	producerIDs = p.Close()
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("peer", string(id)).Int("producers", len(producerIDs)).Msg("peer removed")
	return producerIDs, true
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeerIDs lists members except exclude.
func (r *Room) PeerIDs(exclude domain.PeerID) []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) peersExcept(exclude domain.PeerID) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != exclude {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Room) PeerSummaries(exclude domain.PeerID) []PeerSummary {
	peers := r.peersExcept(exclude)
	out := make([]PeerSummary, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Summary())
	}
	return out
}

func (r *Room) ProducerSummaries(exclude domain.PeerID) []ProducerSummary {
	out := []ProducerSummary{}
	for _, p := range r.peersExcept(exclude) {
		for _, pr := range p.Producers() {
			out = append(out, ProducerSummary{
				ProducerID: pr.ID(),
				PeerID:     p.ID,
				Kind:       pr.Kind(),
				AppData:    pr.AppData,
			})
		}
	}
	return out
}

// FindProducerOwner scans the room for the peer producing producerID.
func (r *Room) FindProducerOwner(producerID string) (*Peer, *Producer, bool) {
	for _, p := range r.peersExcept("") {
		if pr, ok := p.Producer(producerID); ok {
			return p, pr, true
		}
	}
	return nil, nil, false
}

// CreateWebRtcTransport replaces the peer's transport of direction d.
// The prior one is closed before the new one is created. The new
// transport is dropped from the peer's bookkeeping whenever it closes,
// whoever closes it.
func (r *Room) CreateWebRtcTransport(ctx context.Context, peer *Peer, d domain.Direction, override NetworkOverride) (engine.Transport, error) {
	if prev := peer.DetachTransport(d); prev != nil {
		log.Info().Str("module", "core.room").Str("peer", string(peer.ID)).Str("transport", prev.ID()).Str("direction", string(d)).Msg("replacing transport")
		_ = prev.Close()
	}

	announced := r.settings.AnnouncedAddress
	if override.AnnouncedAddress != "" {
		announced = override.AnnouncedAddress
	}
	t, err := r.router.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{
		ListenInfos:                     []engine.ListenInfo{{IP: r.settings.ListenIP, AnnouncedAddress: announced}},
		PortMin:                         r.settings.PortMin,
		PortMax:                         r.settings.PortMax,
		InitialAvailableOutgoingBitrate: r.settings.InitialOutgoingBitrate,
		AppData:                         map[string]any{"peerId": string(peer.ID), "direction": string(d)},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", d, err)
	}
	if !peer.AttachTransport(d, t) {
		_ = t.Close()
		return nil, ErrPeerClosed
	}

	go func() {
		<-t.Done()
		if peer.RemoveTransport(t.ID()) {
			log.Info().Str("module", "core.room").Str("peer", string(peer.ID)).Str("transport", t.ID()).Msg("transport closed outside signaling")
		}
	}()
	return t, nil
}

// MarkClosedIfEmpty flips the room to closed iff it has no peers. The
// caller holds the registry lock, so no join can slip in between the
// check and the eviction.
func (r *Room) MarkClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.peers) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Close removes every peer and closes the router. Used for eviction and
// shutdown.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	clear(r.peers)
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	if err := r.router.Close(); err != nil {
		log.Warn().Str("module", "core.room").Str("room", string(r.ID)).Err(err).Msg("router close failed")
	}
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Msg("room closed")
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:         r.ID,
		PeerCount:  r.PeerCount(),
		WorkerSlot: r.slot,
		RouterID:   r.router.ID(),
		CreatedAt:  r.createdAt,
	}
}
