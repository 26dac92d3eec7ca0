package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

// WorkerSource hands out workers for new rooms.
type WorkerSource interface {
	Next() (engine.Worker, int, error)
}

// RoomManager is the room registry: id to live room, created lazily on
// the first join and evicted with the last leave.
type RoomManager struct {
	workers  WorkerSource
	settings core.TransportSettings
	codecs   []engine.RtpCodecCapability

	mu     sync.RWMutex
	rooms  map[domain.RoomID]*core.Room
	create singleflight.Group
}

func NewRoomManager(workers WorkerSource, settings core.TransportSettings) *RoomManager {
	return &RoomManager{
		workers:  workers,
		settings: settings,
		codecs:   engine.DefaultMediaCodecs(),
		rooms:    make(map[domain.RoomID]*core.Room),
	}
}

// GetOrCreate returns the room for id. Concurrent misses for one id share
// a single router creation.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	if room, ok := m.Get(id); ok {
		return room, nil
	}
	v, err, _ := m.create.Do(string(id), func() (any, error) {
		if room, ok := m.Get(id); ok {
			return room, nil
		}
		w, slot, err := m.workers.Next()
		if err != nil {
			return nil, err
		}
		router, err := w.CreateRouter(ctx, engine.RouterOptions{MediaCodecs: m.codecs})
		if err != nil {
			return nil, fmt.Errorf("create router on worker %d: %w", slot, err)
		}
		room := core.NewRoom(id, router, slot, m.settings)

		m.mu.Lock()
		m.rooms[id] = room
		m.mu.Unlock()
		metrics.Rooms.Inc()
		go m.watchRouter(room)

		log.Info().Str("module", "app.rooms").Str("room", string(id)).Int("slot", slot).Str("router", router.ID()).Msg("room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Room), nil
}

// watchRouter logs rooms that lose their router while still registered.
// The room is not migrated; it lives on until its last peer leaves.
func (m *RoomManager) watchRouter(room *core.Room) {
	<-room.Router().Done()
	if cur, ok := m.Get(room.ID); ok && cur == room {
		log.Warn().Str("module", "app.rooms").Str("room", string(room.ID)).Int("slot", room.WorkerSlot()).
			Int("peers", room.PeerCount()).Msg("room lost its router; media is down until the room empties")
	}
}

func (m *RoomManager) Get(id domain.RoomID) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// RemoveIfEmpty evicts and closes the room iff it has no peers. The
// emptiness check runs under the registry lock.
func (m *RoomManager) RemoveIfEmpty(id domain.RoomID) bool {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok || !room.MarkClosedIfEmpty() {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, id)
	m.mu.Unlock()

	metrics.Rooms.Dec()
	room.Close()
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room evicted")
	return true
}

// CloseAll closes every room. Shutdown only.
func (m *RoomManager) CloseAll() {
	m.mu.Lock()
	rooms := make([]*core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	clear(m.rooms)
	m.mu.Unlock()

	for _, r := range rooms {
		metrics.Rooms.Dec()
		r.Close()
	}
}

func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	rooms := make([]*core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
