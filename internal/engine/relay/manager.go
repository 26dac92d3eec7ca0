package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager keeps one relay per producer id. Out tracks are keyed by
// consumer id.
type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewManager() *Manager {
	return &Manager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for producerID and starts its loop.
func (m *Manager) StartRelay(ctx context.Context, producerID string, src Source) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
		// subscribers of the old relay follow the new source
		old.mu.RLock()
		for id, ot := range old.outTracks {
			if ot.GetState() != TrackStateDelete {
				relay.outTracks[id] = &OutTrack{Track: ot.Track}
			}
		}
		old.mu.RUnlock()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches track to the relay of producerID for consumerID.
// It reports false when no relay exists yet.
func (m *Manager) AddSubscriber(producerID, consumerID string, track TrackWriter, paused bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ot := NewOutTrack(track)
	if paused {
		ot.MarkMuted()
	}
	relay.AddOutTrack(consumerID, ot)
	return true
}

func (m *Manager) SetPaused(producerID, consumerID string, paused bool) bool {
	ot, ok := m.find(producerID, consumerID)
	if !ok {
		return false
	}
	if paused {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	return true
}

// MarkSubscriberDelete marks the consumer's OutTrack as TrackStateDelete.
func (m *Manager) MarkSubscriberDelete(producerID, consumerID string) {
	if ot, ok := m.find(producerID, consumerID); ok {
		ot.MarkDelete()
	}
}

func (m *Manager) find(producerID, consumerID string) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(consumerID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *Manager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// HasRelay reports whether a relay exists for producerID.
func (m *Manager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}
