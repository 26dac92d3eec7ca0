package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine/enginetest"
)

func newRooms(t *testing.T, workers int) (*RoomManager, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	pool := NewPool(eng.Spawn)
	require.NoError(t, pool.Init(context.Background(), workers))
	t.Cleanup(pool.Close)
	return NewRoomManager(pool, core.TransportSettings{ListenIP: "127.0.0.1"}), eng
}

func user(id string) domain.User {
	return domain.User{ID: domain.UserID(id), Username: id}
}

func TestGetOrCreateIsIdempotentUnderConcurrency(t *testing.T) {
	m, eng := newRooms(t, 2)

	var wg sync.WaitGroup
	got := make([]*core.Room, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.GetOrCreate(context.Background(), "dm:1")
			assert.NoError(t, err)
			got[i] = r
		}()
	}
	wg.Wait()

	for _, r := range got {
		assert.Same(t, got[0], r)
	}
	routers := 0
	for _, w := range eng.Workers() {
		routers += len(w.Routers())
	}
	assert.Equal(t, 1, routers)

	again, ok := m.Get("dm:1")
	require.True(t, ok)
	assert.Same(t, got[0], again)
}

func TestRemoveIfEmpty(t *testing.T) {
	m, _ := newRooms(t, 1)
	ctx := context.Background()
	room, err := m.GetOrCreate(ctx, "dm:1")
	require.NoError(t, err)
	_, _, err = room.CreatePeer("p1", user("a"))
	require.NoError(t, err)

	assert.False(t, m.RemoveIfEmpty("dm:1"))
	_, ok := m.Get("dm:1")
	assert.True(t, ok)

	room.RemovePeer("p1")
	assert.True(t, m.RemoveIfEmpty("dm:1"))
	assert.False(t, m.RemoveIfEmpty("dm:1"))
	_, ok = m.Get("dm:1")
	assert.False(t, ok)
	assert.True(t, room.Router().(*enginetest.Router).Closed())

	_, _, err = room.CreatePeer("p2", user("b"))
	assert.ErrorIs(t, err, core.ErrRoomClosed)
}

func TestFreshRouterAfterEviction(t *testing.T) {
	m, _ := newRooms(t, 2)
	ctx := context.Background()
	first, err := m.GetOrCreate(ctx, "dm:1")
	require.NoError(t, err)
	require.True(t, m.RemoveIfEmpty("dm:1"))

	second, err := m.GetOrCreate(ctx, "dm:1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.Router().ID(), second.Router().ID())
	assert.NotEqual(t, first.WorkerSlot(), second.WorkerSlot())
}

func TestCloseAllAndList(t *testing.T) {
	m, _ := newRooms(t, 2)
	ctx := context.Background()
	a, err := m.GetOrCreate(ctx, "guild:g:voice:b")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "dm:a")
	require.NoError(t, err)
	_, _, err = a.CreatePeer("p1", user("u"))
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("dm:a"), list[0].ID)
	assert.Equal(t, 1, list[1].PeerCount)

	m.CloseAll()
	assert.Empty(t, m.List())
	assert.True(t, a.Router().(*enginetest.Router).Closed())
	assert.Zero(t, a.PeerCount())
}

func TestGetOrCreateFailsWithoutWorkers(t *testing.T) {
	m := NewRoomManager(NewPool(enginetest.New().Spawn), core.TransportSettings{})
	_, err := m.GetOrCreate(context.Background(), "dm:1")
	assert.ErrorIs(t, err, ErrPoolUninitialized)
	assert.Empty(t, m.List())
}
