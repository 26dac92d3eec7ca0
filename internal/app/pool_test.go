package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/enginetest"
)

func TestPoolUninitialized(t *testing.T) {
	p := NewPool(enginetest.New().Spawn)
	_, _, err := p.Next()
	assert.ErrorIs(t, err, ErrPoolUninitialized)
	assert.Error(t, p.Init(context.Background(), 0))
}

func TestPoolRoundRobin(t *testing.T) {
	p := NewPool(enginetest.New().Spawn)
	require.NoError(t, p.Init(context.Background(), 3))
	defer p.Close()

	var slots []int
	for range 6 {
		_, slot, err := p.Next()
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, slots)
}

func TestPoolInitFailureClosesStarted(t *testing.T) {
	eng := enginetest.New()
	calls := 0
	p := NewPool(func(ctx context.Context, slot int) (engine.Worker, error) {
		calls++
		if slot == 2 {
			return nil, errors.New("no binary")
		}
		return eng.Spawn(ctx, slot)
	})
	require.Error(t, p.Init(context.Background(), 3))
	assert.Equal(t, 3, calls)
	for _, w := range eng.Workers() {
		select {
		case <-w.Died():
		default:
			t.Fatal("started worker left running")
		}
	}
	_, _, err := p.Next()
	assert.ErrorIs(t, err, ErrPoolUninitialized)
}

func TestPoolReplacesOnlyDeadSlot(t *testing.T) {
	eng := enginetest.New()
	p := NewPool(eng.Spawn)
	require.NoError(t, p.Init(context.Background(), 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Close()

	before := p.Stats()
	eng.Workers()[1].Kill()

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st[1].Alive && st[1].Pid != before[1].Pid
	}, time.Second, 5*time.Millisecond)
	after := p.Stats()
	assert.Equal(t, before[0].Pid, after[0].Pid)
	assert.Len(t, eng.Workers(), 3)
}

func TestPoolReplacementFailureLeavesSlotDegraded(t *testing.T) {
	eng := enginetest.New()
	p := NewPool(eng.Spawn)
	require.NoError(t, p.Init(context.Background(), 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Close()

	eng.FailSpawns(errors.New("out of memory"))
	eng.Workers()[0].Kill()

	require.Eventually(t, func() bool { return !p.Stats()[0].Alive }, time.Second, 5*time.Millisecond)
	// no retry: the slot stays on the dead worker
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, eng.Workers(), 2)
	assert.True(t, p.Stats()[1].Alive)
}

func TestPoolCloseClosesWorkers(t *testing.T) {
	eng := enginetest.New()
	p := NewPool(eng.Spawn)
	require.NoError(t, p.Init(context.Background(), 2))
	p.Close()
	p.Close()
	for _, w := range eng.Workers() {
		select {
		case <-w.Died():
		default:
			t.Fatal("worker not closed")
		}
	}
	_, _, err := p.Next()
	assert.ErrorIs(t, err, ErrPoolUninitialized)
}
