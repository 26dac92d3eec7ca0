package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

var ErrPoolUninitialized = errors.New("worker pool not initialized")

// Spawner starts the worker for a pool slot.
type Spawner func(ctx context.Context, slot int) (engine.Worker, error)

type WorkerStat struct {
	Slot  int  `json:"slot"`
	Pid   int  `json:"pid"`
	Alive bool `json:"alive"`
}

type death struct {
	slot   int
	worker engine.Worker
}

// Pool supervises a fixed number of media workers and hands them out
// round robin.
type Pool struct {
	spawn Spawner

	mu      sync.RWMutex
	workers []engine.Worker
	next    atomic.Uint64

	deaths chan death
	stop   chan struct{}
	once   sync.Once
}

func NewPool(spawn Spawner) *Pool {
	return &Pool{
		spawn:  spawn,
		deaths: make(chan death, 16),
		stop:   make(chan struct{}),
	}
}

// Init spawns n workers one after another. It must finish before the
// first room is created.
func (p *Pool) Init(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be positive, got %d", n)
	}
	workers := make([]engine.Worker, 0, n)
	for slot := range n {
		w, err := p.spawn(ctx, slot)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return fmt.Errorf("spawn worker %d: %w", slot, err)
		}
		workers = append(workers, w)
	}

	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()
	for slot, w := range workers {
		p.watch(slot, w)
	}
	log.Info().Str("module", "app.pool").Int("workers", n).Msg("worker pool ready")
	return nil
}

// Next returns the next worker and its slot.
func (p *Pool) Next() (engine.Worker, int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.workers) == 0 {
		return nil, 0, ErrPoolUninitialized
	}
	slot := int((p.next.Add(1) - 1) % uint64(len(p.workers)))
	return p.workers[slot], slot, nil
}

func (p *Pool) watch(slot int, w engine.Worker) {
	go func() {
		select {
		case <-w.Died():
		case <-p.stop:
			return
		}
		select {
		case p.deaths <- death{slot: slot, worker: w}:
		case <-p.stop:
		}
	}()
}

// Run replaces dead workers until ctx ends or the pool is closed. Only
// the slot that died is touched; a failed replacement leaves the slot
// degraded.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case d := <-p.deaths:
			p.replace(ctx, d)
		}
	}
}

func (p *Pool) replace(ctx context.Context, d death) {
	logger := log.With().Str("module", "app.pool").Int("slot", d.slot).Int("pid", d.worker.Pid()).Logger()
	logger.Error().Err(d.worker.Err()).Msg("worker died, replacing slot")

	p.mu.RLock()
	current := d.slot < len(p.workers) && p.workers[d.slot] == d.worker
	p.mu.RUnlock()
	if !current {
		return
	}

	w, err := p.spawn(ctx, d.slot)
	if err != nil {
		metrics.WorkerRestarts.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("worker replacement failed, slot left degraded")
		return
	}

	p.mu.Lock()
	p.workers[d.slot] = w
	p.mu.Unlock()
	p.watch(d.slot, w)
	metrics.WorkerRestarts.WithLabelValues("ok").Inc()
	logger.Info().Int("new_pid", w.Pid()).Msg("worker replaced")
}

// Stats reports every slot.
func (p *Pool) Stats() []WorkerStat {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]WorkerStat, 0, len(p.workers))
	for slot, w := range p.workers {
		alive := true
		select {
		case <-w.Died():
			alive = false
		default:
		}
		out = append(out, WorkerStat{Slot: slot, Pid: w.Pid(), Alive: alive})
	}
	return out
}

// Close stops supervision and closes every worker. Shutdown only.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.stop)
		p.mu.Lock()
		workers := p.workers
		p.workers = nil
		p.mu.Unlock()
		for _, w := range workers {
			if err := w.Close(); err != nil {
				log.Warn().Str("module", "app.pool").Int("pid", w.Pid()).Err(err).Msg("worker close failed")
			}
		}
		log.Info().Str("module", "app.pool").Int("workers", len(workers)).Msg("worker pool closed")
	})
}
