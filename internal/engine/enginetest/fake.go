// Package enginetest provides an in-memory engine for tests. It keeps the
// object graph and close cascades of a real worker without moving media.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dkeye/voice-sfu/internal/engine"
)

type Engine struct {
	mu       sync.Mutex
	pid      int
	workers  []*Worker
	spawnErr error
}

func New() *Engine {
	return &Engine{pid: 1000}
}

// Spawn matches the pool's spawner signature.
func (e *Engine) Spawn(_ context.Context, _ int) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spawnErr != nil {
		return nil, e.spawnErr
	}
	e.pid++
	w := &Worker{pid: e.pid, died: make(chan struct{})}
	e.workers = append(e.workers, w)
	return w, nil
}

// FailSpawns makes every later Spawn fail with err; nil restores.
func (e *Engine) FailSpawns(err error) {
	e.mu.Lock()
	e.spawnErr = err
	e.mu.Unlock()
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

type Worker struct {
	pid  int
	once sync.Once
	died chan struct{}
	err  error

	mu      sync.Mutex
	routers []*Router
}

func (w *Worker) Pid() int              { return w.pid }
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) CreateRouter(_ context.Context, opts engine.RouterOptions) (engine.Router, error) {
	select {
	case <-w.died:
		return nil, engine.ErrWorkerDied
	default:
	}
	caps := engine.RtpCapabilities{}
	pt := uint8(100)
	for _, c := range opts.MediaCodecs {
		c.PreferredPayloadType = pt
		pt++
		caps.Codecs = append(caps.Codecs, c)
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		caps:       caps,
		done:       make(chan struct{}),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Router(nil), w.routers...)
}

// Kill simulates a crash: every router closes, then Died fires.
func (w *Worker) Kill() {
	w.shutdown(engine.ErrWorkerDied)
}

func (w *Worker) Close() error {
	w.shutdown(engine.ErrClosed)
	return nil
}

func (w *Worker) shutdown(err error) {
	w.once.Do(func() {
		for _, r := range w.Routers() {
			_ = r.Close()
		}
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.died)
	})
}

type Router struct {
	id     string
	worker *Worker
	caps   engine.RtpCapabilities

	once sync.Once
	done chan struct{}

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }
func (r *Router) Done() <-chan struct{}                   { return r.done }
func (r *Router) Worker() *Worker                         { return r.worker }

func (r *Router) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return engine.CanConsume(p.params, caps)
}

// capsOf narrows the router capabilities to one media kind.
func (r *Router) capsOf(kind string) engine.RtpCapabilities {
	var out engine.RtpCapabilities
	for _, c := range r.caps.Codecs {
		if c.Kind == kind {
			out.Codecs = append(out.Codecs, c)
		}
	}
	return out
}

func (r *Router) CreateWebRtcTransport(_ context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	if r.Closed() {
		return nil, engine.ErrClosed
	}
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		opts:      opts,
		done:      make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// Transports returns the live transports of the router.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

func (r *Router) Close() error {
	r.once.Do(func() {
		for _, t := range r.Transports() {
			_ = t.Close()
		}
		close(r.done)
	})
	return nil
}

type Transport struct {
	id     string
	router *Router
	opts   engine.WebRtcTransportOptions

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	connected *engine.ConnectParams
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func (t *Transport) ID() string                             { return t.id }
func (t *Transport) Done() <-chan struct{}                  { return t.done }
func (t *Transport) Options() engine.WebRtcTransportOptions { return t.opts }

func (t *Transport) Info() engine.TransportInfo {
	return engine.TransportInfo{
		ID:            t.id,
		IceParameters: engine.IceParameters{UsernameFragment: t.id[:8], Password: t.id, IceLite: true},
		IceCandidates: []engine.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			Address:    "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DtlsParameters: engine.DtlsParameters{
			Role:         "auto",
			Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) Closed() bool { return t.closed() }

func (t *Transport) Connected() *engine.ConnectParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(_ context.Context, params engine.ConnectParams) error {
	if t.closed() {
		return engine.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected != nil {
		return fmt.Errorf("%w: transport %s already connected", engine.ErrInvalid, t.id)
	}
	t.connected = &params
	return nil
}

func (t *Transport) Produce(_ context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.closed() {
		return nil, engine.ErrClosed
	}
	if enc := opts.RtpParameters.Encodings; len(enc) == 0 || enc[0].Ssrc == 0 {
		return nil, fmt.Errorf("%w: rtpParameters.encodings[0].ssrc required", engine.ErrInvalid)
	}
	if !engine.CanConsume(opts.RtpParameters, t.router.capsOf(opts.Kind)) {
		return nil, fmt.Errorf("%w: no %s codec in rtpParameters is supported by the router", engine.ErrInvalid, opts.Kind)
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		transport: t,
		done:      make(chan struct{}),
	}
	p.paused.Store(opts.Paused)
	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.closed() {
		return nil, engine.ErrClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, engine.ErrNotFound
	}
	if !engine.CanConsume(p.params, opts.RtpCapabilities) {
		return nil, engine.ErrCannotConsume
	}
	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		done:      make(chan struct{}),
	}
	c.paused.Store(opts.Paused)
	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		t.mu.Unlock()
		for _, c := range consumers {
			_ = c.Close()
		}
		for _, p := range producers {
			_ = p.Close()
		}
		t.router.mu.Lock()
		delete(t.router.transports, t.id)
		t.router.mu.Unlock()
		close(t.done)
	})
	return nil
}

type Producer struct {
	id        string
	kind      string
	params    engine.RtpParameters
	transport *Transport
	paused    atomic.Bool

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	consumers []*Consumer
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() string                        { return p.kind }
func (p *Producer) RtpParameters() engine.RtpParameters { return p.params }
func (p *Producer) Paused() bool                        { return p.paused.Load() }
func (p *Producer) Done() <-chan struct{}               { return p.done }

func (p *Producer) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		consumers := p.consumers
		p.consumers = nil
		p.mu.Unlock()
		for _, c := range consumers {
			_ = c.Close()
		}
		p.transport.mu.Lock()
		delete(p.transport.producers, p.id)
		p.transport.mu.Unlock()
		r := p.transport.router
		r.mu.Lock()
		delete(r.producers, p.id)
		r.mu.Unlock()
		close(p.done)
	})
	return nil
}

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	paused    atomic.Bool
	keyFrames atomic.Int32

	once sync.Once
	done chan struct{}
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() string                        { return c.producer.kind }
func (c *Consumer) Type() string                        { return "simple" }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.producer.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) ProducerPaused() bool                { return c.producer.Paused() }
func (c *Consumer) Done() <-chan struct{}               { return c.done }

// KeyFrames counts key frame requests.
func (c *Consumer) KeyFrames() int { return int(c.keyFrames.Load()) }

func (c *Consumer) Resume(_ context.Context) error {
	select {
	case <-c.done:
		return engine.ErrClosed
	default:
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) RequestKeyFrame(_ context.Context) error {
	c.keyFrames.Add(1)
	return nil
}

func (c *Consumer) Close() error {
	c.once.Do(func() {
		c.transport.mu.Lock()
		delete(c.transport.consumers, c.id)
		c.transport.mu.Unlock()
		close(c.done)
	})
	return nil
}
