// Package worker is the media side of the engine: it runs inside a worker
// process, owns the pion transports and forwards RTP between producers and
// consumers of the same router.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/channel"
	"github.com/dkeye/voice-sfu/internal/engine/relay"
)

// Notifier delivers an event about target to the controlling process.
type Notifier func(event, target string, data any) error

type Worker struct {
	ctx    context.Context
	notify Notifier
	relays *relay.Manager

	mu         sync.RWMutex
	routers    map[string]*Router
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func New(ctx context.Context, notify Notifier) *Worker {
	return &Worker{
		ctx:        ctx,
		notify:     notify,
		relays:     relay.NewManager(),
		routers:    make(map[string]*Router),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

func decode[T any](data channel.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := channel.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode request: %w", err)
	}
	return v, nil
}

// HandleRequest implements channel.Handler.
func (w *Worker) HandleRequest(ctx context.Context, method, target string, data channel.RawMessage) (any, error) {
	switch method {
	case channel.MethodCreateRouter:
		opts, err := decode[engine.RouterOptions](data)
		if err != nil {
			return nil, err
		}
		return w.createRouter(opts)

	case channel.MethodRouterClose:
		r, err := w.router(target)
		if err != nil {
			return nil, err
		}
		w.closeRouter(r)
		return nil, nil

	case channel.MethodCreateWebRtcTransport:
		r, err := w.router(target)
		if err != nil {
			return nil, err
		}
		opts, err := decode[engine.WebRtcTransportOptions](data)
		if err != nil {
			return nil, err
		}
		t, err := w.createTransport(ctx, r, opts)
		if err != nil {
			return nil, err
		}
		return t.info, nil

	case channel.MethodTransportConnect:
		t, err := w.transport(target)
		if err != nil {
			return nil, err
		}
		params, err := decode[engine.ConnectParams](data)
		if err != nil {
			return nil, err
		}
		return nil, t.connect(params)

	case channel.MethodTransportProduce:
		t, err := w.transport(target)
		if err != nil {
			return nil, err
		}
		opts, err := decode[engine.ProducerOptions](data)
		if err != nil {
			return nil, err
		}
		p, err := w.produce(t, opts)
		if err != nil {
			return nil, err
		}
		return p.info(), nil

	case channel.MethodTransportConsume:
		t, err := w.transport(target)
		if err != nil {
			return nil, err
		}
		opts, err := decode[engine.ConsumerOptions](data)
		if err != nil {
			return nil, err
		}
		c, err := w.consume(t, opts)
		if err != nil {
			return nil, err
		}
		return c.info(), nil

	case channel.MethodTransportClose:
		t, err := w.transport(target)
		if err != nil {
			return nil, err
		}
		w.closeTransport(t)
		return nil, nil

	case channel.MethodProducerClose:
		p, err := w.producer(target)
		if err != nil {
			return nil, err
		}
		w.closeProducer(p)
		return nil, nil

	case channel.MethodConsumerResume:
		c, err := w.consumer(target)
		if err != nil {
			return nil, err
		}
		w.relays.SetPaused(c.producer.id, c.id, false)
		c.paused.Store(false)
		return nil, nil

	case channel.MethodConsumerRequestKeyFrame:
		c, err := w.consumer(target)
		if err != nil {
			return nil, err
		}
		return nil, c.producer.requestKeyFrame()

	case channel.MethodConsumerClose:
		c, err := w.consumer(target)
		if err != nil {
			return nil, err
		}
		w.closeConsumer(c)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

func (w *Worker) createRouter(opts engine.RouterOptions) (engine.RouterInfo, error) {
	caps, err := routerCapabilities(opts.MediaCodecs)
	if err != nil {
		return engine.RouterInfo{}, err
	}
	r := &Router{id: uuid.NewString(), caps: caps}
	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()
	log.Info().Str("module", "worker").Str("router", r.id).Msg("router created")
	return engine.RouterInfo{ID: r.id, RtpCapabilities: caps}, nil
}

func (w *Worker) router(id string) (*Router, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if r, ok := w.routers[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("router %s: %w", id, engine.ErrNotFound)
}

func (w *Worker) transport(id string) (*Transport, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if t, ok := w.transports[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transport %s: %w", id, engine.ErrNotFound)
}

func (w *Worker) producer(id string) (*Producer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if p, ok := w.producers[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("producer %s: %w", id, engine.ErrNotFound)
}

func (w *Worker) consumer(id string) (*Consumer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if c, ok := w.consumers[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("consumer %s: %w", id, engine.ErrNotFound)
}

// Close tears down every router. Used when the control channel ends.
func (w *Worker) Close() {
	w.mu.RLock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.RUnlock()
	for _, r := range routers {
		w.closeRouter(r)
	}
}

// Counts reports live objects per type.
func (w *Worker) Counts() (routers, transports, producers, consumers int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.routers), len(w.transports), len(w.producers), len(w.consumers)
}

func (w *Worker) emitClosed(kind, id string) {
	if w.notify == nil {
		return
	}
	if err := w.notify(channel.EventClosed, id, map[string]string{"kind": kind}); err != nil {
		log.Warn().Str("module", "worker").Err(err).Str(kind, id).Msg("closed notification not delivered")
	}
}

func (w *Worker) closeRouter(r *Router) {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	var transports []*Transport
	for _, t := range w.transports {
		if t.router == r {
			transports = append(transports, t)
		}
	}
	w.mu.Unlock()
	for _, t := range transports {
		w.closeTransport(t)
	}
	w.mu.Lock()
	delete(w.routers, r.id)
	w.mu.Unlock()
	log.Info().Str("module", "worker").Str("router", r.id).Msg("router closed")
	w.emitClosed("router", r.id)
}

func (w *Worker) closeTransport(t *Transport) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	w.mu.Lock()
	var consumers []*Consumer
	for _, c := range w.consumers {
		if c.transport == t {
			consumers = append(consumers, c)
		}
	}
	var producers []*Producer
	for _, p := range w.producers {
		if p.transport == t {
			producers = append(producers, p)
		}
	}
	w.mu.Unlock()
	for _, c := range consumers {
		w.closeConsumer(c)
	}
	for _, p := range producers {
		w.closeProducer(p)
	}
	t.stop()
	w.mu.Lock()
	delete(w.transports, t.id)
	w.mu.Unlock()
	log.Info().Str("module", "worker").Str("transport", t.id).Msg("transport closed")
	w.emitClosed("transport", t.id)
}

func (w *Worker) closeProducer(p *Producer) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	var consumers []*Consumer
	for _, c := range w.consumers {
		if c.producer == p {
			consumers = append(consumers, c)
		}
	}
	w.mu.Unlock()
	for _, c := range consumers {
		w.closeConsumer(c)
	}
	w.relays.StopRelay(p.id)
	p.stop()
	w.mu.Lock()
	delete(w.producers, p.id)
	w.mu.Unlock()
	w.emitClosed("producer", p.id)
}

func (w *Worker) closeConsumer(c *Consumer) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	w.relays.MarkSubscriberDelete(c.producer.id, c.id)
	c.stop()
	w.mu.Lock()
	delete(w.consumers, c.id)
	w.mu.Unlock()
	w.emitClosed("consumer", c.id)
}
