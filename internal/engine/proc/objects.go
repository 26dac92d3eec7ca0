package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/channel"
)

type Router struct {
	*object
	caps engine.RtpCapabilities

	mu sync.RWMutex
	// consumable parameters of the producers created on this router
	producers map[string]engine.RtpParameters
}

func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.RLock()
	params, ok := r.producers[producerID]
	r.mu.RUnlock()
	return ok && engine.CanConsume(params, caps)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	if r.isClosed() {
		return nil, engine.ErrClosed
	}
	var info engine.TransportInfo
	if err := r.w.request(ctx, channel.MethodCreateWebRtcTransport, r.id, opts, &info); err != nil {
		return nil, err
	}
	t := &Transport{object: newObject(info.ID, r.w), router: r, info: info}
	r.w.register(t.id, t)
	return t, nil
}

func (r *Router) Close() error {
	return r.closeRemote(channel.MethodRouterClose)
}

type Transport struct {
	*object
	router *Router
	info   engine.TransportInfo
}

func (t *Transport) Info() engine.TransportInfo { return t.info }

func (t *Transport) Connect(ctx context.Context, params engine.ConnectParams) error {
	return t.w.request(ctx, channel.MethodTransportConnect, t.id, params, nil)
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	var info engine.ProducerInfo
	if err := t.w.request(ctx, channel.MethodTransportProduce, t.id, opts, &info); err != nil {
		return nil, err
	}
	p := &Producer{object: newObject(info.ID, t.w), info: info}
	r := t.router
	r.mu.Lock()
	r.producers[info.ID] = info.ConsumableRtpParameters
	r.mu.Unlock()
	p.onClose = func() {
		r.mu.Lock()
		delete(r.producers, info.ID)
		r.mu.Unlock()
	}
	t.w.register(p.id, p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	var info engine.ConsumerInfo
	if err := t.w.request(ctx, channel.MethodTransportConsume, t.id, opts, &info); err != nil {
		return nil, err
	}
	c := &Consumer{object: newObject(info.ID, t.w), info: info}
	c.paused.Store(info.Paused)
	t.w.register(c.id, c)
	return c, nil
}

func (t *Transport) Close() error {
	return t.closeRemote(channel.MethodTransportClose)
}

type Producer struct {
	*object
	info engine.ProducerInfo
}

func (p *Producer) Kind() string                        { return p.info.Kind }
func (p *Producer) RtpParameters() engine.RtpParameters { return p.info.RtpParameters }
func (p *Producer) Paused() bool                        { return p.info.Paused }

func (p *Producer) Close() error {
	return p.closeRemote(channel.MethodProducerClose)
}

type Consumer struct {
	*object
	info   engine.ConsumerInfo
	paused atomic.Bool
}

func (c *Consumer) ProducerID() string                  { return c.info.ProducerID }
func (c *Consumer) Kind() string                        { return c.info.Kind }
func (c *Consumer) Type() string                        { return c.info.Type }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.info.RtpParameters }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) ProducerPaused() bool                { return c.info.ProducerPaused }

func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.w.request(ctx, channel.MethodConsumerResume, c.id, nil, nil); err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	return c.w.request(ctx, channel.MethodConsumerRequestKeyFrame, c.id, nil, nil)
}

func (c *Consumer) Close() error {
	return c.closeRemote(channel.MethodConsumerClose)
}
