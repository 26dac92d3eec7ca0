package worker

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voice-sfu/internal/engine"
)

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    engine.RtpParameters

	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP

	paused atomic.Bool
	closed atomic.Bool
}

func (w *Worker) consume(t *Transport, opts engine.ConsumerOptions) (*Consumer, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("transport %s: %w", t.id, engine.ErrClosed)
	}
	p, err := w.producer(opts.ProducerID)
	if err != nil {
		return nil, err
	}
	if p.transport.router != t.router {
		return nil, fmt.Errorf("producer %s on another router: %w", p.id, engine.ErrNotFound)
	}
	if !engine.CanConsume(p.consumable, opts.RtpCapabilities) {
		return nil, fmt.Errorf("producer %s: %w", p.id, engine.ErrCannotConsume)
	}

	codec := p.consumable.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(engine.RtpCodecCapability{
		MimeType:   codec.MimeType,
		ClockRate:  codec.ClockRate,
		Channels:   codec.Channels,
		Parameters: codec.Parameters,
	}), p.kind, "producer-"+p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		params:    consumerParameters(t.router.caps, p.consumable, uint32(sendParams.Encodings[0].SSRC)),
		sender:    sender,
		track:     track,
	}
	c.paused.Store(opts.Paused)

	w.mu.Lock()
	w.consumers[c.id] = c
	w.mu.Unlock()

	if !w.relays.AddSubscriber(p.id, c.id, track, opts.Paused) {
		w.closeConsumer(c)
		return nil, fmt.Errorf("producer %s: %w", p.id, engine.ErrClosed)
	}
	go c.readRTCP()

	t.logger.Info().Str("consumer", c.id).Str("producer", p.id).Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

// readRTCP forwards key frame requests from the receiving client to the
// producer.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				_ = c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) info() engine.ConsumerInfo {
	return engine.ConsumerInfo{
		ID:            c.id,
		ProducerID:    c.producer.id,
		Kind:          c.producer.kind,
		Type:          "simple",
		RtpParameters: c.params,
		Paused:        c.paused.Load(),
	}
}

func (c *Consumer) stop() {
	if err := c.sender.Stop(); err != nil {
		c.transport.logger.Debug().Err(err).Str("consumer", c.id).Msg("sender stop")
	}
}
