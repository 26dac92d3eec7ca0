package worker

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voice-sfu/internal/engine"
)

type Producer struct {
	id         string
	kind       string
	transport  *Transport
	params     engine.RtpParameters
	consumable engine.RtpParameters
	ssrc       uint32

	receiver   *webrtc.RTPReceiver
	trackReady chan struct{}
	track      *webrtc.TrackRemote

	done   chan struct{}
	closed atomic.Bool
}

func codecType(kind string) (webrtc.RTPCodecType, error) {
	switch typ := webrtc.NewRTPCodecType(kind); typ {
	case webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo:
		return typ, nil
	}
	return 0, fmt.Errorf("%w: kind %q", engine.ErrInvalid, kind)
}

func (w *Worker) produce(t *Transport, opts engine.ProducerOptions) (*Producer, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("transport %s: %w", t.id, engine.ErrClosed)
	}
	typ, err := codecType(opts.Kind)
	if err != nil {
		return nil, err
	}
	consumable, err := consumableParameters(t.router.caps, opts.Kind, opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if err := t.acceptPayloadType(typ, consumable.Codecs[0]); err != nil {
		return nil, err
	}
	receiver, err := t.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}

	p := &Producer{
		id:         uuid.NewString(),
		kind:       opts.Kind,
		transport:  t,
		params:     opts.RtpParameters,
		consumable: consumable,
		ssrc:       consumable.Encodings[0].Ssrc,
		receiver:   receiver,
		trackReady: make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.mu.Lock()
	w.producers[p.id] = p
	w.mu.Unlock()

	w.relays.StartRelay(w.ctx, p.id, p)
	go p.receive(func() { w.closeProducer(p) })

	t.logger.Info().Str("producer", p.id).Str("kind", p.kind).Uint32("ssrc", p.ssrc).Msg("producer created")
	return p, nil
}

// receive starts the RTP receiver once SRTP is available.
func (p *Producer) receive(onFail func()) {
	select {
	case <-p.transport.ready:
	case <-p.transport.ctx.Done():
		return
	case <-p.done:
		return
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.consumable.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		p.transport.logger.Warn().Err(err).Str("producer", p.id).Msg("receive failed")
		onFail()
		return
	}
	p.track = p.receiver.Track()
	close(p.trackReady)

	// drain RTCP so the receiver side interceptors run
	go func() {
		for {
			if _, _, err := p.receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
}

// ReadRTP makes the producer a relay source. It blocks until the track
// exists and returns io.EOF if the producer closes first.
func (p *Producer) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-p.trackReady:
	case <-p.done:
		return nil, nil, io.EOF
	}
	return p.track.ReadRTP()
}

func (p *Producer) requestKeyFrame() error {
	if p.kind != "video" {
		return nil
	}
	select {
	case <-p.transport.ready:
	default:
		return errors.New("transport not connected")
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	return err
}

func (p *Producer) info() engine.ProducerInfo {
	return engine.ProducerInfo{
		ID:                      p.id,
		Kind:                    p.kind,
		RtpParameters:           p.params,
		ConsumableRtpParameters: p.consumable,
	}
}

func (p *Producer) stop() {
	close(p.done)
	if err := p.receiver.Stop(); err != nil {
		p.transport.logger.Debug().Err(err).Str("producer", p.id).Msg("receiver stop")
	}
}
