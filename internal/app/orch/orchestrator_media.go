package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
)

func (o *Orchestrator) createWebRtcTransport(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req createTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d, err := domain.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	room, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	t, err := room.CreateWebRtcTransport(ctx, peer, d, sess.Snapshot().Override)
	if err != nil {
		return nil, err
	}
	info := t.Info()
	resp := TransportResponse{
		ID:                 info.ID,
		Direction:          d,
		IceParameters:      info.IceParameters,
		IceCandidates:      info.IceCandidates,
		DtlsParameters:     info.DtlsParameters,
		IceServers:         o.ICE.Servers,
		IceTransportPolicy: o.ICE.TransportPolicy,
	}
	log.Info().Str("module", "orch").Str("peer", string(peer.ID)).Str("transport", info.ID).Str("direction", string(d)).Msg("transport created")
	return resp, nil
}

func (o *Orchestrator) connectWebRtcTransport(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req connectTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.DtlsParameters == nil || len(req.DtlsParameters.Fingerprints) == 0 {
		return nil, errorf(CodeBadRequest, "dtlsParameters with at least one fingerprint required")
	}
	// The worker checks inbound STUN against the remote ufrag and pwd.
	if req.IceParameters == nil || req.IceParameters.UsernameFragment == "" || req.IceParameters.Password == "" {
		return nil, errorf(CodeBadRequest, "iceParameters with usernameFragment and password required")
	}
	_, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	t, ok := peer.Transport(req.TransportID)
	if !ok {
		return nil, errorf(CodeTransportNotFound, "transport %s not found", req.TransportID)
	}
	err = t.Connect(ctx, engine.ConnectParams{DtlsParameters: *req.DtlsParameters, IceParameters: req.IceParameters})
	if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotFound) {
		return nil, errorf(CodeTransportNotFound, "transport %s closed", req.TransportID)
	}
	if err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (o *Orchestrator) produce(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req produceRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return nil, err
	}
	room, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	t, ok := peer.Transport(req.TransportID)
	if !ok || req.TransportID != peer.TransportID(domain.DirectionSend) {
		return nil, errorf(CodeTransportNotFound, "send transport %s not found", req.TransportID)
	}

	p, err := t.Produce(ctx, engine.ProducerOptions{Kind: string(kind), RtpParameters: req.RtpParameters})
	if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotFound) {
		return nil, errorf(CodeTransportNotFound, "send transport %s closed", req.TransportID)
	}
	if err != nil {
		return nil, err
	}
	appData := req.AppData
	if appData == nil {
		appData = map[string]any{}
	}
	pr := &core.Producer{Producer: p, AppData: appData, Source: domain.SourceOf(appData)}
	if !peer.AddProducer(pr) {
		_ = p.Close()
		return nil, core.ErrPeerClosed
	}
	go o.watchProducer(room, peer, pr)

	log.Info().Str("module", "orch").Str("peer", string(peer.ID)).Str("producer", p.ID()).Str("kind", p.Kind()).
		Str("source", string(pr.Source)).Msg("producing")
	o.broadcast(room, peer.ID, NotifyNewProducer, core.ProducerSummary{
		ProducerID: p.ID(),
		PeerID:     peer.ID,
		Kind:       p.Kind(),
		AppData:    appData,
	})
	return ProduceResponse{ID: p.ID()}, nil
}

// watchProducer covers producers closed outside closeProducer, e.g. with
// their transport. Whoever removes the producer from the peer announces it.
func (o *Orchestrator) watchProducer(room *core.Room, peer *core.Peer, pr *core.Producer) {
	<-pr.Done()
	if _, ok := peer.RemoveProducer(pr.ID()); !ok {
		return
	}
	log.Info().Str("module", "orch").Str("peer", string(peer.ID)).Str("producer", pr.ID()).Msg("producer closed by engine")
	o.broadcast(room, peer.ID, NotifyProducerClosed, ProducerClosed{ProducerID: pr.ID(), PeerID: peer.ID})
}

func (o *Orchestrator) closeProducer(_ context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req producerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	room, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	pr, ok := peer.RemoveProducer(req.ProducerID)
	if !ok {
		return nil, errorf(CodeProducerNotFound, "producer %s not found", req.ProducerID)
	}
	if err := pr.Close(); err != nil {
		log.Warn().Str("module", "orch").Str("producer", pr.ID()).Err(err).Msg("producer close failed")
	}
	o.broadcast(room, peer.ID, NotifyProducerClosed, ProducerClosed{ProducerID: pr.ID(), PeerID: peer.ID})
	return empty{}, nil
}

func (o *Orchestrator) consume(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req consumeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	room, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	t, ok := peer.Transport(req.TransportID)
	if !ok || req.TransportID != peer.TransportID(domain.DirectionRecv) {
		return nil, errorf(CodeTransportNotFound, "recv transport %s not found", req.TransportID)
	}
	owner, pr, ok := room.FindProducerOwner(req.ProducerID)
	if !ok {
		return nil, errorf(CodeProducerNotFound, "producer %s not found", req.ProducerID)
	}
	if !room.Router().CanConsume(pr.ID(), req.RtpCapabilities) {
		return nil, errorf(CodeCannotConsume, "peer %s cannot consume producer %s", peer.ID, pr.ID())
	}
	if c, ok := peer.ConsumerFor(pr.ID()); ok {
		return describeConsumer(c, owner, pr), nil
	}

	c, err := t.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      pr.ID(),
		RtpCapabilities: req.RtpCapabilities,
		Paused:          true,
	})
	switch {
	case errors.Is(err, engine.ErrCannotConsume):
		return nil, errorf(CodeCannotConsume, "peer %s cannot consume producer %s", peer.ID, pr.ID())
	case errors.Is(err, engine.ErrNotFound):
		return nil, errorf(CodeProducerNotFound, "producer %s not found", pr.ID())
	case errors.Is(err, engine.ErrClosed):
		return nil, errorf(CodeTransportNotFound, "recv transport %s closed", req.TransportID)
	case err != nil:
		return nil, err
	}
	if !peer.AddConsumer(c) {
		_ = c.Close()
		return nil, core.ErrPeerClosed
	}
	go watchConsumer(peer, c, pr, t)

	log.Info().Str("module", "orch").Str("peer", string(peer.ID)).Str("consumer", c.ID()).Str("producer", pr.ID()).Msg("consuming")
	return describeConsumer(c, owner, pr), nil
}

// watchConsumer drops the consumer from the peer once it, its producer or
// its transport is gone.
func watchConsumer(peer *core.Peer, c engine.Consumer, pr *core.Producer, t engine.Transport) {
	select {
	case <-c.Done():
	case <-pr.Done():
	case <-t.Done():
	}
	if _, ok := peer.RemoveConsumer(c.ID()); ok {
		_ = c.Close()
	}
}

func describeConsumer(c engine.Consumer, owner *core.Peer, pr *core.Producer) ConsumeResponse {
	return ConsumeResponse{
		ID:             c.ID(),
		ProducerID:     c.ProducerID(),
		PeerID:         owner.ID,
		Kind:           c.Kind(),
		Type:           c.Type(),
		RtpParameters:  c.RtpParameters(),
		AppData:        pr.AppData,
		ProducerPaused: c.ProducerPaused(),
	}
}

func (o *Orchestrator) resumeConsumer(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req consumerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	_, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	c, ok := peer.Consumer(req.ConsumerID)
	if !ok {
		return nil, errorf(CodeConsumerNotFound, "consumer %s not found", req.ConsumerID)
	}
	if err := c.Resume(ctx); err != nil {
		if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotFound) {
			return nil, errorf(CodeConsumerNotFound, "consumer %s closed", req.ConsumerID)
		}
		return nil, err
	}
	if c.Kind() == string(domain.KindVideo) {
		if err := c.RequestKeyFrame(ctx); err != nil {
			log.Debug().Str("module", "orch").Str("consumer", c.ID()).Err(err).Msg("key frame request failed")
		}
	}
	return empty{}, nil
}
