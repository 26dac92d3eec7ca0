package proc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/channel"
	"github.com/dkeye/voice-sfu/internal/engine/worker"
)

type harness struct {
	w      *Worker
	server *channel.Server
	// closing srvOut simulates the worker going away
	srvOut *io.PipeWriter
}

func start(t *testing.T, h channel.Handler) *harness {
	t.Helper()
	srvIn, cliOut := io.Pipe()
	cliIn, srvOut := io.Pipe()
	server := channel.NewServer(srvIn, srvOut)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if h == nil {
		h = worker.New(ctx, server.Notify)
	}
	go func() {
		_ = server.Serve(ctx, h)
		_ = srvOut.Close()
	}()

	w := Attach(cliIn, cliOut, 4242)
	t.Cleanup(func() { _ = w.Close() })
	return &harness{w: w, server: server, srvOut: srvOut}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not close", what)
	}
}

var opus = engine.RtpParameters{Codecs: []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}}}

func scripted() channel.HandlerFunc {
	return func(_ context.Context, method, _ string, _ channel.RawMessage) (any, error) {
		switch method {
		case channel.MethodCreateRouter:
			return engine.RouterInfo{ID: "r1", RtpCapabilities: engine.RtpCapabilities{Codecs: engine.DefaultMediaCodecs()}}, nil
		case channel.MethodCreateWebRtcTransport:
			return engine.TransportInfo{ID: "t1", IceParameters: engine.IceParameters{UsernameFragment: "uf", Password: "pw", IceLite: true}}, nil
		case channel.MethodTransportProduce:
			return engine.ProducerInfo{ID: "p1", Kind: "audio", RtpParameters: opus, ConsumableRtpParameters: opus}, nil
		case channel.MethodTransportConsume:
			return engine.ConsumerInfo{ID: "c1", ProducerID: "p1", Kind: "audio", Type: "simple", RtpParameters: opus, Paused: true}, nil
		}
		return nil, nil
	}
}

func TestRouterLifecycleAgainstWorker(t *testing.T) {
	h := start(t, nil)
	ctx := context.Background()

	r, err := h.w.CreateRouter(ctx, engine.RouterOptions{MediaCodecs: engine.DefaultMediaCodecs()})
	require.NoError(t, err)
	assert.Len(t, r.RtpCapabilities().Codecs, 3)
	assert.Equal(t, 4242, h.w.Pid())

	require.NoError(t, r.Close())
	waitClosed(t, r.Done(), "router")

	// closing twice is harmless
	require.NoError(t, r.Close())

	_, err = r.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{})
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestProxiesFollowWorkerNotifications(t *testing.T) {
	h := start(t, scripted())
	ctx := context.Background()

	r, err := h.w.CreateRouter(ctx, engine.RouterOptions{})
	require.NoError(t, err)
	tr, err := r.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "uf", tr.Info().IceParameters.UsernameFragment)

	p, err := tr.Produce(ctx, engine.ProducerOptions{Kind: "audio", RtpParameters: opus})
	require.NoError(t, err)
	caps := engine.RtpCapabilities{Codecs: engine.DefaultMediaCodecs()}
	assert.True(t, r.CanConsume(p.ID(), caps))

	c, err := tr.Consume(ctx, engine.ConsumerOptions{ProducerID: p.ID(), RtpCapabilities: caps, Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	require.NoError(t, c.Resume(ctx))
	assert.False(t, c.Paused())

	require.NoError(t, h.server.Notify(channel.EventClosed, "c1", nil))
	waitClosed(t, c.Done(), "consumer")

	require.NoError(t, h.server.Notify(channel.EventClosed, "p1", nil))
	waitClosed(t, p.Done(), "producer")
	assert.False(t, r.CanConsume(p.ID(), caps))

	select {
	case <-tr.Done():
		t.Fatal("transport closed without notification")
	default:
	}
}

func TestWorkerDeathClosesEverything(t *testing.T) {
	h := start(t, scripted())
	ctx := context.Background()

	r, err := h.w.CreateRouter(ctx, engine.RouterOptions{})
	require.NoError(t, err)
	tr, err := r.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{})
	require.NoError(t, err)

	require.NoError(t, h.srvOut.Close())

	waitClosed(t, h.w.Died(), "worker")
	waitClosed(t, r.Done(), "router")
	waitClosed(t, tr.Done(), "transport")
	assert.Error(t, h.w.Err())

	_, err = h.w.CreateRouter(ctx, engine.RouterOptions{})
	assert.ErrorIs(t, err, engine.ErrWorkerDied)
}

func TestSpawnWithoutBinary(t *testing.T) {
	_, err := Spawn(context.Background(), Options{})
	assert.Error(t, err)

	_, err = Spawn(context.Background(), Options{Bin: "/nonexistent/voice-worker"})
	assert.Error(t, err)
}
