package orch

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/channel"
	"github.com/dkeye/voice-sfu/internal/engine/proc"
	"github.com/dkeye/voice-sfu/internal/engine/worker"
	"github.com/dkeye/voice-sfu/internal/token"
)

// pipeWorkers runs real media workers in process, each behind a control
// channel over io.Pipe, the way a spawned worker process is driven.
func pipeWorkers(t *testing.T) app.Spawner {
	return func(_ context.Context, slot int) (engine.Worker, error) {
		srvIn, cliOut := io.Pipe()
		cliIn, srvOut := io.Pipe()
		server := channel.NewServer(srvIn, srvOut)

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		w := worker.New(ctx, server.Notify)
		go func() {
			_ = server.Serve(ctx, w)
			w.Close()
			_ = srvOut.Close()
		}()
		return proc.Attach(cliIn, cliOut, 7000+slot), nil
	}
}

func newWorkerHarness(t *testing.T) *harness {
	t.Helper()
	pool := app.NewPool(pipeWorkers(t))
	require.NoError(t, pool.Init(context.Background(), 1))
	t.Cleanup(pool.Close)

	rooms := app.NewRoomManager(pool, core.TransportSettings{ListenIP: "127.0.0.1"})
	t.Cleanup(rooms.CloseAll)
	h := &harness{rooms: rooms, delivery: newFakeDelivery(), presence: &fakePresence{}}
	h.o = New(rooms, token.NewVerifier(secret), h.delivery)
	h.o.Presence = h.presence
	return h
}

func TestMediaFlowAgainstWorker(t *testing.T) {
	h := newWorkerHarness(t)
	a, _ := h.connect(t, "a", "dm:1")
	b, peerB := h.connect(t, "b", "dm:1")
	h.join(t, a)
	jb := h.join(t, b)

	// opus at 100 while the router prefers 111: browsers pick their own
	// payload types.
	send := h.transport(t, a, domain.DirectionSend)
	out := h.must(t, a, MethodProduce, map[string]any{
		"transportId":   send,
		"kind":          "audio",
		"rtpParameters": opus,
	})
	audioID := out.(ProduceResponse).ID

	chromeH264 := engine.RtpParameters{
		Codecs: []engine.RtpCodecParameters{{
			MimeType:    "video/H264",
			PayloadType: 125,
			ClockRate:   90000,
			Parameters:  map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f", "level-asymmetry-allowed": 1},
		}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 3333}},
	}
	out = h.must(t, a, MethodProduce, map[string]any{
		"transportId":   send,
		"kind":          "video",
		"rtpParameters": chromeH264,
	})
	videoID := out.(ProduceResponse).ID

	recv := h.transport(t, b, domain.DirectionRecv)
	c, perr := h.consume(t, b, recv, audioID, jb.RouterRtpCapabilities)
	require.Nil(t, perr)
	assert.Equal(t, "audio", c.Kind)
	require.Len(t, c.RtpParameters.Codecs, 1)
	assert.Equal(t, uint8(111), c.RtpParameters.Codecs[0].PayloadType)

	again, perr := h.consume(t, b, recv, audioID, jb.RouterRtpCapabilities)
	require.Nil(t, perr)
	assert.Equal(t, c.ID, again.ID)

	h.must(t, b, MethodResumeConsumer, map[string]string{"consumerId": c.ID})

	vc, perr := h.consume(t, b, recv, videoID, jb.RouterRtpCapabilities)
	require.Nil(t, perr)
	assert.Equal(t, uint8(102), vc.RtpParameters.Codecs[0].PayloadType)
	// key frame request is best effort before DTLS is up
	h.must(t, b, MethodResumeConsumer, map[string]string{"consumerId": vc.ID})

	h.must(t, a, MethodCloseProducer, map[string]string{"producerId": audioID})
	require.Len(t, h.delivery.received(peerB, NotifyProducerClosed), 1)

	room, ok := h.rooms.Get("dm:1")
	require.True(t, ok)
	pb, ok := room.GetPeer(peerB)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, found := pb.ConsumerFor(audioID)
		return !found
	}, 2*time.Second, 10*time.Millisecond)
	_, found := pb.ConsumerFor(videoID)
	assert.True(t, found)
}

func TestWorkerRejectionsAreBadRequests(t *testing.T) {
	h := newWorkerHarness(t)
	a, _ := h.connect(t, "a", "dm:1")
	h.join(t, a)
	send := h.transport(t, a, domain.DirectionSend)

	produce := func(kind string, params engine.RtpParameters) *Error {
		_, perr := h.call(t, a, MethodProduce, map[string]any{
			"transportId":   send,
			"kind":          kind,
			"rtpParameters": params,
		})
		return perr
	}

	noSsrc := engine.RtpParameters{Codecs: opus.Codecs}
	perr := produce("audio", noSsrc)
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
	assert.Contains(t, perr.Message, "ssrc")

	pcmu := engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/PCMU", PayloadType: 0, ClockRate: 8000}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 4444}},
	}
	perr = produce("audio", pcmu)
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
	assert.Contains(t, perr.Message, "no audio codec")

	// 96 is the router's VP8
	clash := engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 96, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 5555}},
	}
	perr = produce("audio", clash)
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)

	h.must(t, a, MethodConnectWebRtcTransport, connectParams(send))
	_, perr = h.call(t, a, MethodConnectWebRtcTransport, connectParams(send))
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
	assert.Contains(t, perr.Message, "already connected")

	// the transport survives every rejection
	h.must(t, a, MethodProduce, map[string]any{"transportId": send, "kind": "audio", "rtpParameters": opus})
}
