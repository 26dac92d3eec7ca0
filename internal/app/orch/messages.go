package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
)

// Request methods.
const (
	MethodIdentify               = "identify"
	MethodJoin                   = "join"
	MethodLeave                  = "leave"
	MethodCreateWebRtcTransport  = "createWebRtcTransport"
	MethodConnectWebRtcTransport = "connectWebRtcTransport"
	MethodProduce                = "produce"
	MethodCloseProducer          = "closeProducer"
	MethodConsume                = "consume"
	MethodResumeConsumer         = "resumeConsumer"
	MethodUpdatePeerState        = "updatePeerState"
)

// Notification methods.
const (
	NotifyPeerJoined       = "peerJoined"
	NotifyPeerLeft         = "peerLeft"
	NotifyNewProducer      = "newProducer"
	NotifyProducerClosed   = "producerClosed"
	NotifyPeerStateUpdated = "peerStateUpdated"
)

type identifyRequest struct {
	Token string `json:"token"`
}

type IdentifyResponse struct {
	PeerID domain.PeerID `json:"peerId"`
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
}

type JoinResponse struct {
	RouterRtpCapabilities engine.RtpCapabilities `json:"routerRtpCapabilities"`
	Peers                 []core.PeerSummary     `json:"peers"`
	Producers             []core.ProducerSummary `json:"producers"`
}

type createTransportRequest struct {
	Direction string `json:"direction"`
}

type TransportResponse struct {
	ID                 string                `json:"id"`
	Direction          domain.Direction      `json:"direction"`
	IceParameters      engine.IceParameters  `json:"iceParameters"`
	IceCandidates      []engine.IceCandidate `json:"iceCandidates"`
	DtlsParameters     engine.DtlsParameters `json:"dtlsParameters"`
	IceServers         []webrtc.ICEServer    `json:"iceServers,omitempty"`
	IceTransportPolicy string                `json:"iceTransportPolicy,omitempty"`
}

type connectTransportRequest struct {
	TransportID    string                 `json:"transportId"`
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *engine.IceParameters  `json:"iceParameters"`
}

type produceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          string               `json:"kind"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type consumeRequest struct {
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID             string               `json:"id"`
	ProducerID     string               `json:"producerId"`
	PeerID         domain.PeerID        `json:"peerId"`
	Kind           string               `json:"kind"`
	Type           string               `json:"type"`
	RtpParameters  engine.RtpParameters `json:"rtpParameters"`
	AppData        map[string]any       `json:"appData"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type consumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type PeerLeft struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerClosed struct {
	ProducerID string        `json:"producerId"`
	PeerID     domain.PeerID `json:"peerId"`
}

type PeerStateUpdated struct {
	PeerID domain.PeerID `json:"peerId"`
	domain.PeerState
}

// empty encodes as {}.
type empty struct{}
