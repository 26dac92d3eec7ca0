// Package engine describes the media engine the signaling layer drives:
// workers own routers, routers own transports, transports own producers
// and consumers. Lifecycle events are delivered as channels. Done closes
// once the object is gone for any reason (explicit close, parent close,
// worker death).
package engine

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("engine: closed")
	ErrWorkerDied    = errors.New("engine: worker died")
	ErrNotFound      = errors.New("engine: object not found")
	ErrCannotConsume = errors.New("engine: cannot consume")
	// ErrInvalid wraps rejections of caller supplied parameters.
	ErrInvalid       = errors.New("engine: invalid parameters")
)

type Worker interface {
	Pid() int
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	// Died closes when the worker process exits. Err reports why.
	Died() <-chan struct{}
	Err() error
	Close() error
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	// CanConsume reports whether producerID, created on one of this
	// router's transports, can be delivered to a receiver with caps.
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	Close() error
	Done() <-chan struct{}
}

type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close() error
	Done() <-chan struct{}
}

type Producer interface {
	ID() string
	Kind() string
	RtpParameters() RtpParameters
	Paused() bool
	Close() error
	Done() <-chan struct{}
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	Type() string
	RtpParameters() RtpParameters
	Paused() bool
	ProducerPaused() bool
	Resume(ctx context.Context) error
	RequestKeyFrame(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
}

type RouterOptions struct {
	MediaCodecs []RtpCodecCapability `json:"mediaCodecs"`
}

type ListenInfo struct {
	IP               string `json:"ip"`
	AnnouncedAddress string `json:"announcedAddress,omitempty"`
}

type WebRtcTransportOptions struct {
	ListenInfos                     []ListenInfo   `json:"listenInfos"`
	PortMin                         uint16         `json:"portMin,omitempty"`
	PortMax                         uint16         `json:"portMax,omitempty"`
	InitialAvailableOutgoingBitrate uint32         `json:"initialAvailableOutgoingBitrate,omitempty"`
	AppData                         map[string]any `json:"appData,omitempty"`
}

type TransportInfo struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
}

type ProducerOptions struct {
	Kind          string        `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused,omitempty"`
}

type ConsumerOptions struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	Paused          bool            `json:"paused"`
}

// ProducerInfo and ConsumerInfo are what a worker reports back after
// creating the object.
type ProducerInfo struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	// ConsumableRtpParameters is the router-side view the CanConsume check
	// runs against.
	ConsumableRtpParameters RtpParameters `json:"consumableRtpParameters"`
	Paused                  bool          `json:"paused"`
}

type ConsumerInfo struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	Kind           string        `json:"kind"`
	Type           string        `json:"type"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
	Paused         bool          `json:"paused"`
	ProducerPaused bool          `json:"producerPaused"`
}

type RouterInfo struct {
	ID              string          `json:"id"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}
