package relay

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// TrackWriter is the consumer side of a relay, usually a
// *webrtc.TrackLocalStaticRTP.
type TrackWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single outgoing copy of a producer.
type OutTrack struct {
	Track TrackWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track TrackWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is terminal.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
