// Package orch is the signaling protocol handler: dispatch by method name,
// session state gating and the join/produce/consume state machine.
package orch

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/metrics"
	"github.com/dkeye/voice-sfu/internal/presence"
	"github.com/dkeye/voice-sfu/internal/token"
)

// Rooms is the room registry as the handler sees it.
type Rooms interface {
	GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, error)
	Get(id domain.RoomID) (*core.Room, bool)
	RemoveIfEmpty(id domain.RoomID) bool
}

// Delivery routes notifications to joined peers. Peers become reachable
// after BindPeer.
type Delivery interface {
	BindPeer(conn core.ConnID, peer domain.PeerID) bool
	UnbindPeer(conn core.ConnID, peer domain.PeerID)
	Notify(room domain.RoomID, peers []domain.PeerID, method string, data any)
}

// PresenceSink receives room snapshots after membership or state changes.
type PresenceSink interface {
	Push(presence.Snapshot)
}

// ICEConfig is handed to clients with every new transport.
type ICEConfig struct {
	Servers []webrtc.ICEServer
	// TransportPolicy is "all" or "relay"; empty leaves the client default.
	TransportPolicy string
}

type Orchestrator struct {
	Rooms    Rooms
	Verifier *token.Verifier
	Delivery Delivery
	Presence PresenceSink
	Limiter  *app.JoinRateLimiter
	ICE      ICEConfig

	// joinRetries bounds how often join retries against a room that was
	// evicted between lookup and peer creation.
	joinRetries int
	newPeerID   func() domain.PeerID
}

func New(rooms Rooms, verifier *token.Verifier, delivery Delivery) *Orchestrator {
	return &Orchestrator{
		Rooms:       rooms,
		Verifier:    verifier,
		Delivery:    delivery,
		joinRetries: 3,
		newPeerID:   func() domain.PeerID { return domain.PeerID(uuid.NewString()) },
	}
}

type handlerFunc func(o *Orchestrator, ctx context.Context, sess *core.Session, data json.RawMessage) (any, error)

// gate is the lowest session state a method accepts.
type gate int

const (
	anyState gate = iota
	identified
	joined
)

type route struct {
	gate gate
	fn   handlerFunc
}

var routes = map[string]route{
	MethodIdentify:               {anyState, (*Orchestrator).identify},
	MethodJoin:                   {identified, (*Orchestrator).join},
	MethodLeave:                  {anyState, (*Orchestrator).leave},
	MethodCreateWebRtcTransport:  {joined, (*Orchestrator).createWebRtcTransport},
	MethodConnectWebRtcTransport: {joined, (*Orchestrator).connectWebRtcTransport},
	MethodProduce:                {joined, (*Orchestrator).produce},
	MethodCloseProducer:          {joined, (*Orchestrator).closeProducer},
	MethodConsume:                {joined, (*Orchestrator).consume},
	MethodResumeConsumer:         {joined, (*Orchestrator).resumeConsumer},
	MethodUpdatePeerState:        {joined, (*Orchestrator).updatePeerState},
}

// Handle runs one request to completion. The returned error, if any, is
// always a *Error.
func (o *Orchestrator) Handle(ctx context.Context, sess *core.Session, method string, data json.RawMessage) (any, error) {
	r, ok := routes[method]
	if !ok {
		metrics.Requests.WithLabelValues("unknown", string(CodeUnknownMethod)).Inc()
		return nil, errorf(CodeUnknownMethod, "unknown method %q", method)
	}
	out, err := o.dispatch(ctx, sess, r, data)
	if err != nil {
		pe := AsError(err)
		ev := log.Debug()
		if pe.Code == CodeInternal {
			ev = log.Error()
		}
		ev.Str("module", "orch").Str("conn", string(sess.ConnID)).Str("method", method).Err(err).Msg("request failed")
		metrics.Requests.WithLabelValues(method, string(pe.Code)).Inc()
		return nil, pe
	}
	metrics.Requests.WithLabelValues(method, "ok").Inc()
	return out, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, sess *core.Session, r route, data json.RawMessage) (any, error) {
	st := sess.Snapshot()
	if r.gate >= identified && !st.Identified {
		return nil, errorf(CodeUnauthorized, "identify first")
	}
	if r.gate >= joined && !st.Joined {
		return nil, errorf(CodeNotJoined, "join first")
	}
	return r.fn(o, ctx, sess, data)
}

// decode reads the request payload into v. A missing payload is an empty
// object.
func decode(data json.RawMessage, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errorf(CodeBadRequest, "malformed payload: %v", err)
	}
	return nil
}

// current resolves the room and peer of a joined session.
func (o *Orchestrator) current(sess *core.Session) (*core.Room, *core.Peer, error) {
	st := sess.Snapshot()
	room, ok := o.Rooms.Get(st.RoomID)
	if !ok {
		return nil, nil, errorf(CodeRoomNotFound, "room %s not found", st.RoomID)
	}
	peer, ok := room.GetPeer(st.PeerID)
	if !ok {
		return nil, nil, errorf(CodePeerNotFound, "peer %s not found", st.PeerID)
	}
	return room, peer, nil
}

// broadcast notifies every member of room except exclude.
func (o *Orchestrator) broadcast(room *core.Room, exclude domain.PeerID, method string, data any) {
	peers := room.PeerIDs(exclude)
	if len(peers) == 0 || o.Delivery == nil {
		return
	}
	o.Delivery.Notify(room.ID, peers, method, data)
}

// syncPresence pushes the current membership of id. An evicted room is
// pushed with no participants.
func (o *Orchestrator) syncPresence(id domain.RoomID) {
	if o.Presence == nil {
		return
	}
	loc, err := id.Location()
	if err != nil {
		return
	}
	snap := presence.Snapshot{GuildID: loc.GuildID, ChannelID: loc.ChannelID, Participants: []presence.Participant{}}
	if room, ok := o.Rooms.Get(id); ok {
		for _, p := range room.PeerSummaries("") {
			snap.Participants = append(snap.Participants, presence.Participant{
				SocketID:      string(p.PeerID),
				User:          p.User,
				SelfMute:      p.SelfMute,
				SelfDeaf:      p.SelfDeaf,
				ScreenSharing: p.ScreenSharing,
			})
		}
	}
	o.Presence.Push(snap)
}
