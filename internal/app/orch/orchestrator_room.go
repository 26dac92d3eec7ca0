package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

func (o *Orchestrator) identify(ctx context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var req identifyRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, errorf(CodeBadRequest, "token required")
	}
	id, err := o.Verifier.Verify(req.Token)
	if err != nil {
		return nil, err
	}

	st := sess.Snapshot()
	if st.Joined && st.RoomID != id.RoomID {
		o.Close(ctx, sess)
	}
	peerID := sess.Identify(id.User, id.RoomID, o.newPeerID)
	if st.Joined && st.RoomID == id.RoomID {
		if room, ok := o.Rooms.Get(id.RoomID); ok {
			if peer, ok := room.GetPeer(peerID); ok {
				peer.SetUser(id.User)
			}
		}
	}

	log.Info().Str("module", "orch").Str("conn", string(sess.ConnID)).Str("user", string(id.UserID)).
		Str("room", string(id.RoomID)).Str("peer", string(peerID)).Msg("identified")
	return IdentifyResponse{PeerID: peerID, RoomID: id.RoomID, User: id.User}, nil
}

func (o *Orchestrator) join(ctx context.Context, sess *core.Session, _ json.RawMessage) (any, error) {
	st := sess.Snapshot()
	if !st.Joined && !o.Limiter.Allow(st.UserID) {
		return nil, errorf(CodeBadRequest, "rate limited")
	}

	var (
		room    *core.Room
		peer    *core.Peer
		created bool
		err     error
	)
	for attempt := 0; attempt < o.joinRetries; attempt++ {
		room, err = o.Rooms.GetOrCreate(ctx, st.RoomID)
		if err != nil {
			return nil, err
		}
		peer, created, err = room.CreatePeer(st.PeerID, st.User)
		if !errors.Is(err, core.ErrRoomClosed) {
			break
		}
		log.Debug().Str("module", "orch").Str("room", string(st.RoomID)).Msg("room evicted during join, retrying")
	}
	if err != nil {
		return nil, err
	}

	resp := JoinResponse{
		RouterRtpCapabilities: room.RtpCapabilities(),
		Peers:                 room.PeerSummaries(peer.ID),
		Producers:             room.ProducerSummaries(peer.ID),
	}
	if !created {
		return resp, nil
	}

	sess.SetJoined(true)
	if o.Delivery != nil {
		o.Delivery.BindPeer(sess.ConnID, peer.ID)
	}
	metrics.Peers.Inc()
	log.Info().Str("module", "orch").Str("room", string(room.ID)).Str("peer", string(peer.ID)).
		Int("members", room.PeerCount()).Msg("joined")

	o.broadcast(room, peer.ID, NotifyPeerJoined, peer.Summary())
	o.syncPresence(room.ID)
	return resp, nil
}

func (o *Orchestrator) leave(ctx context.Context, sess *core.Session, _ json.RawMessage) (any, error) {
	o.Close(ctx, sess)
	return empty{}, nil
}

// Close is the shared close path for leave and disconnect. It removes the
// session's peer, tells the rest of the room, evicts the room if it is
// now empty and resets the session to identified. Calling it on a session
// that is not joined does nothing.
func (o *Orchestrator) Close(_ context.Context, sess *core.Session) {
	st := sess.Snapshot()
	if !st.Joined {
		return
	}
	sess.SetJoined(false)
	if o.Delivery != nil {
		o.Delivery.UnbindPeer(sess.ConnID, st.PeerID)
	}

	room, ok := o.Rooms.Get(st.RoomID)
	if !ok {
		return
	}
	producerIDs, removed := room.RemovePeer(st.PeerID)
	if removed {
		metrics.Peers.Dec()
		for _, id := range producerIDs {
			o.broadcast(room, st.PeerID, NotifyProducerClosed, ProducerClosed{ProducerID: id, PeerID: st.PeerID})
		}
		o.broadcast(room, st.PeerID, NotifyPeerLeft, PeerLeft{PeerID: st.PeerID})
		log.Info().Str("module", "orch").Str("room", string(st.RoomID)).Str("peer", string(st.PeerID)).Msg("left")
	}
	o.Rooms.RemoveIfEmpty(st.RoomID)
	o.syncPresence(st.RoomID)
}

func (o *Orchestrator) updatePeerState(_ context.Context, sess *core.Session, data json.RawMessage) (any, error) {
	var patch domain.PeerStatePatch
	if err := decode(data, &patch); err != nil {
		return nil, err
	}
	room, peer, err := o.current(sess)
	if err != nil {
		return nil, err
	}
	state := peer.UpdateState(patch)
	update := PeerStateUpdated{PeerID: peer.ID, PeerState: state}
	o.broadcast(room, peer.ID, NotifyPeerStateUpdated, update)
	o.syncPresence(room.ID)
	return update, nil
}
