package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

// Notifier delivers notifications to joined peers through the registry.
// Receivers whose send buffer is full are handled by the policy.
type Notifier struct {
	*app.Registry
	Policy app.Policy
}

func NewNotifier(reg *app.Registry, policy app.Policy) *Notifier {
	if policy == nil {
		policy = app.SimplePolicy{Action: app.DropFrame}
	}
	return &Notifier{Registry: reg, Policy: policy}
}

func (n *Notifier) Notify(room domain.RoomID, peers []domain.PeerID, method string, data any) {
	frame, err := json.Marshal(notification{Notification: true, Method: method, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("method", method).Msg("notification marshal")
		return
	}
	for _, peer := range peers {
		conn, _, ok := n.ConnOfPeer(peer)
		if !ok {
			continue
		}
		err := conn.TrySend(core.Frame(frame))
		if err == nil || !errors.Is(err, core.ErrBackpressure) {
			continue
		}
		metrics.DroppedNotifications.Inc()
		switch n.Policy.OnBackPressure(room, peer) {
		case app.KickMember:
			log.Warn().Str("module", "signal").Str("room", string(room)).Str("peer", string(peer)).Msg("kicking slow peer")
			conn.CloseWith(CloseBackpressure, "send buffer full")
		case app.MarkSlow, app.DropFrame, app.NoAction:
			log.Warn().Str("module", "signal").Str("room", string(room)).Str("peer", string(peer)).Str("method", method).Msg("dropped notification")
		}
	}
}
