package domain

// PeerState is the UI-facing state a participant reports about itself.
// No transport or lifecycle logic here.
type PeerState struct {
	SelfMute      bool `json:"selfMute"`
	SelfDeaf      bool `json:"selfDeaf"`
	ScreenSharing bool `json:"screenSharing"`
}

// PeerStatePatch carries optional updates; nil fields keep the prior value.
type PeerStatePatch struct {
	SelfMute      *bool `json:"selfMute,omitempty"`
	SelfDeaf      *bool `json:"selfDeaf,omitempty"`
	ScreenSharing *bool `json:"screenSharing,omitempty"`
}

func (s PeerState) Apply(p PeerStatePatch) PeerState {
	if p.SelfMute != nil {
		s.SelfMute = *p.SelfMute
	}
	if p.SelfDeaf != nil {
		s.SelfDeaf = *p.SelfDeaf
	}
	if p.ScreenSharing != nil {
		s.ScreenSharing = *p.ScreenSharing
	}
	return s
}
