package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomID(t *testing.T) {
	loc, err := ParseRoomID("guild:g1:voice:c9")
	require.NoError(t, err)
	assert.Equal(t, RoomLocation{Kind: RoomKindGuild, GuildID: "g1", ChannelID: "c9"}, loc)

	loc, err = ParseRoomID("dm:42")
	require.NoError(t, err)
	assert.Equal(t, RoomLocation{Kind: RoomKindDM, ChannelID: "42"}, loc)

	for _, bad := range []string{"", "dm:", "dm:a:b", "guild:g:text:c", "guild::voice:c", "guild:g:voice:", "room:1"} {
		_, err := ParseRoomID(bad)
		assert.ErrorIs(t, err, ErrInvalidRoomID, bad)
	}

	assert.Equal(t, RoomID("guild:a:voice:b"), GuildRoomID("a", "b"))
	assert.Equal(t, RoomID("dm:x"), DMRoomID("x"))
}

func TestPeerStateApplyKeepsOmittedFields(t *testing.T) {
	yes := true
	s := PeerState{SelfDeaf: true, ScreenSharing: true}
	got := s.Apply(PeerStatePatch{SelfMute: &yes})
	assert.Equal(t, PeerState{SelfMute: true, SelfDeaf: true, ScreenSharing: true}, got)
}

func TestNewUserDefaults(t *testing.T) {
	u, err := NewUser("u1", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Username)
	assert.Equal(t, "u1", u.DisplayName)

	_, err = NewUser("", "x", "", "")
	assert.ErrorIs(t, err, ErrUserIDEmpty)
}

func TestSourceOf(t *testing.T) {
	assert.Equal(t, SourceScreen, SourceOf(map[string]any{"source": "screen", "other": 1}))
	assert.Equal(t, ProducerSource(""), SourceOf(map[string]any{"source": "webcam"}))
	assert.Equal(t, ProducerSource(""), SourceOf(nil))
}
