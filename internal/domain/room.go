package domain

import (
	"errors"
	"strings"
)

type (
	RoomID string
	PeerID string
)

const (
	RoomKindDM    = "dm"
	RoomKindGuild = "guild"
)

var ErrInvalidRoomID = errors.New("invalid room id")

// RoomLocation is the chat-side address of a voice room.
// GuildID is empty for direct-message calls.
type RoomLocation struct {
	Kind      string
	GuildID   string
	ChannelID string
}

// DMRoomID returns the canonical id of a direct-message call.
func DMRoomID(channelID string) RoomID {
	return RoomID("dm:" + channelID)
}

// GuildRoomID returns the canonical id of a guild voice channel.
func GuildRoomID(guildID, channelID string) RoomID {
	return RoomID("guild:" + guildID + ":voice:" + channelID)
}

// ParseRoomID accepts exactly "dm:X" or "guild:X:voice:Y" with non-empty,
// colon-free segments.
func ParseRoomID(raw string) (RoomLocation, error) {
	parts := strings.Split(raw, ":")
	switch {
	case len(parts) == 2 && parts[0] == RoomKindDM && validSegment(parts[1]):
		return RoomLocation{Kind: RoomKindDM, ChannelID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == RoomKindGuild && parts[2] == "voice" &&
		validSegment(parts[1]) && validSegment(parts[3]):
		return RoomLocation{Kind: RoomKindGuild, GuildID: parts[1], ChannelID: parts[3]}, nil
	}
	return RoomLocation{}, ErrInvalidRoomID
}

func (id RoomID) Location() (RoomLocation, error) {
	return ParseRoomID(string(id))
}

func validSegment(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == '/' || r == '?' || r == '#' {
			return false
		}
	}
	return true
}
