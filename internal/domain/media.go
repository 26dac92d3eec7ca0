package domain

import "errors"

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// ProducerSource is the only appData key the server interprets.
type ProducerSource string

const (
	SourceMic    ProducerSource = "mic"
	SourceScreen ProducerSource = "screen"
)

var (
	ErrBadDirection = errors.New("direction must be send or recv")
	ErrBadKind      = errors.New("kind must be audio or video")
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionSend, DirectionRecv:
		return Direction(s), nil
	}
	return "", ErrBadDirection
}

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindAudio, KindVideo:
		return MediaKind(s), nil
	}
	return "", ErrBadKind
}

// SourceOf reads the "source" tag from producer appData. Unknown or
// missing values yield an empty source; the rest of the map is opaque.
func SourceOf(appData map[string]any) ProducerSource {
	v, ok := appData["source"].(string)
	if !ok {
		return ""
	}
	switch ProducerSource(v) {
	case SourceMic, SourceScreen:
		return ProducerSource(v)
	}
	return ""
}
