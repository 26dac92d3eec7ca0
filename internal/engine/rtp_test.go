package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func opusParams() RtpParameters {
	return RtpParameters{Codecs: []RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}}}
}

func TestCanConsume(t *testing.T) {
	caps := RtpCapabilities{Codecs: DefaultMediaCodecs()}

	assert.True(t, CanConsume(opusParams(), caps))

	// receiver lacking opus
	videoOnly := RtpCapabilities{Codecs: []RtpCodecCapability{{Kind: "video", MimeType: "video/VP8", ClockRate: 90000}}}
	assert.False(t, CanConsume(opusParams(), videoOnly))

	// channel mismatch
	mono := RtpCapabilities{Codecs: []RtpCodecCapability{{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 1}}}
	assert.False(t, CanConsume(opusParams(), mono))

	// rtx alone is not enough
	rtxOnly := RtpParameters{Codecs: []RtpCodecParameters{{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000}}}
	assert.False(t, CanConsume(rtxOnly, RtpCapabilities{Codecs: []RtpCodecCapability{{MimeType: "video/rtx", ClockRate: 90000}}}))

	assert.False(t, CanConsume(opusParams(), RtpCapabilities{}))
}

func TestCanConsumeH264PacketizationMode(t *testing.T) {
	h264 := RtpParameters{Codecs: []RtpCodecParameters{{
		MimeType:   "video/H264",
		ClockRate:  90000,
		Parameters: map[string]any{"packetization-mode": float64(1)},
	}}}
	assert.True(t, CanConsume(h264, RtpCapabilities{Codecs: DefaultMediaCodecs()}))

	mode0 := RtpCapabilities{Codecs: []RtpCodecCapability{{MimeType: "video/h264", ClockRate: 90000}}}
	assert.False(t, CanConsume(h264, mode0))
}
