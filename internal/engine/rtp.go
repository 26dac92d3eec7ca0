package engine

import (
	"strconv"
	"strings"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 string         `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32         `json:"ssrc,omitempty"`
	Rid             string         `json:"rid,omitempty"`
	Rtx             *RtxParameters `json:"rtx,omitempty"`
	MaxBitrate      uint32         `json:"maxBitrate,omitempty"`
	ScalabilityMode string         `json:"scalabilityMode,omitempty"`
	Dtx             bool           `json:"dtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// DefaultMediaCodecs is the codec set every room router is created with.
func DefaultMediaCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:      "audio",
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      "video",
			MimeType:  "video/VP8",
			ClockRate: 90000,
		},
		{
			Kind:      "video",
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

func (c RtpCodecCapability) matches(p RtpCodecParameters) bool {
	if !strings.EqualFold(c.MimeType, p.MimeType) || c.ClockRate != p.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		cc, pc := c.Channels, p.Channels
		if cc == 0 {
			cc = 1
		}
		if pc == 0 {
			pc = 1
		}
		if cc != pc {
			return false
		}
	}
	if strings.EqualFold(c.MimeType, "video/H264") {
		if paramString(c.Parameters, "packetization-mode", "0") != paramString(p.Parameters, "packetization-mode", "0") {
			return false
		}
	}
	return true
}

// CanConsume reports whether a receiver advertising caps can decode at
// least one media codec of consumable. RTX and other feedback-only codecs
// do not count.
func CanConsume(consumable RtpParameters, caps RtpCapabilities) bool {
	for _, p := range consumable.Codecs {
		if isFeatureCodec(p.MimeType) {
			continue
		}
		for _, c := range caps.Codecs {
			if c.matches(p) {
				return true
			}
		}
	}
	return false
}

func isFeatureCodec(mime string) bool {
	_, sub, _ := strings.Cut(strings.ToLower(mime), "/")
	switch sub {
	case "rtx", "red", "ulpfec", "flexfec":
		return true
	}
	return false
}

func paramString(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return def
}
