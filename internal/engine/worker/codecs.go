package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voice-sfu/internal/engine"
)

// payloadTypes pins the payload type per codec so that router
// capabilities, the per-transport media engines and the parameters handed
// to clients agree.
var payloadTypes = map[string]uint8{
	strings.ToLower(webrtc.MimeTypeOpus): 111,
	strings.ToLower(webrtc.MimeTypeVP8):  96,
	strings.ToLower(webrtc.MimeTypeH264): 102,
}

var videoFeedback = []engine.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// routerCapabilities fills in payload types and feedback for the codecs a
// router is created with.
func routerCapabilities(codecs []engine.RtpCodecCapability) (engine.RtpCapabilities, error) {
	var caps engine.RtpCapabilities
	for _, c := range codecs {
		pt, ok := payloadTypes[strings.ToLower(c.MimeType)]
		if !ok {
			return caps, fmt.Errorf("unsupported codec %s", c.MimeType)
		}
		c.PreferredPayloadType = pt
		if c.Kind == "" {
			c.Kind, _, _ = strings.Cut(strings.ToLower(c.MimeType), "/")
		}
		if c.Kind == "video" && len(c.RtcpFeedback) == 0 {
			c.RtcpFeedback = videoFeedback
		}
		if c.Kind == "audio" && c.MimeType == webrtc.MimeTypeOpus && c.Parameters == nil {
			c.Parameters = map[string]any{"minptime": 10, "useinbandfec": 1}
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	return caps, nil
}

func newMediaEngine(caps engine.RtpCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: pionCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, webrtc.NewRTPCodecType(c.Kind))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}

func pionCapability(c engine.RtpCodecCapability) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, f := range c.RtcpFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

// fmtpLine renders codec parameters in a stable key order.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

// consumableParameters maps what a client produces onto the router's
// codec table. The first media codec the router knows wins. Codecs match
// on mime type, clock rate and channels; the client's payload type is
// kept.
func consumableParameters(caps engine.RtpCapabilities, kind string, in engine.RtpParameters) (engine.RtpParameters, error) {
	if len(in.Encodings) == 0 || in.Encodings[0].Ssrc == 0 {
		return engine.RtpParameters{}, fmt.Errorf("%w: rtpParameters.encodings[0].ssrc required", engine.ErrInvalid)
	}
	for _, p := range in.Codecs {
		for _, c := range caps.Codecs {
			if c.Kind != kind {
				continue
			}
			single := engine.RtpParameters{Codecs: []engine.RtpCodecParameters{p}}
			if !engine.CanConsume(single, engine.RtpCapabilities{Codecs: []engine.RtpCodecCapability{c}}) {
				continue
			}
			return engine.RtpParameters{
				Codecs: []engine.RtpCodecParameters{{
					MimeType:     c.MimeType,
					PayloadType:  p.PayloadType,
					ClockRate:    c.ClockRate,
					Channels:     c.Channels,
					Parameters:   c.Parameters,
					RtcpFeedback: c.RtcpFeedback,
				}},
				Encodings: []engine.RtpEncodingParameters{{Ssrc: in.Encodings[0].Ssrc}},
				Rtcp:      in.Rtcp,
			}, nil
		}
	}
	return engine.RtpParameters{}, fmt.Errorf("%w: no %s codec in rtpParameters is supported by the router", engine.ErrInvalid, kind)
}

// consumerParameters describes what the worker sends on a consumer:
// the router's payload type and the sender's own ssrc.
func consumerParameters(caps engine.RtpCapabilities, consumable engine.RtpParameters, ssrc uint32) engine.RtpParameters {
	codec := consumable.Codecs[0]
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			codec.PayloadType = c.PreferredPayloadType
			break
		}
	}
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{codec},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:      engine.RtcpParameters{Cname: consumable.Rtcp.Cname, ReducedSize: true},
	}
}

func pionDtlsParameters(p engine.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func engineDtlsParameters(p webrtc.DTLSParameters) engine.DtlsParameters {
	out := engine.DtlsParameters{Role: "auto"}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func engineCandidates(in []webrtc.ICECandidate) []engine.IceCandidate {
	out := make([]engine.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, engine.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

// acceptPayloadType makes the transport's media engine resolve the
// producer's payload type. A payload type already bound to another codec
// on this transport is rejected.
func (t *Transport) acceptPayloadType(typ webrtc.RTPCodecType, c engine.RtpCodecParameters) error {
	t.ptMu.Lock()
	defer t.ptMu.Unlock()
	if mime, ok := t.payloadMimes[c.PayloadType]; ok {
		if strings.EqualFold(mime, c.MimeType) {
			return nil
		}
		return fmt.Errorf("%w: payload type %d already carries %s", engine.ErrInvalid, c.PayloadType, mime)
	}
	err := t.media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pionCapability(engine.RtpCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   c.Parameters,
			RtcpFeedback: c.RtcpFeedback,
		}),
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}, typ)
	if err != nil {
		return fmt.Errorf("register payload type %d: %w", c.PayloadType, err)
	}
	t.payloadMimes[c.PayloadType] = c.MimeType
	return nil
}
