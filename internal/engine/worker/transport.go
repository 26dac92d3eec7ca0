package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/engine"
)

const gatherTimeout = 5 * time.Second

// Transport is one ICE-lite/DTLS endpoint built from the ORTC objects of
// pion. It never offers or answers SDP; parameters are exchanged through
// the control channel.
type Transport struct {
	id      string
	router  *Router
	info    engine.TransportInfo
	bitrate uint32

	api      *webrtc.API
	media    *webrtc.MediaEngine
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	ctx    context.Context
	cancel context.CancelFunc
	// ready closes once DTLS is up and SRTP keys exist.
	ready      chan struct{}
	connecting atomic.Bool
	closed     atomic.Bool
	onFail     func()

	// payloadMimes is every payload type the media engine resolves.
	ptMu         sync.Mutex
	payloadMimes map[uint8]string

	logger zerolog.Logger
}

func settingEngine(opts engine.WebRtcTransportOptions) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	if opts.PortMin > 0 && opts.PortMax >= opts.PortMin {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return se, fmt.Errorf("port range: %w", err)
		}
	}

	var listen []net.IP
	var announced []string
	for _, li := range opts.ListenInfos {
		ip := net.ParseIP(li.IP)
		if ip == nil {
			return se, fmt.Errorf("invalid listen ip %q", li.IP)
		}
		if !ip.IsUnspecified() {
			listen = append(listen, ip)
		}
		if ip.IsLoopback() {
			se.SetIncludeLoopbackCandidate(true)
		}
		if li.AnnouncedAddress != "" {
			announced = append(announced, li.AnnouncedAddress)
		}
	}
	if len(listen) > 0 {
		se.SetIPFilter(func(ip net.IP) bool {
			for _, l := range listen {
				if l.Equal(ip) {
					return true
				}
			}
			return false
		})
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}
	return se, nil
}

func (w *Worker) createTransport(ctx context.Context, r *Router, opts engine.WebRtcTransportOptions) (*Transport, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("router %s: %w", r.id, engine.ErrClosed)
	}
	se, err := settingEngine(opts)
	if err != nil {
		return nil, err
	}
	m, err := newMediaEngine(r.caps)
	if err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(ir))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       uuid.NewString(),
		router:   r,
		bitrate:  opts.InitialAvailableOutgoingBitrate,
		api:      api,
		media:    m,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),

		payloadMimes: make(map[uint8]string, len(r.caps.Codecs)),
	}
	for _, c := range r.caps.Codecs {
		t.payloadMimes[c.PreferredPayloadType] = c.MimeType
	}
	t.ctx, t.cancel = context.WithCancel(w.ctx)
	t.logger = log.With().Str("module", "worker").Str("transport", t.id).Logger()
	t.onFail = func() { w.closeTransport(t) }

	if err := t.gather(ctx); err != nil {
		t.cancel()
		t.stop()
		return nil, err
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("state", s.String()).Msg("ice state")
		if s == webrtc.ICETransportStateFailed {
			go t.onFail()
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Debug().Str("state", s.String()).Msg("dtls state")
		if s == webrtc.DTLSTransportStateFailed || s == webrtc.DTLSTransportStateClosed {
			go t.onFail()
		}
	})

	w.mu.Lock()
	if r.closed.Load() {
		w.mu.Unlock()
		t.closed.Store(true)
		t.cancel()
		t.stop()
		return nil, fmt.Errorf("router %s: %w", r.id, engine.ErrClosed)
	}
	w.transports[t.id] = t
	w.mu.Unlock()

	t.logger.Info().
		Str("router", r.id).
		Int("candidates", len(t.info.IceCandidates)).
		Uint32("initial_bitrate", t.bitrate).
		Msg("transport created")
	return t, nil
}

func (t *Transport) gather(ctx context.Context) error {
	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		return errors.New("gather: timed out")
	case <-ctx.Done():
		return ctx.Err()
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	t.info = engine.TransportInfo{
		ID: t.id,
		IceParameters: engine.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		IceCandidates:  engineCandidates(candidates),
		DtlsParameters: engineDtlsParameters(dtlsParams),
	}
	return nil
}

// connect returns as soon as the remote parameters are accepted. ICE and
// DTLS complete in the background; failure closes the transport.
func (t *Transport) connect(params engine.ConnectParams) error {
	if t.closed.Load() {
		return fmt.Errorf("transport %s: %w", t.id, engine.ErrClosed)
	}
	if params.IceParameters == nil || params.IceParameters.UsernameFragment == "" {
		return fmt.Errorf("%w: iceParameters required", engine.ErrInvalid)
	}
	if len(params.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtlsParameters.fingerprints required", engine.ErrInvalid)
	}
	if !t.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: transport %s already connected", engine.ErrInvalid, t.id)
	}

	remoteIce := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
	}
	go t.establish(remoteIce, pionDtlsParameters(params.DtlsParameters))
	return nil
}

func (t *Transport) establish(remoteIce webrtc.ICEParameters, remoteDtls webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteIce, &role); err != nil {
		t.logger.Warn().Err(err).Msg("ice start failed")
		t.onFail()
		return
	}
	if err := t.dtls.Start(remoteDtls); err != nil {
		t.logger.Warn().Err(err).Msg("dtls start failed")
		t.onFail()
		return
	}
	close(t.ready)
	t.logger.Info().Msg("transport connected")
}

func (t *Transport) stop() {
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
}
