package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voice-sfu/internal/adapters/http"
	wssignal "github.com/dkeye/voice-sfu/internal/adapters/signal"
	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/app/orch"
	"github.com/dkeye/voice-sfu/internal/config"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/proc"
	"github.com/dkeye/voice-sfu/internal/presence"
	"github.com/dkeye/voice-sfu/internal/token"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !cfg.Debug {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	pool := app.NewPool(func(ctx context.Context, slot int) (engine.Worker, error) {
		w, err := proc.Spawn(ctx, proc.Options{
			Bin:  cfg.WorkerBin,
			Args: []string{"--slot", strconv.Itoa(slot), "--log-level", cfg.LogLevel},
			Slot: slot,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	if err := pool.Init(ctx, cfg.WorkerCount); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer pool.Close()

	rooms := app.NewRoomManager(pool, core.TransportSettings{
		ListenIP:               cfg.ListenIP,
		AnnouncedAddress:       cfg.AnnouncedAddress,
		PortMin:                uint16(cfg.RTCMinPort),
		PortMax:                uint16(cfg.RTCMaxPort),
		InitialOutgoingBitrate: uint32(cfg.InitialOutgoingBitrate),
	})

	policy, err := app.ParsePolicy(cfg.BackpressurePolicy)
	if err != nil {
		return err
	}
	reg := app.NewRegistry()

	syncer := presence.New(presence.Options{
		BaseURL: cfg.ChatAPIBase,
		Path:    cfg.PresencePath,
		Secret:  cfg.InternalSyncSecret,
	})
	syncer.Start(ctx)
	defer syncer.Close()

	o := orch.New(rooms, token.NewVerifier(cfg.VoiceTokenSecret), wssignal.NewNotifier(reg, policy))
	o.Presence = syncer
	o.Limiter = app.NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval)
	o.ICE = orch.ICEConfig{TransportPolicy: cfg.ICETransportPolicy}
	for _, s := range cfg.ICEServers {
		o.ICE.Servers = append(o.ICE.Servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	ctl := wssignal.NewSignalWSController(o, reg, wssignal.Options{
		ReadLimit:         cfg.ReadLimit,
		PingPeriod:        cfg.PingPeriod,
		SendBuffer:        cfg.SendBuffer,
		AllowNetworkHints: cfg.Debug,
	})

	r := router.SetupRouter(ctx, cfg, ctl, rooms, pool)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("workers", cfg.WorkerCount).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		ctl.Shutdown(shutdownCtx)
		rooms.CloseAll()
		return nil
	})
	return g.Wait()
}
