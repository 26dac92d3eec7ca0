// Command voice-worker is the media worker process. The signaling server
// spawns one per pool slot and drives it over stdin/stdout; logs go to
// stderr as JSON.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/dkeye/voice-sfu/internal/engine/channel"
	"github.com/dkeye/voice-sfu/internal/engine/worker"
)

func main() {
	slot := flag.Int("slot", 0, "pool slot index, for logs")
	level := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	// SIGINT goes to the whole process group on Ctrl-C; the parent
	// decides when this worker stops by closing stdin.
	signal.Ignore(syscall.SIGINT)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Int("slot", *slot).Logger()
	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	server := channel.NewServer(os.Stdin, os.Stdout)
	w := worker.New(ctx, server.Notify)

	log.Info().Str("module", "worker").Int("pid", os.Getpid()).Msg("worker ready")
	err = server.Serve(ctx, w)
	w.Close()
	if err != nil && ctx.Err() == nil {
		log.Error().Str("module", "worker").Err(err).Msg("control channel failed")
		os.Exit(1)
	}
	log.Info().Str("module", "worker").Msg("worker exiting")
}
