package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/adapters/signal"
	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/config"
	"github.com/dkeye/voice-sfu/internal/core"
)

// RoomLister feeds /api/rooms.
type RoomLister interface {
	List() []core.RoomInfo
}

// WorkerStats feeds /api/workers and the health check.
type WorkerStats interface {
	Stats() []app.WorkerStat
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController, rooms RoomLister, workers WorkerStats) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET(cfg.WSPath, func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	r.GET("/healthz", func(c *gin.Context) {
		alive := 0
		stats := workers.Stats()
		for _, w := range stats {
			if w.Alive {
				alive++
			}
		}
		status := http.StatusOK
		if alive == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"workers": len(stats), "alive": alive})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.List()})
	})
	api.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workers": workers.Stats()})
	})

	log.Info().Str("module", "adapters.http").Str("ws", cfg.WSPath).Msg("router setup")
	return r
}
