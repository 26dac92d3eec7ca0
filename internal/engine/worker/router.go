package worker

import (
	"sync/atomic"

	"github.com/dkeye/voice-sfu/internal/engine"
)

// Router groups the transports of one room. Producers are only
// consumable through transports of the same router.
type Router struct {
	id     string
	caps   engine.RtpCapabilities
	closed atomic.Bool
}
