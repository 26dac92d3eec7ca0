package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/app/orch"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

// Websocket close codes the server uses. The client decides from the code
// whether reconnecting makes sense.
const (
	CloseInvalidToken = 4001
	CloseBackpressure = 4008
)

var ErrConnClosed = errors.New("signal: connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// AllowNetworkHints honours the announcedIp query parameter.
	AllowNetworkHints bool
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Registry *app.Registry

	opts     Options
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, reg *app.Registry, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &SignalWSController{
		Orch:     o,
		Registry: reg,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	// done closes first on shutdown so blocked senders let go of mu.
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Send queues f, waiting for room in the buffer. Responses go this way so
// every request gets its answer.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) CloseWith(code int, reason string) {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (c *WsSignalConn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// HandleSignal upgrades the request and runs the connection until either
// side closes it. An optional token query parameter identifies the
// session before the first frame.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := core.ConnID(uuid.NewString())
	var override core.NetworkOverride
	if hint := c.Query("announcedIp"); hint != "" && ctl.opts.AllowNetworkHints {
		if net.ParseIP(hint) != nil {
			override.AnnouncedAddress = hint
		} else {
			log.Warn().Str("module", "signal").Str("conn", string(id)).Str("hint", hint).Msg("ignoring bad announcedIp")
		}
	}
	sess := core.NewSession(id, override)
	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)

	if raw := c.Query("token"); raw != "" {
		data, _ := json.Marshal(map[string]string{"token": raw})
		if _, err := ctl.Orch.Handle(ctx, sess, orch.MethodIdentify, data); err != nil {
			log.Info().Str("module", "signal").Str("conn", string(id)).Err(err).Msg("rejecting connection")
			conn.CloseWith(CloseInvalidToken, "invalid voice token")
			return
		}
	}

	ctl.Registry.Bind(conn, sess)
	metrics.Connections.Inc()
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("remote", c.ClientIP()).Msg("new WS connection")

	connCtx, cancel := context.WithCancel(ctx)
	ctl.wg.Add(2)
	go func() {
		defer ctl.wg.Done()
		ctl.writePump(connCtx, cancel, conn)
	}()
	go func() {
		defer ctl.wg.Done()
		ctl.readPump(connCtx, sess, conn)
		cancel()
	}()
}

// Shutdown closes every connection with "going away" and waits for their
// close paths to finish or ctx to end.
func (ctl *SignalWSController) Shutdown(ctx context.Context) {
	conns := ctl.Registry.Conns()
	for _, c := range conns {
		c.CloseWith(websocket.CloseGoingAway, "server shutdown")
	}
	finished := make(chan struct{})
	go func() {
		ctl.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		log.Warn().Str("module", "signal").Msg("shutdown timed out waiting for connections")
	}
	log.Info().Str("module", "signal").Int("connections", len(conns)).Msg("signal connections closed")
}
