package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/app/orch"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

const writeWait = 5 * time.Second

type response struct {
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Data  any         `json:"data,omitempty"`
	Error *orch.Error `json:"error,omitempty"`
}

type notification struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles frames in arrival order. When it returns the shared
// close path runs once for the connection.
func (ctl *SignalWSController) readPump(ctx context.Context, sess *core.Session, c *WsSignalConn) {
	defer func() {
		ctl.Orch.Close(context.Background(), sess)
		ctl.Registry.Unbind(sess.ConnID)
		c.Close()
		metrics.Connections.Dec()
		log.Info().Str("module", "signal").Str("conn", string(sess.ConnID)).Msg("readPump closing")
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(sess.ConnID)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(ctx, sess, c, data)
	}
}

// handleFrame parses {id, method, data}. Frames without a string id are
// dropped; everything else gets exactly one response.
func (ctl *SignalWSController) handleFrame(ctx context.Context, sess *core.Session, c *WsSignalConn, data []byte) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(sess.ConnID)).Msg("dropping malformed frame")
		return
	}
	var id string
	raw := env["id"]
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &id) != nil {
		log.Debug().Str("module", "signal").Str("conn", string(sess.ConnID)).Msg("dropping frame without id")
		return
	}
	var method string
	if err := json.Unmarshal(env["method"], &method); err != nil {
		ctl.respond(ctx, c, id, nil, &orch.Error{Code: orch.CodeBadRequest, Message: "method must be a string"})
		return
	}

	out, err := ctl.dispatch(ctx, sess, method, env["data"])
	if err != nil {
		ctl.respond(ctx, c, id, nil, orch.AsError(err))
		return
	}
	ctl.respond(ctx, c, id, out, nil)
}

func (ctl *SignalWSController) dispatch(ctx context.Context, sess *core.Session, method string, data json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("conn", string(sess.ConnID)).Str("method", method).
				Interface("panic", r).Msg("handler panic")
			metrics.Requests.WithLabelValues(method, string(orch.CodeInternal)).Inc()
			out, err = nil, orch.Internal
		}
	}()
	return ctl.Orch.Handle(ctx, sess, method, data)
}

func (ctl *SignalWSController) respond(ctx context.Context, c *WsSignalConn, id string, data any, perr *orch.Error) {
	resp := response{ID: id, OK: perr == nil, Data: data, Error: perr}
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("id", id).Msg("response marshal")
		b, _ = json.Marshal(response{ID: id, Error: orch.Internal})
	}
	if err := c.Send(ctx, b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("id", id).Msg("response not delivered")
	}
}
