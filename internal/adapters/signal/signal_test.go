package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/app/orch"
	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine/enginetest"
	"github.com/dkeye/voice-sfu/internal/token"
)

const secret = "ws-secret"

type server struct {
	url   string
	ctl   *SignalWSController
	rooms *app.RoomManager
}

func newServer(t *testing.T, verifier *token.Verifier) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := app.NewPool(enginetest.New().Spawn)
	require.NoError(t, pool.Init(context.Background(), 1))
	t.Cleanup(pool.Close)
	rooms := app.NewRoomManager(pool, core.TransportSettings{ListenIP: "127.0.0.1"})
	reg := app.NewRegistry()
	o := orch.New(rooms, verifier, NewNotifier(reg, nil))
	ctl := NewSignalWSController(o, reg, Options{PingPeriod: time.Second})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", ctl: ctl, rooms: rooms}
}

func mint(t *testing.T, user, room string) string {
	t.Helper()
	raw, err := token.Sign(secret, token.Claims{Subject: user, Exp: time.Now().Add(time.Hour).Unix(), RoomID: room})
	require.NoError(t, err)
	return raw
}

type frame struct {
	ID           string          `json:"id"`
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data"`
	Error        *orch.Error     `json:"error"`
	Notification bool            `json:"notification"`
	Method       string          `json:"method"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// readResponse skips notifications until the response to id arrives.
func readResponse(t *testing.T, ws *websocket.Conn, id string) frame {
	t.Helper()
	for {
		f := read(t, ws)
		if !f.Notification && f.ID == id {
			return f
		}
	}
}

func request(t *testing.T, ws *websocket.Conn, id, method string, data any) frame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"id": id, "method": method, "data": data}))
	return readResponse(t, ws, id)
}

func TestFramesWithoutIDAreDropped(t *testing.T) {
	s := newServer(t, token.NewVerifier(secret))
	ws := dial(t, s.url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"method":"leave"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"method":"leave"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","method":"leave"}`)))

	f := read(t, ws)
	assert.Equal(t, "1", f.ID)
	assert.True(t, f.OK)
	assert.JSONEq(t, `{}`, string(f.Data))
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	s := newServer(t, token.NewVerifier(secret))
	ws := dial(t, s.url)

	f := request(t, ws, "a", "dance", nil)
	assert.False(t, f.OK)
	require.NotNil(t, f.Error)
	assert.Equal(t, orch.CodeUnknownMethod, f.Error.Code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"b","method":42}`)))
	f = readResponse(t, ws, "b")
	require.NotNil(t, f.Error)
	assert.Equal(t, orch.CodeBadRequest, f.Error.Code)

	f = request(t, ws, "c", orch.MethodJoin, nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, orch.CodeUnauthorized, f.Error.Code)

	f = request(t, ws, "d", orch.MethodIdentify, map[string]string{"token": mint(t, "u1", "dm:1")})
	assert.True(t, f.OK)
}

func TestPanicBecomesInternalError(t *testing.T) {
	// A nil verifier makes identify panic.
	s := newServer(t, nil)
	ws := dial(t, s.url)

	f := request(t, ws, "1", orch.MethodIdentify, map[string]string{"token": "x.AAAA"})
	assert.False(t, f.OK)
	require.NotNil(t, f.Error)
	assert.Equal(t, orch.CodeInternal, f.Error.Code)
	assert.Equal(t, "internal error", f.Error.Message)

	f = request(t, ws, "2", orch.MethodLeave, nil)
	assert.True(t, f.OK)
}

func TestInvalidQueryTokenClosesWith4001(t *testing.T) {
	s := newServer(t, token.NewVerifier(secret))
	ws := dial(t, s.url+"?token=garbage")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseInvalidToken, ce.Code)
	assert.Zero(t, s.ctl.Registry.Count())
}

func TestJoinBroadcastAndDisconnect(t *testing.T) {
	s := newServer(t, token.NewVerifier(secret))
	a := dial(t, s.url+"?token="+mint(t, "a", "dm:9"))
	b := dial(t, s.url+"?token="+mint(t, "b", "dm:9"))

	f := request(t, a, "1", orch.MethodJoin, nil)
	require.True(t, f.OK)
	var ja orch.JoinResponse
	require.NoError(t, json.Unmarshal(f.Data, &ja))
	assert.Empty(t, ja.Peers)

	f = request(t, b, "1", orch.MethodJoin, nil)
	require.True(t, f.OK)

	n := read(t, a)
	assert.True(t, n.Notification)
	assert.Equal(t, orch.NotifyPeerJoined, n.Method)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = b.Close()

	n = read(t, a)
	assert.True(t, n.Notification)
	assert.Equal(t, orch.NotifyPeerLeft, n.Method)

	room, ok := s.rooms.Get("dm:9")
	require.True(t, ok)
	assert.Equal(t, 1, room.PeerCount())
	require.Eventually(t, func() bool { return s.ctl.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	s := newServer(t, token.NewVerifier(secret))
	ws := dial(t, s.url+"?token="+mint(t, "a", "dm:3"))
	f := request(t, ws, "1", orch.MethodJoin, nil)
	require.True(t, f.OK)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.ctl.Shutdown(ctx)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	_, ok := s.rooms.Get("dm:3")
	assert.False(t, ok)
	assert.Zero(t, s.ctl.Registry.Count())
}

type fullConn struct {
	mu     sync.Mutex
	code   int
	closed bool
}

func (c *fullConn) TrySend(core.Frame) error { return core.ErrBackpressure }

func (c *fullConn) CloseWith(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code, c.closed = code, true
}

func (c *fullConn) Close() { c.CloseWith(websocket.CloseNormalClosure, "") }

func TestNotifierBackpressurePolicy(t *testing.T) {
	reg := app.NewRegistry()
	slow := &fullConn{}
	reg.Bind(slow, core.NewSession("c1", core.NetworkOverride{}))
	reg.BindPeer("c1", "p1")

	NewNotifier(reg, nil).Notify("dm:1", []domain.PeerID{"p1", "p2"}, orch.NotifyPeerLeft, orch.PeerLeft{PeerID: "p9"})
	assert.False(t, slow.closed)

	kick, err := app.ParsePolicy("kick")
	require.NoError(t, err)
	NewNotifier(reg, kick).Notify("dm:1", []domain.PeerID{"p1"}, orch.NotifyPeerLeft, orch.PeerLeft{PeerID: "p9"})
	assert.True(t, slow.closed)
	assert.Equal(t, CloseBackpressure, slow.code)
}

type recordingConn struct {
	fullConn
	frames []core.Frame
}

func (c *recordingConn) TrySend(f core.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func TestNotifierEncodesNotificationFrame(t *testing.T) {
	reg := app.NewRegistry()
	conn := &recordingConn{}
	reg.Bind(conn, core.NewSession("c1", core.NetworkOverride{}))
	n := NewNotifier(reg, nil)
	require.True(t, n.BindPeer("c1", "p1"))

	n.Notify("dm:1", []domain.PeerID{"p1"}, orch.NotifyProducerClosed, orch.ProducerClosed{ProducerID: "pr", PeerID: "p2"})
	require.Len(t, conn.frames, 1)
	assert.JSONEq(t, `{"notification":true,"method":"producerClosed","data":{"producerId":"pr","peerId":"p2"}}`, string(conn.frames[0]))

	n.UnbindPeer("c1", "p1")
	n.Notify("dm:1", []domain.PeerID{"p1"}, orch.NotifyPeerLeft, orch.PeerLeft{PeerID: "p2"})
	assert.Len(t, conn.frames, 1)
}
