package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/app"
	"github.com/dkeye/voice-sfu/internal/config"
	"github.com/dkeye/voice-sfu/internal/core"
)

type fakeRooms []core.RoomInfo

func (f fakeRooms) List() []core.RoomInfo { return f }

type fakeWorkers []app.WorkerStat

func (f fakeWorkers) Stats() []app.WorkerStat { return f }

func serve(t *testing.T, workers fakeWorkers, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", WSPath: "/ws"}
	r := SetupRouter(context.Background(), cfg, nil, fakeRooms{{ID: "dm:1", PeerCount: 2, WorkerSlot: 1}}, workers)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(t, fakeWorkers{{Slot: 0, Pid: 10, Alive: true}, {Slot: 1, Pid: 11}}, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"workers":2,"alive":1}`, w.Body.String())

	w = serve(t, fakeWorkers{{Slot: 0, Pid: 10}}, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoomsAndWorkers(t *testing.T) {
	w := serve(t, fakeWorkers{{Slot: 0, Pid: 10, Alive: true}}, "/api/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, 2, body.Rooms[0].PeerCount)

	w = serve(t, fakeWorkers{{Slot: 0, Pid: 10, Alive: true}}, "/api/workers")
	assert.JSONEq(t, `{"workers":[{"slot":0,"pid":10,"alive":true}]}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(t, fakeWorkers{}, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voice_rooms")
}
