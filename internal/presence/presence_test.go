package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

type received struct {
	secret string
	path   string
	body   map[string]any
}

func TestPushPostsSnapshot(t *testing.T) {
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- received{secret: r.Header.Get(SecretHeader), path: r.URL.Path, body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Path: "/internal/voice/presence", Secret: "s3cret"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	c.Push(Snapshot{GuildID: "g1", ChannelID: "c1", Participants: []Participant{{
		SocketID: "peer-1",
		User:     domain.User{ID: "u1", Username: "ann"},
		SelfMute: true,
	}}})

	select {
	case r := <-got:
		assert.Equal(t, "s3cret", r.secret)
		assert.Equal(t, "/internal/voice/presence", r.path)
		assert.Equal(t, "g1", r.body["guild_id"])
		assert.Equal(t, "c1", r.body["channel_id"])
		parts := r.body["participants"].([]any)
		require.Len(t, parts, 1)
		p := parts[0].(map[string]any)
		assert.Equal(t, "peer-1", p["socket_id"])
		assert.Equal(t, true, p["self_mute"])
		assert.Equal(t, false, p["self_deaf"])
		assert.Equal(t, false, p["screen_sharing"])
	case <-time.After(2 * time.Second):
		t.Fatal("no presence post")
	}
}

func TestEmptyParticipantsEncodeAsList(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	c.Start(context.Background())
	defer c.Close()
	c.Push(Snapshot{ChannelID: "dm1"})

	select {
	case body := <-got:
		assert.Equal(t, []any{}, body["participants"])
	case <-time.After(2 * time.Second):
		t.Fatal("no presence post")
	}
}

func TestPushDropsWhenQueueFull(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", QueueSize: 1})
	dropped := metrics.PresenceSyncs.WithLabelValues("dropped")
	before := testutil.ToFloat64(dropped)

	// Workers not started: the first push fills the queue.
	c.Push(Snapshot{ChannelID: "a"})
	c.Push(Snapshot{ChannelID: "b"})

	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
	c.Close()
}

func TestDisabledClientIgnoresPush(t *testing.T) {
	c := New(Options{})
	c.Start(context.Background())
	c.Push(Snapshot{ChannelID: "a"})
	assert.Empty(t, c.queue)
	c.Close()

	var nilClient *Client
	nilClient.Push(Snapshot{})
}

func TestFailedPostIsCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	failed := metrics.PresenceSyncs.WithLabelValues("error")
	before := testutil.ToFloat64(failed)

	c := New(Options{BaseURL: srv.URL, Workers: 1})
	c.Start(context.Background())
	defer c.Close()
	c.Push(Snapshot{ChannelID: "a"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(failed) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}
