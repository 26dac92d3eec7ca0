// Package presence pushes room participant snapshots to the chat backend.
// Delivery is best effort: a bounded queue drained by a few workers, and
// snapshots that do not fit are dropped.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/metrics"
)

const SecretHeader = "X-Internal-Secret"

type Participant struct {
	SocketID      string      `json:"socket_id"`
	User          domain.User `json:"user"`
	SelfMute      bool        `json:"self_mute"`
	SelfDeaf      bool        `json:"self_deaf"`
	ScreenSharing bool        `json:"screen_sharing"`
}

// Snapshot is the full participant list of one room. GuildID is empty for
// direct-message calls.
type Snapshot struct {
	GuildID      string        `json:"guild_id"`
	ChannelID    string        `json:"channel_id"`
	Participants []Participant `json:"participants"`
}

type Options struct {
	BaseURL   string
	Path      string
	Secret    string
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

type Client struct {
	endpoint string
	secret   string
	http     *http.Client
	workers  int

	queue     chan Snapshot
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a client. With an empty BaseURL every Push is a no-op.
func New(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	endpoint := ""
	if opts.BaseURL != "" {
		endpoint = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.Path, "/")
	}
	return &Client{
		endpoint: endpoint,
		secret:   opts.Secret,
		http:     &http.Client{Timeout: opts.Timeout},
		workers:  opts.Workers,
		queue:    make(chan Snapshot, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery workers. They stop when ctx ends or Close
// is called.
func (c *Client) Start(ctx context.Context) {
	if c.endpoint == "" {
		return
	}
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i+1)
	}
	log.Info().Str("module", "presence").Str("endpoint", c.endpoint).Int("workers", c.workers).Msg("presence sync started")
}

func (c *Client) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case s := <-c.queue:
			if err := c.post(ctx, s); err != nil {
				metrics.PresenceSyncs.WithLabelValues("error").Inc()
				log.Warn().Str("module", "presence").Int("worker", id).Str("channel", s.ChannelID).Err(err).Msg("presence sync failed")
				continue
			}
			metrics.PresenceSyncs.WithLabelValues("ok").Inc()
		}
	}
}

// Push queues s without blocking.
func (c *Client) Push(s Snapshot) {
	if c == nil || c.endpoint == "" {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.queue <- s:
	default:
		metrics.PresenceSyncs.WithLabelValues("dropped").Inc()
		log.Warn().Str("module", "presence").Str("channel", s.ChannelID).Msg("dropping presence sync, queue full")
	}
}

func (c *Client) post(ctx context.Context, s Snapshot) error {
	if s.Participants == nil {
		s.Participants = []Participant{}
	}
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close stops the workers. Queued snapshots are discarded.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}
