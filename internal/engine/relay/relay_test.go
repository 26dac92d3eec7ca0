package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan *rtp.Packet

func (s chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-s
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 111}}
}

func TestManagerForwardsToActiveSubscribers(t *testing.T) {
	m := NewManager()
	src := make(chanSource)
	r := m.StartRelay(context.Background(), "p1", src)
	defer m.StopRelay("p1")

	live, paused := &recorder{}, &recorder{}
	require.True(t, m.AddSubscriber("p1", "c1", live, false))
	require.True(t, m.AddSubscriber("p1", "c2", paused, true))
	assert.False(t, m.AddSubscriber("nope", "c3", &recorder{}, false))

	src <- packet(1)
	src <- packet(2)
	require.Eventually(t, func() bool { return live.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, paused.count())
	assert.Equal(t, 2, r.Subscribers())

	require.True(t, m.SetPaused("p1", "c2", false))
	src <- packet(3)
	require.Eventually(t, func() bool { return paused.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{3}, paused.seqs)
}

func TestWriteErrorDropsSubscriber(t *testing.T) {
	m := NewManager()
	src := make(chanSource)
	r := m.StartRelay(context.Background(), "p1", src)
	defer m.StopRelay("p1")

	bad := &recorder{err: errors.New("closed pipe")}
	good := &recorder{}
	m.AddSubscriber("p1", "bad", bad, false)
	m.AddSubscriber("p1", "good", good, false)

	src <- packet(1)
	require.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := r.outTrack("bad")
	assert.False(t, ok)
}

func TestDeletedSubscriberStaysDeleted(t *testing.T) {
	m := NewManager()
	src := make(chanSource)
	m.StartRelay(context.Background(), "p1", src)
	defer m.StopRelay("p1")

	rec := &recorder{}
	m.AddSubscriber("p1", "c1", rec, false)
	m.MarkSubscriberDelete("p1", "c1")
	// resume after delete must not revive it
	m.SetPaused("p1", "c1", false)

	src <- packet(1)
	src <- packet(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestSourceEndStopsRelay(t *testing.T) {
	m := NewManager()
	src := make(chanSource)
	r := m.StartRelay(context.Background(), "p1", src)

	rec := &recorder{}
	m.AddSubscriber("p1", "c1", rec, false)
	close(src)

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not stop")
	}
	assert.Equal(t, 0, r.Subscribers())

	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
}
