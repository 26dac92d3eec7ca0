package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var ErrChannelClosed = errors.New("channel: closed")

// Channel is the requesting side. Responses are matched to requests by
// id; notifications are delivered in order on Notifications.
type Channel struct {
	wmu sync.Mutex
	enc interface{ Encode(any) error }
	w   io.Writer

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	err     error

	notifications chan Message
	done          chan struct{}
}

func New(r io.Reader, w io.Writer) *Channel {
	c := &Channel{
		enc:           newEncoder(w),
		w:             w,
		pending:       make(map[uint64]chan Message),
		notifications: make(chan Message, 256),
		done:          make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *Channel) Notifications() <-chan Message { return c.notifications }

// Done closes when the read side ends. Err reports the cause.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Request sends method to target and decodes the response data into out
// (which may be nil).
func (c *Channel) Request(ctx context.Context, method, target string, in, out any) error {
	msg := Message{Kind: KindRequest, ID: c.seq.Add(1), Method: method, Target: target}
	if in != nil {
		data, err := Marshal(in)
		if err != nil {
			return fmt.Errorf("channel: encode %s: %w", method, err)
		}
		msg.Data = data
	}

	reply := make(chan Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	err := c.enc.Encode(msg)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("channel: write %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("channel: decode %s: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the write side if it is closable. The read loop ends when
// the peer closes its side.
func (c *Channel) Close() error {
	if wc, ok := c.w.(io.Closer); ok {
		return wc.Close()
	}
	return nil
}

func (c *Channel) readLoop(r io.Reader) {
	dec := newDecoder(r)
	var err error
	for {
		var msg Message
		if err = dec.Decode(&msg); err != nil {
			break
		}
		switch msg.Kind {
		case KindResponse:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
		case KindNotification:
			c.notifications <- msg
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrChannelClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.notifications)
	close(c.done)
}
