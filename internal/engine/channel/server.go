package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler serves one request. The returned value becomes the response
// data.
type Handler interface {
	HandleRequest(ctx context.Context, method, target string, data RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, method, target string, data RawMessage) (any, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, method, target string, data RawMessage) (any, error) {
	return f(ctx, method, target, data)
}

// Server is the worker side of a channel.
type Server struct {
	r io.Reader

	wmu sync.Mutex
	enc interface{ Encode(any) error }
}

func NewServer(r io.Reader, w io.Writer) *Server {
	return &Server{r: r, enc: newEncoder(w)}
}

// Notify emits an event about target.
func (s *Server) Notify(event, target string, data any) error {
	msg := Message{Kind: KindNotification, Method: event, Target: target}
	if data != nil {
		raw, err := Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	return s.write(msg)
}

// Serve reads requests until the input ends or ctx is done. Each request
// runs in its own goroutine.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	dec := newDecoder(s.r)
	var wg sync.WaitGroup
	defer wg.Wait()

	msgs := make(chan Message)
	errc := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("channel: read: %w", err)
		case msg := <-msgs:
			if msg.Kind != KindRequest {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, h, msg)
			}()
		}
	}
}

func (s *Server) handle(ctx context.Context, h Handler, req Message) {
	resp := Message{Kind: KindResponse, ID: req.ID}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("module", "channel").Str("method", req.Method).Interface("panic", p).Msg("handler panicked")
			resp.Data = nil
			resp.Error = fmt.Sprint(p)
			_ = s.write(resp)
		}
	}()

	out, err := h.HandleRequest(ctx, req.Method, req.Target, req.Data)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = codeOf(err)
	} else if out != nil {
		raw, merr := Marshal(out)
		if merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.Data = raw
		}
	}
	if err := s.write(resp); err != nil {
		log.Warn().Str("module", "channel").Err(err).Str("method", req.Method).Msg("write response failed")
	}
}

func (s *Server) write(msg Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(msg)
}
