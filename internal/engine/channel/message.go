// Package channel carries requests, responses and notifications between
// the signaling server and a media worker as a stream of CBOR items.
package channel

import (
	"errors"
	"fmt"

	"github.com/dkeye/voice-sfu/internal/engine"
)

type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

// Message is one item on the wire. Requests carry Method and Target (the
// id of the engine object addressed); responses echo ID; notifications
// carry Method as the event name.
type Message struct {
	Kind   Kind       `cbor:"kind"`
	ID     uint64     `cbor:"id,omitempty"`
	Method string     `cbor:"method,omitempty"`
	Target string     `cbor:"target,omitempty"`
	Data   RawMessage `cbor:"data,omitempty"`
	Error  string     `cbor:"error,omitempty"`
	Code   string     `cbor:"code,omitempty"`
}

const (
	codeClosed        = "closed"
	codeNotFound      = "not_found"
	codeCannotConsume = "cannot_consume"
	codeInvalid       = "invalid"
)

// RemoteError is a failure reported by the peer of the channel.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("channel: %s: %s", e.Method, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeClosed:
		return engine.ErrClosed
	case codeNotFound:
		return engine.ErrNotFound
	case codeCannotConsume:
		return engine.ErrCannotConsume
	case codeInvalid:
		return engine.ErrInvalid
	}
	return nil
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, engine.ErrClosed):
		return codeClosed
	case errors.Is(err, engine.ErrNotFound):
		return codeNotFound
	case errors.Is(err, engine.ErrCannotConsume):
		return codeCannotConsume
	case errors.Is(err, engine.ErrInvalid):
		return codeInvalid
	}
	return ""
}
