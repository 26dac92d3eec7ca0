package core

import "errors"

// Frame is one encoded signaling message.
type Frame []byte

// ErrBackpressure is returned by TrySend when the outbound buffer is full.
var ErrBackpressure = errors.New("signal: send buffer full")

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	// CloseWith closes the connection with a reason the client can act on.
	CloseWith(code int, reason string)
	Close()
}
