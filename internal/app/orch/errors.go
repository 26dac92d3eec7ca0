package orch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/voice-sfu/internal/core"
	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/token"
)

type Code string

const (
	CodeBadRequest        Code = "bad_request"
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidToken      Code = "invalid_token"
	CodeExpiredToken      Code = "expired_token"
	CodeNotJoined         Code = "not_joined"
	CodeRoomNotFound      Code = "room_not_found"
	CodePeerNotFound      Code = "peer_not_found"
	CodeTransportNotFound Code = "transport_not_found"
	CodeProducerNotFound  Code = "producer_not_found"
	CodeConsumerNotFound  Code = "consumer_not_found"
	CodeCannotConsume     Code = "cannot_consume"
	CodeUnknownMethod     Code = "unknown_method"
	CodeInternal          Code = "internal_error"
)

// Error is a request scoped protocol error. It is sent back to the client
// as {code, message} and never closes the connection.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal is the only thing a client learns about an unexpected failure.
var Internal = &Error{Code: CodeInternal, Message: "internal error"}

// AsError maps err onto the protocol taxonomy. Anything unknown becomes
// Internal; the original error is for the logs only.
func AsError(err error) *Error {
	var pe *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, token.ErrExpired):
		return errorf(CodeExpiredToken, "voice token expired")
	case errors.Is(err, token.ErrInvalid):
		return errorf(CodeInvalidToken, "voice token invalid")
	case errors.Is(err, domain.ErrBadDirection), errors.Is(err, domain.ErrBadKind):
		return errorf(CodeBadRequest, "%s", err.Error())
	case errors.Is(err, engine.ErrCannotConsume):
		return errorf(CodeCannotConsume, "%s", err.Error())
	case errors.Is(err, engine.ErrInvalid):
		return errorf(CodeBadRequest, "%s", invalidReason(err))
	case errors.Is(err, core.ErrPeerClosed):
		return errorf(CodePeerNotFound, "peer is gone")
	}
	return Internal
}

// invalidReason strips the channel and sentinel prefixes from an engine
// rejection, leaving what the client got wrong.
func invalidReason(err error) string {
	msg := err.Error()
	if _, reason, ok := strings.Cut(msg, engine.ErrInvalid.Error()+": "); ok {
		return reason
	}
	return msg
}
