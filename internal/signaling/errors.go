package signaling

import (
	"context"
	"errors"

	"github.com/Wyydra/callroom/internal/core/domain"
)

// Error is the error object of a response frame.
type Error struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Unwrap maps the code back to its domain sentinel so callers on the client
// side can use errors.Is.
func (e *Error) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

const (
	CodeBadRequest = "bad_request"
	CodeUnknown    = "unknown_type"
	CodeInternal   = "internal"
	CodeTimeout    = "timeout"
)

var (
	ErrBadRequest  = errors.New("malformed request")
	ErrUnknownType = errors.New("unknown message type")
)

var codes = []struct {
	err  error
	code string
}{
	{domain.ErrNotJoined, "not_joined"},
	{domain.ErrAlreadyJoined, "already_joined"},
	{domain.ErrRoomFull, "room_full"},
	{domain.ErrTransportMissing, "transport_missing"},
	{domain.ErrProducerNotFound, "producer_not_found"},
	{domain.ErrProducerClosed, "producer_closed"},
	{domain.ErrIncompatibleCapabilities, "incompatible_capabilities"},
	{domain.ErrInvalidDirection, "invalid_direction"},
	{domain.ErrInvalidKind, "invalid_kind"},
	{domain.ErrInvalidTag, "invalid_tag"},
	{domain.ErrInvalidRoomID, "invalid_room_id"},
	{domain.ErrPeerClosed, "peer_closed"},
	{domain.ErrEngineUnavailable, "engine_unavailable"},
	{domain.ErrWorkerDied, "engine_unavailable"},
	{domain.ErrTransportClosed, "transport_closed"},
	{domain.ErrRouterClosed, "engine_unavailable"},
	{ErrBadRequest, CodeBadRequest},
	{ErrUnknownType, CodeUnknown},
}

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// NewError builds the wire error for err.
func NewError(err error) *Error {
	return &Error{Code: ErrorCode(err), Message: err.Error()}
}
