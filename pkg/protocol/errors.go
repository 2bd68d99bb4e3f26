package protocol

import "errors"

// Errors surfaced to clients and HTTP callers. Wrap them with fmt.Errorf and
// %w; ErrorCode unwraps to find the category.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrUnauthorized      = errors.New("not authorized")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrPersistence       = errors.New("persistence failure")
	ErrNotJoined         = errors.New("connection has not joined a room")
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeRoomNotFound      = "room_not_found"
	CodeUnauthorized      = "unauthorized"
	CodeBrokerUnavailable = "broker_unavailable"
	CodeMalformed         = "malformed_envelope"
	CodePersistence       = "persistence_failure"
	CodeNotJoined         = "not_joined"
	CodeInternal          = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrBrokerUnavailable):
		return CodeBrokerUnavailable
	case errors.Is(err, ErrMalformedEnvelope):
		return CodeMalformed
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	default:
		return CodeInternal
	}
}
