package state

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrStaleOperationConflict = errors.New("stale operation conflict")
	ErrTransportDisconnected  = errors.New("transport disconnected")
	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrUnknownConnection      = errors.New("unknown connection")

	// Close causes handed to Peer.Close by the server side.
	ErrEvicted  = errors.New("connection evicted")
	ErrRevoked  = errors.New("access revoked")
	ErrShutdown = errors.New("server shutting down")
)

// Wire codes for rejections.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeStaleOperation    = "STALE_OPERATION_CONFLICT"
	CodeDisconnected      = "TRANSPORT_DISCONNECTED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidOperation  = "INVALID_OPERATION"
	CodeUnknownConnection = "UNKNOWN_CONNECTION"
	CodeInternal          = "INTERNAL"
)

// RejectedError is the typed result handed back to callers when the session
// refuses a request. Resync tells the client to refetch the authoritative
// snapshot before editing again.
type RejectedError struct {
	Code   string
	Reason string
	Resync bool
	Err    error
}

func (e *RejectedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func reject(sentinel error, code, reason string, resync bool) *RejectedError {
	return &RejectedError{Code: code, Reason: reason, Resync: resync, Err: sentinel}
}

func PermissionDenied(reason string) *RejectedError {
	return reject(ErrPermissionDenied, CodePermissionDenied, reason, false)
}

func StaleConflict(reason string) *RejectedError {
	return reject(ErrStaleOperationConflict, CodeStaleOperation, reason, true)
}

func InvalidOperation(reason string) *RejectedError {
	return reject(ErrInvalidOperation, CodeInvalidOperation, reason, true)
}

func Disconnected(reason string) *RejectedError {
	return reject(ErrTransportDisconnected, CodeDisconnected, reason, false)
}

func SessionNotFound(reason string) *RejectedError {
	return reject(ErrSessionNotFound, CodeSessionNotFound, reason, false)
}

func UnknownConnection(reason string) *RejectedError {
	return reject(ErrUnknownConnection, CodeUnknownConnection, reason, false)
}

// AsRejected converts any error into a RejectedError, classifying bare
// sentinels and treating everything else as internal.
func AsRejected(err error) *RejectedError {
	if err == nil {
		return nil
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied(err.Error())
	case errors.Is(err, ErrStaleOperationConflict):
		return StaleConflict(err.Error())
	case errors.Is(err, ErrInvalidOperation):
		return InvalidOperation(err.Error())
	case errors.Is(err, ErrTransportDisconnected):
		return Disconnected(err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return SessionNotFound(err.Error())
	case errors.Is(err, ErrUnknownConnection):
		return UnknownConnection(err.Error())
	}
	return &RejectedError{Code: CodeInternal, Reason: "internal error", Err: err}
}

// CloseKindOf classifies a server-side close cause. Transport-level causes
// are classified by the transport itself.
func CloseKindOf(err error) (CloseKind, bool) {
	switch {
	case err == nil, errors.Is(err, ErrShutdown):
		return CloseClean, true
	case errors.Is(err, ErrEvicted):
		return CloseEvicted, true
	case errors.Is(err, ErrRevoked):
		return CloseRevoked, true
	}
	return CloseDropped, false
}
