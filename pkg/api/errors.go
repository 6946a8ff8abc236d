package api

// ErrCode is the wire error taxonomy.
type ErrCode string

const (
	ErrValidation   ErrCode = "validation"
	ErrUnauthorized ErrCode = "unauthorized"
	ErrForbidden    ErrCode = "forbidden"
	ErrNotFound     ErrCode = "not_found"
	ErrFull         ErrCode = "full"
	ErrConflict     ErrCode = "conflict"
	ErrTimeout      ErrCode = "timeout"
	ErrDisconnected ErrCode = "disconnected"
	ErrInternal     ErrCode = "internal"
)

// Error is a typed failure returned in an ErrorEvent packet
// correlated to the originating request.
type Error struct {
	Code   ErrCode `json:"code"`
	Reason string  `json:"reason,omitempty"`
}

func (e Error) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Reason
}

func NewError(code ErrCode, reason string) *Error { return &Error{Code: code, Reason: reason} }
