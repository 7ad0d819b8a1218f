package protocol

import "errors"

// Errors that travel over the wire as response codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrTokenExpired = errors.New("token expired")
	ErrServerFault  = errors.New("server error")
)

// CodeOf maps an operation error onto the response code sent to clients.
// Anything unrecognised is a server fault.
func CodeOf(err error) uint8 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	default:
		return CodeServerError
	}
}

// ErrorOf is the client-side inverse of CodeOf.
func ErrorOf(code uint8) error {
	switch code {
	case CodeOK:
		return nil
	case CodeNotFound:
		return ErrNotFound
	case CodeBadRequest:
		return ErrBadRequest
	case CodeTokenExpired:
		return ErrTokenExpired
	default:
		return ErrServerFault
	}
}
