package types

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not authorized")
	ErrCapacity     = errors.New("room is full")
	ErrConnection   = errors.New("connection error")
	ErrPlayback     = errors.New("playback error")
	ErrResource     = errors.New("resource error")
	ErrRoomClosed   = errors.New("room closed")
	ErrInvalid      = errors.New("invalid request")
)

// StatusCode maps an error from the taxonomy to the code carried on the wire.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, ErrRoomClosed):
		return http.StatusGone
	case errors.Is(err, ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromCode is the inverse of StatusCode.
func ErrorFromCode(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrInvalid
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrCapacity
	case http.StatusGone:
		return ErrRoomClosed
	case http.StatusServiceUnavailable:
		return ErrConnection
	default:
		return ErrResource
	}
}
