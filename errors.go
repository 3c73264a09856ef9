package rpctx

import (
	"errors"
	"fmt"
)

// ErrAuthFailed is returned when the server rejects the configured
// credentials.
var ErrAuthFailed = errors.New("authentication failed")

// ErrEmptyResponse is returned when the server reply carries neither a
// result nor an error.
var ErrEmptyResponse = errors.New("empty response from server")

// ServerError is a fault returned by the remote server.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
