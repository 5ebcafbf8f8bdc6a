package ota

import (
	"errors"
	"fmt"

	"github.com/st-keller/ota-client/transport"
)

// ErrInvalidURL is returned when no usable update server URL is configured.
var ErrInvalidURL = errors.New("update server URL is not set")

// TransportError reports a request that could not be sent or whose
// response stream broke.
type TransportError = transport.Error

// ServerError reports a response with a status code the operation does not
// accept.
type ServerError struct {
	URL        string
	StatusCode int
	// Body is a short excerpt of the response for diagnostics.
	Body string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server answered %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: server answered %d: %s", e.URL, e.StatusCode, e.Body)
}

// ProtocolError reports a response that arrived but could not be used.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unusable response: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
