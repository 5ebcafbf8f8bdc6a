package transport

import "fmt"

// Error reports a fetch that failed before a usable response arrived: the
// request could not be sent, the stream broke, or the status was not the
// one the caller needed.
type Error struct {
	URL string
	// StatusCode is set when a response arrived with an unexpected status.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }
