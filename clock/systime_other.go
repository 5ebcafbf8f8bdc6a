//go:build !linux

package clock

import (
	"errors"
	"time"
)

// SetSystemTime is only supported on Linux.
func SetSystemTime(time.Time) error {
	return errors.New("setting the system clock is not supported on this platform")
}
