package util

import (
	"github.com/pkg/errors"
)

// ErrShuttingDown is returned by loops stopped on request. It is not a
// failure.
var ErrShuttingDown = errors.New("shutting down")

func IsShuttingDown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}
