package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnavailable indicates the report store could not be reached or
	// answered with a server-side error.
	ErrUnavailable = errors.New("report store unavailable")

	// ErrTimeout indicates the bounded query wait was exceeded.
	ErrTimeout = errors.New("report store query timed out")

	// ErrBadQuery indicates the store rejected a caller-supplied query body.
	ErrBadQuery = errors.New("report store rejected query")
)

// classify maps a transport error onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
