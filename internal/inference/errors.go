package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnavailable     = errors.New("inference service unavailable")
	ErrTimeout         = errors.New("inference timeout")
	ErrInvalidResponse = errors.New("inference service returned invalid response")
	// ErrRejected means the service refused the input itself (4xx). Retrying
	// the same asset cannot succeed.
	ErrRejected = errors.New("inference service rejected request")
)

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
