package genai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout marks an upstream exchange that ran out of time. Surfaced to
// users as a "try again" message; already retried at the connection layer
// where that was safe.
var ErrTimeout = errors.New("upstream request timed out")

// UpstreamError is a non-2xx answer from the completion API, carrying the
// upstream's own error detail when one could be extracted.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Detail)
}

// ProtocolError is a 2xx response whose body did not carry a usable
// completion.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "upstream protocol error: " + e.Reason
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
