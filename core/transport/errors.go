package transport

import "errors"

// ErrAckTimeout is returned when no matching reply arrives before the timeout.
var ErrAckTimeout = errors.New("timeout waiting for ack")
