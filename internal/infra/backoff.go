package infra

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// Standard backoff constants
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// NewReconnectBackOff returns the exponential policy used between reconnects:
// baseDelay doubling up to maxDelay, with jitter.
func NewReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
