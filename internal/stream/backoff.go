package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	reconnectFloor   = 1 * time.Second
	reconnectCeiling = 60 * time.Second
)

// newReconnectPolicy returns the reconnect delay schedule: 1s doubling to a
// 60s ceiling, no jitter, never giving up. Reset restores the floor after a
// successful connection.
func newReconnectPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectFloor
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = reconnectCeiling
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}
