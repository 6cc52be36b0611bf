package subscription

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff implements the reconnect policy: base * attempt, with a
// hard cap on attempts. Exhaustion returns backoff.Stop, which the run
// loop treats as the Dead state.
type linearBackOff struct {
	base     time.Duration
	max      int
	attempts int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempts++
	if b.attempts > b.max {
		return backoff.Stop
	}
	return b.base * time.Duration(b.attempts)
}

func (b *linearBackOff) Reset() {
	b.attempts = 0
}
