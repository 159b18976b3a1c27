package transfer

import (
	"math/rand"
	"time"
)

// backoffDelay computes an exponential backoff with jitter for retry
// attempt n (0-indexed), capped at a ceiling so a flaky host never stalls a
// task for minutes between attempts.
func backoffDelay(attempt int) time.Duration {
	const base = 500 * time.Millisecond
	const ceiling = 30 * time.Second

	d := base << attempt
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
