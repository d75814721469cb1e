package mqterm

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy overrides the delay before reconnection attempt n
// (1-based). delay is the jittered exponential value and err the failure
// that triggered the attempt.
type BackoffStrategy func(attempt int, delay time.Duration, err error) time.Duration

// backoff computes exponential reconnect delays with jitter: attempt n
// waits a random duration in [d/2, d] where d = min(initial*2^(n-1), max).
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
	jitter  func() float64
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &backoff{initial: initial, max: maxDelay, jitter: rand.Float64}
}

func (b *backoff) next() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	d = min(d, b.max)
	b.attempt++

	half := d / 2
	return half + time.Duration(b.jitter()*float64(d-half))
}

func (b *backoff) reset() {
	b.attempt = 0
}
