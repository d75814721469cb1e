package mqterm

import "time"

// keepAlive tracks outbound inactivity and the outstanding PINGREQ for one
// connection. A PINGREQ is due after half the interval without sending
// anything; the server must answer within a full interval.
type keepAlive struct {
	interval   time.Duration
	lastSent   time.Time
	pingSentAt time.Time
}

func newKeepAlive(seconds uint16, now time.Time) *keepAlive {
	return &keepAlive{interval: time.Duration(seconds) * time.Second, lastSent: now}
}

// sent records outbound traffic.
func (k *keepAlive) sent(now time.Time) {
	k.lastSent = now
}

// pong clears the outstanding PINGREQ.
func (k *keepAlive) pong() {
	k.pingSentAt = time.Time{}
}

func (k *keepAlive) outstanding() bool {
	return !k.pingSentAt.IsZero()
}

// check reports whether a PINGREQ should be sent now, or
// ErrKeepAliveTimeout if the last one went unanswered.
func (k *keepAlive) check(now time.Time) (bool, error) {
	if k.interval <= 0 {
		return false, nil
	}
	if k.outstanding() {
		if now.Sub(k.pingSentAt) >= k.interval {
			return false, ErrKeepAliveTimeout
		}
		return false, nil
	}
	if now.Sub(k.lastSent) >= k.interval/2 {
		k.pingSentAt = now
		return true, nil
	}
	return false, nil
}
