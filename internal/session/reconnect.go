package session

import "time"

// reconnectDelay computes base * 2^attempt, capped. Attempt 0 waits one
// base period; the cap keeps long outages from pushing delays past a
// minute by default.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
