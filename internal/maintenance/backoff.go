package maintenance

import "time"

// nextDelay computes the wait before the next scheduled cycle. Healthy runs
// keep the base interval; failures shrink it so recovery is probed sooner,
// dividing the base by the failure streak (capped at 4) and never going
// below min. This is the inverse of a growing backoff: a stuck maintenance
// loop wants more attempts, not fewer, because each cycle is cheap and
// idempotent.
func nextDelay(base, min time.Duration, consecutiveFailures int) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	if base < min {
		base = min
	}
	if consecutiveFailures <= 0 {
		return base
	}
	divisor := consecutiveFailures + 1
	if divisor > 4 {
		divisor = 4
	}
	d := base / time.Duration(divisor)
	if d < min {
		d = min
	}
	return d
}
