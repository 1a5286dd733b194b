package chat

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultReconnectDelay is the fixed delay between reconnect attempts.
	DefaultReconnectDelay = 3 * time.Second
	maxExponentialDelay   = 5 * time.Minute
)

// Backoff is the reconnect policy shared by the list and detail channels.
// The zero value behaves like FixedBackoff(DefaultReconnectDelay).
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0..1
	MaxAttempts int     // 0 retries forever
}

// FixedBackoff retries forever with the same delay and no jitter.
func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Initial: delay}
}

// ExponentialBackoff doubles the delay up to max and adds 20% jitter.
func ExponentialBackoff(initial, max time.Duration) Backoff {
	return Backoff{Initial: initial, Max: max, Multiplier: 2, Jitter: 0.2}
}

// Next returns the delay before the given attempt (1-based). ok is false once
// MaxAttempts is exceeded.
func (b Backoff) Next(attempt int) (delay time.Duration, ok bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	delay = b.Initial
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if b.Multiplier > 1 && attempt > 1 {
		ceiling := b.Max
		if ceiling <= 0 {
			ceiling = maxExponentialDelay
		}
		scaled := float64(delay) * math.Pow(b.Multiplier, float64(attempt-1))
		if scaled > float64(ceiling) || math.IsInf(scaled, 0) {
			scaled = float64(ceiling)
		}
		delay = time.Duration(scaled)
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		spread := float64(delay) * math.Min(b.Jitter, 1)
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	return delay, true
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests substitute a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
