package outbox

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for transiently failing items.
// Delay grows exponentially with the item's retry count and is capped; the
// applied delay is perturbed by up to 20% jitter to avoid synchronized retry
// storms across a fleet of devices.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
}

// DefaultBackoff returns the standard policy: 1s base, doubling, 30s cap,
// dead-letter after 5 consecutive transient failures.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        30 * time.Second,
		MaxRetries: 5,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	return p
}

// Delay returns min(Base * Multiplier^retryCount, Cap) without jitter.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	p = p.normalized()
	if retryCount < 0 {
		retryCount = 0
	}
	d := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(retryCount)))
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// Jittered perturbs a delay by a random amount in [0, 20%).
func (p BackoffPolicy) Jittered(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(rand.Float64()*0.2*float64(delay))
}
