package reliability

import (
	"math"
	"math/rand/v2"
	"time"
)

// Unlimited as MaxAttempts retries until the context is cancelled.
const Unlimited = -1

// Policy decides whether a failed attempt is retried and how long to wait
// before the next one. Attempts are numbered from 0.
type Policy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	StrategyFixed Strategy = iota
	StrategyLinear
	StrategyExponential
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// Backoff is a Policy for one of the three strategies. Jitter is the
// fraction of the delay randomly added or removed; zero disables it.
type Backoff struct {
	Strategy    Strategy
	Initial     time.Duration
	Max         time.Duration // 0 = uncapped
	Multiplier  float64
	MaxAttempts int
	Jitter      float64
}

// NewFixed waits delay between every attempt.
func NewFixed(delay time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		Strategy:    StrategyFixed,
		Initial:     delay,
		MaxAttempts: maxRetries,
	}
}

// NewLinear waits step, 2*step, 3*step and so on, with ±15% jitter.
func NewLinear(step time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		Strategy:    StrategyLinear,
		Initial:     step,
		MaxAttempts: maxRetries,
		Jitter:      0.15,
	}
}

// NewExponential multiplies the delay by multiplier after each attempt, up
// to max, with ±15% jitter.
func NewExponential(initial, max time.Duration, multiplier float64, maxRetries int) *Backoff {
	return &Backoff{
		Strategy:    StrategyExponential,
		Initial:     initial,
		Max:         max,
		Multiplier:  multiplier,
		MaxAttempts: maxRetries,
		Jitter:      0.15,
	}
}

// ShouldRetry implements Policy
func (b *Backoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if b.MaxAttempts >= 0 && attempt >= b.MaxAttempts {
		return false, 0
	}
	if IsPermanent(err) {
		return false, 0
	}
	return true, b.NextDelay(attempt)
}

// MaxRetries implements Policy
func (b *Backoff) MaxRetries() int {
	return b.MaxAttempts
}

// NextDelay implements Policy
func (b *Backoff) NextDelay(attempt int) time.Duration {
	var delay float64
	switch b.Strategy {
	case StrategyLinear:
		delay = float64(b.Initial) * float64(attempt+1)
	case StrategyExponential:
		delay = float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	default:
		delay = float64(b.Initial)
	}

	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * b.Jitter * delay
	}
	return time.Duration(delay)
}
