package offsync

import "time"

// BackoffStrategy defines how to handle retry and reconnection delays.
type BackoffStrategy interface {
	// NextDelay returns the delay before the next attempt
	NextDelay(attempt int) time.Duration

	// Reset resets the backoff strategy after a successful attempt
	Reset()
}

// ExponentialBackoff implements capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}

	result := time.Duration(delay * multiplier)

	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}

	return result
}

func (eb *ExponentialBackoff) Reset() {
	// Nothing to reset for exponential backoff
}

// DefaultBackoff is the retry schedule used when none is configured.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}
