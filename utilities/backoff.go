package utilities

import "time"

// Backoff is an exponential retry policy: Base, 2·Base, 4·Base ... capped at Max,
// giving up after MaxAttempts retries.
type Backoff struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultBackoff is used for rate-limited publishes and relay reconnects.
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Max:         time.Minute,
	MaxAttempts: 5,
}

// Delay returns how long to wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether retry number attempt (0-based) is beyond the limit.
// MaxAttempts <= 0 means retry forever.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
