package resilience

import (
	"time"
)

// Seconds converts a fractional seconds setting into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// FromSettings converts config values to a RetryConfig. Zero or negative
// values keep the defaults.
func FromSettings(maxAttempts int, backoffSecs, maxBackoffSecs float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if backoffSecs > 0 {
		cfg.InitialBackoff = Seconds(backoffSecs)
	}
	if maxBackoffSecs > 0 {
		cfg.MaxBackoff = Seconds(maxBackoffSecs)
	}
	return cfg
}
