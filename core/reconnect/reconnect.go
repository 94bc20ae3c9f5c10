package reconnect

import "time"

// Schedule defines the backoff durations for successive dial attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// MaxDelay caps the backoff once the schedule is exhausted.
var MaxDelay = 30 * time.Second

// Delay returns the backoff duration for the given attempt,
// counted from zero.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return MaxDelay
}
