package utils

import (
	"fmt"
	"time"
)

// FormatDuration formats a duration in human-readable form, for log lines.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// IsExpired reports whether ttl has elapsed since timestamp.
func IsExpired(timestamp time.Time, ttl time.Duration) bool {
	return Since(timestamp) > ttl
}

// Now returns the current time; a package variable so tests can stub it.
var Now = time.Now

// Since returns the time elapsed since t, using Now so it stays mockable.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
