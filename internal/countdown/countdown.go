// Package countdown throttles and formats "time until sale" log lines.
package countdown

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Interval returns how often a countdown line may be emitted for the given remaining time.
//
//	> 1h     every 5 minutes
//	10m–1h   every minute
//	1m–10m   every second
//	< 1m     every 10ms
func Interval(secondsLeft float64) time.Duration {
	switch {
	case secondsLeft > 3600:
		return 300 * time.Second
	case secondsLeft > 600:
		return 60 * time.Second
	case secondsLeft > 60:
		return time.Second
	default:
		return 10 * time.Millisecond
	}
}

// Throttle remembers when the last line went out. Safe for concurrent use.
type Throttle struct {
	mu   sync.Mutex
	last time.Time
}

// Allow reports whether a line may be logged now and records it if so.
func (t *Throttle) Allow(secondsLeft float64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < Interval(secondsLeft) {
		return false
	}
	t.last = now
	return true
}

// Format renders the remaining time with precision growing as the sale nears.
func Format(secondsLeft float64) string {
	if secondsLeft <= 0 {
		return "sale has started"
	}
	switch {
	case secondsLeft > 600:
		total := int64(secondsLeft)
		hours := total / 3600
		minutes := (total % 3600) / 60
		seconds := total % 60
		if hours > 0 {
			return fmt.Sprintf("sale starts in %dh%02dm%02ds", hours, minutes, seconds)
		}
		return fmt.Sprintf("sale starts in %dm%02ds", minutes, seconds)
	case secondsLeft > 60:
		minutes := math.Floor(secondsLeft / 60)
		return fmt.Sprintf("sale starts in %dm%.4fs", int(minutes), secondsLeft-minutes*60)
	default:
		return fmt.Sprintf("sale starts in %.6fs", secondsLeft)
	}
}
