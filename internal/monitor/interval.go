package monitor

import "time"

// Polling tiers keyed on seconds until the target.
const (
	longTierThreshold  = 3600.0
	shortTierThreshold = 600.0

	longTierMin  = 45 * time.Minute
	longTierSpan = 30 * time.Minute
	midTierMin   = 1 * time.Minute
	midTierSpan  = 2 * time.Minute
	finalTier    = 100 * time.Millisecond
)

// NextInterval picks how long to sleep before the next cycle.
// rnd must return values in [0, 1).
//
//	> 3600s        uniform 45-75 min
//	(600s, 3600s]  uniform 1-3 min
//	<= 600s        100ms
func NextInterval(timeToTarget float64, rnd func() float64) time.Duration {
	switch {
	case timeToTarget > longTierThreshold:
		return longTierMin + time.Duration(rnd()*float64(longTierSpan))
	case timeToTarget > shortTierThreshold:
		return midTierMin + time.Duration(rnd()*float64(midTierSpan))
	default:
		return finalTier
	}
}
