package applog

import (
	"sync"
	"time"
)

/*
RateLimit keeps track of how many times each actor has triggered Add within a rolling window and
rejects additional triggers once the per-second limit is exceeded. A single-second window is too
short to count reliably with a simple counter-reset scheme, so the limiter picks a wider window
(up to 11 times the base unit) and scales the threshold accordingly - this avoids resetting the counter once
per second, which on a busy logger would itself become a source of lock contention.
*/
type RateLimit struct {
	UnitSecs int    // UnitSecs is the number of seconds in a single rate-limiting window.
	MaxCount int    // MaxCount is the maximum number of times an actor may trigger Add in the window.
	Logger   *Logger // Logger receives a warning when an actor's limit is hit, unless suppressed.

	mutex    sync.Mutex
	counter  map[string]int
	nextResetAt time.Time
}

// NewRateLimit constructs a rate limiter. maxCountPerSec is widened into a multi-second window so
// the internal counter does not have to reset on every single second.
func NewRateLimit(unitSecs int, maxCountPerSec int, logger *Logger) *RateLimit {
	if unitSecs < 1 {
		unitSecs = 1
	}
	widenedUnit := unitSecs
	widenedMax := maxCountPerSec
	for _, factor := range []int{11, 7, 5, 3, 2} {
		if maxCountPerSec%factor == 0 {
			widenedUnit = unitSecs * factor
			widenedMax = maxCountPerSec * factor
			break
		}
	}
	rl := &RateLimit{
		UnitSecs: widenedUnit,
		MaxCount: widenedMax,
		Logger:   logger,
		counter:  make(map[string]int),
	}
	rl.nextResetAt = time.Now().Add(time.Duration(rl.UnitSecs) * time.Second)
	return rl
}

// Add registers one more occurrence for actor and reports whether it is still within the limit.
// When the rolling window has elapsed, all counters reset to zero before the new occurrence is
// counted. A shared actor key of "" rate-limits across all callers of the same RateLimit.
func (limit *RateLimit) Add(actor string, logIfLimitHit bool) bool {
	limit.mutex.Lock()
	defer limit.mutex.Unlock()
	now := time.Now()
	if now.After(limit.nextResetAt) {
		limit.counter = make(map[string]int)
		limit.nextResetAt = now.Add(time.Duration(limit.UnitSecs) * time.Second)
	}
	limit.counter[actor]++
	if limit.counter[actor] > limit.MaxCount {
		if logIfLimitHit && limit.Logger != nil {
			limit.Logger.Warning(actor, nil, "exceeded rate limit of %d per %d seconds", limit.MaxCount, limit.UnitSecs)
		}
		return false
	}
	return true
}
