package discovery

import (
	"time"

	"convo-indexer/internal/scheduler"
)

// Classify derives the freshness tier from a file's modification time.
// URGENT_WARM is never returned here; the queue promotes WARM items that wait too long.
func Classify(now, modTime time.Time, hotWindow, warmWindow time.Duration) scheduler.Tier {
	age := now.Sub(modTime)
	switch {
	case age < hotWindow:
		return scheduler.Hot
	case age < warmWindow:
		return scheduler.Warm
	default:
		return scheduler.Cold
	}
}
