package scheduler

import "time"

// Tier is a freshness class. Higher values are served first.
type Tier int

const (
	Cold Tier = iota
	Warm
	UrgentWarm
	Hot
)

func (t Tier) String() string {
	switch t {
	case Hot:
		return "hot"
	case UrgentWarm:
		return "urgent_warm"
	case Warm:
		return "warm"
	case Cold:
		return "cold"
	default:
		return "unknown"
	}
}

// WorkItem is one file waiting to be processed.
type WorkItem struct {
	Path           string
	Project        string
	ConversationID string
	Size           int64
	ModTime        time.Time
	Tier           Tier
	EnqueuedAt     time.Time
	// Reset is set when the file shrank below its recorded offset.
	Reset bool
}
