package indexer

import (
	"sync/atomic"
	"time"

	"convo-indexer/internal/discovery"
	"convo-indexer/internal/resource"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
)

type counters struct {
	filesProcessed atomic.Int64
	filesFailed    atomic.Int64
	chunksStored   atomic.Int64
	linesRead      atomic.Int64
	malformed      atomic.Int64
	oversized      atomic.Int64
	metadata       atomic.Int64
	truncations    atomic.Int64
	requeued       atomic.Int64
	stateSaves     atomic.Int64
	scans          atomic.Int64
	hotChecks      atomic.Int64
}

// Counters are cumulative since start.
type Counters struct {
	FilesProcessed int64 `json:"files_processed"`
	FilesFailed    int64 `json:"files_failed"`
	ChunksStored   int64 `json:"chunks_stored"`
	LinesRead      int64 `json:"lines_read"`
	MalformedLines int64 `json:"malformed_lines"`
	OversizedLines int64 `json:"oversized_lines"`
	MetadataLines  int64 `json:"metadata_lines"`
	Truncations    int64 `json:"truncations"`
	Requeued       int64 `json:"requeued"`
	StateSaves     int64 `json:"state_saves"`
	Scans          int64 `json:"scans"`
	HotChecks      int64 `json:"hot_checks"`
	MemoryReclaims int64 `json:"memory_reclaims"`
	MemoryStops    int64 `json:"memory_stops"`
}

// ScanStatus describes the last full scan.
type ScanStatus struct {
	StartedAt  time.Time      `json:"started_at"`
	Seen       int            `json:"seen"`
	Candidates int            `json:"candidates"`
	BelowMark  int            `json:"below_mark"`
	Unchanged  int            `json:"unchanged"`
	Truncated  int            `json:"truncated"`
	Errors     int            `json:"errors"`
	ByTier     map[string]int `json:"by_tier,omitempty"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Queue    scheduler.Metrics `json:"queue"`
	Budget   resource.Budget   `json:"budget"`
	Counters Counters          `json:"counters"`
	State    state.Summary     `json:"state"`
	LastScan *ScanStatus       `json:"last_scan,omitempty"`
	Embedder string            `json:"embedder"`
	Version  string            `json:"index_version"`
}

// Status reports queue depth, resource use and progress.
func (p *Pipeline) Status() Status {
	reclaims, stops := p.deps.Monitor.Counters()
	st := Status{
		Queue:  p.deps.Queue.Metrics(),
		Budget: p.deps.Monitor.Snapshot(),
		Counters: Counters{
			FilesProcessed: p.counters.filesProcessed.Load(),
			FilesFailed:    p.counters.filesFailed.Load(),
			ChunksStored:   p.counters.chunksStored.Load(),
			LinesRead:      p.counters.linesRead.Load(),
			MalformedLines: p.counters.malformed.Load(),
			OversizedLines: p.counters.oversized.Load(),
			MetadataLines:  p.counters.metadata.Load(),
			Truncations:    p.counters.truncations.Load(),
			Requeued:       p.counters.requeued.Load(),
			StateSaves:     p.counters.stateSaves.Load(),
			Scans:          p.counters.scans.Load(),
			HotChecks:      p.counters.hotChecks.Load(),
			MemoryReclaims: reclaims,
			MemoryStops:    stops,
		},
		State:    p.deps.Store.Snapshot().Summarize(),
		Embedder: p.deps.Embedder.Name(),
		Version:  p.IndexVersion(),
	}

	p.mu.Lock()
	if !p.lastScan.IsZero() {
		st.LastScan = scanStatus(p.lastScan, p.lastReport)
	}
	p.mu.Unlock()
	return st
}

func scanStatus(at time.Time, r discovery.Report) *ScanStatus {
	s := &ScanStatus{
		StartedAt:  at,
		Seen:       r.Seen,
		Candidates: r.Candidates,
		BelowMark:  r.BelowMark,
		Unchanged:  r.Unchanged,
		Truncated:  r.Truncated,
		Errors:     r.Errors,
	}
	if len(r.ByTier) > 0 {
		s.ByTier = make(map[string]int, len(r.ByTier))
		for tier, n := range r.ByTier {
			s.ByTier[tier.String()] = n
		}
	}
	return s
}
