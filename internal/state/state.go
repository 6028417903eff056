package state

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// CurrentVersion is the on-disk format version written by Save.
const CurrentVersion = 1

var (
	// ErrCorrupt is returned by Load when the state file exists but cannot be decoded.
	ErrCorrupt = errors.New("state file corrupt")
	// ErrOffsetRegression is returned by Commit when an offset would move backwards.
	ErrOffsetRegression = errors.New("offset regression")
)

// WatchedFile is the durable progress record for one log file.
type WatchedFile struct {
	Path           string    `json:"path"`
	Project        string    `json:"project"`
	ConversationID string    `json:"conversation_id"`
	Offset         int64     `json:"offset"` // bytes consumed, always at a line boundary
	Lines          int64     `json:"lines"`
	Size           int64     `json:"size"` // file size observed at the last read
	ModTime        time.Time `json:"mod_time"`
	NextSeq        int       `json:"next_seq"`
	OverlapTail    string    `json:"overlap_tail,omitempty"`
	LastIndexedAt  time.Time `json:"last_indexed_at"`
	// Partial is set when the last pass stopped before the end of the file.
	Partial bool `json:"partial,omitempty"`
}

// PipelineState is the complete snapshot persisted between runs.
type PipelineState struct {
	Version       int                     `json:"version"`
	HighWaterMark time.Time               `json:"high_water_mark"`
	Files         map[string]*WatchedFile `json:"files"`
}

// New returns an empty state.
func New() *PipelineState {
	return &PipelineState{
		Version: CurrentVersion,
		Files:   make(map[string]*WatchedFile),
	}
}

// Commit records progress for a file. Offsets never move backwards.
func (s *PipelineState) Commit(f WatchedFile) error {
	if f.Offset < 0 || (f.Size > 0 && f.Offset > f.Size) {
		return fmt.Errorf("commit %s: offset %d outside file of %d bytes", f.Path, f.Offset, f.Size)
	}
	if prev, ok := s.Files[f.Path]; ok {
		if f.Offset < prev.Offset {
			return fmt.Errorf("commit %s: %w (%d < %d)", f.Path, ErrOffsetRegression, f.Offset, prev.Offset)
		}
		if f.NextSeq < prev.NextSeq {
			return fmt.Errorf("commit %s: %w (sequence %d < %d)", f.Path, ErrOffsetRegression, f.NextSeq, prev.NextSeq)
		}
	}
	rec := f
	s.Files[f.Path] = &rec
	return nil
}

// Reset rewinds a truncated or replaced file to the beginning.
func (s *PipelineState) Reset(path string, size int64, modTime time.Time) {
	rec, ok := s.Files[path]
	if !ok {
		return
	}
	rec.Offset = 0
	rec.Lines = 0
	rec.NextSeq = 0
	rec.OverlapTail = ""
	rec.Partial = false
	rec.Size = size
	rec.ModTime = modTime
}

// AdvanceHighWaterMark moves the mark forward; earlier times are ignored.
func (s *PipelineState) AdvanceHighWaterMark(t time.Time) bool {
	if !t.After(s.HighWaterMark) {
		return false
	}
	s.HighWaterMark = t
	return true
}

// Clone returns a deep copy.
func (s *PipelineState) Clone() *PipelineState {
	out := &PipelineState{
		Version:       s.Version,
		HighWaterMark: s.HighWaterMark,
		Files:         make(map[string]*WatchedFile, len(s.Files)),
	}
	for path, f := range s.Files {
		rec := *f
		out.Files[path] = &rec
	}
	return out
}

// Summary aggregates the state for reporting.
type Summary struct {
	Files         int       `json:"files"`
	Projects      int       `json:"projects"`
	BytesIndexed  int64     `json:"bytes_indexed"`
	LinesIndexed  int64     `json:"lines_indexed"`
	Chunks        int64     `json:"chunks"`
	Pending       int       `json:"pending"` // files with unread bytes at last observation
	HighWaterMark time.Time `json:"high_water_mark"`
}

// Summarize computes totals over all tracked files.
func (s *PipelineState) Summarize() Summary {
	sum := Summary{Files: len(s.Files), HighWaterMark: s.HighWaterMark}
	projects := make(map[string]struct{})
	for _, f := range s.Files {
		projects[f.Project] = struct{}{}
		sum.BytesIndexed += f.Offset
		sum.LinesIndexed += f.Lines
		sum.Chunks += int64(f.NextSeq)
		if f.Size > f.Offset {
			sum.Pending++
		}
	}
	sum.Projects = len(projects)
	return sum
}

// Sorted returns the tracked files ordered by path.
func (s *PipelineState) Sorted() []WatchedFile {
	out := make([]WatchedFile, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *PipelineState) validate() error {
	if s.Version > CurrentVersion {
		return fmt.Errorf("unsupported version %d", s.Version)
	}
	for path, f := range s.Files {
		if f == nil {
			return fmt.Errorf("empty record for %s", path)
		}
		if f.Path != path {
			return fmt.Errorf("record key %s does not match path %s", path, f.Path)
		}
		if f.Offset < 0 || f.NextSeq < 0 {
			return fmt.Errorf("negative progress for %s", path)
		}
	}
	return nil
}
