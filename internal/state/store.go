package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"convo-indexer/internal/contextutil"
)

// Store owns the in-memory pipeline state and its file on disk.
// All methods are safe for concurrent use.
type Store struct {
	path string

	mu    sync.RWMutex
	state *PipelineState

	// saveMu spans snapshot and rename so an older snapshot never lands last.
	saveMu sync.Mutex
}

// NewStore creates a store backed by path. Call Load before use.
func NewStore(path string) *Store {
	return &Store{path: path, state: New()}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state. A corrupt
// file is moved aside, the store starts empty and an error wrapping ErrCorrupt
// is returned so the caller can report it; the store is usable either way.
func (s *Store) Load(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.InfoContext(ctx, "no previous state, starting fresh", "path", s.path)
		s.replace(New())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	st := New()
	decodeErr := json.Unmarshal(data, st)
	if decodeErr == nil {
		if st.Files == nil {
			st.Files = make(map[string]*WatchedFile)
		}
		decodeErr = st.validate()
	}
	if decodeErr != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if err := os.Rename(s.path, aside); err != nil {
			logger.WarnContext(ctx, "failed to move corrupt state aside", "path", s.path, "error", err)
			aside = ""
		}
		s.replace(New())
		return fmt.Errorf("%w: %s (preserved at %q): %v", ErrCorrupt, s.path, aside, decodeErr)
	}

	st.Version = CurrentVersion
	s.replace(st)
	logger.InfoContext(ctx, "state loaded",
		"path", s.path,
		"files", len(st.Files),
		"high_water_mark", st.HighWaterMark,
	)
	return nil
}

// Save atomically replaces the state file with the current snapshot.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "state saved", "path", s.path, "bytes", len(data))
	return nil
}

// Lookup returns a copy of the record for path.
func (s *Store) Lookup(path string) (WatchedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.Files[path]
	if !ok {
		return WatchedFile{}, false
	}
	return *f, true
}

// HighWaterMark returns the global skip mark.
func (s *Store) HighWaterMark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.HighWaterMark
}

// Commit records file progress in memory. Call Save to persist it.
func (s *Store) Commit(f WatchedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Commit(f)
}

// Reset rewinds the record for path to offset zero.
func (s *Store) Reset(path string, size int64, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Reset(path, size, modTime)
}

// AdvanceHighWaterMark moves the mark forward.
func (s *Store) AdvanceHighWaterMark(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AdvanceHighWaterMark(t)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *Store) replace(st *PipelineState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
