package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
)

// StateView is the read-only part of the state store the scanner needs.
type StateView interface {
	Lookup(path string) (state.WatchedFile, bool)
	HighWaterMark() time.Time
}

// Config controls what the scanner looks at and how it classifies files.
type Config struct {
	Roots      []string
	Pattern    string
	HotWindow  time.Duration
	WarmWindow time.Duration
}

// Report counts what a scan saw.
type Report struct {
	Seen       int // matching files examined
	BelowMark  int // known files untouched since the high-water mark
	Unchanged  int // known files with nothing new to read
	Truncated  int // files that shrank below their offset
	Candidates int
	Errors     int
	ByTier     map[scheduler.Tier]int
}

// Scanner walks watched roots and turns changed files into work items.
// It never mutates state.
type Scanner struct {
	cfg Config
}

// NewScanner creates a scanner.
func NewScanner(cfg Config) *Scanner {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.jsonl"
	}
	return &Scanner{cfg: cfg}
}

// Scan walks every root and returns the files that need processing.
// Unreadable paths are logged and counted; the walk continues.
func (s *Scanner) Scan(ctx context.Context, view StateView, now time.Time) ([]scheduler.WorkItem, Report, error) {
	logger := contextutil.LoggerFromContext(ctx)
	report := Report{ByTier: make(map[scheduler.Tier]int)}
	hwm := view.HighWaterMark()
	var items []scheduler.WorkItem

	for _, root := range s.cfg.Roots {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			return items, report, ctx.Err()
		default:
		}

		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			logger.DebugContext(ctx, "watch root does not exist yet", "root", root)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				report.Errors++
				logger.WarnContext(ctx, "failed to access path", "path", path, "error", err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			if !s.Matches(path) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				report.Errors++
				logger.WarnContext(ctx, "failed to stat file", "path", path, "error", err)
				return nil
			}

			if item, ok := s.examine(ctx, root, path, info, view, hwm, now, &report); ok {
				items = append(items, item)
			}
			return nil
		})
		if err != nil {
			return items, report, fmt.Errorf("failed to scan root %s: %w", root, err)
		}
	}

	return items, report, nil
}

// ScanPaths classifies an explicit set of files, used by the HOT fast path.
// Paths outside every root or not matching the pattern are ignored.
func (s *Scanner) ScanPaths(ctx context.Context, view StateView, paths []string, now time.Time) ([]scheduler.WorkItem, Report) {
	report := Report{ByTier: make(map[scheduler.Tier]int)}
	hwm := view.HighWaterMark()
	var items []scheduler.WorkItem

	for _, path := range paths {
		root, ok := s.rootOf(path)
		if !ok || !s.Matches(path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if item, ok := s.examine(ctx, root, path, info, view, hwm, now, &report); ok {
			items = append(items, item)
		}
	}
	return items, report
}

// Matches reports whether the file name matches the configured pattern.
func (s *Scanner) Matches(path string) bool {
	ok, err := filepath.Match(s.cfg.Pattern, filepath.Base(path))
	return err == nil && ok
}

// Identify returns the project and conversation ids for a file under root.
// The project is the first directory below the root; files directly in the
// root belong to a project named after the root itself.
func Identify(root, path string) (project, conversation string) {
	name := filepath.Base(path)
	conversation = strings.TrimSuffix(name, filepath.Ext(name))

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(filepath.Dir(path)), conversation
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 {
		return parts[0], conversation
	}
	return filepath.Base(root), conversation
}

func (s *Scanner) examine(ctx context.Context, root, path string, info fs.FileInfo, view StateView, hwm, now time.Time, report *Report) (scheduler.WorkItem, bool) {
	report.Seen++
	size := info.Size()
	mtime := info.ModTime()

	project, conversation := Identify(root, path)
	item := scheduler.WorkItem{
		Path:           path,
		Project:        project,
		ConversationID: conversation,
		Size:           size,
		ModTime:        mtime,
	}

	if rec, known := view.Lookup(path); known {
		switch {
		case size < rec.Offset:
			// Truncated, rotated or replaced with a shorter file.
			report.Truncated++
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "file shrank below recorded offset, resetting",
				"path", path,
				"size", size,
				"offset", rec.Offset,
			)
			item.Reset = true
		case rec.Partial && size > rec.Offset:
			// The last pass stopped early; the rest is still owed regardless
			// of the mark or an unchanged stat.
		case !hwm.IsZero() && !mtime.After(hwm):
			report.BelowMark++
			return item, false
		case size == rec.Offset, size == rec.Size && mtime.Equal(rec.ModTime):
			report.Unchanged++
			return item, false
		}
	}

	item.Tier = Classify(now, mtime, s.cfg.HotWindow, s.cfg.WarmWindow)
	report.Candidates++
	report.ByTier[item.Tier]++
	return item, true
}

func (s *Scanner) rootOf(path string) (string, bool) {
	for _, root := range s.cfg.Roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != "." && !strings.HasPrefix(rel, "..") {
			return root, true
		}
	}
	return "", false
}
