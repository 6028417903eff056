package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"convo-indexer/internal/contextutil"
)

// Watcher collects paths of log files that were written or created so the
// fast loop can look at them without walking the roots.
type Watcher struct {
	fsw     *fsnotify.Watcher
	scanner *Scanner

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewWatcher watches every directory below the scanner's roots.
// Roots that do not exist yet are skipped; the full scan still covers them.
func NewWatcher(ctx context.Context, scanner *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		scanner: scanner,
		dirty:   make(map[string]struct{}),
	}

	logger := contextutil.LoggerFromContext(ctx)
	watched := 0
	for _, root := range scanner.cfg.Roots {
		watched += w.addTree(ctx, root, false)
	}
	logger.InfoContext(ctx, "file watcher started", "roots", len(scanner.cfg.Roots), "watched", watched)
	return w, nil
}

// Run consumes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "file watcher error", "error", err)
		}
	}
}

// Drain returns and clears the paths marked dirty since the last call.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.dirty) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.dirty))
	for path := range w.dirty {
		out = append(out, path)
	}
	w.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	// New project directory -> start watching it
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.addTree(ctx, path, true)
			return
		}
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.mark(path)
}

// addTree watches root and every directory below it. With markFiles set,
// matching files already present are marked dirty; a directory that appears
// while running may have been filled before its watch was added.
func (w *Watcher) addTree(ctx context.Context, root string, markFiles bool) int {
	logger := contextutil.LoggerFromContext(ctx)
	watched := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if markFiles {
				w.mark(path)
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			logger.WarnContext(ctx, "cannot watch directory", "path", path, "error", err)
			return nil
		}
		watched++
		return nil
	})
	return watched
}

func (w *Watcher) mark(path string) {
	if !w.scanner.Matches(path) {
		return
	}
	w.mu.Lock()
	w.dirty[path] = struct{}{}
	w.mu.Unlock()
}
