package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
)

type fakeView struct {
	files map[string]state.WatchedFile
	hwm   time.Time
}

func (v *fakeView) Lookup(path string) (state.WatchedFile, bool) {
	f, ok := v.files[path]
	return f, ok
}

func (v *fakeView) HighWaterMark() time.Time { return v.hwm }

func writeLog(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		age  time.Duration
		want scheduler.Tier
	}{
		{"just written", 10 * time.Second, scheduler.Hot},
		{"under five minutes", 4*time.Minute + 59*time.Second, scheduler.Hot},
		{"exactly five minutes", 5 * time.Minute, scheduler.Warm},
		{"a few hours", 3 * time.Hour, scheduler.Warm},
		{"exactly a day", 24 * time.Hour, scheduler.Cold},
		{"last month", 30 * 24 * time.Hour, scheduler.Cold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(now, now.Add(-tt.age), 5*time.Minute, 24*time.Hour)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		path        string
		wantProject string
		wantConv    string
	}{
		{"/root/logs/my-project/conv123.jsonl", "my-project", "conv123"},
		{"/root/logs/my-project/nested/abc.jsonl", "my-project", "abc"},
		{"/root/logs/top.jsonl", "logs", "top"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			project, conv := Identify("/root/logs", tt.path)
			assert.Equal(t, tt.wantProject, project)
			assert.Equal(t, tt.wantConv, conv)
		})
	}
}

func TestScanner_Scan(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	hwm := now.Add(-2 * time.Hour)

	hot := filepath.Join(root, "proj-a", "hot.jsonl")
	warm := filepath.Join(root, "proj-a", "warm.jsonl")
	cold := filepath.Join(root, "proj-b", "cold.jsonl")
	belowMark := filepath.Join(root, "proj-b", "old-known.jsonl")
	unknownOld := filepath.Join(root, "proj-b", "old-unknown.jsonl")
	unchanged := filepath.Join(root, "proj-c", "unchanged.jsonl")
	truncated := filepath.Join(root, "proj-c", "truncated.jsonl")
	ignored := filepath.Join(root, "proj-c", "notes.txt")

	writeLog(t, hot, "{}\n", now.Add(-time.Minute))
	writeLog(t, warm, "{}\n", now.Add(-time.Hour))
	writeLog(t, cold, "{}\n", now.Add(-48*time.Hour))
	writeLog(t, belowMark, "{}\n{}\n", now.Add(-3*time.Hour))
	writeLog(t, unknownOld, "{}\n", now.Add(-72*time.Hour))
	writeLog(t, unchanged, "{}\n", now.Add(-30*time.Minute))
	writeLog(t, truncated, "{}\n", now.Add(-10*time.Minute))
	writeLog(t, ignored, "text", now)

	unchangedInfo, err := os.Stat(unchanged)
	require.NoError(t, err)

	view := &fakeView{
		hwm: hwm,
		files: map[string]state.WatchedFile{
			belowMark: {Path: belowMark, Offset: 3, Size: 3},
			unchanged: {Path: unchanged, Offset: 3, Size: 3, ModTime: unchangedInfo.ModTime()},
			truncated: {Path: truncated, Offset: 500, Size: 500},
		},
	}

	scanner := NewScanner(Config{
		Roots:      []string{root},
		Pattern:    "*.jsonl",
		HotWindow:  5 * time.Minute,
		WarmWindow: 24 * time.Hour,
	})

	items, report, err := scanner.Scan(context.Background(), view, now)
	require.NoError(t, err)

	got := make(map[string]scheduler.WorkItem)
	for _, it := range items {
		got[it.Path] = it
	}
	var paths []string
	for p := range got {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	assert.ElementsMatch(t, []string{hot, warm, cold, unknownOld, truncated}, paths)
	assert.Equal(t, scheduler.Hot, got[hot].Tier)
	assert.Equal(t, scheduler.Warm, got[warm].Tier)
	assert.Equal(t, scheduler.Cold, got[cold].Tier)
	assert.Equal(t, scheduler.Cold, got[unknownOld].Tier, "unknown files are processed even below the mark")
	assert.True(t, got[truncated].Reset)
	assert.Equal(t, "proj-a", got[hot].Project)
	assert.Equal(t, "hot", got[hot].ConversationID)

	assert.Equal(t, 7, report.Seen)
	assert.Equal(t, 1, report.BelowMark)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Truncated)
	assert.Equal(t, 5, report.Candidates)

	// Scanning must not touch state.
	assert.Len(t, view.files, 3)
	assert.Equal(t, int64(500), view.files[truncated].Offset)
}

func TestScanner_ScanMissingRoot(t *testing.T) {
	scanner := NewScanner(Config{Roots: []string{filepath.Join(t.TempDir(), "absent")}, HotWindow: time.Minute, WarmWindow: time.Hour})
	items, report, err := scanner.Scan(context.Background(), &fakeView{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, report.Seen)
}

func TestScanner_ScanPaths(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	inside := filepath.Join(root, "proj", "a.jsonl")
	outside := filepath.Join(t.TempDir(), "proj", "b.jsonl")
	writeLog(t, inside, "{}\n", now)
	writeLog(t, outside, "{}\n", now)

	scanner := NewScanner(Config{Roots: []string{root}, Pattern: "*.jsonl", HotWindow: 5 * time.Minute, WarmWindow: 24 * time.Hour})
	items, report := scanner.ScanPaths(context.Background(), &fakeView{}, []string{inside, outside, filepath.Join(root, "proj", "gone.jsonl")}, now)

	require.Len(t, items, 1)
	assert.Equal(t, inside, items[0].Path)
	assert.Equal(t, scheduler.Hot, items[0].Tier)
	assert.Equal(t, 1, report.Candidates)
}

func TestScanner_ScanReoffersPartiallyReadFiles(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := now.Add(-2 * time.Hour)

	budgeted := filepath.Join(root, "proj", "budgeted.jsonl")
	dangling := filepath.Join(root, "proj", "dangling.jsonl")
	writeLog(t, budgeted, "{\"a\":1}\n{\"b\":2}\n", old)
	writeLog(t, dangling, "{\"a\":1}\n{\"b\":", old)

	stat := func(path string) os.FileInfo {
		info, err := os.Stat(path)
		require.NoError(t, err)
		return info
	}
	bi, di := stat(budgeted), stat(dangling)

	view := &fakeView{
		hwm: now.Add(-time.Hour),
		files: map[string]state.WatchedFile{
			// Stopped at the byte budget after the first line.
			budgeted: {Path: budgeted, Offset: 8, Size: bi.Size(), ModTime: bi.ModTime(), Partial: true},
			// Read to the end; only an unterminated line remains.
			dangling: {Path: dangling, Offset: 8, Size: di.Size(), ModTime: di.ModTime()},
		},
	}

	scanner := NewScanner(Config{Roots: []string{root}, Pattern: "*.jsonl", HotWindow: 5 * time.Minute, WarmWindow: 24 * time.Hour})
	items, report, err := scanner.Scan(context.Background(), view, now)
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, budgeted, items[0].Path)
	assert.False(t, items[0].Reset)
	assert.Equal(t, 1, report.BelowMark)

	// The fast path sees the same remainder.
	hot, _ := scanner.ScanPaths(context.Background(), view, []string{budgeted, dangling}, now)
	require.Len(t, hot, 1)
	assert.Equal(t, budgeted, hot[0].Path)
}
