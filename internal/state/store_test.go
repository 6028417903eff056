package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, store.Load(context.Background()))

	snap := store.Snapshot()
	assert.Empty(t, snap.Files)
	assert.True(t, snap.HighWaterMark.IsZero())
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hwm := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	store := NewStore(path)
	require.NoError(t, store.Load(ctx))
	require.NoError(t, store.Commit(WatchedFile{
		Path:           "/logs/proj/conv123.jsonl",
		Project:        "proj",
		ConversationID: "conv123",
		Offset:         120,
		Lines:          3,
		Size:           120,
		ModTime:        mtime,
		NextSeq:        2,
		OverlapTail:    "tail words",
	}))
	store.AdvanceHighWaterMark(hwm)
	require.NoError(t, store.Save(ctx))

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load(ctx))

	f, ok := reloaded.Lookup("/logs/proj/conv123.jsonl")
	require.True(t, ok)
	assert.Equal(t, int64(120), f.Offset)
	assert.Equal(t, int64(3), f.Lines)
	assert.Equal(t, 2, f.NextSeq)
	assert.Equal(t, "tail words", f.OverlapTail)
	assert.True(t, f.ModTime.Equal(mtime))
	assert.True(t, reloaded.HighWaterMark().Equal(hwm))
}

func TestStore_LoadCorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated json", content: `{"version":1,"files":{"/a":{"path":"/a","off`},
		{name: "negative offset", content: `{"version":1,"files":{"/a":{"path":"/a","offset":-5}}}`},
		{name: "mismatched key", content: `{"version":1,"files":{"/a":{"path":"/b","offset":5}}}`},
		{name: "future version", content: `{"version":99,"files":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "state.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			store := NewStore(path)
			err := store.Load(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorrupt))

			// Falls back to an empty state so every file is treated as unseen.
			assert.Empty(t, store.Snapshot().Files)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			var preserved bool
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "state.json.corrupt-") {
					preserved = true
				}
			}
			assert.True(t, preserved, "corrupt file should be preserved")
		})
	}
}

func TestStore_SaveLeavesNoPartialFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store := NewStore(path)
	require.NoError(t, store.Load(ctx))
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Commit(WatchedFile{
			Path:    filepath.Join("/logs", "p", "c"+string(rune('a'+i%26))+".jsonl"),
			Offset:  int64(i),
			Size:    int64(i),
			NextSeq: i,
		}))
		require.NoError(t, store.Save(ctx))

		// Every observable file must decode to a complete snapshot.
		check := NewStore(path)
		require.NoError(t, check.Load(ctx))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestPipelineState_Commit(t *testing.T) {
	st := New()
	require.NoError(t, st.Commit(WatchedFile{Path: "/a", Offset: 100, Size: 100, NextSeq: 3}))

	t.Run("offset regression rejected", func(t *testing.T) {
		err := st.Commit(WatchedFile{Path: "/a", Offset: 50, Size: 100, NextSeq: 3})
		assert.ErrorIs(t, err, ErrOffsetRegression)
		assert.Equal(t, int64(100), st.Files["/a"].Offset)
	})

	t.Run("sequence regression rejected", func(t *testing.T) {
		err := st.Commit(WatchedFile{Path: "/a", Offset: 120, Size: 120, NextSeq: 2})
		assert.ErrorIs(t, err, ErrOffsetRegression)
	})

	t.Run("offset beyond size rejected", func(t *testing.T) {
		err := st.Commit(WatchedFile{Path: "/a", Offset: 500, Size: 200, NextSeq: 3})
		assert.Error(t, err)
	})

	t.Run("reset allows rewinding", func(t *testing.T) {
		st.Reset("/a", 10, time.Now())
		assert.Equal(t, int64(0), st.Files["/a"].Offset)
		assert.Equal(t, 0, st.Files["/a"].NextSeq)
		require.NoError(t, st.Commit(WatchedFile{Path: "/a", Offset: 10, Size: 10, NextSeq: 1}))
	})
}

func TestPipelineState_AdvanceHighWaterMark(t *testing.T) {
	st := New()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, st.AdvanceHighWaterMark(t1))
	assert.False(t, st.AdvanceHighWaterMark(t1.Add(-time.Hour)))
	assert.True(t, st.HighWaterMark.Equal(t1))
}

func TestPipelineState_Summarize(t *testing.T) {
	st := New()
	require.NoError(t, st.Commit(WatchedFile{Path: "/a", Project: "p1", Offset: 10, Size: 20, Lines: 2, NextSeq: 1}))
	require.NoError(t, st.Commit(WatchedFile{Path: "/b", Project: "p1", Offset: 30, Size: 30, Lines: 4, NextSeq: 2}))
	require.NoError(t, st.Commit(WatchedFile{Path: "/c", Project: "p2", Offset: 5, Size: 5, Lines: 1}))

	sum := st.Summarize()
	assert.Equal(t, 3, sum.Files)
	assert.Equal(t, 2, sum.Projects)
	assert.Equal(t, int64(45), sum.BytesIndexed)
	assert.Equal(t, int64(7), sum.LinesIndexed)
	assert.Equal(t, int64(3), sum.Chunks)
	assert.Equal(t, 1, sum.Pending)
}

func TestStore_ConcurrentSavesNeverRegress(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)
	require.NoError(t, store.Load(ctx))

	const last = 200
	var wg sync.WaitGroup
	wg.Add(2)

	// Worker: commit then save, as a file pass does.
	go func() {
		defer wg.Done()
		for off := int64(1); off <= last; off++ {
			assert.NoError(t, store.Commit(WatchedFile{Path: "/logs/p/c.jsonl", Offset: off, Size: last}))
			assert.NoError(t, store.Save(ctx))
		}
	}()
	// Scan loop and pressure flushes save on their own schedule.
	go func() {
		defer wg.Done()
		for i := 0; i < last; i++ {
			store.AdvanceHighWaterMark(time.Unix(int64(i+1), 0))
			assert.NoError(t, store.Save(ctx))
		}
	}()
	wg.Wait()

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load(ctx))
	f, ok := reloaded.Lookup("/logs/p/c.jsonl")
	require.True(t, ok)
	assert.Equal(t, int64(last), f.Offset)
	assert.True(t, reloaded.HighWaterMark().Equal(time.Unix(last, 0)))
}

func TestPipelineState_ResetClearsPartial(t *testing.T) {
	st := New()
	require.NoError(t, st.Commit(WatchedFile{Path: "a", Offset: 50, Size: 100, NextSeq: 3, Partial: true}))

	st.Reset("a", 10, time.Time{})

	f := st.Files["a"]
	assert.False(t, f.Partial)
	assert.Equal(t, int64(0), f.Offset)
	assert.Equal(t, 0, f.NextSeq)
}
