package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChunkStore records what has been indexed.
type ChunkStore interface {
	// RecordFile upserts a file's committed position and bumps its pass count.
	RecordFile(ctx context.Context, f *FileRecord) error
	// RecordChunks upserts stored chunks in one transaction.
	RecordChunks(ctx context.Context, chunks []ChunkRecord) error
	// DeleteConversationFrom drops chunk rows of a conversation with seq >= fromSeq.
	DeleteConversationFrom(ctx context.Context, conversationID string, fromSeq int) error
	// TokenCounts returns the token count of every recorded chunk.
	TokenCounts(ctx context.Context) ([]int, error)
	// CountFiles returns the number of recorded files and how many have no chunks.
	CountFiles(ctx context.Context) (total, withoutChunks int, err error)
}

// ChunkRepo implements ChunkStore on SQLite.
type ChunkRepo struct {
	db *sql.DB
}

// NewChunkRepo creates a new ChunkRepo.
func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

func (r *ChunkRepo) RecordFile(ctx context.Context, f *FileRecord) error {
	at := f.LastIndexedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (path, project, conversation_id, byte_offset, lines, passes, last_indexed_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(path) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			lines = excluded.lines,
			passes = files.passes + 1,
			last_indexed_at = excluded.last_indexed_at`,
		f.Path, f.Project, f.ConversationID, f.Offset, f.Lines, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record file: %w", err)
	}
	return nil
}

func (r *ChunkRepo) RecordChunks(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (chunk_key, conversation_id, project, file_path, seq, tokens, collection, point_id, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_key) DO UPDATE SET
			file_path = excluded.file_path,
			tokens = excluded.tokens,
			collection = excluded.collection,
			point_id = excluded.point_id,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, c := range chunks {
		at := c.IndexedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, c.Key, c.ConversationID, c.Project, c.FilePath, c.Seq, c.Tokens, c.Collection, c.PointID, at.Unix()); err != nil {
			return fmt.Errorf("failed to record chunk %s: %w", c.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (r *ChunkRepo) DeleteConversationFrom(ctx context.Context, conversationID string, fromSeq int) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM chunks WHERE conversation_id = ? AND seq >= ?", conversationID, fromSeq)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (r *ChunkRepo) TokenCounts(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT tokens FROM chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to query token counts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var counts []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan token count: %w", err)
		}
		counts = append(counts, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return counts, nil
}

func (r *ChunkRepo) CountFiles(ctx context.Context) (int, int, error) {
	var total, without int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count files: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files
		 WHERE path NOT IN (SELECT DISTINCT file_path FROM chunks)`).Scan(&without)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count files without chunks: %w", err)
	}
	return total, without, nil
}
