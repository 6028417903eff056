package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AnomalyStore keeps a log of skipped and dropped input.
type AnomalyStore interface {
	Record(ctx context.Context, kind, path, detail string) error
	CountsByKind(ctx context.Context) (map[string]int, error)
	Recent(ctx context.Context, limit int) ([]Anomaly, error)
}

// AnomalyRepo implements AnomalyStore on SQLite.
type AnomalyRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewAnomalyRepo creates a new AnomalyRepo.
func NewAnomalyRepo(db *sql.DB) *AnomalyRepo {
	return &AnomalyRepo{db: db, now: time.Now}
}

func (r *AnomalyRepo) Record(ctx context.Context, kind, path, detail string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO anomalies (kind, path, detail, created_at) VALUES (?, ?, ?, ?)",
		kind, path, detail, r.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record anomaly: %w", err)
	}
	return nil
}

func (r *AnomalyRepo) CountsByKind(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM anomalies GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly count: %w", err)
		}
		counts[kind] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return counts, nil
}

// Recent returns the newest anomalies first.
func (r *AnomalyRepo) Recent(ctx context.Context, limit int) ([]Anomaly, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, kind, path, detail, created_at FROM anomalies ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var created int64
		if err := rows.Scan(&a.ID, &a.Kind, &a.Path, &a.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.CreatedAt = time.Unix(created, 0)
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return out, nil
}
