package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotRepo stores net worth snapshots. Rows are append-only.
type SnapshotRepo struct{ db DBTX }

func NewSnapshotRepo(db DBTX) *SnapshotRepo { return &SnapshotRepo{db: db} }

func (r *SnapshotRepo) Add(ctx context.Context, s Snapshot) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	lines := s.Breakdown
	if lines == nil {
		lines = []SnapshotLine{}
	}
	breakdown, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("encode breakdown: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO net_worth_snapshots(id, taken_at, total_assets, total_liabilities, net_worth, breakdown)
	VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.TakenAt, s.TotalAssets, s.TotalLiabilities, s.NetWorth, string(breakdown))
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// History returns the most recent snapshots first. limit <= 0 returns all.
func (r *SnapshotRepo) History(ctx context.Context, limit int) ([]Snapshot, error) {
	query := `SELECT id, taken_at, total_assets, total_liabilities, net_worth, breakdown FROM net_worth_snapshots ORDER BY taken_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var breakdown string
		if err := rows.Scan(&s.ID, &s.TakenAt, &s.TotalAssets, &s.TotalLiabilities, &s.NetWorth, &breakdown); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(breakdown), &s.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
