package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

//go:embed schema.sql
var sqliteSchema string

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) UpsertDeals(ctx context.Context, deals []models.Deal) error {
	if len(deals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deals (id, title, price, url, image_url, mall,
			voted_count, comment_count, occurred_at, delivered, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			MAX(?, EXISTS (SELECT 1 FROM delivered_ids WHERE id = ?)), ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			price = excluded.price,
			url = excluded.url,
			image_url = excluded.image_url,
			mall = excluded.mall,
			voted_count = excluded.voted_count,
			comment_count = excluded.comment_count,
			occurred_at = excluded.occurred_at,
			delivered = MAX(deals.delivered, excluded.delivered),
			last_updated = excluded.last_updated`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	ledger, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO delivered_ids (id, delivered_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare delivered ids: %w", err)
	}
	defer ledger.Close()

	now := time.Now().Unix()
	for _, d := range deals {
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.Title, d.Price, d.URL, d.ImageURL, d.Mall,
			d.VotedCount, d.CommentCount, unixOrZero(d.OccurredAt), d.Delivered, d.ID, now,
		); err != nil {
			return fmt.Errorf("upsert deal %s: %w", d.ID, err)
		}
		if d.Delivered {
			if _, err := ledger.ExecContext(ctx, d.ID, now); err != nil {
				return fmt.Errorf("record delivered deal %s: %w", d.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLite) UndeliveredDeals(ctx context.Context) ([]models.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, price, url, image_url, mall,
			voted_count, comment_count, occurred_at, delivered, last_updated
		FROM deals
		WHERE delivered = 0
		ORDER BY occurred_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query undelivered deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		var (
			d                   models.Deal
			occurred, updatedAt int64
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Price, &d.URL, &d.ImageURL, &d.Mall,
			&d.VotedCount, &d.CommentCount, &occurred, &d.Delivered, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		d.OccurredAt = timeOrZero(occurred)
		d.LastUpdated = timeOrZero(updatedAt)
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func (s *SQLite) DeliveredIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM delivered_ids`)
	if err != nil {
		return nil, fmt.Errorf("query delivered ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// TrimDelivered removes the payload of the oldest delivered deals beyond
// keep. Their ids stay in delivered_ids.
func (s *SQLite) TrimDelivered(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deals WHERE id IN (
			SELECT id FROM deals
			WHERE delivered = 1
			ORDER BY occurred_at DESC, id DESC
			LIMIT -1 OFFSET ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("trim delivered deals: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Trimmed delivered deals", "deleted", n, "keep", keep)
	}
	return nil
}
