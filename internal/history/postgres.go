package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const defaultRecentLimit = 50

// PostgresSink persists the send history in a campaign_history table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database and bootstraps the schema.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s := &PostgresSink{db: db}
	if err := s.ensureTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSinkWithDB wraps an existing connection without bootstrapping.
// Used by tests and callers that manage the schema themselves.
func NewPostgresSinkWithDB(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS campaign_history (
			id BIGSERIAL PRIMARY KEY,
			sent_at TIMESTAMP WITH TIME ZONE NOT NULL,
			campaign_name VARCHAR(500) NOT NULL,
			subject VARCHAR(998) NOT NULL,
			total_recipients INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			failed INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure campaign_history table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_history (sent_at, campaign_name, subject, total_recipients, delivered, failed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.SentAt, e.CampaignName, e.Subject, e.Total, e.Delivered, e.Failed)
	if err != nil {
		return fmt.Errorf("append history row: %w", err)
	}
	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sent_at, campaign_name, subject, total_recipients, delivered, failed
		FROM campaign_history
		ORDER BY sent_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SentAt, &e.CampaignName, &e.Subject, &e.Total, &e.Delivered, &e.Failed); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
