package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id         VARCHAR(36) PRIMARY KEY,
			account_id VARCHAR(36) DEFAULT '',
			action     VARCHAR(40) NOT NULL,
			target_id  VARCHAR(64) DEFAULT '',
			detail     VARCHAR(500) DEFAULT '',
			ip_address VARCHAR(64) DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_entries(account_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, account_id, action, target_id, detail, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AccountID, e.Action, e.TargetID, e.Detail, e.IPAddress, e.CreatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, accountID string, before time.Time, action string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, account_id, action, target_id, detail, ip_address, created_at
		FROM audit_entries
		WHERE account_id = $1
		  AND ($2 = '' OR action = $2)
	`
	args := []any{accountID, action}
	if !before.IsZero() {
		query += ` AND created_at < $3 ORDER BY created_at DESC LIMIT $4`
		args = append(args, before, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.TargetID, &e.Detail, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
