package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/claudinethelobster/clawfather/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
// Ledger mutations take a row lock on the owning account, which makes
// concurrent debits linearizable per account.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the account core tables and recomputes each account's
// credit_balance from the sum of its ledger entries.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id             VARCHAR(36) PRIMARY KEY,
			display_name   VARCHAR(200) DEFAULT '',
			email          VARCHAR(320),
			credit_balance BIGINT NOT NULL DEFAULT 0,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS oauth_identities (
			id                VARCHAR(36) PRIMARY KEY,
			account_id        VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			provider          VARCHAR(32) NOT NULL,
			provider_user_id  VARCHAR(64) NOT NULL,
			provider_username VARCHAR(200) DEFAULT '',
			provider_email    VARCHAR(320),
			token_ciphertext  TEXT DEFAULT '',
			scopes            VARCHAR(500) DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider, provider_user_id)
		);

		CREATE TABLE IF NOT EXISTS keypairs (
			id                 VARCHAR(36) PRIMARY KEY,
			account_id         VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			label              VARCHAR(200) DEFAULT '',
			algorithm          VARCHAR(20) NOT NULL DEFAULT 'ed25519',
			public_key         TEXT NOT NULL,
			fingerprint        VARCHAR(64) NOT NULL UNIQUE,
			private_ciphertext TEXT NOT NULL,
			active             BOOLEAN NOT NULL DEFAULT TRUE,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS connections (
			id               VARCHAR(36) PRIMARY KEY,
			account_id       VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			keypair_id       VARCHAR(36) NOT NULL REFERENCES keypairs(id),
			host             VARCHAR(253) NOT NULL,
			port             INTEGER NOT NULL DEFAULT 22,
			username         VARCHAR(32) NOT NULL,
			label            VARCHAR(200) DEFAULT '',
			pinned_host_key  VARCHAR(64) DEFAULT '',
			last_test_result VARCHAR(20) DEFAULT '',
			last_test_at     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, host, port, username)
		);

		CREATE TABLE IF NOT EXISTS app_sessions (
			id         VARCHAR(36) PRIMARY KEY,
			account_id VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			session_id VARCHAR(36) DEFAULT '',
			client_ip  VARCHAR(64) DEFAULT '',
			user_agent VARCHAR(500) DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_app_sessions_session ON app_sessions(session_id) WHERE session_id <> '';

		CREATE TABLE IF NOT EXISTS session_leases (
			id            VARCHAR(36) PRIMARY KEY,
			account_id    VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			connection_id VARCHAR(36) NOT NULL REFERENCES connections(id),
			status        VARCHAR(10) NOT NULL,
			reason        VARCHAR(40) DEFAULT '',
			started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_leases_account ON session_leases(account_id);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id         VARCHAR(36) PRIMARY KEY,
			account_id VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			delta      BIGINT NOT NULL,
			reason     VARCHAR(100) NOT NULL,
			ref        VARCHAR(255) DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS stripe_events (
			event_id      VARCHAR(100) PRIMARY KEY,
			event_type    VARCHAR(100) NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS account_sessions (
			session_id    VARCHAR(36) PRIMARY KEY,
			account_id    VARCHAR(36) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_debit_at TIMESTAMPTZ,
			ended_at      TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS oauth_states (
			state_hash VARCHAR(64) PRIMARY KEY,
			verifier   VARCHAR(200) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);

		UPDATE accounts a
		SET credit_balance = COALESCE((
			SELECT SUM(delta) FROM ledger_entries e WHERE e.account_id = a.id
		), 0);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Accounts

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, email, credit_balance, active, created_at, last_seen_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, a.ID, a.DisplayName, a.Email, a.CreditBalance, a.Active, a.CreatedAt, a.LastSeenAt)
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	var email sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, credit_balance, active, created_at, last_seen_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.DisplayName, &email, &a.CreditBalance, &a.Active, &a.CreatedAt, &a.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	return a, nil
}

func (p *PostgresStore) TouchAccount(ctx context.Context, id string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE accounts SET last_seen_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OAuth identities

func (p *PostgresStore) ResolveOrCreateOAuthAccount(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error) {
	// Fast path: identity already linked.
	if acct, err := p.findOAuthAccount(ctx, ident); err == nil {
		return acct, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now()
	acct := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Email:       ident.ProviderEmail,
		Active:      true,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, email, active, created_at, last_seen_at)
		VALUES ($1, $2, NULLIF($3, ''), TRUE, $4, $4)
	`, acct.ID, acct.DisplayName, acct.Email, now); err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oauth_identities (id, account_id, provider, provider_user_id,
			provider_username, provider_email, token_ciphertext, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, idgen.WithPrefix("oid_"), acct.ID, ident.Provider, ident.ProviderUserID,
		ident.ProviderUsername, ident.ProviderEmail, ident.TokenCiphertext, ident.Scopes, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race: another login created the identity first.
			_ = tx.Rollback()
			acct, ferr := p.findOAuthAccount(ctx, ident)
			return acct, false, ferr
		}
		return nil, false, fmt.Errorf("create oauth identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

func (p *PostgresStore) findOAuthAccount(ctx context.Context, ident *OAuthIdentity) (*Account, error) {
	var accountID string
	err := p.db.QueryRowContext(ctx, `
		SELECT account_id FROM oauth_identities WHERE provider = $1 AND provider_user_id = $2
	`, ident.Provider, ident.ProviderUserID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Refresh mutable identity fields on every login.
	_, _ = p.db.ExecContext(ctx, `
		UPDATE oauth_identities
		SET provider_username = $3, provider_email = NULLIF($4, ''), token_ciphertext = $5, scopes = $6
		WHERE provider = $1 AND provider_user_id = $2
	`, ident.Provider, ident.ProviderUserID, ident.ProviderUsername, ident.ProviderEmail,
		ident.TokenCiphertext, ident.Scopes)
	return p.GetAccount(ctx, accountID)
}

func (p *PostgresStore) ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, provider, provider_user_id, provider_username,
		       COALESCE(provider_email, ''), scopes, created_at
		FROM oauth_identities WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*OAuthIdentity
	for rows.Next() {
		i := &OAuthIdentity{}
		if err := rows.Scan(&i.ID, &i.AccountID, &i.Provider, &i.ProviderUserID,
			&i.ProviderUsername, &i.ProviderEmail, &i.Scopes, &i.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

// Keypairs

func (p *PostgresStore) ResolveOrCreateAccount(ctx context.Context, fingerprint string, newKey *Keypair) (*Account, *Keypair, bool, error) {
	if acct, key, err := p.findByFingerprint(ctx, fingerprint); err == nil {
		return acct, key, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, err
	}
	defer tx.Rollback()

	now := time.Now()
	acct := &Account{
		ID:         idgen.WithPrefix("acct_"),
		Active:     true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, active, created_at, last_seen_at) VALUES ($1, TRUE, $2, $2)
	`, acct.ID, now); err != nil {
		return nil, nil, false, fmt.Errorf("create account: %w", err)
	}

	key := *newKey
	if key.ID == "" {
		key.ID = idgen.WithPrefix("key_")
	}
	key.AccountID = acct.ID
	key.Active = true
	key.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO keypairs (id, account_id, label, algorithm, public_key, fingerprint, private_ciphertext, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
	`, key.ID, key.AccountID, key.Label, key.Algorithm, key.PublicKey, fingerprint, key.PrivateCiphertext, now)
	if err != nil {
		if isUniqueViolation(err) {
			// The unique index on fingerprint decided the race; return the winner.
			_ = tx.Rollback()
			acct, key, ferr := p.findByFingerprint(ctx, fingerprint)
			return acct, key, false, ferr
		}
		return nil, nil, false, fmt.Errorf("create keypair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, err
	}
	return acct, &key, true, nil
}

func (p *PostgresStore) findByFingerprint(ctx context.Context, fingerprint string) (*Account, *Keypair, error) {
	k := &Keypair{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, label, algorithm, public_key, fingerprint, private_ciphertext, active, created_at
		FROM keypairs WHERE fingerprint = $1
	`, fingerprint).Scan(&k.ID, &k.AccountID, &k.Label, &k.Algorithm, &k.PublicKey,
		&k.Fingerprint, &k.PrivateCiphertext, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	acct, err := p.GetAccount(ctx, k.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return acct, k, nil
}

func (p *PostgresStore) CreateKeypair(ctx context.Context, k *Keypair) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO keypairs (id, account_id, label, algorithm, public_key, fingerprint, private_ciphertext, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, k.ID, k.AccountID, k.Label, k.Algorithm, k.PublicKey, k.Fingerprint, k.PrivateCiphertext, k.Active, k.CreatedAt)
	return err
}

func (p *PostgresStore) GetKeypair(ctx context.Context, id string) (*Keypair, error) {
	k := &Keypair{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, label, algorithm, public_key, fingerprint, private_ciphertext, active, created_at
		FROM keypairs WHERE id = $1
	`, id).Scan(&k.ID, &k.AccountID, &k.Label, &k.Algorithm, &k.PublicKey,
		&k.Fingerprint, &k.PrivateCiphertext, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (p *PostgresStore) ListKeypairs(ctx context.Context, accountID string) ([]*Keypair, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, label, algorithm, public_key, fingerprint, private_ciphertext, active, created_at
		FROM keypairs WHERE account_id = $1 ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Keypair
	for rows.Next() {
		k := &Keypair{}
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Label, &k.Algorithm, &k.PublicKey,
			&k.Fingerprint, &k.PrivateCiphertext, &k.Active, &k.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RemoveKey(ctx context.Context, accountID, keyID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lock the account's keys so two concurrent removals cannot both pass
	// the last-key check.
	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM keypairs WHERE account_id = $1 AND active FOR UPDATE
		) locked
	`, accountID).Scan(&active); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE keypairs SET active = FALSE WHERE id = $1 AND account_id = $2 AND active
	`, keyID, accountID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if active <= 1 {
		return ErrLastKey // rollback restores the key
	}

	return tx.Commit()
}

// Connections

func (p *PostgresStore) CreateConnection(ctx context.Context, c *Connection) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connections (id, account_id, keypair_id, host, port, username, label,
			pinned_host_key, last_test_result, last_test_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.AccountID, c.KeypairID, c.Host, c.Port, c.Username, c.Label,
		c.PinnedHostKey, c.LastTestResult, c.LastTestAt, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateConnection
	}
	return err
}

func (p *PostgresStore) scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	c := &Connection{}
	err := row.Scan(&c.ID, &c.AccountID, &c.KeypairID, &c.Host, &c.Port, &c.Username,
		&c.Label, &c.PinnedHostKey, &c.LastTestResult, &c.LastTestAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

const connectionCols = `id, account_id, keypair_id, host, port, username, label,
	pinned_host_key, last_test_result, last_test_at, created_at`

func (p *PostgresStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	return p.scanConnection(p.db.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM connections WHERE id = $1`, id))
}

func (p *PostgresStore) FindConnection(ctx context.Context, accountID, host string, port int, username string) (*Connection, error) {
	return p.scanConnection(p.db.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM connections
		 WHERE account_id = $1 AND host = $2 AND port = $3 AND username = $4`,
		accountID, host, port, username))
}

func (p *PostgresStore) ListConnections(ctx context.Context, accountID string) ([]*Connection, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+connectionCols+` FROM connections WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Connection
	for rows.Next() {
		c, err := p.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateConnection(ctx context.Context, c *Connection) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE connections SET keypair_id = $2, host = $3, port = $4, username = $5,
			label = $6, pinned_host_key = $7, last_test_result = $8, last_test_at = $9
		WHERE id = $1
	`, c.ID, c.KeypairID, c.Host, c.Port, c.Username, c.Label,
		c.PinnedHostKey, c.LastTestResult, c.LastTestAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteConnection(ctx context.Context, accountID, id string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM connections WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordTestResult(ctx context.Context, id, result, hostKey string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE connections SET last_test_result = $2, last_test_at = $3,
			pinned_host_key = CASE WHEN $4 <> '' THEN $4 ELSE pinned_host_key END
		WHERE id = $1
	`, id, result, at, hostKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// App sessions

func (p *PostgresStore) CreateAppSession(ctx context.Context, s *AppSession) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO app_sessions (id, account_id, token_hash, session_id, client_ip, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.AccountID, s.TokenHash, s.SessionID, s.ClientIP, s.UserAgent, s.CreatedAt, s.ExpiresAt)
	return err
}

func (p *PostgresStore) GetAppSessionByHash(ctx context.Context, hash string) (*AppSession, error) {
	s := &AppSession{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, token_hash, session_id, client_ip, user_agent, created_at, expires_at, revoked_at
		FROM app_sessions WHERE token_hash = $1
	`, hash).Scan(&s.ID, &s.AccountID, &s.TokenHash, &s.SessionID, &s.ClientIP,
		&s.UserAgent, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) RevokeToken(ctx context.Context, tokenID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE app_sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, tokenID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE app_sessions SET revoked_at = $2 WHERE session_id = $1 AND revoked_at IS NULL`, sessionID, now)
	return err
}

func (p *PostgresStore) CleanExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM app_sessions WHERE expires_at <= $1 OR revoked_at IS NOT NULL`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Session leases

func (p *PostgresStore) CreateLease(ctx context.Context, l *SessionLease) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_leases (id, account_id, connection_id, status, reason, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.AccountID, l.ConnectionID, l.Status, l.Reason, l.StartedAt, l.EndedAt)
	return err
}

func (p *PostgresStore) GetLease(ctx context.Context, id string) (*SessionLease, error) {
	l := &SessionLease{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, connection_id, status, reason, started_at, ended_at
		FROM session_leases WHERE id = $1
	`, id).Scan(&l.ID, &l.AccountID, &l.ConnectionID, &l.Status, &l.Reason, &l.StartedAt, &l.EndedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) ListLeases(ctx context.Context, accountID string) ([]*SessionLease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, connection_id, status, reason, started_at, ended_at
		FROM session_leases WHERE account_id = $1 ORDER BY started_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionLease
	for rows.Next() {
		l := &SessionLease{}
		if err := rows.Scan(&l.ID, &l.AccountID, &l.ConnectionID, &l.Status,
			&l.Reason, &l.StartedAt, &l.EndedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountOpenLeases(ctx context.Context, accountID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_leases
		WHERE account_id = $1 AND status IN ('pending', 'active')
	`, accountID).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateLeaseStatus(ctx context.Context, id, status, reason string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE session_leases
		SET status = $2,
		    reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END,
		    ended_at = CASE WHEN $2 IN ('ended', 'failed') THEN $4 ELSE ended_at END
		WHERE id = $1
	`, id, status, reason, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ledger

func (p *PostgresStore) AddCredits(ctx context.Context, accountID string, seconds int64, reason, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Row lock serializes ledger mutations per account.
	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT credit_balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("led_"), accountID, seconds, reason, ref); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET credit_balance = credit_balance + $2 WHERE id = $1`, accountID, seconds); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT credit_balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if balance < seconds {
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("led_"), accountID, -seconds, "session_debit:"+sessionID, sessionID); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET credit_balance = credit_balance - $2 WHERE id = $1`, accountID, seconds); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE account_sessions SET last_debit_at = NOW() WHERE session_id = $1 AND ended_at IS NULL`, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx,
		`SELECT credit_balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return balance, err
}

func (p *PostgresStore) LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason, ref, created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Stripe idempotency

func (p *PostgresStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stripe_events (event_id, event_type, first_seen_at) VALUES ($1, $2, NOW())
	`, eventID, eventType)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (p *PostgresStore) HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM stripe_events WHERE event_id = $1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Active-session table

func (p *PostgresStore) StartAccountSession(ctx context.Context, sessionID, accountID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_sessions (session_id, account_id, started_at) VALUES ($1, $2, NOW())
	`, sessionID, accountID)
	return err
}

func (p *PostgresStore) EndAccountSession(ctx context.Context, sessionID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE account_sessions SET ended_at = NOW() WHERE session_id = $1 AND ended_at IS NULL`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetAccountIDForSession(ctx context.Context, sessionID string) (string, error) {
	var accountID string
	err := p.db.QueryRowContext(ctx,
		`SELECT account_id FROM account_sessions WHERE session_id = $1 AND ended_at IS NULL`, sessionID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return accountID, err
}

func (p *PostgresStore) ListOpenAccountSessions(ctx context.Context) ([]*AccountSession, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, account_id, started_at, last_debit_at, ended_at
		FROM account_sessions WHERE ended_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AccountSession
	for rows.Next() {
		as := &AccountSession{}
		if err := rows.Scan(&as.SessionID, &as.AccountID, &as.StartedAt, &as.LastDebitAt, &as.EndedAt); err != nil {
			return nil, err
		}
		result = append(result, as)
	}
	return result, rows.Err()
}

// OAuth state cache

func (p *PostgresStore) PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state_hash, verifier, expires_at) VALUES ($1, $2, $3)
	`, stateHash, verifier, expiresAt)
	return err
}

func (p *PostgresStore) ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, bool, error) {
	var verifier string
	err := p.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE state_hash = $1 AND expires_at > $2 RETURNING verifier
	`, stateHash, now).Scan(&verifier)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return verifier, true, nil
}
