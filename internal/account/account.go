// Package account is the durable core of Clawdfather: accounts, SSH
// keypairs, saved connections, bearer-token sessions, session leases, the
// credit ledger, and the Stripe idempotency log.
//
// The Store interface is implemented twice (memory for tests/demo,
// Postgres for production); every multi-statement mutation is transactional
// in both.
package account

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound            = errors.New("account: not found")
	ErrLastKey             = errors.New("account: cannot remove last active key")
	ErrInsufficientCredits = errors.New("account: insufficient credits")
	ErrDuplicateEvent      = errors.New("account: stripe event already processed")
	ErrDuplicateConnection = errors.New("account: connection already exists")
	ErrTokenInvalid        = errors.New("account: token invalid or expired")
)

// Test results recorded on a Connection.
const (
	TestResultOK             = "ok"
	TestResultFailed         = "failed"
	TestResultTimeout        = "timeout"
	TestResultHostKeyChanged = "host_key_changed"
)

// Lease statuses.
const (
	LeasePending = "pending"
	LeaseActive  = "active"
	LeaseEnded   = "ended"
	LeaseFailed  = "failed"
)

// Account is the root tenant entity. Everything else cascades from it.
type Account struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	Email         string    `json:"email,omitempty"`
	CreditBalance int64     `json:"creditBalance"` // seconds; denormalized sum of ledger deltas
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// OAuthIdentity links an Account to an upstream provider identity.
// At most one row per (provider, provider_user_id).
type OAuthIdentity struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"accountId"`
	Provider         string    `json:"provider"` // "github"
	ProviderUserID   string    `json:"providerUserId"`
	ProviderUsername string    `json:"providerUsername"`
	ProviderEmail    string    `json:"providerEmail,omitempty"`
	TokenCiphertext  string    `json:"-"` // provider access token under the account KEK
	Scopes           string    `json:"scopes,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AppSession is a bearer-token record. Only the hash is stored.
// A token is valid iff present AND RevokedAt is nil AND ExpiresAt > now.
type AppSession struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	TokenHash string     `json:"-"`
	SessionID string     `json:"sessionId,omitempty"` // bound shell session, if any
	ClientIP  string     `json:"clientIp,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Keypair holds a server-generated SSH keypair. The private half is stored
// only as ciphertext under the owning account's KEK.
type Keypair struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	Label             string    `json:"label"`
	Algorithm         string    `json:"algorithm"` // "ed25519"
	PublicKey         string    `json:"publicKey"` // OpenSSH one-line form
	Fingerprint       string    `json:"fingerprint"`
	PrivateCiphertext string    `json:"-"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Connection is a saved (host, port, user, keypair) tuple.
// (account, host, port, username) is unique.
type Connection struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	KeypairID      string     `json:"keypairId"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	Label          string     `json:"label,omitempty"`
	PinnedHostKey  string     `json:"pinnedHostKey,omitempty"` // SHA256: fingerprint, rotates only on explicit acceptance
	LastTestResult string     `json:"lastTestResult,omitempty"`
	LastTestAt     *time.Time `json:"lastTestAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SessionLease is the persistent record of a session's intent-to-run.
type SessionLease struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"accountId"`
	ConnectionID string     `json:"connectionId"`
	Status       string     `json:"status"` // pending, active, ended, failed
	Reason       string     `json:"reason,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// LedgerEntry is one signed credit movement, in seconds.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Delta     int64     `json:"delta"` // seconds, signed
	Reason    string    `json:"reason"`
	Ref       string    `json:"ref,omitempty"` // stripe event id, session id, "bonus:welcome"…
	CreatedAt time.Time `json:"createdAt"`
}

// AccountSession is a row in the active-session table the ticker sweeps.
type AccountSession struct {
	SessionID   string     `json:"sessionId"`
	AccountID   string     `json:"accountId"`
	StartedAt   time.Time  `json:"startedAt"`
	LastDebitAt *time.Time `json:"lastDebitAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Valid reports whether the token record resolves at the given instant.
func (s *AppSession) Valid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// Store persists the account core.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	TouchAccount(ctx context.Context, id string, now time.Time) error

	// OAuth identities. ResolveOrCreateOAuthAccount finds the account bound
	// to (provider, providerUserID) or atomically creates account+identity.
	ResolveOrCreateOAuthAccount(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error)
	ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error)

	// Keypairs. ResolveOrCreateAccount returns the owner of fingerprint, or
	// atomically creates an Account plus newKey (which must carry the same
	// fingerprint). Concurrent callers with one fingerprint agree on one
	// account.
	ResolveOrCreateAccount(ctx context.Context, fingerprint string, newKey *Keypair) (*Account, *Keypair, bool, error)
	CreateKeypair(ctx context.Context, k *Keypair) error
	GetKeypair(ctx context.Context, id string) (*Keypair, error)
	ListKeypairs(ctx context.Context, accountID string) ([]*Keypair, error)
	// RemoveKey deactivates a key; fails with ErrLastKey when it would leave
	// zero active keys, ErrNotFound when absent or not owned.
	RemoveKey(ctx context.Context, accountID, keyID string) error

	// Connections
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	FindConnection(ctx context.Context, accountID, host string, port int, username string) (*Connection, error)
	ListConnections(ctx context.Context, accountID string) ([]*Connection, error)
	UpdateConnection(ctx context.Context, c *Connection) error
	DeleteConnection(ctx context.Context, accountID, id string) error
	RecordTestResult(ctx context.Context, id, result, hostKey string, at time.Time) error

	// App sessions (bearer tokens)
	CreateAppSession(ctx context.Context, s *AppSession) error
	GetAppSessionByHash(ctx context.Context, hash string) (*AppSession, error)
	RevokeToken(ctx context.Context, tokenID string, now time.Time) error
	RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) error
	// CleanExpiredTokens removes rows whose expiry passed or revocation is
	// set, returning the number removed.
	CleanExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// Session leases
	CreateLease(ctx context.Context, l *SessionLease) error
	GetLease(ctx context.Context, id string) (*SessionLease, error)
	ListLeases(ctx context.Context, accountID string) ([]*SessionLease, error)
	// CountOpenLeases counts {pending, active} leases for the account.
	CountOpenLeases(ctx context.Context, accountID string) (int, error)
	UpdateLeaseStatus(ctx context.Context, id, status, reason string, now time.Time) error

	// Ledger. AddCredits appends a positive entry and bumps balance
	// atomically. DebitCredits checks balance >= seconds inside one
	// transaction, appending a negative entry tagged
	// "session_debit:<sessionID>" on success; on failure state is unchanged
	// and ErrInsufficientCredits is returned.
	AddCredits(ctx context.Context, accountID string, seconds int64, reason, ref string) error
	DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error
	GetBalance(ctx context.Context, accountID string) (int64, error)
	LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error)

	// Stripe idempotency. RecordStripeEvent fails with ErrDuplicateEvent on
	// a replay.
	RecordStripeEvent(ctx context.Context, eventID, eventType string) error
	HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error)

	// Active-session table (swept by the credit ticker)
	StartAccountSession(ctx context.Context, sessionID, accountID string) error
	EndAccountSession(ctx context.Context, sessionID string) error
	GetAccountIDForSession(ctx context.Context, sessionID string) (string, error)
	ListOpenAccountSessions(ctx context.Context) ([]*AccountSession, error)

	// OAuth state cache. ConsumeOAuthState atomically deletes the unexpired
	// row and returns its verifier; ok is false when no row matched.
	PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error
	ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, bool, error)
}
