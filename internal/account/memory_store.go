package account

import (
	"context"
	"sync"
	"time"

	"github.com/claudinethelobster/clawfather/internal/idgen"
)

// MemoryStore is an in-memory implementation of Store.
// Used for tests and demo mode; a single mutex stands in for the row-level
// locking the Postgres store gets from the database.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	identities  map[string]*OAuthIdentity // by ID
	keypairs    map[string]*Keypair       // by ID
	connections map[string]*Connection    // by ID
	appSessions map[string]*AppSession    // by ID
	leases      map[string]*SessionLease  // by ID
	ledger      map[string][]*LedgerEntry // by account ID
	stripeSeen  map[string]time.Time      // event ID → first seen
	acctSess    map[string]*AccountSession
	oauthStates map[string]oauthState // by state hash
}

type oauthState struct {
	verifier  string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		identities:  make(map[string]*OAuthIdentity),
		keypairs:    make(map[string]*Keypair),
		connections: make(map[string]*Connection),
		appSessions: make(map[string]*AppSession),
		leases:      make(map[string]*SessionLease),
		ledger:      make(map[string][]*LedgerEntry),
		stripeSeen:  make(map[string]time.Time),
		acctSess:    make(map[string]*AccountSession),
		oauthStates: make(map[string]oauthState),
	}
}

// Accounts

func (s *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) TouchAccount(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSeenAt = now
	return nil
}

// OAuth identities

func (s *MemoryStore) ResolveOrCreateOAuthAccount(ctx context.Context, ident *OAuthIdentity, displayName string) (*Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.identities {
		if existing.Provider == ident.Provider && existing.ProviderUserID == ident.ProviderUserID {
			// Refresh mutable identity fields on every login.
			existing.ProviderUsername = ident.ProviderUsername
			existing.ProviderEmail = ident.ProviderEmail
			existing.TokenCiphertext = ident.TokenCiphertext
			existing.Scopes = ident.Scopes
			a := s.accounts[existing.AccountID]
			cp := *a
			return &cp, false, nil
		}
	}

	now := time.Now()
	acct := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Email:       ident.ProviderEmail,
		Active:      true,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	s.accounts[acct.ID] = acct

	cp := *ident
	cp.ID = idgen.WithPrefix("oid_")
	cp.AccountID = acct.ID
	cp.CreatedAt = now
	s.identities[cp.ID] = &cp

	out := *acct
	return &out, true, nil
}

func (s *MemoryStore) ListOAuthIdentities(ctx context.Context, accountID string) ([]*OAuthIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*OAuthIdentity
	for _, i := range s.identities {
		if i.AccountID == accountID {
			cp := *i
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Keypairs

func (s *MemoryStore) ResolveOrCreateAccount(ctx context.Context, fingerprint string, newKey *Keypair) (*Account, *Keypair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keypairs {
		if k.Fingerprint == fingerprint {
			a, ok := s.accounts[k.AccountID]
			if !ok {
				return nil, nil, false, ErrNotFound
			}
			ac, kc := *a, *k
			return &ac, &kc, false, nil
		}
	}

	now := time.Now()
	acct := &Account{
		ID:         idgen.WithPrefix("acct_"),
		Active:     true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	s.accounts[acct.ID] = acct

	kc := *newKey
	if kc.ID == "" {
		kc.ID = idgen.WithPrefix("key_")
	}
	kc.AccountID = acct.ID
	kc.Active = true
	kc.CreatedAt = now
	s.keypairs[kc.ID] = &kc

	ac, kout := *acct, kc
	return &ac, &kout, true, nil
}

func (s *MemoryStore) CreateKeypair(ctx context.Context, k *Keypair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keypairs[k.ID] = &cp
	return nil
}

func (s *MemoryStore) GetKeypair(ctx context.Context, id string) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keypairs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) ListKeypairs(ctx context.Context, accountID string) ([]*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Keypair
	for _, k := range s.keypairs {
		if k.AccountID == accountID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) RemoveKey(ctx context.Context, accountID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.keypairs[keyID]
	if !ok || target.AccountID != accountID || !target.Active {
		return ErrNotFound
	}

	active := 0
	for _, k := range s.keypairs {
		if k.AccountID == accountID && k.Active {
			active++
		}
	}
	if active <= 1 {
		return ErrLastKey
	}

	target.Active = false
	return nil
}

// Connections

func (s *MemoryStore) CreateConnection(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.connections {
		if existing.AccountID == c.AccountID && existing.Host == c.Host &&
			existing.Port == c.Port && existing.Username == c.Username {
			return ErrDuplicateConnection
		}
	}
	cp := *c
	s.connections[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) FindConnection(ctx context.Context, accountID, host string, port int, username string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if c.AccountID == accountID && c.Host == host && c.Port == port && c.Username == username {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListConnections(ctx context.Context, accountID string) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Connection
	for _, c := range s.connections {
		if c.AccountID == accountID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.connections[c.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteConnection(ctx context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.AccountID != accountID {
		return ErrNotFound
	}
	delete(s.connections, id)
	return nil
}

func (s *MemoryStore) RecordTestResult(ctx context.Context, id, result, hostKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.LastTestResult = result
	c.LastTestAt = &at
	if hostKey != "" {
		c.PinnedHostKey = hostKey
	}
	return nil
}

// App sessions

func (s *MemoryStore) CreateAppSession(ctx context.Context, sess *AppSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.appSessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAppSessionByHash(ctx context.Context, hash string) (*AppSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.appSessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RevokeToken(ctx context.Context, tokenID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.appSessions[tokenID]
	if !ok {
		return ErrNotFound
	}
	if sess.RevokedAt == nil {
		t := now
		sess.RevokedAt = &t
	}
	return nil
}

func (s *MemoryStore) RevokeTokensBySession(ctx context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.appSessions {
		if sess.SessionID == sessionID && sess.RevokedAt == nil {
			t := now
			sess.RevokedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) CleanExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.appSessions {
		if sess.RevokedAt != nil || !sess.ExpiresAt.After(now) {
			delete(s.appSessions, id)
			removed++
		}
	}
	return removed, nil
}

// Session leases

func (s *MemoryStore) CreateLease(ctx context.Context, l *SessionLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.leases[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLease(ctx context.Context, id string) (*SessionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLeases(ctx context.Context, accountID string) ([]*SessionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*SessionLease
	for _, l := range s.leases {
		if l.AccountID == accountID {
			cp := *l
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountOpenLeases(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.leases {
		if l.AccountID == accountID && (l.Status == LeasePending || l.Status == LeaseActive) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateLeaseStatus(ctx context.Context, id, status, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	if reason != "" {
		l.Reason = reason
	}
	if status == LeaseEnded || status == LeaseFailed {
		t := now
		l.EndedAt = &t
	}
	return nil
}

// Ledger

func (s *MemoryStore) AddCredits(ctx context.Context, accountID string, seconds int64, reason, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	s.ledger[accountID] = append(s.ledger[accountID], &LedgerEntry{
		ID:        idgen.WithPrefix("led_"),
		AccountID: accountID,
		Delta:     seconds,
		Reason:    reason,
		Ref:       ref,
		CreatedAt: time.Now(),
	})
	a.CreditBalance += seconds
	return nil
}

func (s *MemoryStore) DebitCredits(ctx context.Context, accountID string, seconds int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.CreditBalance < seconds {
		return ErrInsufficientCredits
	}
	now := time.Now()
	s.ledger[accountID] = append(s.ledger[accountID], &LedgerEntry{
		ID:        idgen.WithPrefix("led_"),
		AccountID: accountID,
		Delta:     -seconds,
		Reason:    "session_debit:" + sessionID,
		Ref:       sessionID,
		CreatedAt: now,
	})
	a.CreditBalance -= seconds
	if as, ok := s.acctSess[sessionID]; ok && as.EndedAt == nil {
		t := now
		as.LastDebitAt = &t
	}
	return nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, ErrNotFound
	}
	return a.CreditBalance, nil
}

func (s *MemoryStore) LedgerHistory(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[accountID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*LedgerEntry, 0, limit)
	// Newest first.
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

// Stripe idempotency

func (s *MemoryStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.stripeSeen[eventID]; seen {
		return ErrDuplicateEvent
	}
	s.stripeSeen[eventID] = time.Now()
	return nil
}

func (s *MemoryStore) HasProcessedStripeEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.stripeSeen[eventID]
	return seen, nil
}

// Active-session table

func (s *MemoryStore) StartAccountSession(ctx context.Context, sessionID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acctSess[sessionID] = &AccountSession{
		SessionID: sessionID,
		AccountID: accountID,
		StartedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) EndAccountSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.acctSess[sessionID]
	if !ok {
		return ErrNotFound
	}
	if as.EndedAt == nil {
		t := time.Now()
		as.EndedAt = &t
	}
	return nil
}

func (s *MemoryStore) GetAccountIDForSession(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.acctSess[sessionID]
	if !ok || as.EndedAt != nil {
		return "", ErrNotFound
	}
	return as.AccountID, nil
}

func (s *MemoryStore) ListOpenAccountSessions(ctx context.Context) ([]*AccountSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*AccountSession
	for _, as := range s.acctSess {
		if as.EndedAt == nil {
			cp := *as
			result = append(result, &cp)
		}
	}
	return result, nil
}

// OAuth state cache

func (s *MemoryStore) PutOAuthState(ctx context.Context, stateHash, verifier string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthStates[stateHash] = oauthState{verifier: verifier, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ConsumeOAuthState(ctx context.Context, stateHash string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.oauthStates[stateHash]
	if !ok {
		return "", false, nil
	}
	delete(s.oauthStates, stateHash)
	if !st.expiresAt.After(now) {
		return "", false, nil
	}
	return st.verifier, true, nil
}
