package account

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/claudinethelobster/clawfather/internal/crypto"
	"github.com/claudinethelobster/clawfather/internal/idgen"
)

// DefaultTokenTTL is how long issued bearer tokens live unless overridden.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Service wraps the Store with the crypto-aware operations: token issue and
// lookup, server-side keypair generation, and private-key custody under the
// per-account KEK.
type Service struct {
	store     Store
	masterKey []byte
}

// NewService creates the account service. masterKeyHex is the 64-hex-char
// process-wide master secret from configuration.
func NewService(store Store, masterKeyHex string) (*Service, error) {
	mk, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(mk) != 32 {
		return nil, fmt.Errorf("master key must be 64 hex characters")
	}
	return &Service{store: store, masterKey: mk}, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// IssueToken creates an AppSession row storing only the token hash and
// returns the plaintext exactly once. sessionID optionally binds the token
// to a shell session. A zero ttl means DefaultTokenTTL.
func (s *Service) IssueToken(ctx context.Context, accountID, sessionID string, ttl time.Duration, clientIP, userAgent string) (string, *AppSession, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	plaintext, hash := crypto.GenerateToken()
	now := time.Now()
	rec := &AppSession{
		ID:        idgen.WithPrefix("tok_"),
		AccountID: accountID,
		TokenHash: hash,
		SessionID: sessionID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateAppSession(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// GetAccountByToken hashes the plaintext and resolves the owning account.
// Returns ErrTokenInvalid for unknown, revoked, or expired tokens.
func (s *Service) GetAccountByToken(ctx context.Context, plaintext string, now time.Time) (*Account, *AppSession, error) {
	rec, err := s.store.GetAppSessionByHash(ctx, crypto.HashToken(plaintext))
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	if !rec.Valid(now) {
		return nil, nil, ErrTokenInvalid
	}
	acct, err := s.store.GetAccount(ctx, rec.AccountID)
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	if !acct.Active {
		return nil, nil, ErrTokenInvalid
	}
	return acct, rec, nil
}

// RevokeToken sets the revocation time on a token record.
func (s *Service) RevokeToken(ctx context.Context, tokenID string) error {
	return s.store.RevokeToken(ctx, tokenID, time.Now())
}

// RevokeTokensBySession revokes every token bound to a shell session.
func (s *Service) RevokeTokensBySession(ctx context.Context, sessionID string) error {
	return s.store.RevokeTokensBySession(ctx, sessionID, time.Now())
}

// GenerateKeypair creates a fresh Ed25519 keypair for the account, sealing
// the private half under the account KEK.
func (s *Service) GenerateKeypair(ctx context.Context, accountID, label string) (*Keypair, error) {
	kp, err := crypto.GenerateKeypair("clawfather")
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKEK(s.masterKey, accountID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptPrivateKey(kek, kp.PrivatePEM)
	if err != nil {
		return nil, err
	}
	key := &Keypair{
		ID:                idgen.WithPrefix("key_"),
		AccountID:         accountID,
		Label:             label,
		Algorithm:         "ed25519",
		PublicKey:         kp.PublicKey,
		Fingerprint:       kp.Fingerprint,
		PrivateCiphertext: ciphertext,
		Active:            true,
		CreatedAt:         time.Now(),
	}
	if err := s.store.CreateKeypair(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EnsureKeypair returns the account's first active keypair, lazily
// generating one when none exists.
func (s *Service) EnsureKeypair(ctx context.Context, accountID string) (*Keypair, error) {
	keys, err := s.store.ListKeypairs(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Active {
			return k, nil
		}
	}
	return s.GenerateKeypair(ctx, accountID, "default")
}

// DecryptPrivateKey opens the keypair's sealed private half. The plaintext
// PEM must never be persisted; callers hand it to the SSH layer and discard.
func (s *Service) DecryptPrivateKey(key *Keypair) ([]byte, error) {
	kek, err := crypto.DeriveKEK(s.masterKey, key.AccountID)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptPrivateKey(kek, key.PrivateCiphertext)
}

// EncryptForAccount seals arbitrary secret material (e.g. a provider access
// token) under the account KEK.
func (s *Service) EncryptForAccount(accountID string, plaintext []byte) (string, error) {
	kek, err := crypto.DeriveKEK(s.masterKey, accountID)
	if err != nil {
		return "", err
	}
	return crypto.EncryptPrivateKey(kek, plaintext)
}

// ResolveOrCreateAccount finds the owner of an SSH key fingerprint or
// atomically creates an account carrying a keypair with that fingerprint.
// The key is user-held: only the public half is known, so the stored
// private ciphertext is empty.
func (s *Service) ResolveOrCreateAccount(ctx context.Context, fingerprint, publicKey, label string) (*Account, *Keypair, bool, error) {
	newKey := &Keypair{
		Algorithm:   "ed25519",
		Label:       label,
		PublicKey:   publicKey,
		Fingerprint: fingerprint,
	}
	return s.store.ResolveOrCreateAccount(ctx, fingerprint, newKey)
}

// AddKey registers a user-supplied public key on an existing account.
func (s *Service) AddKey(ctx context.Context, accountID, publicKey, label string) (*Keypair, error) {
	fp, err := crypto.Fingerprint(publicKey)
	if err != nil {
		return nil, err
	}
	key := &Keypair{
		ID:          idgen.WithPrefix("key_"),
		AccountID:   accountID,
		Label:       label,
		Algorithm:   "ed25519",
		PublicKey:   publicKey,
		Fingerprint: fp,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateKeypair(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RemoveKey deactivates a key, refusing to remove the account's last one.
func (s *Service) RemoveKey(ctx context.Context, accountID, keyID string) error {
	return s.store.RemoveKey(ctx, accountID, keyID)
}
