package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/probe"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestManager(t *testing.T) (*Manager, *account.Service, account.Store) {
	t.Helper()
	store := account.NewMemoryStore()
	svc, err := account.NewService(store, testMasterKey)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	auditLog := audit.NewLogger(audit.NewMemoryStore(), slog.Default())
	mgr := NewManager(Config{
		SocketDir:      t.TempDir(),
		DefaultSSHPort: 22,
		MaxSessions:    3,
		WebDomain:      "ws://localhost:8080",
		ProbeTimeout:   time.Second,
	}, svc, NewRegistry(), probe.New(), auditLog, slog.Default())
	return mgr, svc, store
}

func addAccount(t *testing.T, store account.Store, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if err := store.CreateAccount(ctx, &account.Account{ID: id, Active: true, CreatedAt: now, LastSeenAt: now}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if balance > 0 {
		if err := store.AddCredits(ctx, id, balance, "bonus", "test"); err != nil {
			t.Fatalf("AddCredits failed: %v", err)
		}
	}
}

func TestInstallCommand_Format(t *testing.T) {
	cmd := InstallCommand("ssh-ed25519 AAAAC3Nza clawfather")

	want := "mkdir -p ~/.ssh && echo 'ssh-ed25519 AAAAC3Nza clawfather' >> ~/.ssh/authorized_keys && chmod 700 ~/.ssh && chmod 600 ~/.ssh/authorized_keys"
	if cmd != want {
		t.Errorf("install command mismatch:\n got %q\nwant %q", cmd, want)
	}
	if strings.Contains(cmd, "\n") {
		t.Errorf("install command must be a single line")
	}
}

func TestInstallCommand_QuotesHostileKeys(t *testing.T) {
	cmd := InstallCommand("ssh-ed25519 AAAA x'; rm -rf /;'")
	if !strings.Contains(cmd, `'\''`) {
		t.Errorf("single quotes not escaped: %q", cmd)
	}
}

func TestBootstrap_RejectsInvalidUsername(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)

	// Uppercase and punctuation are outside the allowed username alphabet
	_, err := mgr.Bootstrap(context.Background(), "acct_1", "1.2.3.4", "Root!", 0)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBootstrap_RejectsInvalidHostAndPort(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	if _, err := mgr.Bootstrap(ctx, "acct_1", "", "deploy", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("empty host accepted: %v", err)
	}
	if _, err := mgr.Bootstrap(ctx, "acct_1", "1.2.3.4", "deploy", 70000); !errors.Is(err, ErrValidation) {
		t.Errorf("out-of-range port accepted: %v", err)
	}
}

func TestBootstrap_NeedsSetupCreatesConnection(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	res, err := mgr.Bootstrap(ctx, "acct_1", "1.2.3.4", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if res.Status != "needs_setup" {
		t.Errorf("expected needs_setup, got %q", res.Status)
	}
	if res.InstallCommand == nil || !strings.HasPrefix(*res.InstallCommand, "mkdir -p ~/.ssh && echo 'ssh-ed25519 ") {
		t.Errorf("install command missing or malformed")
	}

	// A keypair was lazily generated
	keys, _ := store.ListKeypairs(ctx, "acct_1")
	if len(keys) != 1 {
		t.Fatalf("expected 1 lazily generated keypair, got %d", len(keys))
	}

	// Port defaulted to 22
	conn, err := store.GetConnection(ctx, res.ConnectionID)
	if err != nil {
		t.Fatalf("connection not persisted: %v", err)
	}
	if conn.Port != 22 {
		t.Errorf("expected default port 22, got %d", conn.Port)
	}

	// A second bootstrap reuses both the keypair and the connection
	res2, err := mgr.Bootstrap(ctx, "acct_1", "1.2.3.4", "deploy", 22)
	if err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	if res2.ConnectionID != res.ConnectionID {
		t.Errorf("bootstrap created a duplicate connection")
	}
	keys, _ = store.ListKeypairs(ctx, "acct_1")
	if len(keys) != 1 {
		t.Errorf("bootstrap generated an extra keypair")
	}
}

func TestBootstrap_ReadyWhenTested(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	res, _ := mgr.Bootstrap(ctx, "acct_1", "1.2.3.4", "deploy", 0)
	_ = store.RecordTestResult(ctx, res.ConnectionID, account.TestResultOK, "SHA256:hostkey", time.Now())

	res2, err := mgr.Bootstrap(ctx, "acct_1", "1.2.3.4", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if res2.Status != "ready" {
		t.Errorf("expected ready, got %q", res2.Status)
	}
	if res2.InstallCommand != nil {
		t.Errorf("install command must be null when ready")
	}
}

// Confirm preconditions, in contract order.

func setupConnection(t *testing.T, mgr *Manager, store account.Store, accountID string) *account.Connection {
	t.Helper()
	ctx := context.Background()
	res, err := mgr.Bootstrap(ctx, accountID, "192.0.2.10", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	conn, err := store.GetConnection(ctx, res.ConnectionID)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	return conn
}

func TestConfirm_NotFound(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	addAccount(t, store, "acct_2", 100)
	ctx := context.Background()

	if _, err := mgr.Confirm(ctx, "acct_1", "conn_missing", "", ""); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Someone else's connection is also not_found, not forbidden
	conn := setupConnection(t, mgr, store, "acct_2")
	if _, err := mgr.Confirm(ctx, "acct_1", conn.ID, "", ""); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign connection, got %v", err)
	}
}

func TestConfirm_KeypairRevoked(t *testing.T) {
	mgr, svc, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	conn := setupConnection(t, mgr, store, "acct_1")

	// Revoke by generating a second key and deactivating the first
	_, err := svc.GenerateKeypair(ctx, "acct_1", "replacement")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if err := svc.RemoveKey(ctx, "acct_1", conn.KeypairID); err != nil {
		t.Fatalf("RemoveKey failed: %v", err)
	}

	// Revoked keypair refuses confirm before any lease is inserted
	if _, err := mgr.Confirm(ctx, "acct_1", conn.ID, "", ""); !errors.Is(err, ErrKeypairRevoked) {
		t.Fatalf("expected ErrKeypairRevoked, got %v", err)
	}
	open, _ := store.CountOpenLeases(ctx, "acct_1")
	if open != 0 {
		t.Errorf("lease inserted despite revoked keypair")
	}
}

func TestConfirm_InsufficientCredits(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 0)
	ctx := context.Background()

	conn := setupConnection(t, mgr, store, "acct_1")

	if _, err := mgr.Confirm(ctx, "acct_1", conn.ID, "", ""); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestConfirm_SessionLimit(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 1000)
	ctx := context.Background()

	conn := setupConnection(t, mgr, store, "acct_1")

	for i := 0; i < 3; i++ {
		lease := &account.SessionLease{
			ID: "lease_" + string(rune('a'+i)), AccountID: "acct_1",
			ConnectionID: conn.ID, Status: account.LeasePending, StartedAt: time.Now(),
		}
		if err := store.CreateLease(ctx, lease); err != nil {
			t.Fatalf("CreateLease failed: %v", err)
		}
	}

	if _, err := mgr.Confirm(ctx, "acct_1", conn.ID, "", ""); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("expected ErrSessionLimit, got %v", err)
	}
}

// Terminate on a session that was never launched still settles the
// persistent records — the path the ticker takes for orphans.
func TestTerminate_Idempotent(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	lease := &account.SessionLease{
		ID: "sess_1", AccountID: "acct_1", ConnectionID: "conn_1",
		Status: account.LeaseActive, StartedAt: time.Now(),
	}
	_ = store.CreateLease(ctx, lease)
	_ = store.StartAccountSession(ctx, "sess_1", "acct_1")

	if err := mgr.Terminate(ctx, "sess_1", ReasonUserTerminate); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	got, _ := store.GetLease(ctx, "sess_1")
	if got.Status != account.LeaseEnded || got.Reason != ReasonUserTerminate {
		t.Errorf("unexpected lease after terminate: %+v", got)
	}
	if _, err := store.GetAccountIDForSession(ctx, "sess_1"); err == nil {
		t.Errorf("account session row still open")
	}

	// Second terminate is harmless
	if err := mgr.Terminate(ctx, "sess_1", ReasonUserTerminate); err != nil {
		t.Errorf("second Terminate errored: %v", err)
	}
}

func TestTerminateIdle(t *testing.T) {
	mgr, _, store := newTestManager(t)
	addAccount(t, store, "acct_1", 100)
	ctx := context.Background()

	stale := &LiveSession{
		ID: "sess_old", AccountID: "acct_1", ConnectionID: "conn_1",
		StartedAt: time.Now().Add(-2 * time.Hour), LastActivity: time.Now().Add(-time.Hour),
	}
	fresh := &LiveSession{
		ID: "sess_new", AccountID: "acct_1", ConnectionID: "conn_1",
		StartedAt: time.Now(), LastActivity: time.Now(),
	}
	mgr.Registry().Create(stale)
	mgr.Registry().Create(fresh)
	_ = store.CreateLease(ctx, &account.SessionLease{ID: "sess_old", AccountID: "acct_1", ConnectionID: "conn_1", Status: account.LeaseActive, StartedAt: stale.StartedAt})
	_ = store.CreateLease(ctx, &account.SessionLease{ID: "sess_new", AccountID: "acct_1", ConnectionID: "conn_1", Status: account.LeaseActive, StartedAt: fresh.StartedAt})

	n := mgr.TerminateIdle(ctx, 30*time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 idle termination, got %d", n)
	}
	if _, live := mgr.Registry().Get("sess_old"); live {
		t.Errorf("idle session still live")
	}
	if _, live := mgr.Registry().Get("sess_new"); !live {
		t.Errorf("fresh session was terminated")
	}
	lease, _ := store.GetLease(ctx, "sess_old")
	if lease.Reason != ReasonIdleTimeout {
		t.Errorf("expected idle_timeout reason, got %q", lease.Reason)
	}
}
