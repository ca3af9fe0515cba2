package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
)

const testSecret = "whsec_test_secret"

func newTestPayments(t *testing.T) (*Service, *account.MemoryStore) {
	t.Helper()
	store := account.NewMemoryStore()
	auditLog := audit.NewLogger(audit.NewMemoryStore(), slog.Default())
	svc := NewService(store, testSecret, auditLog, slog.Default())
	return svc, store
}

// sign produces a Stripe-Signature header for the payload, the same way
// the provider does: t=<unix>,v1=<hmac-sha256 over "<t>.<payload>">.
func sign(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%x", at.Unix(), sig)
}

func checkoutPayload(eventID, accountID string, creditSeconds string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2024-06-20",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"metadata": {"accountId": %q, "creditSeconds": %q}
			}
		}
	}`, eventID, accountID, creditSeconds))
}

func TestWebhook_NotConfigured(t *testing.T) {
	store := account.NewMemoryStore()
	svc := NewService(store, "", audit.NewLogger(audit.NewMemoryStore(), slog.Default()), slog.Default())

	_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "t=1,v1=00")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	svc, _ := newTestPayments(t)

	payload := checkoutPayload("evt_a", "acct_1", "7200")
	_, err := svc.HandleWebhook(context.Background(), payload, sign(payload, "whsec_wrong", time.Now()))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestWebhook_CreditsOnCheckoutCompleted(t *testing.T) {
	svc, store := newTestPayments(t)
	ctx := context.Background()

	now := time.Now()
	_ = store.CreateAccount(ctx, &account.Account{ID: "acct_1", Active: true, CreatedAt: now, LastSeenAt: now})

	payload := checkoutPayload("evt_a", "acct_1", "7200")
	outcome, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !outcome.Processed || outcome.EventType != "checkout.session.completed" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	balance, _ := store.GetBalance(ctx, "acct_1")
	if balance != 7200 {
		t.Errorf("expected balance 7200, got %d", balance)
	}

	entries, _ := store.LedgerHistory(ctx, "acct_1", 1)
	if entries[0].Reason != "stripe_payment" || entries[0].Ref != "evt_a" {
		t.Errorf("unexpected ledger entry: %+v", entries[0])
	}
}

// The same event delivered twice with valid signatures credits exactly once.
func TestWebhook_ReplayIsIdempotent(t *testing.T) {
	svc, store := newTestPayments(t)
	ctx := context.Background()

	now := time.Now()
	_ = store.CreateAccount(ctx, &account.Account{ID: "acct_1", Active: true, CreatedAt: now, LastSeenAt: now})

	payload := checkoutPayload("evt_a", "acct_1", "7200")

	first, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if err != nil || !first.Processed {
		t.Fatalf("first delivery failed: %+v %v", first, err)
	}

	second, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if second.Processed {
		t.Errorf("replay reported as processed")
	}

	balance, _ := store.GetBalance(ctx, "acct_1")
	if balance != 7200 {
		t.Errorf("expected balance 7200 after replay, got %d", balance)
	}
}

func TestWebhook_OtherEventTypesRecordedButNoOp(t *testing.T) {
	svc, store := newTestPayments(t)
	ctx := context.Background()

	payload := []byte(`{
		"id": "evt_other",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "object": "invoice"}}
	}`)

	outcome, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !outcome.Processed || outcome.EventType != "invoice.paid" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	// Recorded: a replay is now ignored
	seen, _ := store.HasProcessedStripeEvent(ctx, "evt_other")
	if !seen {
		t.Errorf("no-op event was not recorded")
	}
}

// brokenRecordStore grants credits fine but cannot persist the
// idempotency row.
type brokenRecordStore struct {
	*account.MemoryStore
}

func (s *brokenRecordStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) error {
	return errors.New("connection reset by peer")
}

// A RecordStripeEvent failure after the grant landed must still be
// acknowledged: a retry against a missing idempotency row would re-run the
// grant and double-credit.
func TestWebhook_RecordFailureAfterGrantStillProcessed(t *testing.T) {
	store := &brokenRecordStore{MemoryStore: account.NewMemoryStore()}
	auditLog := audit.NewLogger(audit.NewMemoryStore(), slog.Default())
	svc := NewService(store, testSecret, auditLog, slog.Default())
	ctx := context.Background()

	now := time.Now()
	_ = store.CreateAccount(ctx, &account.Account{ID: "acct_1", Active: true, CreatedAt: now, LastSeenAt: now})

	payload := checkoutPayload("evt_a", "acct_1", "7200")
	outcome, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("post-grant record failure surfaced as an error: %v", err)
	}
	if !outcome.Processed {
		t.Errorf("expected processed outcome despite record failure")
	}

	balance, _ := store.GetBalance(ctx, "acct_1")
	if balance != 7200 {
		t.Errorf("expected balance 7200, got %d", balance)
	}
}

// Without a grant there is nothing at risk; the record failure propagates
// so the provider retries.
func TestWebhook_RecordFailureWithoutGrantErrors(t *testing.T) {
	store := &brokenRecordStore{MemoryStore: account.NewMemoryStore()}
	auditLog := audit.NewLogger(audit.NewMemoryStore(), slog.Default())
	svc := NewService(store, testSecret, auditLog, slog.Default())

	payload := []byte(`{
		"id": "evt_noop",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "object": "invoice"}}
	}`)

	if _, err := svc.HandleWebhook(context.Background(), payload, sign(payload, testSecret, time.Now())); err == nil {
		t.Fatalf("expected record failure to propagate for no-op event")
	}
}

func TestWebhook_MalformedMetadata(t *testing.T) {
	svc, store := newTestPayments(t)
	ctx := context.Background()

	now := time.Now()
	_ = store.CreateAccount(ctx, &account.Account{ID: "acct_1", Active: true, CreatedAt: now, LastSeenAt: now})

	payload := checkoutPayload("evt_bad", "acct_1", "not-a-number")
	_, err := svc.HandleWebhook(ctx, payload, sign(payload, testSecret, time.Now()))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	// Failed grants are not recorded, so a corrected retry can still land
	seen, _ := store.HasProcessedStripeEvent(ctx, "evt_bad")
	if seen {
		t.Errorf("failed event was recorded as processed")
	}
}
