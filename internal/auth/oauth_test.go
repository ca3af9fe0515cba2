package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/claudinethelobster/clawfather/internal/account"
)

func newOAuthFixture(t *testing.T) (*GitHubOAuth, account.Store) {
	t.Helper()
	store := account.NewMemoryStore()
	svc, err := account.NewService(store, testMasterKey)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return NewGitHubOAuth("client-id", "client-secret", "https://clawfather.dev", svc), store
}

func TestOAuth_Configured(t *testing.T) {
	g, _ := newOAuthFixture(t)
	if !g.Configured() {
		t.Errorf("expected configured")
	}

	store := account.NewMemoryStore()
	svc, _ := account.NewService(store, testMasterKey)
	empty := NewGitHubOAuth("", "", "https://clawfather.dev", svc)
	if empty.Configured() {
		t.Errorf("expected not configured")
	}
}

func TestOAuth_StartIssuesState(t *testing.T) {
	g, store := newOAuthFixture(t)
	ctx := context.Background()

	authorizeURL, state, err := g.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(state) != 64 {
		t.Errorf("expected 64-hex-char state, got %d chars", len(state))
	}
	if !strings.Contains(authorizeURL, "github.com") || !strings.Contains(authorizeURL, "state="+state) {
		t.Errorf("unexpected authorize url: %q", authorizeURL)
	}

	// Only the hash is stored: consuming by hash succeeds, the plaintext
	// state is not a valid lookup key.
	_, ok, _ := store.ConsumeOAuthState(ctx, state, time.Now())
	if ok {
		t.Errorf("plaintext state stored directly")
	}
	_, ok, _ = store.ConsumeOAuthState(ctx, hashState(state), time.Now())
	if !ok {
		t.Errorf("hashed state not found")
	}
}

func TestOAuth_CallbackRejectsUnknownState(t *testing.T) {
	g, _ := newOAuthFixture(t)

	_, _, err := g.Callback(context.Background(), "code123", "never-issued")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestOAuth_StateIsSingleUse(t *testing.T) {
	g, store := newOAuthFixture(t)
	ctx := context.Background()

	_, state, err := g.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// First consumption wins...
	_, ok, _ := store.ConsumeOAuthState(ctx, hashState(state), time.Now())
	if !ok {
		t.Fatalf("state not consumable")
	}
	// ...and the callback that arrives afterwards is rejected before any
	// code exchange happens.
	_, _, err = g.Callback(ctx, "code123", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestOAuth_StateExpires(t *testing.T) {
	g, store := newOAuthFixture(t)
	ctx := context.Background()

	_, state, err := g.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Past the 10-minute window the row no longer consumes
	_, ok, _ := store.ConsumeOAuthState(ctx, hashState(state), time.Now().Add(11*time.Minute))
	if ok {
		t.Errorf("expired state consumed")
	}
}
