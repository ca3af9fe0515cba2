// Package billing meters wall-clock session time against prepaid credit.
//
// The Ticker is the single periodic task of the system: each tick it
// reconciles stale account_sessions rows, debits one period's worth of
// seconds per live session, terminates sessions whose balance ran dry, and
// sweeps idle sessions and expired tokens. Ticks never overlap.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/metrics"
	"github.com/claudinethelobster/clawfather/internal/session"
)

// Terminator is the slice of the session manager the ticker needs.
type Terminator interface {
	Terminate(ctx context.Context, sessionID, reason string) error
	TerminateIdle(ctx context.Context, threshold time.Duration) int
}

// Ticker debits credits and reconciles session state on a fixed period.
type Ticker struct {
	store       account.Store
	registry    *session.Registry
	terminator  Terminator
	period      time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger

	stop    chan struct{}
	once    sync.Once
	running atomic.Bool
}

// NewTicker creates a credit ticker. period is T from the metering
// contract: each tick debits period-seconds per live session.
func NewTicker(store account.Store, registry *session.Registry, terminator Terminator, period, idleTimeout time.Duration, logger *slog.Logger) *Ticker {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Ticker{
		store:       store,
		registry:    registry,
		terminator:  terminator,
		period:      period,
		idleTimeout: idleTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Start begins the tick loop. Call in a goroutine. Idempotent: a second
// call returns immediately.
func (t *Ticker) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			// Ticks are serialized by construction: the next one is not
			// read until safeTick returns.
			t.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop. Safe to call multiple times.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Running reports whether the tick loop is live.
func (t *Ticker) Running() bool {
	return t.running.Load()
}

func (t *Ticker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in credit ticker", "panic", fmt.Sprint(r))
		}
	}()
	t.Tick(ctx)
}

// Tick runs one full sweep. Exported for tests.
func (t *Ticker) Tick(ctx context.Context) {
	if n, err := t.CleanStaleSessions(ctx); err != nil {
		t.logger.Warn("stale session sweep failed", "error", err)
	} else if n > 0 {
		t.logger.Info("stale sessions reconciled", "count", n)
	}

	t.terminateRevokedKeySessions(ctx)

	t.debitLiveSessions(ctx)

	if t.idleTimeout > 0 && t.terminator != nil {
		if n := t.terminator.TerminateIdle(ctx, t.idleTimeout); n > 0 {
			t.logger.Info("idle sessions terminated", "count", n)
		}
	}

	if n, err := t.store.CleanExpiredTokens(ctx, time.Now()); err != nil {
		t.logger.Warn("token cleanup failed", "error", err)
	} else if n > 0 {
		t.logger.Info("expired tokens removed", "count", n)
	}
}

// CleanStaleSessions ends every account_sessions row whose session has no
// registry entry and revokes its tokens. Returns the count transitioned.
func (t *Ticker) CleanStaleSessions(ctx context.Context) (int, error) {
	open, err := t.store.ListOpenAccountSessions(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	now := time.Now()
	for _, as := range open {
		if _, live := t.registry.Get(as.SessionID); live {
			continue
		}
		if err := t.store.EndAccountSession(ctx, as.SessionID); err != nil {
			t.logger.Warn("failed to end stale session row", "session", as.SessionID, "error", err)
			continue
		}
		_ = t.store.RevokeTokensBySession(ctx, as.SessionID, now)
		_ = t.store.UpdateLeaseStatus(ctx, as.SessionID, account.LeaseEnded, session.ReasonStaleRecord, now)
		n++
	}
	if n > 0 {
		metrics.StaleSessionsCleaned.Add(float64(n))
	}
	return n, nil
}

// terminateRevokedKeySessions ends live sessions whose connection's keypair
// has been revoked since launch.
func (t *Ticker) terminateRevokedKeySessions(ctx context.Context) {
	if t.terminator == nil {
		return
	}
	for _, snap := range t.registry.List() {
		conn, err := t.store.GetConnection(ctx, snap.ConnectionID)
		if err != nil {
			continue
		}
		key, err := t.store.GetKeypair(ctx, conn.KeypairID)
		if err != nil || key.Active {
			continue
		}
		t.logger.Info("keypair revoked, terminating session",
			"session", snap.ID, "key", key.ID)
		_ = t.terminator.Terminate(ctx, snap.ID, session.ReasonKeyRevoked)
	}
}

// debitLiveSessions charges one period's worth of seconds per live session.
// All-or-nothing: when the balance cannot cover a full period the session
// is terminated with credit_exhausted and nothing is debited.
func (t *Ticker) debitLiveSessions(ctx context.Context) {
	seconds := int64(t.period / time.Second)

	for _, snap := range t.registry.List() {
		accountID, err := t.store.GetAccountIDForSession(ctx, snap.ID)
		if err != nil {
			// Row already gone; next tick's reconcile pass owns this.
			continue
		}

		err = t.store.DebitCredits(ctx, accountID, seconds, snap.ID)
		switch {
		case err == nil:
			metrics.CreditSecondsDebited.Add(float64(seconds))
		case errors.Is(err, account.ErrInsufficientCredits):
			t.logger.Info("credit exhausted, terminating session",
				"session", snap.ID, "account", accountID)
			if t.terminator != nil {
				_ = t.terminator.Terminate(ctx, snap.ID, session.ReasonCreditExhausted)
			}
		default:
			t.logger.Warn("debit failed", "session", snap.ID, "error", err)
		}
	}
}
