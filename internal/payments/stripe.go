// Package payments consumes Stripe webhooks and turns completed checkouts
// into credit grants. Every event id is recorded so provider retries and
// replays are absorbed idempotently.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/metrics"
)

// Errors
var (
	ErrNotConfigured    = errors.New("payments: webhook secret not configured")
	ErrBadSignature     = errors.New("payments: signature verification failed")
	ErrMalformedPayload = errors.New("payments: malformed event payload")
)

// Outcome reports what the webhook did with an event.
type Outcome struct {
	Processed bool   `json:"processed"`
	EventType string `json:"eventType,omitempty"`
}

// Service verifies and applies Stripe events.
type Service struct {
	store         account.Store
	webhookSecret string
	auditLog      *audit.Logger
	logger        *slog.Logger
}

// NewService creates the payments service.
func NewService(store account.Store, webhookSecret string, auditLog *audit.Logger, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		webhookSecret: webhookSecret,
		auditLog:      auditLog,
		logger:        logger,
	}
}

// HandleWebhook verifies the signature against the raw body (never a
// re-serialization), short-circuits replays, applies
// checkout.session.completed credit grants, and records every event type.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (*Outcome, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}

	// The account's pinned API version trails the SDK's; only the signature
	// gates acceptance.
	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.StripeEventsTotal.WithLabelValues("bad_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	seen, err := s.store.HasProcessedStripeEvent(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		metrics.StripeEventsTotal.WithLabelValues("duplicate").Inc()
		return &Outcome{Processed: false, EventType: string(event.Type)}, nil
	}

	granted := false
	switch event.Type {
	case "checkout.session.completed":
		if err := s.applyCheckout(ctx, &event); err != nil {
			return nil, err
		}
		granted = true
	default:
		// No-op, but the event is still recorded below so a replay of any
		// type is ignored.
	}

	if err := s.store.RecordStripeEvent(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, account.ErrDuplicateEvent) {
			// Lost a concurrent race on the same event id; the winner
			// applied the grant.
			metrics.StripeEventsTotal.WithLabelValues("duplicate").Inc()
			return &Outcome{Processed: false, EventType: string(event.Type)}, nil
		}
		if granted {
			// The credit already landed. A non-200 here makes Stripe retry,
			// and with no idempotency row the retry would credit again —
			// so acknowledge and leave the gap to the operator.
			s.logger.Error("stripe event applied but not recorded; replays of this id will not be deduplicated",
				"event", event.ID, "error", err)
			metrics.StripeEventsTotal.WithLabelValues("record_failed").Inc()
			return &Outcome{Processed: true, EventType: string(event.Type)}, nil
		}
		return nil, err
	}

	metrics.StripeEventsTotal.WithLabelValues("processed").Inc()
	return &Outcome{Processed: true, EventType: string(event.Type)}, nil
}

func (s *Service) applyCheckout(ctx context.Context, event *stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	accountID := sess.Metadata["accountId"]
	creditSeconds, convErr := strconv.ParseInt(sess.Metadata["creditSeconds"], 10, 64)
	if accountID == "" || convErr != nil || creditSeconds <= 0 {
		return fmt.Errorf("%w: missing accountId/creditSeconds metadata", ErrMalformedPayload)
	}

	if err := s.store.AddCredits(ctx, accountID, creditSeconds, "stripe_payment", event.ID); err != nil {
		return err
	}

	s.auditLog.Record(ctx, accountID, audit.ActionCreditsGranted, event.ID,
		strconv.FormatInt(creditSeconds, 10)+"s", "")
	s.logger.Info("credits granted",
		"account", accountID,
		"seconds", creditSeconds,
		"event", event.ID,
	)
	return nil
}
