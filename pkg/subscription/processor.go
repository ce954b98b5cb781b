package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"teachforge/pkg/domain"
)

// ProfileStore applies a transition to one profile row under per-user
// serialization: the mutate function runs inside a single read-modify-write
// (row lock in Postgres, per-user mutex in memory), so concurrent webhook
// deliveries for the same user converge on the last applied event.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (domain.ProfileState, error)
	UpdateProfile(ctx context.Context, userID string, mutate func(domain.ProfileState) domain.ProfileState) (domain.ProfileState, error)
}

// ChangePublisher is notified after a profile transition lands. Publish
// failures are logged, never propagated; billing state must not depend on
// the broker being up.
type ChangePublisher interface {
	PublishSubscriptionChanged(ctx context.Context, profile domain.ProfileState, ev Event) error
}

// Processor consumes billing webhook events and mutates profile rows.
type Processor struct {
	store     ProfileStore
	publisher ChangePublisher
}

// NewProcessor wires the processor. publisher may be nil.
func NewProcessor(store ProfileStore, publisher ChangePublisher) *Processor {
	return &Processor{store: store, publisher: publisher}
}

// Process applies one webhook event to the referenced user's profile.
// Safe under duplicate deliveries because Apply is idempotent.
func (p *Processor) Process(ctx context.Context, ev Event) (domain.ProfileState, error) {
	profile, err := p.store.UpdateProfile(ctx, ev.ExternalReference, func(current domain.ProfileState) domain.ProfileState {
		return Apply(current, ev)
	})
	if err != nil {
		return domain.ProfileState{}, fmt.Errorf("apply subscription event: %w", err)
	}
	slog.Info("subscription event applied",
		"user_id", ev.ExternalReference,
		"status", ev.Status,
		"tier", profile.Tier,
		"subscription_id", profile.ExternalSubscriptionID,
	)
	if p.publisher != nil {
		if err := p.publisher.PublishSubscriptionChanged(ctx, profile, ev); err != nil {
			slog.Warn("publish subscription change failed", "user_id", ev.ExternalReference, "err", err)
		}
	}
	return profile, nil
}
