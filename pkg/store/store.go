package store

import (
	"context"
	"errors"
	"time"

	"teachforge/pkg/domain"
)

// ErrProfileNotFound is returned when no profile row exists for a user.
var ErrProfileNotFound = errors.New("profile not found")

// Store defines persistence operations for usage ledger rows and billing
// profile rows.
type Store interface {
	// usage ledger (append-only; entries are never updated or deleted)
	AppendUsage(ctx context.Context, entry domain.UsageLogEntry) error
	ListUsageInRange(ctx context.Context, userID string, from, to time.Time) ([]domain.UsageLogEntry, error)

	// billing profiles
	GetProfile(ctx context.Context, userID string) (domain.ProfileState, error)
	// UpdateProfile runs mutate inside a single per-user serialized
	// read-modify-write. Missing profiles start from the free tier.
	UpdateProfile(ctx context.Context, userID string, mutate func(domain.ProfileState) domain.ProfileState) (domain.ProfileState, error)
}

// defaultProfile is the state a user has before any billing event arrives.
func defaultProfile(userID string) domain.ProfileState {
	return domain.ProfileState{
		UserID: userID,
		Tier:   domain.TierFree,
	}
}
