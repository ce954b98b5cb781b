// Package usage implements the tier policy, the admission gate, and the
// append-only usage ledger behind monthly quota enforcement.
//
// Admission is a read-then-decide pattern: the gate reads the current
// monthly aggregate and the ledger is written separately after a confirmed
// success. Two simultaneous requests from one user can both observe
// usage = limit-1 and both be admitted; the over-admission is bounded by
// the number of racers and is accepted here. Callers needing hard quota
// enforcement must serialize admission and write per user.
package usage

import (
	"context"
	"fmt"
	"time"

	"teachforge/internal/util"
	"teachforge/pkg/domain"
)

// EntryStore is the persistence surface the ledger needs: append one
// immutable row, list rows in a time window.
type EntryStore interface {
	AppendUsage(ctx context.Context, entry domain.UsageLogEntry) error
	ListUsageInRange(ctx context.Context, userID string, from, to time.Time) ([]domain.UsageLogEntry, error)
}

// Ledger is the append-only log of billable generation events.
type Ledger struct {
	store EntryStore
}

// NewLedger wraps an entry store.
func NewLedger(store EntryStore) *Ledger {
	return &Ledger{store: store}
}

// Record appends one usage entry. The tier is captured for audit only; it
// never influences later aggregation.
func (l *Ledger) Record(ctx context.Context, userID string, category domain.Category, tier domain.Tier, metadata map[string]string) (domain.UsageLogEntry, error) {
	entry := domain.UsageLogEntry{
		ID:        util.NewID(),
		UserID:    userID,
		Category:  category,
		Tier:      tier,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendUsage(ctx, entry); err != nil {
		return domain.UsageLogEntry{}, fmt.Errorf("append usage entry: %w", err)
	}
	return entry, nil
}

// MonthlyUsage counts the user's entries per category inside the calendar
// month containing ref. Membership is decided by each entry's own
// timestamp, so the aggregate is deterministic for a fixed entry set no
// matter when it is queried.
func (l *Ledger) MonthlyUsage(ctx context.Context, userID string, ref time.Time) (domain.MonthlyUsage, error) {
	from, to := MonthWindow(ref)
	entries, err := l.store.ListUsageInRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list usage entries: %w", err)
	}
	return Aggregate(entries), nil
}

// MonthWindow returns the inclusive [start, end] bounds of ref's calendar
// month in ref's location.
func MonthWindow(ref time.Time) (time.Time, time.Time) {
	start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end
}

// Aggregate sums entries per category. Order-independent and ignoring the
// tier recorded on each entry.
func Aggregate(entries []domain.UsageLogEntry) domain.MonthlyUsage {
	out := make(domain.MonthlyUsage, 4)
	for _, entry := range entries {
		out[entry.Category]++
	}
	return out
}
