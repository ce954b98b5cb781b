// Package generate runs admitted generation requests against the model
// gateway with bounded retry and cooperative cancellation.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"teachforge/pkg/domain"
	"teachforge/pkg/modelgateway"
	"teachforge/pkg/usage"
)

// Retry policy. Static configuration, not user-editable at runtime.
const (
	// MaxAttempts caps the total number of gateway calls per request.
	MaxAttempts = 3
	// BaseDelay is doubled before each subsequent retry: 1s, 2s, 4s.
	BaseDelay = 1000 * time.Millisecond
)

// Gateway is the slice of the model gateway client the orchestrator needs.
type Gateway interface {
	Generate(ctx context.Context, generationType string, payload map[string]any, modelClass string) (modelgateway.Response, error)
}

// Ledger is consulted before the call and written after confirmed success.
type Ledger interface {
	MonthlyUsage(ctx context.Context, userID string, ref time.Time) (domain.MonthlyUsage, error)
	Record(ctx context.Context, userID string, category domain.Category, tier domain.Tier, metadata map[string]string) (domain.UsageLogEntry, error)
}

// UsagePublisher is notified after a ledger append. Best effort.
type UsagePublisher interface {
	PublishUsageRecorded(ctx context.Context, entry domain.UsageLogEntry) error
}

// AttemptsExhaustedError wraps the last failure after the retry cap.
type AttemptsExhaustedError struct {
	Attempts int
	Err      error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.Err }

// Orchestrator drives one generation request end to end: admission check,
// retry loop, ledger append. Side effects are strictly ordered and the
// ledger is written at most once per call, only on success.
type Orchestrator struct {
	gateway   Gateway
	ledger    Ledger
	publisher UsagePublisher
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the orchestrator. publisher may be nil.
func NewOrchestrator(gateway Gateway, ledger Ledger, publisher UsagePublisher) *Orchestrator {
	return &Orchestrator{
		gateway:   gateway,
		ledger:    ledger,
		publisher: publisher,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Generate executes one admitted request. Quota rejections and
// cancellations are terminal; transient gateway failures are retried up to
// MaxAttempts with exponential backoff before each retry.
func (o *Orchestrator) Generate(ctx context.Context, req domain.GenerationRequest, tier domain.Tier) (domain.GenerationResult, error) {
	category := usage.MapGenerationType(req.Type)
	monthly, err := o.ledger.MonthlyUsage(ctx, req.UserID, o.now())
	if err != nil {
		return domain.GenerationResult{}, err
	}
	adm := usage.CheckAdmission(tier, category, monthly.Count(category))
	if err := adm.Err(); err != nil {
		return domain.GenerationResult{}, err
	}
	modelClass := usage.LimitsFor(tier).ModelClass

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := BaseDelay << (attempt - 1)
			if err := o.sleep(ctx, delay); err != nil {
				return domain.GenerationResult{}, fmt.Errorf("generation cancelled: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return domain.GenerationResult{}, fmt.Errorf("generation cancelled: %w", err)
		}

		attempts++
		resp, err := o.gateway.Generate(ctx, req.Type, req.Payload, modelClass)
		if err == nil {
			return o.confirm(ctx, req, tier, category, resp)
		}
		if ctx.Err() != nil {
			return domain.GenerationResult{}, fmt.Errorf("generation cancelled: %w", ctx.Err())
		}

		var payment *modelgateway.PaymentRequiredError
		if errors.As(err, &payment) {
			return domain.GenerationResult{}, quotaFromGateway(payment, category, tier)
		}
		var malformed *modelgateway.MalformedResponseError
		if errors.As(err, &malformed) {
			return domain.GenerationResult{}, malformed
		}

		lastErr = err
		slog.Warn("generation attempt failed", "user_id", req.UserID, "type", req.Type, "attempt", attempts, "err", err)
	}
	return domain.GenerationResult{}, &AttemptsExhaustedError{Attempts: attempts, Err: lastErr}
}

// confirm records the billable event and builds the caller result. A
// ledger append failure is surfaced: an unbilled success would silently
// leak quota.
func (o *Orchestrator) confirm(ctx context.Context, req domain.GenerationRequest, tier domain.Tier, category domain.Category, resp modelgateway.Response) (domain.GenerationResult, error) {
	entry, err := o.ledger.Record(ctx, req.UserID, category, tier, map[string]string{
		"generation_type": req.Type,
		"model":           resp.Model,
	})
	if err != nil {
		return domain.GenerationResult{}, err
	}
	if o.publisher != nil {
		if err := o.publisher.PublishUsageRecorded(ctx, entry); err != nil {
			slog.Warn("publish usage event failed", "entry_id", entry.ID, "err", err)
		}
	}
	return domain.GenerationResult{
		Type:      resp.Type,
		Document:  resp.Document,
		Model:     resp.Model,
		CreatedAt: entry.CreatedAt,
	}, nil
}

// quotaFromGateway maps a gateway payment-required response onto the local
// quota error, falling back to zeroed limits when the gateway sent no
// structured context.
func quotaFromGateway(err *modelgateway.PaymentRequiredError, category domain.Category, tier domain.Tier) error {
	out := &usage.QuotaExceededError{Category: category, Tier: tier}
	if err.Context.LimitType != "" {
		out.Category = domain.Category(err.Context.LimitType)
	}
	if err.Context.Tier != "" {
		out.Tier = domain.Tier(err.Context.Tier)
	}
	out.CurrentUsage = err.Context.CurrentUsage
	out.Limit = err.Context.Limit
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
