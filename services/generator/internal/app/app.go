package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"teachforge/internal/util"
	"teachforge/pkg/domain"
	"teachforge/pkg/extract"
	"teachforge/pkg/generate"
	"teachforge/pkg/grading"
	"teachforge/pkg/modelgateway"
	"teachforge/pkg/storage"
	"teachforge/pkg/store"
	"teachforge/pkg/subscription"
	"teachforge/pkg/usage"
)

// ModelGateway is the outbound surface the app needs from the model API.
type ModelGateway interface {
	generate.Gateway
	grading.StreamOpener
}

// Publisher is the optional event sink for ledger and billing changes.
type Publisher interface {
	generate.UsagePublisher
	subscription.ChangePublisher
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	GatewayURL    string
	GatewayAPIKey string

	// Injectable for tests; built from the fields above when nil.
	Store     store.Store
	Gateway   ModelGateway
	Publisher Publisher
	Objects   storage.ObjectStore
}

// App wires the admission gate, orchestrator, grading sessions, and
// subscription processing over shared storage.
type App struct {
	store        store.Store
	ledger       *usage.Ledger
	orchestrator *generate.Orchestrator
	grading      *grading.Manager
	subscription *subscription.Processor
	objects      storage.ObjectStore
	publisher    Publisher
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	gateway := cfg.Gateway
	if gateway == nil {
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("model gateway URL required")
		}
		gateway = modelgateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey)
	}

	ledger := usage.NewLedger(dataStore)
	var usagePub generate.UsagePublisher
	var changePub subscription.ChangePublisher
	if cfg.Publisher != nil {
		usagePub = cfg.Publisher
		changePub = cfg.Publisher
	}

	return &App{
		store:        dataStore,
		ledger:       ledger,
		orchestrator: generate.NewOrchestrator(gateway, ledger, usagePub),
		grading:      grading.NewManager(gateway),
		subscription: subscription.NewProcessor(dataStore, changePub),
		objects:      cfg.Objects,
		publisher:    cfg.Publisher,
	}, nil
}

// profileTier resolves the caller's tier; users without a profile row are
// on the free tier.
func (a *App) profileTier(ctx context.Context, userID string) (domain.Tier, error) {
	profile, err := a.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrProfileNotFound) {
		return domain.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	if profile.Tier == "" {
		return domain.TierFree, nil
	}
	return profile.Tier, nil
}

// Generate runs one generation request through admission, the retry loop,
// and the ledger.
func (a *App) Generate(ctx context.Context, userID, generationType string, payload map[string]any) (domain.GenerationResult, error) {
	generationType = strings.TrimSpace(generationType)
	if generationType == "" {
		return domain.GenerationResult{}, fmt.Errorf("generation type required")
	}
	tier, err := a.profileTier(ctx, userID)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	return a.orchestrator.Generate(ctx, domain.GenerationRequest{
		UserID:  userID,
		Type:    generationType,
		Payload: payload,
	}, tier)
}

// Usage reports the caller's monthly usage alongside the tier's limits.
func (a *App) Usage(ctx context.Context, userID string) (domain.MonthlyUsage, domain.TierLimits, domain.Tier, error) {
	tier, err := a.profileTier(ctx, userID)
	if err != nil {
		return nil, domain.TierLimits{}, "", err
	}
	monthly, err := a.ledger.MonthlyUsage(ctx, userID, time.Now())
	if err != nil {
		return nil, domain.TierLimits{}, "", err
	}
	return monthly, usage.LimitsFor(tier), tier, nil
}

// StartGrading admits and opens a streaming grading session for the user's
// slot, implicitly cancelling any session already in flight there. The
// assessment is charged once the stream is established; a failed open does
// not consume quota.
func (a *App) StartGrading(ctx context.Context, userID string, payload map[string]any) (grading.Snapshot, error) {
	tier, err := a.profileTier(ctx, userID)
	if err != nil {
		return grading.Snapshot{}, err
	}
	monthly, err := a.ledger.MonthlyUsage(ctx, userID, time.Now())
	if err != nil {
		return grading.Snapshot{}, err
	}
	adm := usage.CheckAdmission(tier, domain.CategoryAssessments, monthly.Count(domain.CategoryAssessments))
	if err := adm.Err(); err != nil {
		return grading.Snapshot{}, err
	}

	payload, err = a.resolveSubmission(ctx, payload)
	if err != nil {
		return grading.Snapshot{}, err
	}

	modelClass := usage.LimitsFor(tier).ModelClass
	sess, err := a.grading.Start(ctx, userID, "gradeSubmission", payload, modelClass)
	if err != nil {
		return grading.Snapshot{}, err
	}
	entry, err := a.ledger.Record(ctx, userID, domain.CategoryAssessments, tier, map[string]string{
		"generation_type": "gradeSubmission",
		"session_id":      sess.ID(),
	})
	if err != nil {
		slog.Error("record grading usage failed", "user_id", userID, "session_id", sess.ID(), "err", err)
	} else if a.publisher != nil {
		if err := a.publisher.PublishUsageRecorded(ctx, entry); err != nil {
			slog.Warn("publish usage event failed", "entry_id", entry.ID, "err", err)
		}
	}
	return sess.Snapshot(), nil
}

// resolveSubmission swaps a submissionKey reference in the payload for the
// extracted text of the stored file.
func (a *App) resolveSubmission(ctx context.Context, payload map[string]any) (map[string]any, error) {
	key, _ := payload["submissionKey"].(string)
	if key == "" {
		return payload, nil
	}
	if a.objects == nil {
		return nil, ErrUploadsDisabled
	}
	obj, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	defer obj.Close()
	text, err := extract.SubmissionText(key, obj)
	if err != nil {
		return nil, fmt.Errorf("extract submission text: %w", err)
	}
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	delete(out, "submissionKey")
	out["submissionText"] = text
	return out, nil
}

// GradingSnapshot returns the state of a grading session.
func (a *App) GradingSnapshot(sessionID string) (grading.Snapshot, error) {
	sess, ok := a.grading.Get(sessionID)
	if !ok {
		return grading.Snapshot{}, ErrSessionNotFound
	}
	return sess.Snapshot(), nil
}

// CancelGrading stops a session's stream and resets it to idle.
func (a *App) CancelGrading(sessionID string) error {
	if !a.grading.Cancel(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

// SubmissionInfo describes one stored upload.
type SubmissionInfo struct {
	Key        string `json:"key"`
	SizeBytes  int64  `json:"sizeBytes"`
	Characters int    `json:"characters,omitempty"`
}

// UploadSubmission stores a submission file, charging the fileUploads
// bucket and enforcing the tier's size cap.
func (a *App) UploadSubmission(ctx context.Context, userID, filename string, r io.Reader, size int64) (SubmissionInfo, error) {
	if a.objects == nil {
		return SubmissionInfo{}, ErrUploadsDisabled
	}
	if filename == "" {
		return SubmissionInfo{}, fmt.Errorf("filename required")
	}
	tier, err := a.profileTier(ctx, userID)
	if err != nil {
		return SubmissionInfo{}, err
	}
	limits := usage.LimitsFor(tier)
	if size > int64(limits.MaxFileSizeMB)<<20 {
		return SubmissionInfo{}, ErrUploadTooLarge
	}
	monthly, err := a.ledger.MonthlyUsage(ctx, userID, time.Now())
	if err != nil {
		return SubmissionInfo{}, err
	}
	adm := usage.CheckAdmission(tier, domain.CategoryFileUploads, monthly.Count(domain.CategoryFileUploads))
	if err := adm.Err(); err != nil {
		return SubmissionInfo{}, err
	}

	key := userID + "/" + util.NewID() + filepath.Ext(filename)
	if err := a.objects.Put(ctx, key, r, size, contentTypeFor(filename)); err != nil {
		return SubmissionInfo{}, fmt.Errorf("store submission: %w", err)
	}
	entry, err := a.ledger.Record(ctx, userID, domain.CategoryFileUploads, tier, map[string]string{
		"filename": filepath.Base(filename),
		"key":      key,
	})
	if err != nil {
		slog.Error("record upload usage failed", "user_id", userID, "key", key, "err", err)
	} else if a.publisher != nil {
		if err := a.publisher.PublishUsageRecorded(ctx, entry); err != nil {
			slog.Warn("publish usage event failed", "entry_id", entry.ID, "err", err)
		}
	}
	return SubmissionInfo{Key: key, SizeBytes: size}, nil
}

// SubmissionDownloadURL returns a short-lived link to the caller's stored
// submission. Keys are namespaced by user, so a caller can only reach its
// own uploads.
func (a *App) SubmissionDownloadURL(ctx context.Context, userID, key string) (string, error) {
	if a.objects == nil {
		return "", ErrUploadsDisabled
	}
	if !strings.HasPrefix(key, userID+"/") {
		return "", ErrSubmissionNotFound
	}
	url, err := a.objects.PresignGet(ctx, key, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign submission: %w", err)
	}
	return url, nil
}

// DeleteSubmission removes a stored submission. The fileUploads charge is
// not refunded; the ledger is append only.
func (a *App) DeleteSubmission(ctx context.Context, userID, key string) error {
	if a.objects == nil {
		return ErrUploadsDisabled
	}
	if !strings.HasPrefix(key, userID+"/") {
		return ErrSubmissionNotFound
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return nil
}

// ProcessBillingEvent applies one billing webhook event.
func (a *App) ProcessBillingEvent(ctx context.Context, ev subscription.Event) (domain.ProfileState, error) {
	return a.subscription.Process(ctx, ev)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
