package domain

import "time"

// Tier is the subscription level of a user account.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// SubscriptionStatus mirrors the billing provider's lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionNone      SubscriptionStatus = ""
)

// Category is one of the four billed usage buckets.
type Category string

const (
	CategoryLessonPlans Category = "lessonPlans"
	CategoryActivities  Category = "activities"
	CategoryAssessments Category = "assessments"
	CategoryFileUploads Category = "fileUploads"
)

// Categories lists every billed bucket in stable order.
func Categories() []Category {
	return []Category{CategoryLessonPlans, CategoryActivities, CategoryAssessments, CategoryFileUploads}
}

// UsageLogEntry is one immutable generation event. Entries are only ever
// appended and aggregated, never updated or deleted.
type UsageLogEntry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Category  Category          `json:"category"`
	Tier      Tier              `json:"tier"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MonthlyUsage is the per-category count of a user's entries inside one
// calendar month. Derived from the ledger, never stored.
type MonthlyUsage map[Category]int

// Count returns the usage for a category, zero when absent.
func (m MonthlyUsage) Count(c Category) int {
	if m == nil {
		return 0
	}
	return m[c]
}

// Unlimited marks a tier limit as uncapped.
const Unlimited = -1

// TierLimits is the static quota row for one tier.
type TierLimits struct {
	LessonPlans          int      `json:"lessonPlans"`
	Activities           int      `json:"activities"`
	Assessments          int      `json:"assessments"`
	FileUploads          int      `json:"fileUploads"`
	MaxFileSizeMB        int      `json:"maxFileSizeMB"`
	AllowedExportFormats []string `json:"allowedExportFormats"`
	ModelClass           string   `json:"modelClass"`
}

// Limit returns the quota for a category.
func (t TierLimits) Limit(c Category) int {
	switch c {
	case CategoryLessonPlans:
		return t.LessonPlans
	case CategoryActivities:
		return t.Activities
	case CategoryAssessments:
		return t.Assessments
	case CategoryFileUploads:
		return t.FileUploads
	default:
		return 0
	}
}

// ProfileState is the billing-owned slice of a user profile. Only the
// subscription state machine mutates it; the generation path reads it.
type ProfileState struct {
	UserID                 string             `json:"userId"`
	Tier                   Tier               `json:"tier"`
	ExternalSubscriptionID string             `json:"externalSubscriptionId,omitempty"`
	SubscriptionStatus     SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

// GenerationRequest is one transient orchestration input.
type GenerationRequest struct {
	UserID  string
	Type    string
	Payload map[string]any
}

// GenerationResult is the parsed output of a successful model call.
type GenerationResult struct {
	Type      string         `json:"type"`
	Document  map[string]any `json:"document"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
