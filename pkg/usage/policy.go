package usage

import (
	"strings"

	"teachforge/pkg/domain"
)

// Static tier policy. One quota row per tier; read-only configuration,
// never mutated at runtime.
var tierLimits = map[domain.Tier]domain.TierLimits{
	domain.TierFree: {
		LessonPlans:          5,
		Activities:           10,
		Assessments:          3,
		FileUploads:          5,
		MaxFileSizeMB:        5,
		AllowedExportFormats: []string{"pdf"},
		ModelClass:           "standard",
	},
	domain.TierPremium: {
		LessonPlans:          50,
		Activities:           100,
		Assessments:          50,
		FileUploads:          50,
		MaxFileSizeMB:        25,
		AllowedExportFormats: []string{"pdf", "docx", "pptx", "csv"},
		ModelClass:           "advanced",
	},
	domain.TierEnterprise: {
		LessonPlans:          domain.Unlimited,
		Activities:           domain.Unlimited,
		Assessments:          domain.Unlimited,
		FileUploads:          domain.Unlimited,
		MaxFileSizeMB:        100,
		AllowedExportFormats: []string{"pdf", "docx", "pptx", "csv"},
		ModelClass:           "advanced",
	},
}

// LimitsFor returns the quota row for a tier. Unknown tiers get the free
// row so a corrupt profile never grants extra quota.
func LimitsFor(tier domain.Tier) domain.TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[domain.TierFree]
}

// MapGenerationType maps a generation type string to its billed category.
// The mapping is total: unrecognized types land in activities so that new
// generation types added upstream keep working without a deploy here.
func MapGenerationType(generationType string) domain.Category {
	switch normalizeType(generationType) {
	case "lessonplan", "unitplan":
		return domain.CategoryLessonPlans
	case "quiz", "worksheet", "activity", "slideoutline", "leveledreading", "readingpassage", "bellringer", "exitticket":
		return domain.CategoryActivities
	case "assessment", "rubric", "rubricgrading", "gradesubmission", "grading":
		return domain.CategoryAssessments
	case "fileupload", "upload":
		return domain.CategoryFileUploads
	default:
		return domain.CategoryActivities
	}
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.ReplaceAll(t, "-", "")
	t = strings.ReplaceAll(t, "_", "")
	return t
}
