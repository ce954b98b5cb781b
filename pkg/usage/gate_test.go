package usage

import (
	"errors"
	"testing"

	"teachforge/pkg/domain"
)

func TestCheckAdmissionBoundary(t *testing.T) {
	// free tier allows 3 assessments: 2 -> admit, 3 -> reject
	adm := CheckAdmission(domain.TierFree, domain.CategoryAssessments, 2)
	if !adm.Allowed {
		t.Fatalf("expected admission at usage 2 of limit 3")
	}
	adm = CheckAdmission(domain.TierFree, domain.CategoryAssessments, 3)
	if adm.Allowed {
		t.Fatalf("expected rejection at usage 3 of limit 3")
	}
	if adm.Limit != 3 || adm.CurrentUsage != 3 {
		t.Fatalf("rejection context wrong: %+v", adm)
	}
}

func TestCheckAdmissionUnlimited(t *testing.T) {
	adm := CheckAdmission(domain.TierEnterprise, domain.CategoryLessonPlans, 1_000_000)
	if !adm.Allowed {
		t.Fatalf("enterprise tier should never be rejected")
	}
	if adm.Limit != domain.Unlimited {
		t.Fatalf("expected unlimited sentinel, got %d", adm.Limit)
	}
}

func TestCheckAdmissionUnknownTierFallsBackToFree(t *testing.T) {
	adm := CheckAdmission(domain.Tier("corrupted"), domain.CategoryLessonPlans, 5)
	if adm.Allowed {
		t.Fatalf("unknown tier must get free limits, usage 5 of 5 rejected")
	}
}

func TestAdmissionErr(t *testing.T) {
	adm := CheckAdmission(domain.TierFree, domain.CategoryLessonPlans, 0)
	if err := adm.Err(); err != nil {
		t.Fatalf("allowed admission returned error: %v", err)
	}

	adm = CheckAdmission(domain.TierFree, domain.CategoryLessonPlans, 5)
	err := adm.Err()
	if err == nil {
		t.Fatalf("rejected admission returned nil error")
	}
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %T", err)
	}
	if quota.Category != domain.CategoryLessonPlans || quota.Limit != 5 || quota.CurrentUsage != 5 || quota.Tier != domain.TierFree {
		t.Fatalf("quota error context wrong: %+v", quota)
	}
}

func TestMapGenerationType(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Category
	}{
		{"lessonPlan", domain.CategoryLessonPlans},
		{"lesson-plan", domain.CategoryLessonPlans},
		{"unit_plan", domain.CategoryLessonPlans},
		{"quiz", domain.CategoryActivities},
		{"worksheet", domain.CategoryActivities},
		{"slideOutline", domain.CategoryActivities},
		{"leveledReading", domain.CategoryActivities},
		{"exit-ticket", domain.CategoryActivities},
		{"rubricGrading", domain.CategoryAssessments},
		{"gradeSubmission", domain.CategoryAssessments},
		{"assessment", domain.CategoryAssessments},
		{"fileUpload", domain.CategoryFileUploads},
		{"", domain.CategoryActivities},
		{"somethingNew", domain.CategoryActivities},
	}
	for _, tc := range cases {
		if got := MapGenerationType(tc.in); got != tc.want {
			t.Fatalf("MapGenerationType(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestLimitsForUnknownTier(t *testing.T) {
	free := LimitsFor(domain.TierFree)
	unknown := LimitsFor(domain.Tier("no-such-tier"))
	if unknown.LessonPlans != free.LessonPlans || unknown.MaxFileSizeMB != free.MaxFileSizeMB {
		t.Fatalf("unknown tier did not fall back to free limits: %+v", unknown)
	}
}
