package subscription

import (
	"testing"

	"teachforge/pkg/domain"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"subscription_preapproval","preapproval_id":"pre-1","status":"authorized","external_reference":"user-1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.PreapprovalID != "pre-1" || ev.Status != "authorized" || ev.ExternalReference != "user-1" {
		t.Fatalf("parsed event wrong: %+v", ev)
	}

	if _, err := ParseEvent([]byte(`{"type":"payment_created","external_reference":"user-1"}`)); err == nil {
		t.Fatalf("expected rejection of unsupported type")
	}
	if _, err := ParseEvent([]byte(`{"type":"subscription_preapproval","status":"authorized"}`)); err == nil {
		t.Fatalf("expected rejection of missing external_reference")
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected rejection of malformed body")
	}
}

func TestApplyTransitions(t *testing.T) {
	start := domain.ProfileState{UserID: "user-1", Tier: domain.TierFree}

	authorized := Apply(start, Event{Status: "authorized", PreapprovalID: "pre-1"})
	if authorized.Tier != domain.TierPremium || authorized.SubscriptionStatus != domain.SubscriptionActive {
		t.Fatalf("authorized transition wrong: %+v", authorized)
	}
	if authorized.ExternalSubscriptionID != "pre-1" {
		t.Fatalf("authorized must install the subscription id, got %q", authorized.ExternalSubscriptionID)
	}

	cancelled := Apply(authorized, Event{Status: "cancelled"})
	if cancelled.Tier != domain.TierFree || cancelled.SubscriptionStatus != domain.SubscriptionCancelled {
		t.Fatalf("cancelled transition wrong: %+v", cancelled)
	}
	if cancelled.ExternalSubscriptionID != "pre-1" {
		t.Fatalf("cancelled must keep the subscription id")
	}

	paused := Apply(authorized, Event{Status: "paused"})
	if paused.Tier != domain.TierFree || paused.SubscriptionStatus != domain.SubscriptionPaused {
		t.Fatalf("paused transition wrong: %+v", paused)
	}

	pending := Apply(authorized, Event{Status: "pending"})
	if pending.Tier != domain.TierPremium || pending.SubscriptionStatus != domain.SubscriptionPending {
		t.Fatalf("pending must change status only: %+v", pending)
	}

	unknown := Apply(authorized, Event{Status: "something_else"})
	if unknown != authorized {
		t.Fatalf("unknown status must be a no-op: %+v", unknown)
	}
}

func TestApplyIdempotent(t *testing.T) {
	state := domain.ProfileState{UserID: "user-1", Tier: domain.TierFree}
	ev := Event{Status: "authorized", PreapprovalID: "pre-1"}

	once := Apply(state, ev)
	twice := Apply(once, ev)
	if once != twice {
		t.Fatalf("replayed delivery changed state: %+v vs %+v", once, twice)
	}
}

func TestApplyCaseAndWhitespaceInsensitive(t *testing.T) {
	state := domain.ProfileState{UserID: "user-1", Tier: domain.TierFree}
	next := Apply(state, Event{Status: "  Authorized  ", PreapprovalID: "pre-1"})
	if next.Tier != domain.TierPremium {
		t.Fatalf("status normalization failed: %+v", next)
	}
}

func TestResubscribeInstallsNewID(t *testing.T) {
	state := domain.ProfileState{UserID: "user-1", Tier: domain.TierFree}
	state = Apply(state, Event{Status: "authorized", PreapprovalID: "pre-1"})
	state = Apply(state, Event{Status: "cancelled"})
	state = Apply(state, Event{Status: "authorized", PreapprovalID: "pre-2"})

	if state.Tier != domain.TierPremium || state.SubscriptionStatus != domain.SubscriptionActive {
		t.Fatalf("resubscribe did not restore premium: %+v", state)
	}
	if state.ExternalSubscriptionID != "pre-2" {
		t.Fatalf("resubscribe must overwrite the subscription id, got %q", state.ExternalSubscriptionID)
	}
}
