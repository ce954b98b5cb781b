// Package subscription keeps a user's tier and subscription status
// consistent with the billing provider's asynchronous webhook events.
package subscription

import (
	"encoding/json"
	"fmt"
	"strings"

	"teachforge/pkg/domain"
)

// EventTypePreapproval is the only billing webhook type this service
// consumes.
const EventTypePreapproval = "subscription_preapproval"

// Event is one billing provider notification.
type Event struct {
	Type              string `json:"type"`
	PreapprovalID     string `json:"preapproval_id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
}

// ParseEvent decodes and validates a webhook payload.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("parse webhook payload: %w", err)
	}
	if ev.Type != EventTypePreapproval {
		return Event{}, fmt.Errorf("unsupported webhook type %q", ev.Type)
	}
	if strings.TrimSpace(ev.ExternalReference) == "" {
		return Event{}, fmt.Errorf("webhook missing external_reference")
	}
	return ev, nil
}

// Apply is the transition function of the subscription state machine.
// It is pure, total, and deterministic: each rule reads only the event,
// never accumulated history, which makes replaying a delivery a no-op and
// processing a strict left-fold over the event sequence.
//
//	authorized -> premium/active, subscription id overwritten
//	cancelled  -> free/cancelled, subscription id kept
//	paused     -> free/paused, subscription id kept
//	pending    -> status pending, tier and id untouched
//	other      -> no-op
func Apply(current domain.ProfileState, ev Event) domain.ProfileState {
	next := current
	switch strings.ToLower(strings.TrimSpace(ev.Status)) {
	case "authorized":
		next.Tier = domain.TierPremium
		next.SubscriptionStatus = domain.SubscriptionActive
		next.ExternalSubscriptionID = ev.PreapprovalID
	case "cancelled":
		next.Tier = domain.TierFree
		next.SubscriptionStatus = domain.SubscriptionCancelled
	case "paused":
		next.Tier = domain.TierFree
		next.SubscriptionStatus = domain.SubscriptionPaused
	case "pending":
		next.SubscriptionStatus = domain.SubscriptionPending
	}
	return next
}
