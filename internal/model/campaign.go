package model

import "time"

type CampaignKind string

const (
	CampaignReactivation CampaignKind = "reactivation"
	CampaignNutritionTip CampaignKind = "nutrition_tip"
	CampaignTierOffer    CampaignKind = "tier_offer"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the campaign can no longer change.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// Campaign is a multi-step engagement sequence for one member.
// StepIndex is the next step to run; step definitions live in the
// sequencer, keyed by Kind.
type Campaign struct {
	ID             string
	MemberID       string
	RecipientPhone string
	Kind           CampaignKind
	StepIndex      int
	Status         CampaignStatus
	Params         map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
