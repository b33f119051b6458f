package campaign

import (
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
)

// Step is one message in a campaign. Delay is measured from the
// previous step's completion, not from campaign start, so a worker
// backlog pushes later steps later instead of bursting.
type Step struct {
	TemplateID string
	Delay      time.Duration
}

// Definition is the ordered step list for one campaign kind.
type Definition struct {
	Kind  model.CampaignKind
	Steps []Step
}

// Definitions returns the built-in engagement sequences.
func Definitions() map[model.CampaignKind]Definition {
	return map[model.CampaignKind]Definition{
		model.CampaignReactivation: {
			Kind: model.CampaignReactivation,
			Steps: []Step{
				{TemplateID: "miss_you", Delay: 0},
				{TemplateID: "social_proof", Delay: 72 * time.Hour},
				{TemplateID: "special_offer", Delay: 72 * time.Hour},
			},
		},
		model.CampaignNutritionTip: {
			Kind: model.CampaignNutritionTip,
			Steps: []Step{
				{TemplateID: "nutrition_tip", Delay: 2 * time.Hour},
			},
		},
		model.CampaignTierOffer: {
			Kind: model.CampaignTierOffer,
			Steps: []Step{
				{TemplateID: "tier_offer", Delay: 24 * time.Hour},
			},
		},
	}
}
