// Package risk turns a cartridge's RiskInput into a numeric score and
// category. Scoring is deterministic: the same input always produces
// the same score, factor by factor, so decision traces are replayable.
package risk

import (
	"math"

	"github.com/wardenhq/warden/pkg/contracts"
)

// Base scoring weights.
const (
	exposureWeight    = 20.0
	exposureThreshold = 10000.0

	blastRadiusWeight = 10.0

	irreversibleBonus    = 15.0
	partialReverseBonus  = 7.5
	entityVolatileBonus  = 8.0
	learningPhaseBonus   = 10.0
	recentModifiedBonus  = 5.0
)

// Composite adjustment weights.
const (
	cumulativeExposureWeight    = 15.0
	cumulativeExposureThreshold = 25000.0

	velocityThreshold  = 10
	velocityPenaltyCap = 10.0

	concentrationMinActions = 5
	concentrationRatio      = 0.3
	concentrationPenalty    = 6.0

	crossCartridgePenalty = 4.0
	crossCartridgeCap     = 12.0
)

var baseWeights = map[contracts.RiskCategory]float64{
	contracts.RiskNone:     0,
	contracts.RiskLow:      15,
	contracts.RiskMedium:   35,
	contracts.RiskHigh:     55,
	contracts.RiskCritical: 80,
}

// CompositeContext is the guardrail engine's view of recent activity
// for one principal, used to adjust the base score.
type CompositeContext struct {
	RecentActionCount      int     `json:"recent_action_count"`
	WindowMs               int64   `json:"window_ms"`
	CumulativeExposure     float64 `json:"cumulative_exposure"`
	DistinctTargetEntities int     `json:"distinct_target_entities"`
	DistinctCartridges     int     `json:"distinct_cartridges"`
}

// Score computes the base risk score from a cartridge's RiskInput.
// Every non-zero contribution is recorded in Factors under a stable
// key so traces can explain the number.
func Score(in contracts.RiskInput) contracts.RiskScore {
	factors := map[string]float64{}

	raw := baseWeights[in.BaseRisk]
	factors["base"] = raw

	if in.DollarsAtRisk > 0 {
		c := math.Min(exposureWeight, (in.DollarsAtRisk/exposureThreshold)*exposureWeight)
		factors["dollars_at_risk"] = c
		raw += c
	}
	if in.BlastRadius > 1 {
		c := math.Min(2*blastRadiusWeight, blastRadiusWeight*math.Log2(float64(in.BlastRadius)))
		factors["blast_radius"] = c
		raw += c
	}
	switch in.Reversibility {
	case contracts.ReversibilityNone:
		factors["irreversibility"] = irreversibleBonus
		raw += irreversibleBonus
	case contracts.ReversibilityPartial:
		factors["irreversibility"] = partialReverseBonus
		raw += partialReverseBonus
	}
	if in.EntityVolatile {
		factors["entity_volatile"] = entityVolatileBonus
		raw += entityVolatileBonus
	}
	if in.LearningPhase {
		factors["learning_phase"] = learningPhaseBonus
		raw += learningPhaseBonus
	}
	if in.RecentlyModified {
		factors["recently_modified"] = recentModifiedBonus
		raw += recentModifiedBonus
	}

	raw = clamp(raw)
	return contracts.RiskScore{Raw: raw, Category: Categorize(raw), Factors: factors}
}

// CompositeAdjust raises a base score from recent-activity context and
// re-derives the category. The input score is not mutated.
func CompositeAdjust(score contracts.RiskScore, cc CompositeContext) contracts.RiskScore {
	factors := make(map[string]float64, len(score.Factors)+4)
	for k, v := range score.Factors {
		factors[k] = v
	}
	raw := score.Raw

	if cc.CumulativeExposure > 0 {
		c := cumulativeExposureWeight * math.Min(1, cc.CumulativeExposure/cumulativeExposureThreshold)
		factors["cumulative_exposure"] = c
		raw += c
	}
	if cc.RecentActionCount > velocityThreshold {
		c := math.Min(velocityPenaltyCap, float64(cc.RecentActionCount-velocityThreshold))
		factors["velocity"] = c
		raw += c
	}
	if cc.RecentActionCount >= concentrationMinActions && cc.DistinctTargetEntities > 0 {
		if float64(cc.DistinctTargetEntities)/float64(cc.RecentActionCount) < concentrationRatio {
			factors["concentration"] = concentrationPenalty
			raw += concentrationPenalty
		}
	}
	if cc.DistinctCartridges > 1 {
		c := math.Min(crossCartridgeCap, crossCartridgePenalty*float64(cc.DistinctCartridges-1))
		factors["cross_cartridge"] = c
		raw += c
	}

	raw = clamp(raw)
	return contracts.RiskScore{Raw: raw, Category: Categorize(raw), Factors: factors}
}

// Categorize maps a clamped raw score to its category bucket.
func Categorize(raw float64) contracts.RiskCategory {
	switch {
	case raw <= 20:
		return contracts.RiskNone
	case raw <= 40:
		return contracts.RiskLow
	case raw <= 60:
		return contracts.RiskMedium
	case raw <= 80:
		return contracts.RiskHigh
	default:
		return contracts.RiskCritical
	}
}

func clamp(raw float64) float64 {
	return math.Max(0, math.Min(100, raw))
}
