//go:build property
// +build property

// Property: the risk score is monotone in every non-negative
// contribution. Raising any single input never lowers the raw score.
package risk_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/risk"
)

func TestScoreMonotoneInDollars(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("more dollars never lowers the score", prop.ForAll(
		func(d1, d2 float64, blast int) bool {
			if d1 > d2 {
				d1, d2 = d2, d1
			}
			in := contracts.RiskInput{
				BaseRisk:      contracts.RiskLow,
				BlastRadius:   blast,
				Reversibility: contracts.ReversibilityPartial,
			}
			lo := in
			lo.DollarsAtRisk = d1
			hi := in
			hi.DollarsAtRisk = d2
			return risk.Score(lo).Raw <= risk.Score(hi).Raw
		},
		gen.Float64Range(0, 1e8),
		gen.Float64Range(0, 1e8),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

func TestScoreMonotoneInBlastRadius(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("wider blast radius never lowers the score", prop.ForAll(
		func(b1, b2 int, dollars float64) bool {
			if b1 > b2 {
				b1, b2 = b2, b1
			}
			in := contracts.RiskInput{
				BaseRisk:      contracts.RiskMedium,
				DollarsAtRisk: dollars,
				Reversibility: contracts.ReversibilityFull,
			}
			lo := in
			lo.BlastRadius = b1
			hi := in
			hi.BlastRadius = b2
			return risk.Score(lo).Raw <= risk.Score(hi).Raw
		},
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 1<<20),
		gen.Float64Range(0, 1e6),
	))

	properties.TestingRun(t)
}

func TestCompositeAdjustNeverLowers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("composite adjustment never lowers the score", prop.ForAll(
		func(actions, entities, cartridges int, exposure float64) bool {
			base := risk.Score(contracts.RiskInput{
				BaseRisk:      contracts.RiskLow,
				Reversibility: contracts.ReversibilityPartial,
			})
			adj := risk.CompositeAdjust(base, risk.CompositeContext{
				RecentActionCount:      actions,
				CumulativeExposure:     exposure,
				DistinctTargetEntities: entities,
				DistinctCartridges:     cartridges,
			})
			return adj.Raw >= base.Raw
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 10),
		gen.Float64Range(0, 1e6),
	))

	properties.TestingRun(t)
}
