// Package scorer computes deterministic opportunity scores from a product's
// observation window.
package scorer

import "github.com/sells-group/product-scout/internal/config"

// DefaultMarginBands maps net margin fractions to scores. Values between
// breakpoints are interpolated.
var DefaultMarginBands = []config.MarginBand{
	{Fraction: -0.5, Score: 0},
	{Fraction: 0, Score: 20},
	{Fraction: 0.10, Score: 35},
	{Fraction: 0.25, Score: 55},
	{Fraction: 0.40, Score: 75},
	{Fraction: 0.60, Score: 95},
	{Fraction: 0.80, Score: 100},
}

// DefaultSaturationBands maps competitor counts to scores. Counts past the
// last band take its score.
var DefaultSaturationBands = []config.SaturationBand{
	{MaxCount: 5, Score: 90},
	{MaxCount: 10, Score: 75},
	{MaxCount: 25, Score: 60},
	{MaxCount: 50, Score: 40},
	{MaxCount: 100, Score: 25},
	{MaxCount: 1e9, Score: 10},
}

// DefaultConfig returns a config.ScorerConfig with the standard parameters.
// Weights sum to 1.0.
func DefaultConfig() config.ScorerConfig {
	return config.ScorerConfig{
		Weights: config.ScorerWeights{Velocity: 0.35, Margin: 0.30, Saturation: 0.35},

		WindowHours:        72,
		EngagementMetrics:  []string{"views", "likes", "sales"},
		PriceMetric:        "price",
		CompetitorMetric:   "creators",
		NeutralVelocity:    50,
		NeutralMargin:      50,
		VelocityScale:      1.0,
		AccelerationWeight: 0.5,
		PlatformFeePct:     0.10,
		MarginBands:        DefaultMarginBands,

		SaturationStrategy: StrategyAuto,
		SaturationBands:    DefaultSaturationBands,
		GrowthPenaltyScale: 20,
		GrowthPenaltyMax:   30,

		SampleTarget:                10,
		RecencyFullHours:            6,
		RecencyZeroHours:            72,
		InsufficientVelocityPenalty: 0.5,
		MissingSupplierPenalty:      0.8,
		MissingSaturationPenalty:    0.9,
	}
}

// withDefaults fills fields the config file commonly leaves out.
func withDefaults(c config.ScorerConfig) config.ScorerConfig {
	def := DefaultConfig()
	if len(c.MarginBands) == 0 {
		c.MarginBands = def.MarginBands
	}
	if len(c.SaturationBands) == 0 {
		c.SaturationBands = def.SaturationBands
	}
	if len(c.EngagementMetrics) == 0 {
		c.EngagementMetrics = def.EngagementMetrics
	}
	if c.PriceMetric == "" {
		c.PriceMetric = def.PriceMetric
	}
	if c.CompetitorMetric == "" {
		c.CompetitorMetric = def.CompetitorMetric
	}
	if c.SaturationStrategy == "" {
		c.SaturationStrategy = def.SaturationStrategy
	}
	if c.VelocityScale <= 0 {
		c.VelocityScale = def.VelocityScale
	}
	if c.SampleTarget <= 0 {
		c.SampleTarget = def.SampleTarget
	}
	if c.RecencyZeroHours <= c.RecencyFullHours {
		c.RecencyFullHours, c.RecencyZeroHours = def.RecencyFullHours, def.RecencyZeroHours
	}
	return c
}
