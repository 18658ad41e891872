package scorer

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
)

// Saturation strategies accepted in scorer.saturation_strategy.
const (
	StrategyAuto          = "auto"
	StrategyCreatorMetric = "creator_metric"
	StrategyHeuristic     = "heuristic"
)

// SaturationEstimate is a competitor count and its daily log growth.
type SaturationEstimate struct {
	Count       float64
	DailyGrowth float64
	// Direct is true when the count came from competitor telemetry rather
	// than being inferred.
	Direct bool
}

// SaturationEstimator estimates competition for a product. Implementations
// return false when they have nothing to go on.
type SaturationEstimator interface {
	Name() string
	Estimate(in Input) (SaturationEstimate, bool)
}

// CreatorMetricEstimator reads a competitor-count metric directly. The
// count is the highest latest reading across sources; growth is taken from
// that source's trailing window.
type CreatorMetricEstimator struct {
	Metric string
	Window time.Duration
}

func (e CreatorMetricEstimator) Name() string { return StrategyCreatorMetric }

func (e CreatorMetricEstimator) Estimate(in Input) (SaturationEstimate, bool) {
	keys, groups := groupSeries(in.Observations, in.Now, func(m string) bool { return m == e.Metric })
	if len(keys) == 0 {
		return SaturationEstimate{}, false
	}

	var best []model.Observation
	for _, k := range keys {
		pts := groups[k]
		if best == nil || pts[len(pts)-1].Value > best[len(best)-1].Value {
			best = pts
		}
	}

	est := SaturationEstimate{Count: math.Max(best[len(best)-1].Value, 0), Direct: true}
	if g, ok := dailyGrowth(between(best, in.Now.Add(-e.Window), in.Now)); ok {
		est.DailyGrowth = g
	}
	return est, true
}

// HeuristicEstimator infers competition from how much chatter a product
// generates: observations×2 + distinct sources×3, capped at 100.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Name() string { return StrategyHeuristic }

func (HeuristicEstimator) Estimate(in Input) (SaturationEstimate, bool) {
	sources := make(map[string]struct{})
	n := 0
	for _, o := range in.Observations {
		if o.ObservedAt.After(in.Now) {
			continue
		}
		n++
		sources[o.Source] = struct{}{}
	}
	count := math.Min(float64(n*2+len(sources)*3), 100)
	return SaturationEstimate{Count: count}, true
}

// FallbackEstimator tries Primary and falls back to Secondary.
type FallbackEstimator struct {
	Primary   SaturationEstimator
	Secondary SaturationEstimator
}

func (f FallbackEstimator) Name() string { return StrategyAuto }

func (f FallbackEstimator) Estimate(in Input) (SaturationEstimate, bool) {
	if est, ok := f.Primary.Estimate(in); ok {
		return est, true
	}
	return f.Secondary.Estimate(in)
}

// NewEstimator returns the estimator for a configured strategy name.
func NewEstimator(cfg config.ScorerConfig) (SaturationEstimator, error) {
	direct := CreatorMetricEstimator{Metric: cfg.CompetitorMetric, Window: cfg.Window()}
	switch cfg.SaturationStrategy {
	case StrategyCreatorMetric:
		return direct, nil
	case StrategyHeuristic:
		return HeuristicEstimator{}, nil
	case StrategyAuto, "":
		return FallbackEstimator{Primary: direct, Secondary: HeuristicEstimator{}}, nil
	default:
		return nil, eris.Errorf("scorer: unknown saturation strategy %q", cfg.SaturationStrategy)
	}
}

// saturationResult is the outcome of the saturation component.
type saturationResult struct {
	score  float64
	direct bool
}

func bandScore(count float64, bands []config.SaturationBand) float64 {
	for _, b := range bands {
		if count <= b.MaxCount {
			return b.Score
		}
	}
	if len(bands) == 0 {
		return 0
	}
	return bands[len(bands)-1].Score
}

// ageBonus favours products that surfaced recently.
func ageBonus(created, now time.Time) float64 {
	age := now.Sub(created)
	switch {
	case age <= 2*24*time.Hour:
		return 10
	case age <= 5*24*time.Hour:
		return 5
	case age <= 14*24*time.Hour:
		return 0
	default:
		return -10
	}
}

func (s *Scorer) saturation(in Input) saturationResult {
	est, ok := s.estimator.Estimate(in)
	if !ok {
		est = SaturationEstimate{}
	}

	penalty := math.Min(math.Max(est.DailyGrowth, 0)*s.cfg.GrowthPenaltyScale, s.cfg.GrowthPenaltyMax)
	score := bandScore(est.Count, s.cfg.SaturationBands) - penalty + ageBonus(in.Product.CreatedAt, in.Now)
	return saturationResult{score: clamp(score, 0, 100), direct: ok && est.Direct}
}
