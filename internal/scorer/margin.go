package scorer

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
)

// marginResult is the outcome of the margin component.
type marginResult struct {
	score    float64
	fraction float64
	known    bool
	// supplier is false when no supplier match was available.
	supplier bool
}

// MarginFraction returns (sell - cost - fee*sell) / sell using decimal
// arithmetic so identical inputs always produce identical output.
func MarginFraction(sell, cost, feePct float64) float64 {
	s := decimal.NewFromFloat(sell)
	if s.IsZero() {
		return 0
	}
	c := decimal.NewFromFloat(cost)
	f := decimal.NewFromFloat(feePct)
	frac, _ := s.Sub(c).Sub(f.Mul(s)).Div(s).Float64()
	return frac
}

// MarginScore maps a margin fraction through piecewise-linear bands.
// Fractions outside the bands clamp to the end scores.
func MarginScore(fraction float64, bands []config.MarginBand) float64 {
	if len(bands) == 0 {
		return 0
	}
	if fraction <= bands[0].Fraction {
		return bands[0].Score
	}
	last := bands[len(bands)-1]
	if fraction >= last.Fraction {
		return last.Score
	}

	x := decimal.NewFromFloat(fraction)
	for i := 1; i < len(bands); i++ {
		lo, hi := bands[i-1], bands[i]
		if fraction > hi.Fraction {
			continue
		}
		f0, f1 := decimal.NewFromFloat(lo.Fraction), decimal.NewFromFloat(hi.Fraction)
		s0, s1 := decimal.NewFromFloat(lo.Score), decimal.NewFromFloat(hi.Score)
		score, _ := s0.Add(x.Sub(f0).Mul(s1.Sub(s0)).Div(f1.Sub(f0))).Round(4).Float64()
		return score
	}
	return last.Score
}

// latestValue returns the most recent reading of metric at or before the
// scoring time. Ties on time go to the lexically first source.
func latestValue(in Input, metric string) (float64, bool) {
	var best *model.Observation
	for i := range in.Observations {
		o := &in.Observations[i]
		if o.Metric != metric || o.ObservedAt.After(in.Now) {
			continue
		}
		if best == nil || o.ObservedAt.After(best.ObservedAt) ||
			(o.ObservedAt.Equal(best.ObservedAt) && o.Source < best.Source) {
			best = o
		}
	}
	if best == nil {
		return 0, false
	}
	return best.Value, true
}

// cheapestSupplier picks the lowest landed cost among the latest match per
// supplier source.
func cheapestSupplier(matches []model.SupplierMatch) (model.SupplierMatch, bool) {
	if len(matches) == 0 {
		return model.SupplierMatch{}, false
	}
	sorted := append([]model.SupplierMatch(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LandedCost() != sorted[j].LandedCost() {
			return sorted[i].LandedCost() < sorted[j].LandedCost()
		}
		return sorted[i].SupplierSource < sorted[j].SupplierSource
	})
	return sorted[0], true
}

func (s *Scorer) margin(in Input) marginResult {
	supplier, hasSupplier := cheapestSupplier(in.Suppliers)
	sell, hasSell := latestValue(in, s.cfg.PriceMetric)

	if !hasSupplier || !hasSell || sell <= 0 {
		return marginResult{score: s.cfg.NeutralMargin, supplier: hasSupplier}
	}

	frac := MarginFraction(sell, supplier.LandedCost(), s.cfg.PlatformFeePct)
	return marginResult{
		score:    MarginScore(frac, s.cfg.MarginBands),
		fraction: frac,
		known:    true,
		supplier: true,
	}
}
