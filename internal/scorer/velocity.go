package scorer

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/product-scout/internal/model"
)

// seriesKey identifies one (source, metric) time series.
type seriesKey struct {
	source string
	metric string
}

// groupSeries splits observations at or before now into per-series slices
// sorted by time. Only metrics accepted by keep are included. Keys are
// returned in sorted order so callers iterate deterministically.
func groupSeries(obs []model.Observation, now time.Time, keep func(metric string) bool) ([]seriesKey, map[seriesKey][]model.Observation) {
	groups := make(map[seriesKey][]model.Observation)
	for _, o := range obs {
		if o.ObservedAt.After(now) || !keep(o.Metric) {
			continue
		}
		k := seriesKey{source: o.Source, metric: o.Metric}
		groups[k] = append(groups[k], o)
	}

	keys := make([]seriesKey, 0, len(groups))
	for k, pts := range groups {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].ObservedAt.Before(pts[j].ObservedAt) })
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		return keys[i].metric < keys[j].metric
	})
	return keys, groups
}

// dailyGrowth is the log growth per day between the first and last point.
// Values are shifted by one so a zero reading does not blow up the ratio.
func dailyGrowth(pts []model.Observation) (float64, bool) {
	if len(pts) < 2 {
		return 0, false
	}
	first, last := pts[0], pts[len(pts)-1]
	hours := last.ObservedAt.Sub(first.ObservedAt).Hours()
	if hours <= 0 {
		return 0, false
	}
	ratio := (math.Max(last.Value, 0) + 1) / (math.Max(first.Value, 0) + 1)
	return math.Log(ratio) / hours * 24, true
}

// between returns points with from < t <= to.
func between(pts []model.Observation, from, to time.Time) []model.Observation {
	var out []model.Observation
	for _, p := range pts {
		if p.ObservedAt.After(from) && !p.ObservedAt.After(to) {
			out = append(out, p)
		}
	}
	return out
}

// velocityResult is the outcome of the velocity component.
type velocityResult struct {
	score        float64
	sufficient   bool
	accelerating bool
	// sourceGrowth is the mean trailing growth per source, for agreement.
	sourceGrowth map[string]float64
	samples      int
}

// velocity scores growth of engagement metrics over the trailing window,
// blended with its change against the prior window, through a logistic
// curve centred on 50 for flat series.
func (s *Scorer) velocity(in Input) velocityResult {
	window := s.cfg.Window()
	keys, groups := groupSeries(in.Observations, in.Now, func(m string) bool { return s.engagement[m] })

	res := velocityResult{sourceGrowth: make(map[string]float64)}
	perSource := make(map[string][]float64)
	var blended, accel []float64

	for _, k := range keys {
		pts := groups[k]
		trailing := between(pts, in.Now.Add(-window), in.Now)
		res.samples += len(trailing)

		r, ok := dailyGrowth(trailing)
		if !ok {
			// Sparse series: fall back to the two most recent readings.
			if len(pts) >= 2 {
				r, ok = dailyGrowth(pts[len(pts)-2:])
			}
		}
		if !ok {
			continue
		}

		x := r
		if prior, ok := dailyGrowth(between(pts, in.Now.Add(-2*window), in.Now.Add(-window))); ok {
			x = r + s.cfg.AccelerationWeight*(r-prior)
			accel = append(accel, r-prior)
		}
		blended = append(blended, x)
		perSource[k.source] = append(perSource[k.source], r)
	}

	if len(blended) == 0 {
		res.score = s.cfg.NeutralVelocity
		return res
	}

	res.sufficient = true
	res.score = 100 / (1 + math.Exp(-mean(blended)/s.cfg.VelocityScale))
	res.accelerating = len(accel) > 0 && mean(accel) > 0
	for src, rs := range perSource {
		res.sourceGrowth[src] = mean(rs)
	}
	return res
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
