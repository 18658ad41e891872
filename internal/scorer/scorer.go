package scorer

import (
	"math"
	"time"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
)

// Snapshot signals explaining a score.
const (
	SignalRapidGrowth          = "rapid_growth"
	SignalAccelerating         = "accelerating"
	SignalNoSupplierData       = "no_supplier_data"
	SignalUnprofitable         = "unprofitable"
	SignalHeuristicSaturation  = "heuristic_saturation"
	SignalInsufficientVelocity = "insufficient_velocity_data"
)

// rapidGrowthFloor is the velocity score at which a product is flagged.
const rapidGrowthFloor = 80.0

// Input is everything the scorer reads for one product.
type Input struct {
	Product      model.Product
	Observations []model.Observation
	Suppliers    []model.SupplierMatch
	Now          time.Time
}

// Scorer turns an observation window into a ScoreSnapshot. It holds no
// mutable state and is safe for concurrent use.
type Scorer struct {
	cfg        config.ScorerConfig
	engagement map[string]bool
	estimator  SaturationEstimator
}

// New creates a Scorer. Bands, metric names, strategy and the confidence
// tuning fall back to DefaultConfig values when unset; weights and the window
// must be given and the result must pass ScorerConfig.Validate.
func New(cfg config.ScorerConfig) (*Scorer, error) {
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	est, err := NewEstimator(cfg)
	if err != nil {
		return nil, err
	}

	engagement := make(map[string]bool, len(cfg.EngagementMetrics))
	for _, m := range cfg.EngagementMetrics {
		engagement[m] = true
	}
	return &Scorer{cfg: cfg, engagement: engagement, estimator: est}, nil
}

// WithEstimator returns a copy of the scorer using a different saturation
// strategy.
func (s *Scorer) WithEstimator(est SaturationEstimator) *Scorer {
	cp := *s
	cp.estimator = est
	return &cp
}

// Config returns the effective configuration.
func (s *Scorer) Config() config.ScorerConfig { return s.cfg }

// Score computes a snapshot. ID and RunKey are left for the caller.
func (s *Scorer) Score(in Input) model.ScoreSnapshot {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	in.Now = model.Timestamp(in.Now)

	vel := s.velocity(in)
	mar := s.margin(in)
	sat := s.saturation(in)

	snap := model.ScoreSnapshot{
		ProductID:  in.Product.ID,
		Velocity:   round(clamp(vel.score, 0, 100), 2),
		Margin:     round(clamp(mar.score, 0, 100), 2),
		Saturation: round(clamp(sat.score, 0, 100), 2),
		ComputedAt: in.Now,
	}

	w := s.cfg.Weights
	composite := w.Velocity*snap.Velocity + w.Margin*snap.Margin + w.Saturation*snap.Saturation
	snap.Composite = round(clamp(composite, 0, 100), 2)
	snap.Confidence = s.confidence(in, vel, mar, sat)
	snap.Signals = signals(vel, mar, sat)
	return snap
}

func (s *Scorer) confidence(in Input, vel velocityResult, mar marginResult, sat saturationResult) float64 {
	var n int
	var latest time.Time
	for _, o := range in.Observations {
		if o.ObservedAt.After(in.Now) {
			continue
		}
		n++
		if o.ObservedAt.After(latest) {
			latest = o.ObservedAt
		}
	}

	sufficiency := math.Min(1, float64(n)/float64(s.cfg.SampleTarget))

	var recency float64
	if n > 0 {
		age := in.Now.Sub(latest).Hours()
		full, zero := s.cfg.RecencyFullHours, s.cfg.RecencyZeroHours
		switch {
		case age <= full:
			recency = 1
		case age >= zero:
			recency = 0
		default:
			recency = (zero - age) / (zero - full)
		}
	}

	conf := 0.4*sufficiency + 0.3*recency + 0.3*agreement(vel.sourceGrowth)

	if !vel.sufficient {
		conf *= s.cfg.InsufficientVelocityPenalty
	}
	if !mar.supplier {
		conf *= s.cfg.MissingSupplierPenalty
	}
	if !sat.direct {
		conf *= s.cfg.MissingSaturationPenalty
	}
	return round(clamp(conf, 0, 1), 4)
}

// agreement is 1 when every source reports the same growth and falls off as
// their rates spread. A single source gives no corroboration either way.
func agreement(growth map[string]float64) float64 {
	switch len(growth) {
	case 0:
		return 0
	case 1:
		return 0.5
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, g := range growth {
		lo = math.Min(lo, g)
		hi = math.Max(hi, g)
	}
	return 1 / (1 + (hi - lo))
}

func signals(vel velocityResult, mar marginResult, sat saturationResult) []string {
	var out []string
	if vel.sufficient && vel.score >= rapidGrowthFloor {
		out = append(out, SignalRapidGrowth)
	}
	if vel.accelerating {
		out = append(out, SignalAccelerating)
	}
	if !mar.supplier {
		out = append(out, SignalNoSupplierData)
	}
	if mar.known && mar.fraction < 0 {
		out = append(out, SignalUnprofitable)
	}
	if !sat.direct {
		out = append(out, SignalHeuristicSaturation)
	}
	if !vel.sufficient {
		out = append(out, SignalInsufficientVelocity)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
