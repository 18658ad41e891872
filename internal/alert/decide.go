// Package alert decides when a scored product deserves an alert and records
// the emission. A product alerts at most once per tier within its cooldown,
// unless its tier strictly improves.
package alert

import (
	"time"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
)

// State is the per-product alert state.
type State string

const (
	StateQuiet    State = "quiet"
	StateAlerted  State = "alerted"
	StateCooldown State = "cooldown"
)

// Decision reasons.
const (
	ReasonBelowTier     = "below_min_tier"
	ReasonLowConfidence = "low_confidence"
	ReasonCooldown      = "cooldown_active"
	ReasonQuiet         = "quiet"
	ReasonEscalation    = "escalation"
)

// Decision is the outcome of Decide.
type Decision struct {
	Fire       bool
	Escalation bool
	Reason     string
	Tier       model.Tier
	State      State
}

// StateAt derives the state of a product from its last alert. Alerted is
// only ever observed at the instant of emission, so a stored record is
// either still cooling down or quiet.
func StateAt(last *model.AlertRecord, now time.Time) State {
	if last != nil && now.Before(last.CooldownUntil) {
		return StateCooldown
	}
	return StateQuiet
}

// Decide applies the alert gate to a snapshot.
func Decide(last *model.AlertRecord, snap model.ScoreSnapshot, now time.Time, cfg config.AlertConfig) Decision {
	tier := snap.Tier()
	d := Decision{Tier: tier, State: StateAt(last, now)}

	minTier := model.Tier(cfg.MinTier)
	if !minTier.Valid() {
		minTier = model.TierBuy
	}

	switch {
	case tier.Rank() < minTier.Rank():
		d.Reason = ReasonBelowTier
	case snap.Confidence < cfg.MinConfidence:
		d.Reason = ReasonLowConfidence
	case d.State == StateQuiet:
		d.Fire, d.Reason = true, ReasonQuiet
	case tier.Rank() > last.Tier.Rank():
		d.Fire, d.Escalation, d.Reason = true, true, ReasonEscalation
	default:
		d.Reason = ReasonCooldown
	}

	if d.Fire {
		d.State = StateAlerted
	}
	return d
}
