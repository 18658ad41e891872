package model

import "time"

// Tier buckets a composite score into an opportunity class.
type Tier string

const (
	TierStrongBuy Tier = "strong_buy"
	TierBuy       Tier = "buy"
	TierWatch     Tier = "watch"
	TierPass      Tier = "pass"
	TierTooLate   Tier = "too_late"
)

// Tier lower bounds on the composite score.
const (
	StrongBuyFloor = 80.0
	BuyFloor       = 65.0
	WatchFloor     = 50.0
	PassFloor      = 35.0
)

// TierFor maps a composite score to its tier. Tier is never stored as
// independent state; it is always recomputed from the composite.
func TierFor(composite float64) Tier {
	switch {
	case composite >= StrongBuyFloor:
		return TierStrongBuy
	case composite >= BuyFloor:
		return TierBuy
	case composite >= WatchFloor:
		return TierWatch
	case composite >= PassFloor:
		return TierPass
	default:
		return TierTooLate
	}
}

// Rank orders tiers from too_late (0) to strong_buy (4). Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierStrongBuy:
		return 4
	case TierBuy:
		return 3
	case TierWatch:
		return 2
	case TierPass:
		return 1
	case TierTooLate:
		return 0
	default:
		return -1
	}
}

// Floor returns the lowest composite that maps to t.
func (t Tier) Floor() float64 {
	switch t {
	case TierStrongBuy:
		return StrongBuyFloor
	case TierBuy:
		return BuyFloor
	case TierWatch:
		return WatchFloor
	case TierPass:
		return PassFloor
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// ScoreSnapshot is an immutable record of one scoring pass over a product.
type ScoreSnapshot struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	RunKey     string    `json:"run_key"`
	Velocity   float64   `json:"velocity"`
	Margin     float64   `json:"margin"`
	Saturation float64   `json:"saturation"`
	Composite  float64   `json:"composite"`
	Confidence float64   `json:"confidence"`
	Signals    []string  `json:"signals,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// Tier derives the snapshot's tier from its composite score.
func (s ScoreSnapshot) Tier() Tier { return TierFor(s.Composite) }

// AlertRecord is written when the alert engine emits an alert for a product.
type AlertRecord struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	SnapshotID       string    `json:"snapshot_id"`
	Tier             Tier      `json:"tier"`
	CompositeAtAlert float64   `json:"composite_at_alert"`
	SentAt           time.Time `json:"sent_at"`
	CooldownUntil    time.Time `json:"cooldown_until"`
}
