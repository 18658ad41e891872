package model

import "time"

// DefaultCategory is assigned to signals that arrive without a category.
const DefaultCategory = "uncategorized"

// Product is the canonical, deduplicated entity that raw signals resolve to.
type Product struct {
	ID            string          `json:"id"`
	CanonicalName string          `json:"canonical_name"`
	Category      string          `json:"category"`
	MatchKey      string          `json:"match_key"`
	Bucket        string          `json:"bucket"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
	Bindings      []SourceBinding `json:"bindings,omitempty"`
}

// SourceBinding ties a (source, native id) pair to a product. Once written a
// binding is never moved to another product.
type SourceBinding struct {
	Source    string    `json:"source"`
	NativeID  string    `json:"native_id"`
	ProductID string    `json:"product_id"`
	BoundAt   time.Time `json:"bound_at"`
}

// Observation is a single immutable metric reading for a product.
type Observation struct {
	ProductID  string    `json:"product_id"`
	Source     string    `json:"source"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// SupplierMatch links a product to a supplier listing and its landed cost.
type SupplierMatch struct {
	ProductID      string    `json:"product_id" yaml:"product_id"`
	SupplierSource string    `json:"supplier_source" yaml:"supplier_source"`
	SupplierPrice  float64   `json:"supplier_price" yaml:"supplier_price"`
	ShippingCost   float64   `json:"shipping_cost" yaml:"shipping_cost"`
	Confidence     float64   `json:"confidence" yaml:"confidence"`
	MatchedAt      time.Time `json:"matched_at" yaml:"matched_at"`
}

// LandedCost is the supplier price plus shipping.
func (m SupplierMatch) LandedCost() float64 {
	return m.SupplierPrice + m.ShippingCost
}

// Timestamp normalizes t to UTC with microsecond precision so that every
// store backend persists the same instant.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
