package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RawSignal is an unresolved reading pushed by a collector. One signal may
// carry several metrics observed at the same instant.
type RawSignal struct {
	Source     string             `json:"source" yaml:"source"`
	NativeID   string             `json:"native_id" yaml:"native_id"`
	Name       string             `json:"name" yaml:"name"`
	Category   string             `json:"category" yaml:"category"`
	Metrics    map[string]float64 `json:"metrics" yaml:"metrics"`
	ObservedAt time.Time          `json:"observed_at" yaml:"observed_at"`
}

// IngestError reports a malformed inbound record. The record is dropped and
// the rest of the batch continues.
type IngestError struct {
	Source   string
	NativeID string
	Field    string
	Reason   string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest: %s/%s: %s %s", e.Source, e.NativeID, e.Field, e.Reason)
}

// Normalize trims identifying fields, defaults the category and normalizes
// the observation timestamp. It returns a copy.
func (s RawSignal) Normalize() RawSignal {
	s.Source = strings.TrimSpace(s.Source)
	s.NativeID = strings.TrimSpace(s.NativeID)
	s.Name = strings.TrimSpace(s.Name)
	s.Category = strings.ToLower(strings.TrimSpace(s.Category))
	if s.Category == "" {
		s.Category = DefaultCategory
	}
	s.ObservedAt = Timestamp(s.ObservedAt)
	return s
}

// Validate checks that the signal can be resolved and stored.
func (s RawSignal) Validate() error {
	fail := func(field, reason string) error {
		return &IngestError{Source: s.Source, NativeID: s.NativeID, Field: field, Reason: reason}
	}
	switch {
	case strings.TrimSpace(s.Source) == "":
		return fail("source", "is required")
	case strings.TrimSpace(s.NativeID) == "":
		return fail("native_id", "is required")
	case strings.TrimSpace(s.Name) == "":
		return fail("name", "is required")
	case s.ObservedAt.IsZero():
		return fail("observed_at", "is required")
	case len(s.Metrics) == 0:
		return fail("metrics", "must not be empty")
	}
	for name, v := range s.Metrics {
		if strings.TrimSpace(name) == "" {
			return fail("metrics", "has an empty metric name")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail("metrics."+name, "is not a finite number")
		}
	}
	return nil
}

// Validate checks a supplier match before it is stored.
func (m SupplierMatch) Validate() error {
	fail := func(field, reason string) error {
		return &IngestError{Source: m.SupplierSource, NativeID: m.ProductID, Field: field, Reason: reason}
	}
	switch {
	case strings.TrimSpace(m.ProductID) == "":
		return fail("product_id", "is required")
	case strings.TrimSpace(m.SupplierSource) == "":
		return fail("supplier_source", "is required")
	case m.MatchedAt.IsZero():
		return fail("matched_at", "is required")
	case math.IsNaN(m.SupplierPrice) || math.IsInf(m.SupplierPrice, 0) || m.SupplierPrice < 0:
		return fail("supplier_price", "must be a non-negative number")
	case math.IsNaN(m.ShippingCost) || math.IsInf(m.ShippingCost, 0) || m.ShippingCost < 0:
		return fail("shipping_cost", "must be a non-negative number")
	case m.Confidence < 0 || m.Confidence > 1:
		return fail("confidence", "must be within [0,1]")
	}
	return nil
}
