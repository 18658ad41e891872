package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrDuplicate is returned when a unique key already holds this record.
	ErrDuplicate = eris.New("store: duplicate")
	// ErrConflict is returned when a replayed record disagrees with the
	// stored, immutable one.
	ErrConflict = eris.New("store: write conflict")
	// ErrCooldownActive is returned when an alert would violate an unexpired
	// cooldown for the same or a higher tier.
	ErrCooldownActive = eris.New("store: alert cooldown active")
)

// IsRecordError reports whether err is confined to a single record. Any other
// store error is treated as cross-cutting by callers.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrCooldownActive) ||
		errors.Is(err, ErrNotFound)
}

// ObservationConflict describes a replayed observation whose value differs
// from the stored one.
type ObservationConflict struct {
	Observation model.Observation
	Existing    float64
}

// AppendResult summarizes an AppendObservations call.
type AppendResult struct {
	Inserted   int
	Duplicates int
	Conflicts  []ObservationConflict
}

// WindowQuery selects one (product, source, metric) series. Limit > 0 keeps
// the latest N points; Since/Until bound the range when non-zero.
type WindowQuery struct {
	ProductID string
	Source    string
	Metric    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ProductFilter specifies criteria for listing products.
type ProductFilter struct {
	Category string
	Limit    int
	Offset   int
}

// ScoreFilter selects the latest snapshot per product.
type ScoreFilter struct {
	MinComposite float64
	Limit        int
	Offset       int
}

// ProductScore pairs a product with its latest snapshot.
type ProductScore struct {
	Product  model.Product       `json:"product"`
	Snapshot model.ScoreSnapshot `json:"snapshot"`
}

// AlertFilter specifies criteria for listing alert records.
type AlertFilter struct {
	ProductID string
	Limit     int
}

// JobRunFilter specifies criteria for listing job runs.
type JobRunFilter struct {
	Kind   model.JobKind
	Status model.JobStatus
	Limit  int
}

// Stats holds table counts for the query surface.
type Stats struct {
	Products     int `json:"products"`
	Observations int `json:"observations"`
	Snapshots    int `json:"snapshots"`
	Alerts       int `json:"alerts"`
	JobRuns      int `json:"job_runs"`
}

// ProductStore persists canonical products and their source bindings.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	FindByBinding(ctx context.Context, source, nativeID string) (*model.Product, error)
	ListCandidates(ctx context.Context, category, bucket string) ([]model.Product, error)
	CreateProduct(ctx context.Context, p model.Product, b model.SourceBinding) error
	BindSource(ctx context.Context, b model.SourceBinding) (string, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)
}

// ObservationStore is the append-only time-series store.
type ObservationStore interface {
	AppendObservations(ctx context.Context, obs []model.Observation) (AppendResult, error)
	ObservationWindow(ctx context.Context, q WindowQuery) ([]model.Observation, error)
	ProductObservations(ctx context.Context, productID string, since time.Time) ([]model.Observation, error)
}

// SupplierStore persists supplier matches.
type SupplierStore interface {
	AppendSupplierMatch(ctx context.Context, m model.SupplierMatch) (bool, error)
	LatestSupplierMatches(ctx context.Context, productID string) ([]model.SupplierMatch, error)
}

// ScoreStore persists score snapshots.
type ScoreStore interface {
	InsertScoreSnapshot(ctx context.Context, s model.ScoreSnapshot) (bool, error)
	LatestScoreSnapshot(ctx context.Context, productID string) (*model.ScoreSnapshot, error)
	ScoreHistory(ctx context.Context, productID string, limit int) ([]model.ScoreSnapshot, error)
	ListLatestScores(ctx context.Context, filter ScoreFilter) ([]ProductScore, error)
}

// AlertStore persists alert records.
type AlertStore interface {
	InsertAlert(ctx context.Context, a model.AlertRecord) error
	LatestAlert(ctx context.Context, productID string) (*model.AlertRecord, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.AlertRecord, error)
}

// JobRunStore persists the job run audit log.
type JobRunStore interface {
	StartJobRun(ctx context.Context, run model.JobRun) error
	FinishJobRun(ctx context.Context, runID string, status model.JobStatus, stats model.JobStats, errMsg string, at time.Time) error
	ReconcileRunning(ctx context.Context, at time.Time, reason string) (int, error)
	ListJobRuns(ctx context.Context, filter JobRunFilter) ([]model.JobRun, error)
}

// Store is the full persistence interface.
type Store interface {
	ProductStore
	ObservationStore
	SupplierStore
	ScoreStore
	AlertStore
	JobRunStore

	Stats(ctx context.Context) (Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// latestPerSource keeps the newest match per supplier source. Input must be
// ordered by supplier_source, then matched_at descending.
func latestPerSource(all []model.SupplierMatch) []model.SupplierMatch {
	var out []model.SupplierMatch
	seen := make(map[string]bool, len(all))
	for _, m := range all {
		if seen[m.SupplierSource] {
			continue
		}
		seen[m.SupplierSource] = true
		out = append(out, m)
	}
	return out
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
