// Package ingest buffers pushed signals and supplier matches and writes them
// to the store when the ingest job runs.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/resolve"
	"github.com/sells-group/product-scout/internal/store"
)

// ErrQueueFull is returned by Submit when the buffer cannot take the records.
var ErrQueueFull = eris.New("ingest: queue full")

// Store is the subset of store.Store the ingestor writes to.
type Store interface {
	store.ObservationStore
	store.SupplierStore
}

// Resolver maps a raw signal to its canonical product.
type Resolver interface {
	Resolve(ctx context.Context, sig model.RawSignal) (resolve.Resolution, error)
}

// Ingestor accepts pushed records into a bounded in-memory buffer and
// drains them in batches.
type Ingestor struct {
	store     Store
	resolver  Resolver
	queueSize int
	batchSize int
	log       *zap.Logger

	mu      sync.Mutex
	signals []model.RawSignal
	matches []model.SupplierMatch
}

// New creates an Ingestor.
func New(st Store, r Resolver, cfg config.IngestConfig) *Ingestor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Ingestor{
		store:     st,
		resolver:  r,
		queueSize: cfg.QueueSize,
		batchSize: cfg.BatchSize,
		log:       zap.L().With(zap.String("component", "ingest")),
	}
}

// Submit buffers signals. The call is all or nothing: if the buffer cannot
// hold every signal, none are accepted.
func (i *Ingestor) Submit(ctx context.Context, sigs ...model.RawSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.signals)+len(sigs) > i.queueSize {
		return eris.Wrapf(ErrQueueFull, "ingest: %d signals buffered", len(i.signals))
	}
	i.signals = append(i.signals, sigs...)
	return nil
}

// SubmitSupplierMatches buffers supplier matches.
func (i *Ingestor) SubmitSupplierMatches(ctx context.Context, matches ...model.SupplierMatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.matches)+len(matches) > i.queueSize {
		return eris.Wrapf(ErrQueueFull, "ingest: %d supplier matches buffered", len(i.matches))
	}
	i.matches = append(i.matches, matches...)
	return nil
}

// Pending returns the number of buffered signals and supplier matches.
func (i *Ingestor) Pending() (signals, matches int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.signals), len(i.matches)
}

func (i *Ingestor) takeSignals() []model.RawSignal {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := min(i.batchSize, len(i.signals))
	batch := append([]model.RawSignal(nil), i.signals[:n]...)
	i.signals = i.signals[n:]
	return batch
}

// requeueSignals puts unprocessed signals back at the head of the buffer.
// It ignores the queue limit so nothing already accepted is lost.
func (i *Ingestor) requeueSignals(rest []model.RawSignal) {
	if len(rest) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.signals = append(append([]model.RawSignal(nil), rest...), i.signals...)
}

func (i *Ingestor) takeMatches() []model.SupplierMatch {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := min(i.batchSize, len(i.matches))
	batch := append([]model.SupplierMatch(nil), i.matches[:n]...)
	i.matches = i.matches[n:]
	return batch
}

func (i *Ingestor) requeueMatches(rest []model.SupplierMatch) {
	if len(rest) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.matches = append(append([]model.SupplierMatch(nil), rest...), i.matches...)
}

// Run drains both buffers batch by batch. It stops at the first
// cross-cutting failure or cancellation, leaving the rest buffered.
func (i *Ingestor) Run(ctx context.Context) (model.JobStats, error) {
	var total model.JobStats
	for {
		batch := i.takeSignals()
		if len(batch) == 0 {
			break
		}
		stats, err := i.IngestBatch(ctx, batch)
		total.Processed += stats.Processed
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
	}
	for {
		batch := i.takeMatches()
		if len(batch) == 0 {
			break
		}
		stats, err := i.IngestSupplierMatches(ctx, batch)
		total.Processed += stats.Processed
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IngestBatch resolves and stores signals one at a time. Malformed signals
// and per-record conflicts are counted as failed and skipped. Any other
// error stops the batch and the unprocessed signals are requeued.
func (i *Ingestor) IngestBatch(ctx context.Context, sigs []model.RawSignal) (model.JobStats, error) {
	var stats model.JobStats
	for n, sig := range sigs {
		if err := ctx.Err(); err != nil {
			i.requeueSignals(sigs[n:])
			return stats, eris.Wrap(err, "ingest: canceled")
		}

		// A started record finishes even if the job is canceled meanwhile.
		err := i.ingestSignal(context.WithoutCancel(ctx), sig)
		switch {
		case err == nil:
			stats.Processed++
		case isRecordError(err):
			stats.Failed++
			i.log.Warn("signal dropped",
				zap.String("source", sig.Source),
				zap.String("native_id", sig.NativeID),
				zap.Error(err),
			)
		default:
			i.requeueSignals(sigs[n:])
			return stats, eris.Wrap(err, "ingest: signal batch aborted")
		}
	}
	return stats, nil
}

func (i *Ingestor) ingestSignal(ctx context.Context, sig model.RawSignal) error {
	res, err := i.resolver.Resolve(ctx, sig)
	if err != nil {
		return err
	}
	sig = sig.Normalize()

	metrics := make([]string, 0, len(sig.Metrics))
	for name := range sig.Metrics {
		metrics = append(metrics, name)
	}
	sort.Strings(metrics)

	obs := make([]model.Observation, 0, len(metrics))
	for _, name := range metrics {
		obs = append(obs, model.Observation{
			ProductID:  res.Product.ID,
			Source:     sig.Source,
			Metric:     name,
			Value:      sig.Metrics[name],
			ObservedAt: sig.ObservedAt,
		})
	}

	result, err := i.store.AppendObservations(ctx, obs)
	if err != nil {
		return err
	}
	for _, c := range result.Conflicts {
		i.log.Warn("observation conflict",
			zap.String("product_id", c.Observation.ProductID),
			zap.String("source", c.Observation.Source),
			zap.String("metric", c.Observation.Metric),
			zap.Float64("value", c.Observation.Value),
			zap.Float64("existing", c.Existing),
		)
	}
	if len(result.Conflicts) > 0 && result.Inserted == 0 && result.Duplicates == 0 {
		return eris.Wrapf(store.ErrConflict, "ingest: %s/%s", sig.Source, sig.NativeID)
	}
	return nil
}

// IngestSupplierMatches stores supplier matches with the same isolation
// rules as IngestBatch.
func (i *Ingestor) IngestSupplierMatches(ctx context.Context, matches []model.SupplierMatch) (model.JobStats, error) {
	var stats model.JobStats
	for n, m := range matches {
		if err := ctx.Err(); err != nil {
			i.requeueMatches(matches[n:])
			return stats, eris.Wrap(err, "ingest: canceled")
		}

		m.MatchedAt = model.Timestamp(m.MatchedAt)
		err := m.Validate()
		if err == nil {
			_, err = i.store.AppendSupplierMatch(context.WithoutCancel(ctx), m)
		}
		switch {
		case err == nil:
			stats.Processed++
		case isRecordError(err):
			stats.Failed++
			i.log.Warn("supplier match dropped",
				zap.String("product_id", m.ProductID),
				zap.String("supplier_source", m.SupplierSource),
				zap.Error(err),
			)
		default:
			i.requeueMatches(matches[n:])
			return stats, eris.Wrap(err, "ingest: supplier batch aborted")
		}
	}
	return stats, nil
}

func isRecordError(err error) bool {
	var ie *model.IngestError
	return errors.As(err, &ie) || store.IsRecordError(err)
}
