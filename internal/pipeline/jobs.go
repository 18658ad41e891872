package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/product-scout/internal/alert"
	"github.com/sells-group/product-scout/internal/ingest"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/resilience"
	"github.com/sells-group/product-scout/internal/resolve"
	"github.com/sells-group/product-scout/internal/scorer"
	"github.com/sells-group/product-scout/internal/store"
)

// pageSize is how many rows the score and alert jobs list per query.
const pageSize = 200

// Jobs binds the job kinds to their components.
type Jobs struct {
	store       store.Store
	ingestor    *ingest.Ingestor
	scorer      *scorer.Scorer
	alerts      *alert.Engine
	locks       *resolve.Locker
	minTier     model.Tier
	concurrency int
	page        int
	retry       resilience.Policy
	log         *zap.Logger
}

// NewJobs creates Jobs. locks must be the Locker the resolver uses so
// score writes and identity resolution serialize per product.
func NewJobs(st store.Store, ing *ingest.Ingestor, sc *scorer.Scorer, alerts *alert.Engine, locks *resolve.Locker, minTier model.Tier, concurrency int) *Jobs {
	if concurrency < 1 {
		concurrency = 1
	}
	if !minTier.Valid() {
		minTier = model.TierBuy
	}
	return &Jobs{
		store:       st,
		ingestor:    ing,
		scorer:      sc,
		alerts:      alerts,
		locks:       locks,
		minTier:     minTier,
		concurrency: concurrency,
		page:        pageSize,
		retry:       resilience.DefaultPolicy(),
		log:         zap.L().With(zap.String("component", "pipeline")),
	}
}

// WithRetry sets the policy for the score and alert jobs' store reads. Busy
// SQLite databases and retryable Postgres errors are retried; anything else
// fails on the first attempt.
func (j *Jobs) WithRetry(p resilience.Policy) *Jobs {
	p.OnRetry = resilience.RetryLogger("pipeline", "store read")
	j.retry = p
	return j
}

// Funcs returns the JobFunc for every kind.
func (j *Jobs) Funcs() map[model.JobKind]JobFunc {
	return map[model.JobKind]JobFunc{
		model.JobIngest: j.Ingest,
		model.JobScore:  j.Score,
		model.JobAlert:  j.Alert,
	}
}

// Ingest drains the push buffers into the store.
func (j *Jobs) Ingest(ctx context.Context, _ model.JobRun) (model.JobStats, error) {
	return j.ingestor.Run(ctx)
}

// Score writes one snapshot per product for the run's slot. Replaying the
// same run key writes nothing new.
func (j *Jobs) Score(ctx context.Context, run model.JobRun) (model.JobStats, error) {
	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)

	for offset := 0; ; offset += j.page {
		products, err := resilience.DoVal(gctx, j.retry, func(ctx context.Context) ([]model.Product, error) {
			return j.store.ListProducts(ctx, store.ProductFilter{Limit: j.page, Offset: offset})
		})
		if err != nil {
			_ = g.Wait()
			return stats(&processed, &failed), eris.Wrap(err, "pipeline: list products")
		}

		for _, p := range products {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				err := j.scoreProduct(context.WithoutCancel(gctx), p, run)
				switch {
				case err == nil:
					processed.Add(1)
				case store.IsRecordError(err):
					failed.Add(1)
					j.log.Warn("product not scored", zap.String("product_id", p.ID), zap.Error(err))
				default:
					return err
				}
				return nil
			})
		}

		if len(products) < j.page || gctx.Err() != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return stats(&processed, &failed), eris.Wrap(err, "pipeline: score")
	}
	if err := ctx.Err(); err != nil {
		return stats(&processed, &failed), eris.Wrap(err, "pipeline: score canceled")
	}
	return stats(&processed, &failed), nil
}

func (j *Jobs) scoreProduct(ctx context.Context, p model.Product, run model.JobRun) error {
	unlock := j.locks.Lock(resolve.ProductKey(p.ID))
	defer unlock()

	now := run.ScheduledFor
	lookback := 2 * j.scorer.Config().Window()

	obs, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) ([]model.Observation, error) {
		return j.store.ProductObservations(ctx, p.ID, now.Add(-lookback))
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: observations for %s", p.ID)
	}
	suppliers, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) ([]model.SupplierMatch, error) {
		return j.store.LatestSupplierMatches(ctx, p.ID)
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: supplier matches for %s", p.ID)
	}

	snap := j.scorer.Score(scorer.Input{Product: p, Observations: obs, Suppliers: suppliers, Now: now})
	snap.ID = uuid.NewString()
	snap.RunKey = run.IdempotencyKey

	inserted, err := j.store.InsertScoreSnapshot(ctx, snap)
	if err != nil {
		return eris.Wrapf(err, "pipeline: insert snapshot for %s", p.ID)
	}
	if !inserted {
		j.log.Debug("snapshot already written for run", zap.String("product_id", p.ID), zap.String("run_key", run.IdempotencyKey))
	}
	return nil
}

// Alert evaluates the latest snapshot of every product at or above the
// minimum alert tier, a page at a time.
func (j *Jobs) Alert(ctx context.Context, _ model.JobRun) (model.JobStats, error) {
	var st model.JobStats
	floor := j.minTier.Floor()

	for offset := 0; ; offset += j.page {
		scores, err := resilience.DoVal(ctx, j.retry, func(ctx context.Context) ([]store.ProductScore, error) {
			return j.store.ListLatestScores(ctx, store.ScoreFilter{MinComposite: floor, Limit: j.page, Offset: offset})
		})
		if err != nil {
			return st, eris.Wrap(err, "pipeline: list latest scores")
		}

		for _, ps := range scores {
			if err := ctx.Err(); err != nil {
				return st, eris.Wrap(err, "pipeline: alert canceled")
			}

			unlock := j.locks.Lock(resolve.ProductKey(ps.Product.ID))
			_, err := j.alerts.Evaluate(context.WithoutCancel(ctx), ps.Product, ps.Snapshot)
			unlock()

			switch {
			case err == nil:
				st.Processed++
			case store.IsRecordError(err):
				st.Failed++
				j.log.Warn("alert not evaluated", zap.String("product_id", ps.Product.ID), zap.Error(err))
			default:
				return st, eris.Wrap(err, "pipeline: alert")
			}
		}

		if len(scores) < j.page {
			return st, nil
		}
	}
}

func stats(processed, failed *atomic.Int64) model.JobStats {
	return model.JobStats{Processed: int(processed.Load()), Failed: int(failed.Load())}
}
