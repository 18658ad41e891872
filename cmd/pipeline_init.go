package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/alert"
	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/ingest"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/notify"
	"github.com/sells-group/product-scout/internal/pipeline"
	"github.com/sells-group/product-scout/internal/resilience"
	"github.com/sells-group/product-scout/internal/resolve"
	"github.com/sells-group/product-scout/internal/scorer"
	"github.com/sells-group/product-scout/internal/store"
)

// pipelineEnv holds the store and every component the serve, run and
// ingest commands drive.
type pipelineEnv struct {
	Store       store.Store
	Ingestor    *ingest.Ingestor
	Scorer      *scorer.Scorer
	Alerts      *alert.Engine
	Coordinator *pipeline.Coordinator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens the store and wires the resolver, ingestor, scorer,
// alert engine and coordinator. Callers should defer env.Close().
func initPipeline(ctx context.Context, c *config.Config) (*pipelineEnv, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}

	// One Locker serializes resolution and score writes per product.
	locks := resolve.NewLocker()
	resolver := resolve.New(st, locks, c.Resolver)
	ing := ingest.New(st, resolver, c.Ingest)

	sc, err := scorer.New(c.Scorer)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init scorer")
	}

	subs := []alert.Subscriber{notify.NewLog()}
	if c.Notify.WebhookURL != "" {
		subs = append(subs, notify.NewWebhook(c.Notify, c.Retry))
		zap.L().Info("webhook subscriber enabled")
	} else {
		zap.L().Debug("SCOUT_NOTIFY_WEBHOOK_URL not set, alerts are only logged")
	}
	engine := alert.NewEngine(st, c.Alerts, subs...)

	jobs := pipeline.NewJobs(st, ing, sc, engine, locks, model.Tier(c.Alerts.MinTier), c.Schedule.ScoreConcurrency).
		WithRetry(resilience.FromConfig(c.Retry))
	coord, err := pipeline.NewCoordinator(st, c.Schedule, jobs.Funcs())
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init coordinator")
	}

	return &pipelineEnv{
		Store:       st,
		Ingestor:    ing,
		Scorer:      sc,
		Alerts:      engine,
		Coordinator: coord,
	}, nil
}
