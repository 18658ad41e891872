package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

// Subscriber is notified after an alert is recorded. Delivery and its
// retries are the subscriber's concern; an error is logged and dropped.
type Subscriber interface {
	Name() string
	OnAlert(ctx context.Context, p model.Product, snap model.ScoreSnapshot, tier model.Tier) error
}

// Engine evaluates snapshots, persists alert records and fans out to
// subscribers.
type Engine struct {
	store       store.AlertStore
	cfg         config.AlertConfig
	subscribers []Subscriber
	nowFunc     func() time.Time
	log         *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(st store.AlertStore, cfg config.AlertConfig, subs ...Subscriber) *Engine {
	return &Engine{
		store:       st,
		cfg:         cfg,
		subscribers: subs,
		nowFunc:     time.Now,
		log:         zap.L().With(zap.String("component", "alert")),
	}
}

// Evaluate decides whether snap should alert and, when it does, records the
// alert and notifies subscribers. Storage-level duplicates and cooldown
// rejections are absorbed and reported as a non-firing decision.
func (e *Engine) Evaluate(ctx context.Context, p model.Product, snap model.ScoreSnapshot) (Decision, error) {
	last, err := e.store.LatestAlert(ctx, p.ID)
	if err != nil {
		return Decision{}, eris.Wrapf(err, "alert: latest alert for %s", p.ID)
	}

	now := model.Timestamp(e.nowFunc())
	d := Decide(last, snap, now, e.cfg)
	if !d.Fire {
		e.log.Debug("no alert",
			zap.String("product_id", p.ID),
			zap.String("tier", string(d.Tier)),
			zap.String("reason", d.Reason),
		)
		return d, nil
	}

	rec := model.AlertRecord{
		ID:               uuid.NewString(),
		ProductID:        p.ID,
		SnapshotID:       snap.ID,
		Tier:             d.Tier,
		CompositeAtAlert: snap.Composite,
		SentAt:           now,
		CooldownUntil:    now.Add(e.cfg.Cooldown()),
	}
	if err := e.store.InsertAlert(ctx, rec); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			d.Fire, d.Escalation, d.Reason = false, false, "duplicate"
		case errors.Is(err, store.ErrCooldownActive):
			d.Fire, d.Escalation, d.Reason = false, false, ReasonCooldown
		default:
			return Decision{}, eris.Wrapf(err, "alert: record alert for %s", p.ID)
		}
		d.State = StateCooldown
		e.log.Debug("alert absorbed by store", zap.String("product_id", p.ID), zap.String("reason", d.Reason))
		return d, nil
	}

	e.log.Info("alert emitted",
		zap.String("product_id", p.ID),
		zap.String("tier", string(d.Tier)),
		zap.Float64("composite", snap.Composite),
		zap.Bool("escalation", d.Escalation),
	)

	for _, sub := range e.subscribers {
		if err := sub.OnAlert(ctx, p, snap, d.Tier); err != nil {
			e.log.Error("subscriber failed",
				zap.String("subscriber", sub.Name()),
				zap.String("product_id", p.ID),
				zap.Error(err),
			)
		}
	}
	return d, nil
}
