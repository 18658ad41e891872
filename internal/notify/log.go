package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/model"
)

// LogSubscriber writes each alert to the structured log. It is always
// registered so alerts are visible even without a webhook.
type LogSubscriber struct {
	log *zap.Logger
}

// NewLog creates a LogSubscriber on the global logger.
func NewLog() *LogSubscriber {
	return &LogSubscriber{log: zap.L().With(zap.String("component", "notify"))}
}

func (l *LogSubscriber) Name() string { return "log" }

func (l *LogSubscriber) OnAlert(_ context.Context, p model.Product, snap model.ScoreSnapshot, tier model.Tier) error {
	l.log.Info("opportunity alert",
		zap.String("product_id", p.ID),
		zap.String("name", p.CanonicalName),
		zap.String("category", p.Category),
		zap.String("tier", string(tier)),
		zap.Float64("composite", snap.Composite),
		zap.Float64("confidence", snap.Confidence),
		zap.Strings("signals", snap.Signals),
	)
	return nil
}
