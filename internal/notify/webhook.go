// Package notify delivers alerts to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/resilience"
)

// Payload is the JSON body posted for each alert.
type Payload struct {
	ProductID  string     `json:"product_id"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Tier       model.Tier `json:"tier"`
	Composite  float64    `json:"composite"`
	Velocity   float64    `json:"velocity"`
	Margin     float64    `json:"margin"`
	Saturation float64    `json:"saturation"`
	Confidence float64    `json:"confidence"`
	Signals    []string   `json:"signals,omitempty"`
	ComputedAt time.Time  `json:"computed_at"`
	SentAt     time.Time  `json:"sent_at"`
}

// NewPayload builds the webhook body for an alert.
func NewPayload(p model.Product, snap model.ScoreSnapshot, tier model.Tier, sentAt time.Time) Payload {
	return Payload{
		ProductID:  p.ID,
		Name:       p.CanonicalName,
		Category:   p.Category,
		Tier:       tier,
		Composite:  snap.Composite,
		Velocity:   snap.Velocity,
		Margin:     snap.Margin,
		Saturation: snap.Saturation,
		Confidence: snap.Confidence,
		Signals:    snap.Signals,
		ComputedAt: snap.ComputedAt,
		SentAt:     sentAt.UTC(),
	}
}

// WebhookSubscriber posts alerts as JSON. Sends are rate limited, retried on
// transient failures and skipped while the endpoint's breaker is open.
type WebhookSubscriber struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	policy  resilience.Policy
	breaker *resilience.Breaker
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewWebhook creates a WebhookSubscriber for cfg.WebhookURL.
func NewWebhook(cfg config.NotifyConfig, retry config.RetryConfig) *WebhookSubscriber {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	policy := resilience.FromConfig(retry)
	policy.OnRetry = resilience.RetryLogger("notify", "webhook")

	return &WebhookSubscriber{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		policy:  policy,
		breaker: resilience.NewBreaker("webhook", cfg.BreakerThreshold, time.Duration(cfg.BreakerResetSecs)*time.Second),
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "notify")),
	}
}

func (w *WebhookSubscriber) Name() string { return "webhook" }

// OnAlert posts the alert, retrying transient failures.
func (w *WebhookSubscriber) OnAlert(ctx context.Context, p model.Product, snap model.ScoreSnapshot, tier model.Tier) error {
	body, err := json.Marshal(NewPayload(p, snap, tier, w.nowFunc()))
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	err = w.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, w.policy, func(ctx context.Context) error {
			return w.post(ctx, body)
		})
	})
	if err != nil {
		return eris.Wrapf(err, "notify: deliver alert for %s", p.ID)
	}

	w.log.Info("alert delivered", zap.String("product_id", p.ID), zap.String("tier", string(tier)))
	return nil
}

func (w *WebhookSubscriber) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("notify: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	default:
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
}
