package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/product-scout/internal/model"
)

// Config is the top-level configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Scorer   ScorerConfig   `yaml:"scorer" mapstructure:"scorer"`
	Alerts   AlertConfig    `yaml:"alerts" mapstructure:"alerts"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the read-only query API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ResolverConfig tunes identity resolution.
type ResolverConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	AmbiguityEpsilon    float64  `yaml:"ambiguity_epsilon" mapstructure:"ambiguity_epsilon"`
	BucketPrefixLen     int      `yaml:"bucket_prefix_len" mapstructure:"bucket_prefix_len"`
	Stopwords           []string `yaml:"stopwords" mapstructure:"stopwords"`
}

// ScorerWeights are the composite weights. They must sum to 1.0.
type ScorerWeights struct {
	Velocity   float64 `yaml:"velocity" mapstructure:"velocity"`
	Margin     float64 `yaml:"margin" mapstructure:"margin"`
	Saturation float64 `yaml:"saturation" mapstructure:"saturation"`
}

// Sum returns the total of all weights.
func (w ScorerWeights) Sum() float64 {
	return w.Velocity + w.Margin + w.Saturation
}

// MarginBand is one breakpoint of the margin curve. Scores between
// breakpoints are linearly interpolated.
type MarginBand struct {
	Fraction float64 `yaml:"fraction" mapstructure:"fraction"`
	Score    float64 `yaml:"score" mapstructure:"score"`
}

// SaturationBand scores competitor counts up to and including MaxCount.
type SaturationBand struct {
	MaxCount float64 `yaml:"max_count" mapstructure:"max_count"`
	Score    float64 `yaml:"score" mapstructure:"score"`
}

// ScorerConfig holds every scoring parameter.
type ScorerConfig struct {
	Weights            ScorerWeights `yaml:"weights" mapstructure:"weights"`
	WindowHours        int           `yaml:"window_hours" mapstructure:"window_hours"`
	EngagementMetrics  []string      `yaml:"engagement_metrics" mapstructure:"engagement_metrics"`
	PriceMetric        string        `yaml:"price_metric" mapstructure:"price_metric"`
	CompetitorMetric   string        `yaml:"competitor_metric" mapstructure:"competitor_metric"`
	NeutralVelocity    float64       `yaml:"neutral_velocity" mapstructure:"neutral_velocity"`
	NeutralMargin      float64       `yaml:"neutral_margin" mapstructure:"neutral_margin"`
	VelocityScale      float64       `yaml:"velocity_scale" mapstructure:"velocity_scale"`
	AccelerationWeight float64       `yaml:"acceleration_weight" mapstructure:"acceleration_weight"`
	PlatformFeePct     float64       `yaml:"platform_fee_pct" mapstructure:"platform_fee_pct"`
	MarginBands        []MarginBand  `yaml:"margin_bands" mapstructure:"margin_bands"`

	SaturationStrategy string           `yaml:"saturation_strategy" mapstructure:"saturation_strategy"`
	SaturationBands    []SaturationBand `yaml:"saturation_bands" mapstructure:"saturation_bands"`
	GrowthPenaltyScale float64          `yaml:"growth_penalty_scale" mapstructure:"growth_penalty_scale"`
	GrowthPenaltyMax   float64          `yaml:"growth_penalty_max" mapstructure:"growth_penalty_max"`

	SampleTarget                int     `yaml:"sample_target" mapstructure:"sample_target"`
	RecencyFullHours            float64 `yaml:"recency_full_hours" mapstructure:"recency_full_hours"`
	RecencyZeroHours            float64 `yaml:"recency_zero_hours" mapstructure:"recency_zero_hours"`
	InsufficientVelocityPenalty float64 `yaml:"insufficient_velocity_penalty" mapstructure:"insufficient_velocity_penalty"`
	MissingSupplierPenalty      float64 `yaml:"missing_supplier_penalty" mapstructure:"missing_supplier_penalty"`
	MissingSaturationPenalty    float64 `yaml:"missing_saturation_penalty" mapstructure:"missing_saturation_penalty"`
}

// Window returns the trailing velocity window as a duration.
func (c ScorerConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// AlertConfig tunes the alert decision engine.
type AlertConfig struct {
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MinTier       string  `yaml:"min_tier" mapstructure:"min_tier"`
	CooldownHours float64 `yaml:"cooldown_hours" mapstructure:"cooldown_hours"`
}

// Cooldown returns the cooldown as a duration.
func (c AlertConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours * float64(time.Hour))
}

// ScheduleConfig configures the job coordinator.
type ScheduleConfig struct {
	Ingest           string `yaml:"ingest" mapstructure:"ingest"`
	Score            string `yaml:"score" mapstructure:"score"`
	Alert            string `yaml:"alert" mapstructure:"alert"`
	MaxInstances     int    `yaml:"max_instances" mapstructure:"max_instances"`
	MisfireGraceSecs int    `yaml:"misfire_grace_secs" mapstructure:"misfire_grace_secs"`
	LockTimeoutSecs  int    `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
	ScoreConcurrency int    `yaml:"score_concurrency" mapstructure:"score_concurrency"`
}

// Spec returns the schedule expression for a job kind.
func (c ScheduleConfig) Spec(kind model.JobKind) string {
	switch kind {
	case model.JobIngest:
		return c.Ingest
	case model.JobScore:
		return c.Score
	case model.JobAlert:
		return c.Alert
	default:
		return ""
	}
}

// IngestConfig bounds the inbound push buffer.
type IngestConfig struct {
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// NotifyConfig configures alert subscribers.
type NotifyConfig struct {
	WebhookURL  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`

	// Consecutive delivery failures before the webhook is skipped, and how
	// long it stays skipped before a probe.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// RetryConfig configures retries for webhook deliveries and job store reads.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// DefaultStopwords are dropped from product names before matching.
var DefaultStopwords = []string{
	"a", "an", "and", "the", "for", "with", "of", "in", "on", "by", "to",
	"new", "hot", "best", "sale", "free", "shipping",
}

// Load reads configuration from config.yaml and SCOUT_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scout.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("resolver.similarity_threshold", 0.85)
	v.SetDefault("resolver.ambiguity_epsilon", 0.02)
	v.SetDefault("resolver.bucket_prefix_len", 3)
	v.SetDefault("resolver.stopwords", DefaultStopwords)
	v.SetDefault("scorer.weights.velocity", 0.35)
	v.SetDefault("scorer.weights.margin", 0.30)
	v.SetDefault("scorer.weights.saturation", 0.35)
	v.SetDefault("scorer.window_hours", 72)
	v.SetDefault("scorer.engagement_metrics", []string{"views", "likes", "sales"})
	v.SetDefault("scorer.price_metric", "price")
	v.SetDefault("scorer.competitor_metric", "creators")
	v.SetDefault("scorer.neutral_velocity", 50.0)
	v.SetDefault("scorer.neutral_margin", 50.0)
	v.SetDefault("scorer.velocity_scale", 1.0)
	v.SetDefault("scorer.acceleration_weight", 0.5)
	v.SetDefault("scorer.platform_fee_pct", 0.10)
	v.SetDefault("scorer.saturation_strategy", "auto")
	v.SetDefault("scorer.growth_penalty_scale", 20.0)
	v.SetDefault("scorer.growth_penalty_max", 30.0)
	v.SetDefault("scorer.sample_target", 10)
	v.SetDefault("scorer.recency_full_hours", 6.0)
	v.SetDefault("scorer.recency_zero_hours", 72.0)
	v.SetDefault("scorer.insufficient_velocity_penalty", 0.5)
	v.SetDefault("scorer.missing_supplier_penalty", 0.8)
	v.SetDefault("scorer.missing_saturation_penalty", 0.9)
	v.SetDefault("alerts.min_confidence", 0.6)
	v.SetDefault("alerts.min_tier", string(model.TierBuy))
	v.SetDefault("alerts.cooldown_hours", 24.0)
	v.SetDefault("schedule.ingest", "@every 15m")
	v.SetDefault("schedule.score", "@every 2h")
	v.SetDefault("schedule.alert", "@every 30m")
	v.SetDefault("schedule.max_instances", 1)
	v.SetDefault("schedule.misfire_grace_secs", 300)
	v.SetDefault("schedule.lock_timeout_secs", 30)
	v.SetDefault("schedule.score_concurrency", 4)
	v.SetDefault("ingest.queue_size", 10000)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("notify.rate_per_sec", 1.0)
	v.SetDefault("notify.breaker_threshold", 5)
	v.SetDefault("notify.breaker_reset_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// weightTolerance is the allowed floating point slack on the weight sum.
const weightTolerance = 1e-9

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if t := c.Resolver.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, "resolver.similarity_threshold must be within (0,1]")
	}
	if c.Resolver.AmbiguityEpsilon < 0 {
		errs = append(errs, "resolver.ambiguity_epsilon must be >= 0")
	}
	if c.Resolver.BucketPrefixLen < 1 {
		errs = append(errs, "resolver.bucket_prefix_len must be >= 1")
	}

	errs = append(errs, c.Scorer.problems()...)

	if c.Alerts.MinConfidence < 0 || c.Alerts.MinConfidence > 1 {
		errs = append(errs, "alerts.min_confidence must be within [0,1]")
	}
	if !model.Tier(c.Alerts.MinTier).Valid() {
		errs = append(errs, "alerts.min_tier is not a known tier")
	}
	if c.Alerts.CooldownHours < 0 {
		errs = append(errs, "alerts.cooldown_hours must be >= 0")
	}

	for _, kind := range model.JobKinds {
		spec := c.Schedule.Spec(kind)
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, "schedule."+string(kind)+": "+err.Error())
		}
	}
	if c.Schedule.MaxInstances < 1 {
		errs = append(errs, "schedule.max_instances must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the scoring parameters on their own, for callers that
// build a ScorerConfig without going through Load.
func (c ScorerConfig) Validate() error {
	if errs := c.problems(); len(errs) > 0 {
		return eris.Errorf("config: invalid scorer config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c ScorerConfig) problems() []string {
	var errs []string

	w := c.Weights
	if w.Velocity < 0 || w.Margin < 0 || w.Saturation < 0 {
		errs = append(errs, "scorer.weights must be non-negative")
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		errs = append(errs, "scorer.weights must sum to 1.0")
	}
	if c.WindowHours <= 0 {
		errs = append(errs, "scorer.window_hours must be > 0")
	}
	if c.VelocityScale <= 0 {
		errs = append(errs, "scorer.velocity_scale must be > 0")
	}
	if c.PlatformFeePct < 0 || c.PlatformFeePct >= 1 {
		errs = append(errs, "scorer.platform_fee_pct must be within [0,1)")
	}
	for _, n := range []float64{c.NeutralVelocity, c.NeutralMargin} {
		if n < 0 || n > 100 {
			errs = append(errs, "scorer neutral values must be within [0,100]")
			break
		}
	}
	for i := 1; i < len(c.MarginBands); i++ {
		if c.MarginBands[i].Fraction <= c.MarginBands[i-1].Fraction {
			errs = append(errs, "scorer.margin_bands must have ascending fractions")
			break
		}
	}
	for i := 1; i < len(c.SaturationBands); i++ {
		if c.SaturationBands[i].MaxCount <= c.SaturationBands[i-1].MaxCount {
			errs = append(errs, "scorer.saturation_bands must have ascending max_count")
			break
		}
	}
	switch c.SaturationStrategy {
	case "auto", "creator_metric", "heuristic":
	default:
		errs = append(errs, "scorer.saturation_strategy "+strconv.Quote(c.SaturationStrategy)+" must be auto, creator_metric or heuristic")
	}
	for _, p := range []float64{c.InsufficientVelocityPenalty, c.MissingSupplierPenalty, c.MissingSaturationPenalty} {
		if p < 0 || p > 1 {
			errs = append(errs, "scorer confidence penalties must be within [0,1]")
			break
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
