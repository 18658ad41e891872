package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/db"
	"github.com/sells-group/product-scout/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

var (
	insertObservationSQL = db.MustInsertIgnoreSQL(db.InsertConfig{
		Table:        "observations",
		Columns:      []string{"product_id", "source", "metric", "value", "observed_at"},
		ConflictKeys: []string{"product_id", "source", "metric", "observed_at"},
	})
	insertBindingSQL = db.MustInsertIgnoreSQL(db.InsertConfig{
		Table:        "product_bindings",
		Columns:      []string{"source", "native_id", "product_id", "bound_at"},
		ConflictKeys: []string{"source", "native_id"},
	})
	insertSupplierMatchSQL = db.MustInsertIgnoreSQL(db.InsertConfig{
		Table:        "supplier_matches",
		Columns:      []string{"product_id", "supplier_source", "supplier_price", "shipping_cost", "confidence", "matched_at"},
		ConflictKeys: []string{"product_id", "supplier_source", "matched_at"},
	})
	insertSnapshotSQL = db.MustInsertIgnoreSQL(db.InsertConfig{
		Table: "score_snapshots",
		Columns: []string{"id", "product_id", "run_key", "velocity", "margin", "saturation",
			"composite", "confidence", "signals", "computed_at"},
		ConflictKeys: []string{"product_id", "run_key"},
	})
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgCooldown(err error) bool {
	return db.PgCode(err) == db.RaiseException && strings.Contains(err.Error(), "alert cooldown active")
}

// --- Products ---

const pgProductCols = `id, canonical_name, category, match_key, bucket, created_at, last_updated_at`

func scanPgProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	if err := row.Scan(&p.ID, &p.CanonicalName, &p.Category, &p.MatchKey, &p.Bucket, &p.CreatedAt, &p.LastUpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastUpdatedAt = p.LastUpdatedAt.UTC()
	return &p, nil
}

func (s *PostgresStore) queryProducts(ctx context.Context, query string, args ...any) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		p, err := scanPgProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanPgProduct(s.pool.QueryRow(ctx, `SELECT `+pgProductCols+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: product %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT source, native_id, product_id, bound_at FROM product_bindings WHERE product_id = $1 ORDER BY bound_at, source, native_id`,
		id,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bindings")
	}
	defer rows.Close()
	for rows.Next() {
		var b model.SourceBinding
		if err := rows.Scan(&b.Source, &b.NativeID, &b.ProductID, &b.BoundAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan binding")
		}
		b.BoundAt = b.BoundAt.UTC()
		p.Bindings = append(p.Bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate bindings")
	}
	return p, nil
}

func (s *PostgresStore) FindByBinding(ctx context.Context, source, nativeID string) (*model.Product, error) {
	var productID string
	err := s.pool.QueryRow(ctx,
		`SELECT product_id FROM product_bindings WHERE source = $1 AND native_id = $2`,
		source, nativeID,
	).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find binding")
	}
	return s.GetProduct(ctx, productID)
}

func (s *PostgresStore) ListCandidates(ctx context.Context, category, bucket string) ([]model.Product, error) {
	out, err := s.queryProducts(ctx,
		`SELECT `+pgProductCols+` FROM products WHERE category = $1 AND bucket = $2 ORDER BY id`,
		category, bucket,
	)
	return out, eris.Wrap(err, "postgres: list candidates")
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p model.Product, b model.SourceBinding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create product")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO products (`+pgProductCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.CanonicalName, p.Category, p.MatchKey, p.Bucket, p.CreatedAt, p.LastUpdatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert product")
	}

	tag, err := tx.Exec(ctx, insertBindingSQL, b.Source, b.NativeID, p.ID, b.BoundAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert binding")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "postgres: binding %s/%s", b.Source, b.NativeID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create product")
}

func (s *PostgresStore) BindSource(ctx context.Context, b model.SourceBinding) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin bind")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, insertBindingSQL, b.Source, b.NativeID, b.ProductID, b.BoundAt)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert binding")
	}

	if tag.RowsAffected() == 0 {
		var existing string
		if err := tx.QueryRow(ctx,
			`SELECT product_id FROM product_bindings WHERE source = $1 AND native_id = $2`,
			b.Source, b.NativeID,
		).Scan(&existing); err != nil {
			return "", eris.Wrap(err, "postgres: read binding")
		}
		return existing, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE products SET last_updated_at = GREATEST(last_updated_at, $1) WHERE id = $2`,
		b.BoundAt, b.ProductID,
	); err != nil {
		return "", eris.Wrap(err, "postgres: touch product")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit bind")
	}
	return b.ProductID, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + pgProductCols + ` FROM products`
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(` WHERE category = $%d`, len(args))
	}
	args = append(args, defaultLimit(filter.Limit, 1000), filter.Offset)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	out, err := s.queryProducts(ctx, query, args...)
	return out, eris.Wrap(err, "postgres: list products")
}

// --- Observations ---

func (s *PostgresStore) AppendObservations(ctx context.Context, obs []model.Observation) (AppendResult, error) {
	var result AppendResult
	if len(obs) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, eris.Wrap(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, o := range obs {
		tag, err := tx.Exec(ctx, insertObservationSQL, o.ProductID, o.Source, o.Metric, o.Value, o.ObservedAt)
		if err != nil {
			return AppendResult{}, eris.Wrap(err, "postgres: insert observation")
		}
		if tag.RowsAffected() > 0 {
			result.Inserted++
			continue
		}

		var existing float64
		if err := tx.QueryRow(ctx,
			`SELECT value FROM observations WHERE product_id = $1 AND source = $2 AND metric = $3 AND observed_at = $4`,
			o.ProductID, o.Source, o.Metric, o.ObservedAt,
		).Scan(&existing); err != nil {
			return AppendResult{}, eris.Wrap(err, "postgres: read existing observation")
		}
		if existing == o.Value {
			result.Duplicates++
		} else {
			result.Conflicts = append(result.Conflicts, ObservationConflict{Observation: o, Existing: existing})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, eris.Wrap(err, "postgres: commit append")
	}
	return result, nil
}

func (s *PostgresStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(&o.ProductID, &o.Source, &o.Metric, &o.Value, &o.ObservedAt); err != nil {
			return nil, err
		}
		o.ObservedAt = o.ObservedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ObservationWindow(ctx context.Context, q WindowQuery) ([]model.Observation, error) {
	query := `SELECT product_id, source, metric, value, observed_at FROM observations
		WHERE product_id = $1 AND source = $2 AND metric = $3`
	args := []any{q.ProductID, q.Source, q.Metric}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += fmt.Sprintf(` AND observed_at >= $%d`, len(args))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		query += fmt.Sprintf(` AND observed_at <= $%d`, len(args))
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY observed_at DESC LIMIT $%d) w ORDER BY observed_at ASC`, query, len(args))
	} else {
		query += ` ORDER BY observed_at ASC`
	}

	out, err := s.queryObservations(ctx, query, args...)
	return out, eris.Wrap(err, "postgres: observation window")
}

func (s *PostgresStore) ProductObservations(ctx context.Context, productID string, since time.Time) ([]model.Observation, error) {
	out, err := s.queryObservations(ctx,
		`SELECT product_id, source, metric, value, observed_at FROM observations
		 WHERE product_id = $1 AND observed_at >= $2
		 ORDER BY observed_at ASC, source ASC, metric ASC`,
		productID, since,
	)
	return out, eris.Wrap(err, "postgres: product observations")
}

// --- Supplier matches ---

func (s *PostgresStore) AppendSupplierMatch(ctx context.Context, m model.SupplierMatch) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, m.ProductID).Scan(&exists); err != nil {
		return false, eris.Wrap(err, "postgres: check product")
	}
	if !exists {
		return false, eris.Wrapf(ErrNotFound, "postgres: product %s", m.ProductID)
	}

	tag, err := s.pool.Exec(ctx, insertSupplierMatchSQL,
		m.ProductID, m.SupplierSource, m.SupplierPrice, m.ShippingCost, m.Confidence, m.MatchedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert supplier match")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LatestSupplierMatches(ctx context.Context, productID string) ([]model.SupplierMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, supplier_source, supplier_price, shipping_cost, confidence, matched_at
		 FROM supplier_matches WHERE product_id = $1
		 ORDER BY supplier_source ASC, matched_at DESC`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list supplier matches")
	}
	defer rows.Close()

	var all []model.SupplierMatch
	for rows.Next() {
		var m model.SupplierMatch
		if err := rows.Scan(&m.ProductID, &m.SupplierSource, &m.SupplierPrice, &m.ShippingCost, &m.Confidence, &m.MatchedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan supplier match")
		}
		m.MatchedAt = m.MatchedAt.UTC()
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate supplier matches")
	}
	return latestPerSource(all), nil
}

// --- Score snapshots ---

const pgSnapshotCols = `id, product_id, run_key, velocity, margin, saturation, composite, confidence, signals, computed_at`

func scanPgSnapshot(row pgx.Row, extra ...any) (*model.ScoreSnapshot, error) {
	var snap model.ScoreSnapshot
	var signals []byte
	dest := []any{&snap.ID, &snap.ProductID, &snap.RunKey, &snap.Velocity, &snap.Margin,
		&snap.Saturation, &snap.Composite, &snap.Confidence, &signals, &snap.ComputedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &snap.Signals); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal signals")
		}
	}
	snap.ComputedAt = snap.ComputedAt.UTC()
	return &snap, nil
}

func (s *PostgresStore) InsertScoreSnapshot(ctx context.Context, snap model.ScoreSnapshot) (bool, error) {
	signals, err := json.Marshal(nonNilStrings(snap.Signals))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal signals")
	}
	tag, err := s.pool.Exec(ctx, insertSnapshotSQL,
		snap.ID, snap.ProductID, snap.RunKey, snap.Velocity, snap.Margin, snap.Saturation,
		snap.Composite, snap.Confidence, string(signals), snap.ComputedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert score snapshot")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LatestScoreSnapshot(ctx context.Context, productID string) (*model.ScoreSnapshot, error) {
	snap, err := scanPgSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+pgSnapshotCols+` FROM score_snapshots WHERE product_id = $1
		 ORDER BY computed_at DESC, id DESC LIMIT 1`,
		productID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest score snapshot")
	}
	return snap, nil
}

func (s *PostgresStore) ScoreHistory(ctx context.Context, productID string, limit int) ([]model.ScoreSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSnapshotCols+` FROM score_snapshots WHERE product_id = $1
		 ORDER BY computed_at DESC, id DESC LIMIT $2`,
		productID, defaultLimit(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: score history")
	}
	defer rows.Close()

	var out []model.ScoreSnapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan score snapshot")
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate score history")
}

func (s *PostgresStore) ListLatestScores(ctx context.Context, filter ScoreFilter) ([]ProductScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.product_id, s.run_key, s.velocity, s.margin, s.saturation, s.composite,
		        s.confidence, s.signals, s.computed_at,
		        p.canonical_name, p.category, p.match_key, p.bucket, p.created_at, p.last_updated_at
		 FROM (
			SELECT DISTINCT ON (product_id) * FROM score_snapshots
			ORDER BY product_id, computed_at DESC, id DESC
		 ) s
		 JOIN products p ON p.id = s.product_id
		 WHERE s.composite >= $1
		 ORDER BY s.composite DESC, s.product_id ASC
		 LIMIT $2 OFFSET $3`,
		filter.MinComposite, defaultLimit(filter.Limit, 100), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list latest scores")
	}
	defer rows.Close()

	var out []ProductScore
	for rows.Next() {
		var p model.Product
		snap, err := scanPgSnapshot(rows, &p.CanonicalName, &p.Category, &p.MatchKey, &p.Bucket, &p.CreatedAt, &p.LastUpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan latest score")
		}
		p.ID = snap.ProductID
		p.CreatedAt = p.CreatedAt.UTC()
		p.LastUpdatedAt = p.LastUpdatedAt.UTC()
		out = append(out, ProductScore{Product: p, Snapshot: *snap})
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate latest scores")
}

// --- Alerts ---

const pgAlertCols = `id, product_id, snapshot_id, tier, composite_at_alert, sent_at, cooldown_until`

func scanPgAlert(row pgx.Row) (*model.AlertRecord, error) {
	var a model.AlertRecord
	var tier string
	if err := row.Scan(&a.ID, &a.ProductID, &a.SnapshotID, &tier, &a.CompositeAtAlert, &a.SentAt, &a.CooldownUntil); err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	a.SentAt = a.SentAt.UTC()
	a.CooldownUntil = a.CooldownUntil.UTC()
	return &a, nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a model.AlertRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert alert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes concurrent inserts for the product so the cooldown trigger
	// sees every committed alert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.ProductID); err != nil {
		return eris.Wrap(err, "postgres: lock product alerts")
	}

	var dup bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alert_records WHERE product_id = $1 AND snapshot_id = $2)`,
		a.ProductID, a.SnapshotID,
	).Scan(&dup); err != nil {
		return eris.Wrap(err, "postgres: check alert")
	}
	if dup {
		return eris.Wrapf(ErrDuplicate, "postgres: alert for snapshot %s", a.SnapshotID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO alert_records (id, product_id, snapshot_id, tier, tier_rank, composite_at_alert, sent_at, cooldown_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ProductID, a.SnapshotID, string(a.Tier), a.Tier.Rank(), a.CompositeAtAlert, a.SentAt, a.CooldownUntil,
	)
	switch {
	case isPgCooldown(err):
		return eris.Wrapf(ErrCooldownActive, "postgres: product %s", a.ProductID)
	case db.PgCode(err) == db.UniqueViolation:
		return eris.Wrapf(ErrDuplicate, "postgres: alert for snapshot %s", a.SnapshotID)
	case err != nil:
		return eris.Wrap(err, "postgres: insert alert")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit alert")
}

func (s *PostgresStore) LatestAlert(ctx context.Context, productID string) (*model.AlertRecord, error) {
	a, err := scanPgAlert(s.pool.QueryRow(ctx,
		`SELECT `+pgAlertCols+` FROM alert_records WHERE product_id = $1 ORDER BY sent_at DESC, id DESC LIMIT 1`,
		productID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest alert")
	}
	return a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.AlertRecord, error) {
	query := `SELECT ` + pgAlertCols + ` FROM alert_records`
	var args []any
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(` WHERE product_id = $%d`, len(args))
	}
	args = append(args, defaultLimit(filter.Limit, 100))
	query += fmt.Sprintf(` ORDER BY sent_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		a, err := scanPgAlert(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate alerts")
}

// --- Job runs ---

func (s *PostgresStore) StartJobRun(ctx context.Context, run model.JobRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (run_id, kind, idempotency_key, scheduled_for, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, string(run.Kind), run.IdempotencyKey, run.ScheduledFor, run.StartedAt, string(model.JobRunning),
	)
	if db.PgCode(err) == db.UniqueViolation {
		return eris.Wrapf(ErrDuplicate, "postgres: job run %s", run.IdempotencyKey)
	}
	return eris.Wrap(err, "postgres: insert job run")
}

func (s *PostgresStore) FinishJobRun(ctx context.Context, runID string, status model.JobStatus, stats model.JobStats, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET status = $1, processed = $2, failed = $3, error = $4, finished_at = $5
		 WHERE run_id = $6 AND status = $7`,
		string(status), stats.Processed, stats.Failed, errMsg, at, runID, string(model.JobRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ReconcileRunning(ctx context.Context, at time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET status = $1, error = $2, finished_at = $3 WHERE status = $4`,
		string(model.JobFailed), reason, at, string(model.JobRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reconcile job runs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListJobRuns(ctx context.Context, filter JobRunFilter) ([]model.JobRun, error) {
	query := `SELECT run_id, kind, idempotency_key, scheduled_for, started_at, finished_at, status, processed, failed, error
		FROM job_runs WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, defaultLimit(filter.Limit, 50))
	query += fmt.Sprintf(` ORDER BY started_at DESC, run_id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list job runs")
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var kind, status string
		if err := rows.Scan(&r.RunID, &kind, &r.IdempotencyKey, &r.ScheduledFor, &r.StartedAt, &r.FinishedAt,
			&status, &r.Processed, &r.Failed, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job run")
		}
		r.Kind = model.JobKind(kind)
		r.Status = model.JobStatus(status)
		r.ScheduledFor = r.ScheduledFor.UTC()
		r.StartedAt = r.StartedAt.UTC()
		if r.FinishedAt != nil {
			t := r.FinishedAt.UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate job runs")
}

// --- Stats ---

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(1) FROM products),
		(SELECT COUNT(1) FROM observations),
		(SELECT COUNT(1) FROM score_snapshots),
		(SELECT COUNT(1) FROM alert_records),
		(SELECT COUNT(1) FROM job_runs)`,
	).Scan(&st.Products, &st.Observations, &st.Snapshots, &st.Alerts, &st.JobRuns)
	return st, eris.Wrap(err, "postgres: stats")
}
