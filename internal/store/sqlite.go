package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/product-scout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so lexical order is time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func sqliteTime(t time.Time) string {
	return model.Timestamp(t).Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t.UTC(), nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id              TEXT PRIMARY KEY,
	canonical_name  TEXT NOT NULL,
	category        TEXT NOT NULL,
	match_key       TEXT NOT NULL,
	bucket          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	last_updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_bucket ON products(category, bucket);

CREATE TABLE IF NOT EXISTS product_bindings (
	source     TEXT NOT NULL,
	native_id  TEXT NOT NULL,
	product_id TEXT NOT NULL REFERENCES products(id),
	bound_at   TEXT NOT NULL,
	PRIMARY KEY (source, native_id)
);

CREATE INDEX IF NOT EXISTS idx_product_bindings_product ON product_bindings(product_id);

CREATE TRIGGER IF NOT EXISTS trg_product_bindings_no_update BEFORE UPDATE ON product_bindings
BEGIN SELECT RAISE(ABORT, 'product bindings are permanent'); END;

CREATE TRIGGER IF NOT EXISTS trg_product_bindings_no_delete BEFORE DELETE ON product_bindings
BEGIN SELECT RAISE(ABORT, 'product bindings are permanent'); END;

CREATE TABLE IF NOT EXISTS observations (
	product_id  TEXT NOT NULL REFERENCES products(id),
	source      TEXT NOT NULL,
	metric      TEXT NOT NULL,
	value       REAL NOT NULL,
	observed_at TEXT NOT NULL,
	PRIMARY KEY (product_id, source, metric, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_observations_product_time ON observations(product_id, observed_at);

CREATE TRIGGER IF NOT EXISTS trg_observations_no_update BEFORE UPDATE ON observations
BEGIN SELECT RAISE(ABORT, 'observations are append-only'); END;

CREATE TRIGGER IF NOT EXISTS trg_observations_no_delete BEFORE DELETE ON observations
BEGIN SELECT RAISE(ABORT, 'observations are append-only'); END;

CREATE TABLE IF NOT EXISTS supplier_matches (
	product_id      TEXT NOT NULL REFERENCES products(id),
	supplier_source TEXT NOT NULL,
	supplier_price  REAL NOT NULL,
	shipping_cost   REAL NOT NULL DEFAULT 0,
	confidence      REAL NOT NULL DEFAULT 0,
	matched_at      TEXT NOT NULL,
	PRIMARY KEY (product_id, supplier_source, matched_at)
);

CREATE TABLE IF NOT EXISTS score_snapshots (
	id          TEXT PRIMARY KEY,
	product_id  TEXT NOT NULL REFERENCES products(id),
	run_key     TEXT NOT NULL,
	velocity    REAL NOT NULL,
	margin      REAL NOT NULL,
	saturation  REAL NOT NULL,
	composite   REAL NOT NULL CHECK (composite >= 0 AND composite <= 100),
	confidence  REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	signals     TEXT NOT NULL DEFAULT '[]',
	computed_at TEXT NOT NULL,
	UNIQUE (product_id, run_key)
);

CREATE INDEX IF NOT EXISTS idx_score_snapshots_product_time ON score_snapshots(product_id, computed_at);

CREATE TRIGGER IF NOT EXISTS trg_score_snapshots_no_update BEFORE UPDATE ON score_snapshots
BEGIN SELECT RAISE(ABORT, 'score snapshots are immutable'); END;

CREATE TABLE IF NOT EXISTS alert_records (
	id                 TEXT PRIMARY KEY,
	product_id         TEXT NOT NULL REFERENCES products(id),
	snapshot_id        TEXT NOT NULL REFERENCES score_snapshots(id),
	tier               TEXT NOT NULL,
	tier_rank          INTEGER NOT NULL,
	composite_at_alert REAL NOT NULL,
	sent_at            TEXT NOT NULL,
	cooldown_until     TEXT NOT NULL,
	UNIQUE (product_id, snapshot_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_records_product_time ON alert_records(product_id, sent_at);

CREATE TRIGGER IF NOT EXISTS trg_alert_records_cooldown BEFORE INSERT ON alert_records
WHEN EXISTS (
	SELECT 1 FROM alert_records a
	WHERE a.product_id = NEW.product_id
	  AND a.cooldown_until > NEW.sent_at
	  AND a.tier_rank >= NEW.tier_rank
)
BEGIN SELECT RAISE(ABORT, 'alert cooldown active'); END;

CREATE TRIGGER IF NOT EXISTS trg_alert_records_no_update BEFORE UPDATE ON alert_records
BEGIN SELECT RAISE(ABORT, 'alert records are immutable'); END;

CREATE TABLE IF NOT EXISTS job_runs (
	run_id          TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	scheduled_for   TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	finished_at     TEXT,
	status          TEXT NOT NULL,
	processed       INTEGER NOT NULL DEFAULT 0,
	failed          INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_active_key ON job_runs(idempotency_key) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS idx_job_runs_kind_started ON job_runs(kind, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteCooldown(err error) bool {
	return err != nil && strings.Contains(err.Error(), "alert cooldown active")
}

// scannable abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// --- Products ---

const sqliteProductCols = `id, canonical_name, category, match_key, bucket, created_at, last_updated_at`

func scanSQLiteProduct(row scannable) (*model.Product, error) {
	var p model.Product
	var created, updated string
	if err := row.Scan(&p.ID, &p.CanonicalName, &p.Category, &p.MatchKey, &p.Bucket, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if p.LastUpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) queryProducts(ctx context.Context, query string, args ...any) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Product
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) bindings(ctx context.Context, productID string) ([]model.SourceBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, native_id, product_id, bound_at FROM product_bindings WHERE product_id = ? ORDER BY bound_at, source, native_id`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bindings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceBinding
	for rows.Next() {
		var b model.SourceBinding
		var bound string
		if err := rows.Scan(&b.Source, &b.NativeID, &b.ProductID, &bound); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan binding")
		}
		if b.BoundAt, err = parseSQLiteTime(bound); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate bindings")
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanSQLiteProduct(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProductCols+` FROM products WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: product %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	if p.Bindings, err = s.bindings(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) FindByBinding(ctx context.Context, source, nativeID string) (*model.Product, error) {
	var productID string
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id FROM product_bindings WHERE source = ? AND native_id = ?`,
		source, nativeID,
	).Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find binding")
	}
	return s.GetProduct(ctx, productID)
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, category, bucket string) ([]model.Product, error) {
	out, err := s.queryProducts(ctx,
		`SELECT `+sqliteProductCols+` FROM products WHERE category = ? AND bucket = ? ORDER BY id`,
		category, bucket,
	)
	return out, eris.Wrap(err, "sqlite: list candidates")
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, p model.Product, b model.SourceBinding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create product")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO products (`+sqliteProductCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CanonicalName, p.Category, p.MatchKey, p.Bucket, sqliteTime(p.CreatedAt), sqliteTime(p.LastUpdatedAt),
	); err != nil {
		return eris.Wrap(err, "sqlite: insert product")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO product_bindings (source, native_id, product_id, bound_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source, native_id) DO NOTHING`,
		b.Source, b.NativeID, p.ID, sqliteTime(b.BoundAt),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert binding")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrDuplicate, "sqlite: binding %s/%s", b.Source, b.NativeID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create product")
}

func (s *SQLiteStore) BindSource(ctx context.Context, b model.SourceBinding) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin bind")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO product_bindings (source, native_id, product_id, bound_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source, native_id) DO NOTHING`,
		b.Source, b.NativeID, b.ProductID, sqliteTime(b.BoundAt),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert binding")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx,
			`SELECT product_id FROM product_bindings WHERE source = ? AND native_id = ?`,
			b.Source, b.NativeID,
		).Scan(&existing); err != nil {
			return "", eris.Wrap(err, "sqlite: read binding")
		}
		return existing, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET last_updated_at = ? WHERE id = ? AND last_updated_at < ?`,
		sqliteTime(b.BoundAt), b.ProductID, sqliteTime(b.BoundAt),
	); err != nil {
		return "", eris.Wrap(err, "sqlite: touch product")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit bind")
	}
	return b.ProductID, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + sqliteProductCols + ` FROM products`
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit, 1000), filter.Offset)

	out, err := s.queryProducts(ctx, query, args...)
	return out, eris.Wrap(err, "sqlite: list products")
}

// --- Observations ---

func (s *SQLiteStore) AppendObservations(ctx context.Context, obs []model.Observation) (AppendResult, error) {
	var result AppendResult
	if len(obs) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, o := range obs {
		ts := sqliteTime(o.ObservedAt)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO observations (product_id, source, metric, value, observed_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (product_id, source, metric, observed_at) DO NOTHING`,
			o.ProductID, o.Source, o.Metric, o.Value, ts,
		)
		if err != nil {
			return AppendResult{}, eris.Wrap(err, "sqlite: insert observation")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Inserted++
			continue
		}

		var existing float64
		if err := tx.QueryRowContext(ctx,
			`SELECT value FROM observations WHERE product_id = ? AND source = ? AND metric = ? AND observed_at = ?`,
			o.ProductID, o.Source, o.Metric, ts,
		).Scan(&existing); err != nil {
			return AppendResult{}, eris.Wrap(err, "sqlite: read existing observation")
		}
		if existing == o.Value {
			result.Duplicates++
		} else {
			result.Conflicts = append(result.Conflicts, ObservationConflict{Observation: o, Existing: existing})
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, eris.Wrap(err, "sqlite: commit append")
	}
	return result, nil
}

func (s *SQLiteStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var ts string
		if err := rows.Scan(&o.ProductID, &o.Source, &o.Metric, &o.Value, &ts); err != nil {
			return nil, err
		}
		if o.ObservedAt, err = parseSQLiteTime(ts); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ObservationWindow(ctx context.Context, q WindowQuery) ([]model.Observation, error) {
	query := `SELECT product_id, source, metric, value, observed_at FROM observations
		WHERE product_id = ? AND source = ? AND metric = ?`
	args := []any{q.ProductID, q.Source, q.Metric}
	if !q.Since.IsZero() {
		query += ` AND observed_at >= ?`
		args = append(args, sqliteTime(q.Since))
	}
	if !q.Until.IsZero() {
		query += ` AND observed_at <= ?`
		args = append(args, sqliteTime(q.Until))
	}
	if q.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY observed_at DESC LIMIT ?) ORDER BY observed_at ASC`
		args = append(args, q.Limit)
	} else {
		query += ` ORDER BY observed_at ASC`
	}

	out, err := s.queryObservations(ctx, query, args...)
	return out, eris.Wrap(err, "sqlite: observation window")
}

func (s *SQLiteStore) ProductObservations(ctx context.Context, productID string, since time.Time) ([]model.Observation, error) {
	out, err := s.queryObservations(ctx,
		`SELECT product_id, source, metric, value, observed_at FROM observations
		 WHERE product_id = ? AND observed_at >= ?
		 ORDER BY observed_at ASC, source ASC, metric ASC`,
		productID, sqliteTime(since),
	)
	return out, eris.Wrap(err, "sqlite: product observations")
}

// --- Supplier matches ---

func (s *SQLiteStore) AppendSupplierMatch(ctx context.Context, m model.SupplierMatch) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM products WHERE id = ?`, m.ProductID).Scan(&exists); err != nil {
		return false, eris.Wrap(err, "sqlite: check product")
	}
	if exists == 0 {
		return false, eris.Wrapf(ErrNotFound, "sqlite: product %s", m.ProductID)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO supplier_matches (product_id, supplier_source, supplier_price, shipping_cost, confidence, matched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_id, supplier_source, matched_at) DO NOTHING`,
		m.ProductID, m.SupplierSource, m.SupplierPrice, m.ShippingCost, m.Confidence, sqliteTime(m.MatchedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert supplier match")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) LatestSupplierMatches(ctx context.Context, productID string) ([]model.SupplierMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, supplier_source, supplier_price, shipping_cost, confidence, matched_at
		 FROM supplier_matches WHERE product_id = ?
		 ORDER BY supplier_source ASC, matched_at DESC`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list supplier matches")
	}
	defer rows.Close() //nolint:errcheck

	var all []model.SupplierMatch
	for rows.Next() {
		var m model.SupplierMatch
		var ts string
		if err := rows.Scan(&m.ProductID, &m.SupplierSource, &m.SupplierPrice, &m.ShippingCost, &m.Confidence, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan supplier match")
		}
		if m.MatchedAt, err = parseSQLiteTime(ts); err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate supplier matches")
	}
	return latestPerSource(all), nil
}

// --- Score snapshots ---

const sqliteSnapshotCols = `id, product_id, run_key, velocity, margin, saturation, composite, confidence, signals, computed_at`

func scanSQLiteSnapshot(row scannable, extra ...any) (*model.ScoreSnapshot, error) {
	var snap model.ScoreSnapshot
	var signals, computed string
	dest := []any{&snap.ID, &snap.ProductID, &snap.RunKey, &snap.Velocity, &snap.Margin,
		&snap.Saturation, &snap.Composite, &snap.Confidence, &signals, &computed}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(signals), &snap.Signals); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal signals")
	}
	var err error
	if snap.ComputedAt, err = parseSQLiteTime(computed); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) InsertScoreSnapshot(ctx context.Context, snap model.ScoreSnapshot) (bool, error) {
	signals, err := json.Marshal(nonNilStrings(snap.Signals))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal signals")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO score_snapshots (`+sqliteSnapshotCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_id, run_key) DO NOTHING`,
		snap.ID, snap.ProductID, snap.RunKey, snap.Velocity, snap.Margin, snap.Saturation,
		snap.Composite, snap.Confidence, string(signals), sqliteTime(snap.ComputedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert score snapshot")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) LatestScoreSnapshot(ctx context.Context, productID string) (*model.ScoreSnapshot, error) {
	snap, err := scanSQLiteSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSnapshotCols+` FROM score_snapshots WHERE product_id = ?
		 ORDER BY computed_at DESC, id DESC LIMIT 1`,
		productID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest score snapshot")
	}
	return snap, nil
}

func (s *SQLiteStore) ScoreHistory(ctx context.Context, productID string, limit int) ([]model.ScoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSnapshotCols+` FROM score_snapshots WHERE product_id = ?
		 ORDER BY computed_at DESC, id DESC LIMIT ?`,
		productID, defaultLimit(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: score history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScoreSnapshot
	for rows.Next() {
		snap, err := scanSQLiteSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score snapshot")
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate score history")
}

func (s *SQLiteStore) ListLatestScores(ctx context.Context, filter ScoreFilter) ([]ProductScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.product_id, s.run_key, s.velocity, s.margin, s.saturation, s.composite,
		        s.confidence, s.signals, s.computed_at,
		        p.canonical_name, p.category, p.match_key, p.bucket, p.created_at, p.last_updated_at
		 FROM score_snapshots s
		 JOIN products p ON p.id = s.product_id
		 WHERE s.id = (
			SELECT s2.id FROM score_snapshots s2 WHERE s2.product_id = s.product_id
			ORDER BY s2.computed_at DESC, s2.id DESC LIMIT 1
		 )
		 AND s.composite >= ?
		 ORDER BY s.composite DESC, s.product_id ASC
		 LIMIT ? OFFSET ?`,
		filter.MinComposite, defaultLimit(filter.Limit, 100), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list latest scores")
	}
	defer rows.Close() //nolint:errcheck

	var out []ProductScore
	for rows.Next() {
		var p model.Product
		var created, updated string
		snap, err := scanSQLiteSnapshot(rows, &p.CanonicalName, &p.Category, &p.MatchKey, &p.Bucket, &created, &updated)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan latest score")
		}
		p.ID = snap.ProductID
		if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		if p.LastUpdatedAt, err = parseSQLiteTime(updated); err != nil {
			return nil, err
		}
		out = append(out, ProductScore{Product: p, Snapshot: *snap})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate latest scores")
}

// --- Alerts ---

const sqliteAlertCols = `id, product_id, snapshot_id, tier, composite_at_alert, sent_at, cooldown_until`

func scanSQLiteAlert(row scannable) (*model.AlertRecord, error) {
	var a model.AlertRecord
	var tier, sent, until string
	if err := row.Scan(&a.ID, &a.ProductID, &a.SnapshotID, &tier, &a.CompositeAtAlert, &sent, &until); err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	var err error
	if a.SentAt, err = parseSQLiteTime(sent); err != nil {
		return nil, err
	}
	if a.CooldownUntil, err = parseSQLiteTime(until); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, a model.AlertRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert alert")
	}
	defer tx.Rollback() //nolint:errcheck

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM alert_records WHERE product_id = ? AND snapshot_id = ?`,
		a.ProductID, a.SnapshotID,
	).Scan(&dup); err != nil {
		return eris.Wrap(err, "sqlite: check alert")
	}
	if dup > 0 {
		return eris.Wrapf(ErrDuplicate, "sqlite: alert for snapshot %s", a.SnapshotID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alert_records (id, product_id, snapshot_id, tier, tier_rank, composite_at_alert, sent_at, cooldown_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProductID, a.SnapshotID, string(a.Tier), a.Tier.Rank(), a.CompositeAtAlert,
		sqliteTime(a.SentAt), sqliteTime(a.CooldownUntil),
	)
	switch {
	case isSQLiteCooldown(err):
		return eris.Wrapf(ErrCooldownActive, "sqlite: product %s", a.ProductID)
	case isSQLiteUnique(err):
		return eris.Wrapf(ErrDuplicate, "sqlite: alert for snapshot %s", a.SnapshotID)
	case err != nil:
		return eris.Wrap(err, "sqlite: insert alert")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit alert")
}

func (s *SQLiteStore) LatestAlert(ctx context.Context, productID string) (*model.AlertRecord, error) {
	a, err := scanSQLiteAlert(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAlertCols+` FROM alert_records WHERE product_id = ?
		 ORDER BY sent_at DESC, id DESC LIMIT 1`,
		productID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest alert")
	}
	return a, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.AlertRecord, error) {
	query := `SELECT ` + sqliteAlertCols + ` FROM alert_records`
	var args []any
	if filter.ProductID != "" {
		query += ` WHERE product_id = ?`
		args = append(args, filter.ProductID)
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AlertRecord
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate alerts")
}

// --- Job runs ---

func (s *SQLiteStore) StartJobRun(ctx context.Context, run model.JobRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (run_id, kind, idempotency_key, scheduled_for, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, string(run.Kind), run.IdempotencyKey, sqliteTime(run.ScheduledFor),
		sqliteTime(run.StartedAt), string(model.JobRunning),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrDuplicate, "sqlite: job run %s", run.IdempotencyKey)
	}
	return eris.Wrap(err, "sqlite: insert job run")
}

func (s *SQLiteStore) FinishJobRun(ctx context.Context, runID string, status model.JobStatus, stats model.JobStats, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, processed = ?, failed = ?, error = ?, finished_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(status), stats.Processed, stats.Failed, errMsg, sqliteTime(at), runID, string(model.JobRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job run %s", runID)
	}
	return checkRowsAffected(res, "job run", runID)
}

func (s *SQLiteStore) ReconcileRunning(ctx context.Context, at time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(model.JobFailed), reason, sqliteTime(at), string(model.JobRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reconcile job runs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListJobRuns(ctx context.Context, filter JobRunFilter) ([]model.JobRun, error) {
	query := `SELECT run_id, kind, idempotency_key, scheduled_for, started_at, finished_at, status, processed, failed, error
		FROM job_runs WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit, 50))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list job runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.JobRun
	for rows.Next() {
		var r model.JobRun
		var kind, status, scheduled, started string
		var finished sql.NullString
		if err := rows.Scan(&r.RunID, &kind, &r.IdempotencyKey, &scheduled, &started, &finished,
			&status, &r.Processed, &r.Failed, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job run")
		}
		r.Kind = model.JobKind(kind)
		r.Status = model.JobStatus(status)
		if r.ScheduledFor, err = parseSQLiteTime(scheduled); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseSQLiteTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseSQLiteTime(finished.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate job runs")
}

// --- Stats ---

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(1) FROM products),
		(SELECT COUNT(1) FROM observations),
		(SELECT COUNT(1) FROM score_snapshots),
		(SELECT COUNT(1) FROM alert_records),
		(SELECT COUNT(1) FROM job_runs)`,
	).Scan(&st.Products, &st.Observations, &st.Snapshots, &st.Alerts, &st.JobRuns)
	return st, eris.Wrap(err, "sqlite: stats")
}

// checkRowsAffected returns an error if no rows were affected by an update.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
