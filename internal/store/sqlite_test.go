package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/product-scout/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedProduct(t *testing.T, st *SQLiteStore, id, source, nativeID string) model.Product {
	t.Helper()
	p := model.Product{
		ID:            id,
		CanonicalName: "Portable Blender " + id,
		Category:      "kitchen",
		MatchKey:      "blender portable",
		Bucket:        "ble",
		CreatedAt:     t0,
		LastUpdatedAt: t0,
	}
	require.NoError(t, st.CreateProduct(context.Background(), p, model.SourceBinding{
		Source: source, NativeID: nativeID, ProductID: id, BoundAt: t0,
	}))
	return p
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_CreateAndGetProduct(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedProduct(t, st, "p1", "tiktok", "v1")

	got, err := st.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "kitchen", got.Category)
	assert.True(t, got.CreatedAt.Equal(t0))
	require.Len(t, got.Bindings, 1)
	assert.Equal(t, "tiktok", got.Bindings[0].Source)

	_, err = st.GetProduct(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_CreateProduct_DuplicateBinding(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedProduct(t, st, "p1", "tiktok", "v1")

	err := st.CreateProduct(context.Background(), model.Product{
		ID: "p2", CanonicalName: "Other", Category: "kitchen", MatchKey: "other", Bucket: "oth",
		CreatedAt: t0, LastUpdatedAt: t0,
	}, model.SourceBinding{Source: "tiktok", NativeID: "v1", ProductID: "p2", BoundAt: t0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))

	// The product insert rolled back with the binding.
	_, err = st.GetProduct(context.Background(), "p2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_FindByBinding(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")

	p, err := st.FindByBinding(ctx, "tiktok", "v1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p1", p.ID)

	p, err = st.FindByBinding(ctx, "tiktok", "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSQLite_BindSource_NeverMoves(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")
	seedProduct(t, st, "p2", "amazon", "a1")

	later := t0.Add(time.Hour)
	bound, err := st.BindSource(ctx, model.SourceBinding{Source: "shopify", NativeID: "s1", ProductID: "p1", BoundAt: later})
	require.NoError(t, err)
	assert.Equal(t, "p1", bound)

	p1, err := st.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, p1.Bindings, 2)
	assert.True(t, p1.LastUpdatedAt.Equal(later))

	// A competing bind of the same source id resolves to the original owner.
	bound, err = st.BindSource(ctx, model.SourceBinding{Source: "shopify", NativeID: "s1", ProductID: "p2", BoundAt: later})
	require.NoError(t, err)
	assert.Equal(t, "p1", bound)

	// The table itself rejects reassignment.
	_, err = st.db.ExecContext(ctx, `UPDATE product_bindings SET product_id = 'p2' WHERE source = 'shopify'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
}

func TestSQLite_ListCandidatesAndProducts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")
	seedProduct(t, st, "p2", "tiktok", "v2")

	cands, err := st.ListCandidates(ctx, "kitchen", "ble")
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = st.ListCandidates(ctx, "garden", "ble")
	require.NoError(t, err)
	assert.Empty(t, cands)

	all, err := st.ListProducts(ctx, ProductFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p1", all[0].ID)

	all, err = st.ListProducts(ctx, ProductFilter{Category: "kitchen", Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p2", all[0].ID)
}

func TestSQLite_AppendObservations_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")

	obs := []model.Observation{
		{ProductID: "p1", Source: "tiktok", Metric: "views", Value: 1000, ObservedAt: t0},
		{ProductID: "p1", Source: "tiktok", Metric: "views", Value: 5000, ObservedAt: t0.Add(2 * time.Hour)},
	}

	res, err := st.AppendObservations(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	res, err = st.AppendObservations(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
	assert.Empty(t, res.Conflicts)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Observations)
}

func TestSQLite_AppendObservations_ConflictKeepsOriginal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")

	_, err := st.AppendObservations(ctx, []model.Observation{
		{ProductID: "p1", Source: "tiktok", Metric: "views", Value: 1000, ObservedAt: t0},
	})
	require.NoError(t, err)

	res, err := st.AppendObservations(ctx, []model.Observation{
		{ProductID: "p1", Source: "tiktok", Metric: "views", Value: 999, ObservedAt: t0},
		{ProductID: "p1", Source: "tiktok", Metric: "likes", Value: 10, ObservedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Conflicts, 1)
	assert.InDelta(t, 1000, res.Conflicts[0].Existing, 1e-9)

	series, err := st.ObservationWindow(ctx, WindowQuery{ProductID: "p1", Source: "tiktok", Metric: "views"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.InDelta(t, 1000, series[0].Value, 1e-9)

	_, err = st.db.ExecContext(ctx, `DELETE FROM observations`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLite_ObservationWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")

	var obs []model.Observation
	for i := 0; i < 5; i++ {
		obs = append(obs, model.Observation{
			ProductID: "p1", Source: "tiktok", Metric: "views",
			Value: float64(100 * (i + 1)), ObservedAt: t0.Add(time.Duration(i) * time.Hour),
		})
	}
	_, err := st.AppendObservations(ctx, obs)
	require.NoError(t, err)

	latest, err := st.ObservationWindow(ctx, WindowQuery{ProductID: "p1", Source: "tiktok", Metric: "views", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.InDelta(t, 400, latest[0].Value, 1e-9)
	assert.InDelta(t, 500, latest[1].Value, 1e-9)

	ranged, err := st.ObservationWindow(ctx, WindowQuery{
		ProductID: "p1", Source: "tiktok", Metric: "views",
		Since: t0.Add(time.Hour), Until: t0.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	assert.True(t, ranged[0].ObservedAt.Equal(t0.Add(time.Hour)))

	all, err := st.ProductObservations(ctx, "p1", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_SupplierMatches(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")

	m := model.SupplierMatch{ProductID: "p1", SupplierSource: "aliexpress", SupplierPrice: 6, Confidence: 0.8, MatchedAt: t0}
	inserted, err := st.AppendSupplierMatch(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.AppendSupplierMatch(ctx, m)
	require.NoError(t, err)
	assert.False(t, inserted)

	newer := m
	newer.SupplierPrice = 5
	newer.MatchedAt = t0.Add(time.Hour)
	_, err = st.AppendSupplierMatch(ctx, newer)
	require.NoError(t, err)

	_, err = st.AppendSupplierMatch(ctx, model.SupplierMatch{ProductID: "p1", SupplierSource: "cj", SupplierPrice: 7, MatchedAt: t0})
	require.NoError(t, err)

	latest, err := st.LatestSupplierMatches(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "aliexpress", latest[0].SupplierSource)
	assert.InDelta(t, 5, latest[0].SupplierPrice, 1e-9)
	assert.Equal(t, "cj", latest[1].SupplierSource)

	_, err = st.AppendSupplierMatch(ctx, model.SupplierMatch{ProductID: "ghost", SupplierSource: "cj", MatchedAt: t0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsRecordError(err))
}

func snapshot(id, productID, runKey string, composite float64, at time.Time) model.ScoreSnapshot {
	return model.ScoreSnapshot{
		ID: id, ProductID: productID, RunKey: runKey,
		Velocity: composite, Margin: composite, Saturation: composite,
		Composite: composite, Confidence: 0.8, Signals: []string{"rapid_growth"}, ComputedAt: at,
	}
}

func TestSQLite_ScoreSnapshots(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")
	seedProduct(t, st, "p2", "tiktok", "v2")

	ok, err := st.InsertScoreSnapshot(ctx, snapshot("s1", "p1", "score:1", 70, t0))
	require.NoError(t, err)
	assert.True(t, ok)

	// Same cycle replays are absorbed.
	ok, err = st.InsertScoreSnapshot(ctx, snapshot("s1b", "p1", "score:1", 71, t0))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.InsertScoreSnapshot(ctx, snapshot("s2", "p1", "score:2", 85, t0.Add(time.Hour)))
	require.NoError(t, err)
	_, err = st.InsertScoreSnapshot(ctx, snapshot("s3", "p2", "score:2", 55, t0.Add(time.Hour)))
	require.NoError(t, err)

	latest, err := st.LatestScoreSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "s2", latest.ID)
	assert.Equal(t, []string{"rapid_growth"}, latest.Signals)

	none, err := st.LatestScoreSnapshot(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, none)

	history, err := st.ScoreHistory(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "s2", history[0].ID)

	top, err := st.ListLatestScores(ctx, ScoreFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "p1", top[0].Product.ID)
	assert.InDelta(t, 85, top[0].Snapshot.Composite, 1e-9)
	assert.Equal(t, "kitchen", top[0].Product.Category)

	above, err := st.ListLatestScores(ctx, ScoreFilter{MinComposite: 60})
	require.NoError(t, err)
	require.Len(t, above, 1)
	assert.Equal(t, "p1", above[0].Product.ID)

	second, err := st.ListLatestScores(ctx, ScoreFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "p2", second[0].Product.ID)

	_, err = st.InsertScoreSnapshot(ctx, snapshot("bad", "p1", "score:3", 120, t0))
	require.Error(t, err)
}

func TestSQLite_Alerts_CooldownEnforcedByStore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProduct(t, st, "p1", "tiktok", "v1")
	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		_, err := st.InsertScoreSnapshot(ctx, snapshot(id, "p1", id, 70, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	first := model.AlertRecord{
		ID: "a1", ProductID: "p1", SnapshotID: "s1", Tier: model.TierBuy, CompositeAtAlert: 70,
		SentAt: t0, CooldownUntil: t0.Add(24 * time.Hour),
	}
	require.NoError(t, st.InsertAlert(ctx, first))

	dup := first
	dup.ID = "a1-again"
	err := st.InsertAlert(ctx, dup)
	assert.True(t, errors.Is(err, ErrDuplicate))

	same := model.AlertRecord{
		ID: "a2", ProductID: "p1", SnapshotID: "s2", Tier: model.TierBuy, CompositeAtAlert: 72,
		SentAt: t0.Add(time.Hour), CooldownUntil: t0.Add(25 * time.Hour),
	}
	err = st.InsertAlert(ctx, same)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCooldownActive))

	escalation := model.AlertRecord{
		ID: "a3", ProductID: "p1", SnapshotID: "s3", Tier: model.TierStrongBuy, CompositeAtAlert: 85,
		SentAt: t0.Add(2 * time.Hour), CooldownUntil: t0.Add(26 * time.Hour),
	}
	require.NoError(t, st.InsertAlert(ctx, escalation))

	afterCooldown := model.AlertRecord{
		ID: "a4", ProductID: "p1", SnapshotID: "s4", Tier: model.TierBuy, CompositeAtAlert: 70,
		SentAt: t0.Add(27 * time.Hour), CooldownUntil: t0.Add(51 * time.Hour),
	}
	require.NoError(t, st.InsertAlert(ctx, afterCooldown))

	latest, err := st.LatestAlert(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "a4", latest.ID)
	assert.Equal(t, model.TierBuy, latest.Tier)

	list, err := st.ListAlerts(ctx, AlertFilter{ProductID: "p1"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	none, err := st.LatestAlert(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_JobRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.JobRun{
		RunID: "r1", Kind: model.JobScore, IdempotencyKey: "score:2026-03-01T12:00:00Z",
		ScheduledFor: t0, StartedAt: t0,
	}
	require.NoError(t, st.StartJobRun(ctx, run))

	again := run
	again.RunID = "r2"
	err := st.StartJobRun(ctx, again)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))

	require.NoError(t, st.FinishJobRun(ctx, "r1", model.JobFailed, model.JobStats{Processed: 3, Failed: 1}, "boom", t0.Add(time.Minute)))

	// A failed slot can be retried.
	require.NoError(t, st.StartJobRun(ctx, again))
	require.NoError(t, st.FinishJobRun(ctx, "r2", model.JobSucceeded, model.JobStats{Processed: 4}, "", t0.Add(2*time.Minute)))

	// Finishing twice is rejected.
	err = st.FinishJobRun(ctx, "r2", model.JobSucceeded, model.JobStats{}, "", t0)
	assert.True(t, errors.Is(err, ErrNotFound))

	third := run
	third.RunID = "r3"
	assert.True(t, errors.Is(st.StartJobRun(ctx, third), ErrDuplicate))

	runs, err := st.ListJobRuns(ctx, JobRunFilter{Kind: model.JobScore})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	succeeded, err := st.ListJobRuns(ctx, JobRunFilter{Status: model.JobSucceeded})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "r2", succeeded[0].RunID)
	assert.Equal(t, 4, succeeded[0].Processed)
	require.NotNil(t, succeeded[0].FinishedAt)
	assert.Equal(t, time.Minute*2, succeeded[0].Duration())
}

func TestSQLite_ReconcileRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartJobRun(ctx, model.JobRun{RunID: "r1", Kind: model.JobIngest, IdempotencyKey: "ingest:a", ScheduledFor: t0, StartedAt: t0}))
	require.NoError(t, st.StartJobRun(ctx, model.JobRun{RunID: "r2", Kind: model.JobAlert, IdempotencyKey: "alert:a", ScheduledFor: t0, StartedAt: t0}))
	require.NoError(t, st.FinishJobRun(ctx, "r2", model.JobSucceeded, model.JobStats{}, "", t0))

	n, err := st.ReconcileRunning(ctx, t0.Add(time.Hour), "process restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := st.ListJobRuns(ctx, JobRunFilter{Status: model.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r1", failed[0].RunID)
	assert.Equal(t, "process restarted", failed[0].Error)
}

func TestIsRecordError(t *testing.T) {
	assert.True(t, IsRecordError(ErrConflict))
	assert.True(t, IsRecordError(ErrDuplicate))
	assert.False(t, IsRecordError(errors.New("disk full")))
	assert.False(t, IsRecordError(nil))
}
