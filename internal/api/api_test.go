package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	srv := httptest.NewServer(NewRouter(st, config.ServerConfig{}))
	t.Cleanup(srv.Close)
	return srv, st
}

func seedProduct(t *testing.T, st *store.SQLiteStore, id string, composites ...float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProduct(ctx, model.Product{
		ID:            id,
		CanonicalName: "Product " + id,
		Category:      "kitchen",
		MatchKey:      id,
		Bucket:        id,
		CreatedAt:     t0,
		LastUpdatedAt: t0,
	}, model.SourceBinding{Source: "tiktok", NativeID: id, ProductID: id, BoundAt: t0}))

	for i, c := range composites {
		_, err := st.InsertScoreSnapshot(ctx, model.ScoreSnapshot{
			ID:         id + "-snap-" + string(rune('a'+i)),
			ProductID:  id,
			RunKey:     "score:" + t0.Add(time.Duration(i)*time.Hour).Format(time.RFC3339),
			Composite:  c,
			Confidence: 0.7,
			ComputedAt: t0.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func get(t *testing.T, srv *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	resp := get(t, srv, "/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestProduct_Detail(t *testing.T) {
	srv, st := newTestServer(t)
	seedProduct(t, st, "p1", 60, 82)

	var detail ProductDetail
	resp := get(t, srv, "/products/p1", &detail)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", detail.Product.ID)
	require.NotNil(t, detail.Latest)
	assert.InDelta(t, 82, detail.Latest.Composite, 0.001)
	assert.Equal(t, model.TierStrongBuy, detail.Tier)
	assert.Len(t, detail.History, 2)
	assert.Empty(t, detail.Alerts)
}

func TestProduct_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	resp := get(t, srv, "/products/missing", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "product not found", body["error"])
}

func TestScores_Threshold(t *testing.T) {
	srv, st := newTestServer(t)
	seedProduct(t, st, "p1", 90, 40) // latest is 40
	seedProduct(t, st, "p2", 70)
	seedProduct(t, st, "p3", 85)

	var entries []ScoreEntry
	resp := get(t, srv, "/scores?min=65", &entries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, entries, 2)
	assert.Equal(t, "p3", entries[0].Product.ID)
	assert.Equal(t, model.TierStrongBuy, entries[0].Tier)
	assert.Equal(t, "p2", entries[1].Product.ID)
	assert.Equal(t, model.TierBuy, entries[1].Tier)

	entries = nil
	get(t, srv, "/scores?min=65&limit=1", &entries)
	assert.Len(t, entries, 1)
}

func TestScores_Top(t *testing.T) {
	srv, st := newTestServer(t)
	seedProduct(t, st, "p1", 30)
	seedProduct(t, st, "p2", 70)
	seedProduct(t, st, "p3", 85)

	var entries []ScoreEntry
	get(t, srv, "/scores/top?n=2", &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "p3", entries[0].Product.ID)
	assert.Equal(t, "p2", entries[1].Product.ID)

	entries = nil
	get(t, srv, "/scores/top", &entries)
	assert.Len(t, entries, 3)
}

func TestBadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{
		"/scores?min=abc",
		"/scores?min=101",
		"/scores?limit=0",
		"/scores/top?n=-1",
		"/runs?kind=cleanup",
		"/runs?status=paused",
		"/runs?limit=x",
	} {
		t.Run(path, func(t *testing.T) {
			resp := get(t, srv, path, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRuns(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	for i, kind := range []model.JobKind{model.JobScore, model.JobAlert, model.JobScore} {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.StartJobRun(ctx, model.JobRun{
			RunID:          string(rune('a' + i)),
			Kind:           kind,
			IdempotencyKey: string(kind) + ":" + at.Format(time.RFC3339),
			ScheduledFor:   at,
			StartedAt:      at,
			Status:         model.JobRunning,
		}))
	}
	require.NoError(t, st.FinishJobRun(ctx, "a", model.JobSucceeded, model.JobStats{Processed: 3}, "", t0.Add(time.Minute)))

	var runs []model.JobRun
	get(t, srv, "/runs?kind=score", &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)

	runs = nil
	get(t, srv, "/runs?status=succeeded", &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Processed)
}

func TestStats(t *testing.T) {
	srv, st := newTestServer(t)
	seedProduct(t, st, "p1", 50, 60)

	var stats store.Stats
	resp := get(t, srv, "/stats", &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, stats.Products)
	assert.Equal(t, 2, stats.Snapshots)
}

func TestReadOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/scores", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
