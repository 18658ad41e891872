// Package api serves the read-only query surface over the store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

const (
	defaultScoreLimit = 100
	maxScoreLimit     = 1000
	defaultTopN       = 10
	historyLimit      = 20
	alertLimit        = 20
)

// ProductDetail is the response for GET /products/{id}.
type ProductDetail struct {
	Product model.Product         `json:"product"`
	Latest  *model.ScoreSnapshot  `json:"latest,omitempty"`
	Tier    model.Tier            `json:"tier,omitempty"`
	History []model.ScoreSnapshot `json:"history"`
	Alerts  []model.AlertRecord   `json:"alerts"`
}

// ScoreEntry is one row of a score listing.
type ScoreEntry struct {
	store.ProductScore
	Tier model.Tier `json:"tier"`
}

type server struct {
	store store.Store
	log   *zap.Logger
}

// NewRouter builds the chi router. Every route is a GET.
func NewRouter(st store.Store, cfg config.ServerConfig) http.Handler {
	s := &server{store: st, log: zap.L().With(zap.String("component", "api"))}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/products/{id}", s.product)
	r.Get("/scores", s.scores)
	r.Get("/scores/top", s.top)
	r.Get("/runs", s.runs)
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) product(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		s.internalError(w, "get product", err)
		return
	}

	history, err := s.store.ScoreHistory(ctx, id, historyLimit)
	if err != nil {
		s.internalError(w, "score history", err)
		return
	}
	alerts, err := s.store.ListAlerts(ctx, store.AlertFilter{ProductID: id, Limit: alertLimit})
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}

	detail := ProductDetail{
		Product: *p,
		History: nonNil(history),
		Alerts:  nonNil(alerts),
	}
	if len(history) > 0 {
		latest := history[0]
		detail.Latest = &latest
		detail.Tier = latest.Tier()
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *server) scores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minComposite, err := floatParam(q.Get("min"), 0)
	if err != nil || minComposite < 0 || minComposite > 100 {
		writeError(w, http.StatusBadRequest, "min must be a number between 0 and 100")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultScoreLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	s.listScores(w, r, minComposite, min(limit, maxScoreLimit))
}

func (s *server) top(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r.URL.Query().Get("n"), defaultTopN)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "n must be a positive integer")
		return
	}
	s.listScores(w, r, 0, min(n, maxScoreLimit))
}

func (s *server) listScores(w http.ResponseWriter, r *http.Request, minComposite float64, limit int) {
	scores, err := s.store.ListLatestScores(r.Context(), store.ScoreFilter{MinComposite: minComposite, Limit: limit})
	if err != nil {
		s.internalError(w, "list scores", err)
		return
	}
	out := make([]ScoreEntry, 0, len(scores))
	for _, ps := range scores {
		out = append(out, ScoreEntry{ProductScore: ps, Tier: ps.Snapshot.Tier()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) runs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobRunFilter{
		Kind:   model.JobKind(q.Get("kind")),
		Status: model.JobStatus(q.Get("status")),
	}
	if filter.Kind != "" && !validKind(filter.Kind) {
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}
	switch filter.Status {
	case "", model.JobRunning, model.JobSucceeded, model.JobFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown job status")
		return
	}
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	filter.Limit = min(limit, maxScoreLimit)

	runs, err := s.store.ListJobRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *server) internalError(w http.ResponseWriter, action string, err error) {
	s.log.Error("query failed", zap.String("action", action), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func validKind(k model.JobKind) bool {
	for _, kind := range model.JobKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
