// Package api serves a read-only view of ingestion runs and table sizes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// maxRunLimit caps GET /runs?limit.
const maxRunLimit = 500

// RunLister lists recent ingestion runs.
type RunLister interface {
	List(ctx context.Context, limit int) ([]model.RunEntry, error)
}

// StatsProvider reports row counts per table.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// Deps are the router's data sources.
type Deps struct {
	Runs           RunLister
	Stats          StatsProvider
	Source         string
	AllowedOrigins []string
}

// NewRouter builds the status API.
func NewRouter(d Deps) http.Handler {
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "source": d.Source})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxRunLimit)
		}
		runs, err := d.Runs.List(req.Context(), limit)
		if err != nil {
			serverError(w, req, err)
			return
		}
		if runs == nil {
			runs = []model.RunEntry{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := d.Stats.Stats(req.Context())
		if err != nil {
			serverError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": d.Source, "tables": stats})
	})

	return r
}

func serverError(w http.ResponseWriter, req *http.Request, err error) {
	zap.L().Error("api request failed",
		zap.String("component", "api"),
		zap.String("path", req.URL.Path),
		zap.String("request_id", middleware.GetReqID(req.Context())),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
