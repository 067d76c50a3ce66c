package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeafMist/news-pipeline/internal/config"
	"github.com/DeafMist/news-pipeline/internal/elasticsearch"
	"github.com/DeafMist/news-pipeline/internal/ingest"
	"github.com/DeafMist/news-pipeline/internal/models"
	"github.com/DeafMist/news-pipeline/internal/postgres"
)

type submitter interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (models.Article, error)
}

type lister interface {
	ListArticles(ctx context.Context, p postgres.ListParams) ([]models.Article, int, error)
}

type searcher interface {
	Search(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthChecker interface {
	Health(ctx context.Context) error
}

type connection interface {
	Connected() bool
}

type server struct {
	log    *slog.Logger
	cfg    *config.API
	ingest submitter
	store  lister
	index  searcher
	db     pinger
	relay  connection
	// search is reported on /health but never fails it.
	search healthChecker
}

type statusResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	ID      string            `json:"id,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Search  string            `json:"search,omitempty"`
}

type listResponse struct {
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int              `json:"total"`
	Data  []models.Article `json:"data"`
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/api/news", s.handleCreate)
	r.Get("/api/news", s.handleList)
	r.Get("/api/news/search", s.handleSearch)

	return r
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req ingest.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, statusResponse{Status: "error", Message: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "Invalid JSON body"})
		return
	}

	article, err := s.ingest.Submit(r.Context(), req)

	var (
		verr     *ingest.ValidationError
		conflict *ingest.ConflictError
		pubErr   *ingest.PublishAfterCommitError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, statusResponse{Status: "ok", Message: "News stored and queued", ID: article.ID})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "Validation failed", Fields: verr.Fields})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, statusResponse{Status: "error", Message: "News already exists", ID: conflict.ID})
	case errors.As(err, &pubErr):
		// Already logged by the service with the committed id.
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Something went wrong"})
	default:
		s.log.Error("create news", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Something went wrong"})
	}
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := postgres.ListParams{
		Page:   clampInt(q.Get("page"), 1, math.MaxInt32),
		Limit:  clampInt(q.Get("limit"), s.cfg.DefaultPage, s.cfg.MaxPage),
		Source: strings.TrimSpace(q.Get("source")),
		Author: strings.TrimSpace(q.Get("author")),
		Search: strings.TrimSpace(q.Get("search")),
	}

	items, total, err := s.store.ListArticles(ctx, params)
	if err != nil {
		s.log.Error("list news", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Something went wrong"})
		return
	}
	if items == nil {
		items = []models.Article{}
	}

	writeJSON(w, http.StatusOK, listResponse{Page: params.Page, Limit: params.Limit, Total: total, Data: items})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query:  strings.TrimSpace(q.Get("q")),
		Source: strings.TrimSpace(q.Get("source")),
		Author: strings.TrimSpace(q.Get("author")),
		From:   clampInt(q.Get("from"), 0, 10_000),
		Size:   clampInt(q.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
	}

	result, err := s.index.Search(ctx, params)
	if err != nil {
		s.log.Warn("search news", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Message: "Search is unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	search := s.searchStatus(ctx)

	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Message: "postgres: " + err.Error(), Search: search})
		return
	}
	if !s.relay.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Message: "relay not connected", Search: search})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Search: search})
}

func (s *server) searchStatus(ctx context.Context) string {
	if s.search == nil {
		return ""
	}
	if err := s.search.Health(ctx); err != nil {
		s.log.Warn("search index unhealthy", slog.Any("err", err))
		return "unavailable"
	}
	return "ok"
}

// requestLogger logs one line per request after it completes.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// clampInt returns fallback for unusable input and caps the rest at max.
func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	if value == 0 && fallback > 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
