// Package handler exposes the engine over HTTP/JSON.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/ratelimit"
)

// Engine is the part of *engine.Engine the handlers call.
type Engine interface {
	CheckAndAdmit(ctx context.Context, req engine.AdmitRequest) (engine.AdmitResult, error)
	Remove(ctx context.Context, id int64) (catalog.Entry, error)
	FuzzySearch(ctx context.Context, text string, tolerance int) (engine.SearchResult, error)
	BatchSearch(ctx context.Context, queries []string, tolerance int) (engine.BatchResult, error)
	HistoryLookup(ctx context.Context, query string, mode engine.HistoryMode) (engine.HistoryResult, error)
	ObserveTransaction(ctx context.Context, h catalog.HistoryEntry) error
	Rebuild(ctx context.Context) (engine.RebuildReport, error)
	Stats() engine.Stats
}

type Handler struct {
	engine           Engine
	cache            *cache.ResultCache
	defaultTolerance int
	maxBodyBytes     int64
	admitLimiter     *ratelimit.Limiter
	logger           *slog.Logger
}

// New builds the handlers. resultCache may be nil.
func New(e Engine, resultCache *cache.ResultCache, defaultTolerance int) *Handler {
	return &Handler{
		engine:           e,
		cache:            resultCache,
		defaultTolerance: defaultTolerance,
		maxBodyBytes:     1 << 20,
		logger:           slog.Default().With("component", "engine-handler"),
	}
}

// LimitAdmissions throttles admissions per seller, falling back to the
// client address when no seller is given.
func (h *Handler) LimitAdmissions(l *ratelimit.Limiter) *Handler {
	h.admitLimiter = l
	return h
}

// Register mounts every engine route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/catalog/admit", h.Admit)
	mux.HandleFunc("DELETE /api/v1/catalog/items/{id}", h.Remove)
	mux.HandleFunc("GET /api/v1/catalog/search", h.Search)
	mux.HandleFunc("POST /api/v1/catalog/search/batch", h.BatchSearch)
	mux.HandleFunc("GET /api/v1/history", h.History)
	mux.HandleFunc("POST /api/v1/history/transactions", h.ObserveTransaction)
	mux.HandleFunc("POST /api/v1/engine/rebuild", h.Rebuild)
	mux.HandleFunc("GET /api/v1/engine/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req engine.AdmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.admitLimiter != nil {
		key := req.SellerID
		if key == "" {
			key = clientIP(r)
		}
		if ok, wait := h.admitLimiter.Allow(key); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			h.writeError(w, http.StatusTooManyRequests, "admission rate limit exceeded")
			return
		}
	}
	res, err := h.engine.CheckAndAdmit(r.Context(), req)
	if err != nil {
		h.fail(w, r, "admission", err)
		return
	}
	status := http.StatusCreated
	if res.Decision == engine.Rejected {
		status = http.StatusConflict
	}
	logger.FromContext(r.Context()).Info("admission decided",
		"name", res.Name,
		"decision", res.Decision,
		"reason", res.Reason,
	)
	h.writeJSON(w, status, res)
}

func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	entry, err := h.engine.Remove(r.Context(), id)
	if err != nil {
		h.fail(w, r, "remove", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	tolerance, ok := h.tolerance(w, r.URL.Query().Get("tolerance"))
	if !ok {
		return
	}
	res, err := h.engine.FuzzySearch(r.Context(), query, tolerance)
	if err != nil {
		h.fail(w, r, "fuzzy search", err)
		return
	}
	logger.FromContext(r.Context()).Info("search completed",
		"query", res.Query,
		"tolerance", tolerance,
		"returned", len(res.Hits),
		"stale", res.Stale,
	)
	h.writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Queries   []string `json:"queries"`
	Tolerance *int     `json:"tolerance,omitempty"`
}

func (h *Handler) BatchSearch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	tolerance := h.defaultTolerance
	if req.Tolerance != nil {
		tolerance = *req.Tolerance
	}
	res, err := h.engine.BatchSearch(r.Context(), req.Queries, tolerance)
	if err != nil {
		h.fail(w, r, "batch search", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	mode := engine.HistoryMode(r.URL.Query().Get("mode"))
	res, err := h.engine.HistoryLookup(r.Context(), query, mode)
	if err != nil {
		h.fail(w, r, "history lookup", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ObserveTransaction(w http.ResponseWriter, r *http.Request) {
	var entry catalog.HistoryEntry
	if !h.decode(w, r, &entry) {
		return
	}
	if err := h.engine.ObserveTransaction(r.Context(), entry); err != nil {
		h.fail(w, r, "observe transaction", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded", "transaction_id": entry.TransactionID})
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Rebuild(r.Context())
	if err != nil {
		h.fail(w, r, "rebuild", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	st := h.cache.Stats()
	total := st.Hits + st.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(st.Hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     st.Hits,
		"misses":   st.Misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) tolerance(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return h.defaultTolerance, true
	}
	t, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "tolerance must be an integer")
		return 0, false
	}
	return t, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps err to a status. Request errors echo their message; collaborator
// failures are reported as retryable without internal detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	switch {
	case status >= 500:
		log.Error(op+" failed", "error", err)
	default:
		log.Debug(op+" rejected", "error", err)
	}
	switch {
	case errors.Is(err, apperrors.ErrCollaboratorUnavailable), apperrors.IsRetryable(err):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "a backing service is unavailable, retry later",
			"retryable": true,
		})
	case status >= 500:
		h.writeError(w, status, op+" failed")
	default:
		h.writeError(w, status, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
