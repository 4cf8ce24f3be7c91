// Package server exposes the price pipeline over HTTP: the scheduled update
// trigger, the approval queue for the admin dashboard, health and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/approval"
	"github.com/mybookshelf/pricewatch/internal/model"
	"github.com/mybookshelf/pricewatch/internal/monitoring"
	"github.com/mybookshelf/pricewatch/internal/store"
)

// AdminHeader carries the reviewer identity on approval requests.
const AdminHeader = "X-Admin-ID"

// PassRunner runs one update pass.
type PassRunner interface {
	RunPass(ctx context.Context) model.RunSummary
}

// Catalog is the store surface used by the item and history endpoints.
type Catalog interface {
	Ping(ctx context.Context) error
	ResetFailedAttempts(ctx context.Context, id string) error
	ListHistory(ctx context.Context, filter model.HistoryFilter) ([]model.HistoryRecord, error)
}

// Deps wires the server to the rest of the application.
type Deps struct {
	Runner    PassRunner
	Approvals *approval.Service
	Catalog   Catalog
	// Metrics is optional; when set /metrics is served.
	Metrics *monitoring.Metrics

	CronSecret     string
	AllowedOrigins []string
}

// Server routes HTTP requests.
type Server struct {
	deps Deps
	// passMu keeps update passes from overlapping.
	passMu sync.Mutex
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", AdminHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.With(s.requireCronSecret).Get("/cron/update-prices", s.handleUpdatePrices)
		r.With(s.requireCronSecret).Post("/cron/update-prices", s.handleUpdatePrices)

		r.Route("/price-approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/bulk-approve", s.handleBulk(true))
			r.Post("/bulk-reject", s.handleBulk(false))
			r.Get("/{id}", s.handleGetApproval)
			r.Post("/{id}/approve", s.handleResolve(true))
			r.Post("/{id}/reject", s.handleResolve(false))
		})

		r.Post("/items/{id}/reset-failures", s.handleResetItem)
		r.Get("/price-history", s.handleHistory)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireCronSecret checks the bearer token when a cron secret is configured.
func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.CronSecret != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.CronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.Ping(r.Context()); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerPass runs an update pass unless one is already in progress, in
// which case it returns false without running.
func (s *Server) TriggerPass(ctx context.Context) (model.RunSummary, bool) {
	if !s.passMu.TryLock() {
		return model.RunSummary{}, false
	}
	defer s.passMu.Unlock()
	return s.deps.Runner.RunPass(ctx), true
}

func (s *Server) handleUpdatePrices(w http.ResponseWriter, r *http.Request) {
	summary, ran := s.TriggerPass(r.Context())
	if !ran {
		writeError(w, http.StatusConflict, "a price update is already running")
		return
	}
	status := http.StatusOK
	if !summary.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, summary)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalFilter{
		Status: q.Get("status"),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}

	if filter.Status != "" && !validStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	page, err := s.deps.Approvals.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list approvals", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetPendingApprovals(page.Stats.Pending)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"approvals":  page.Items,
		"stats":      page.Stats,
		"pagination": map[string]any{"limit": page.Limit, "offset": page.Offset, "count": len(page.Items)},
		"status":     page.Status,
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.resolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "approval": a})
}

type resolveRequest struct {
	Notes string `json:"admin_notes"`
}

func (s *Server) handleResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		id := chi.URLParam(r, "id")
		reviewer := r.Header.Get(AdminHeader)
		var (
			a   *model.PendingApproval
			err error
		)
		if approve {
			a, err = s.deps.Approvals.Approve(r.Context(), id, reviewer, req.Notes)
		} else {
			a, err = s.deps.Approvals.Reject(r.Context(), id, reviewer, req.Notes)
		}
		if err != nil {
			s.resolveError(w, err)
			return
		}

		msg := "Price change rejected"
		if approve {
			msg = "Price change approved and applied"
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg, "approval": a})
	}
}

type bulkRequest struct {
	IDs   []string `json:"ids"`
	Notes string   `json:"admin_notes"`
}

func (s *Server) handleBulk(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.IDs) == 0 {
			writeError(w, http.StatusBadRequest, "ids are required")
			return
		}

		reviewer := r.Header.Get(AdminHeader)
		var (
			res *approval.BulkResult
			err error
		)
		if approve {
			res, err = s.deps.Approvals.BulkApprove(r.Context(), req.IDs, reviewer, req.Notes)
		} else {
			res, err = s.deps.Approvals.BulkReject(r.Context(), req.IDs, reviewer, req.Notes)
		}
		if err != nil && res == nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": res.Failed == 0 && err == nil, "result": res})
	}
}

func (s *Server) handleResetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Catalog.ResetFailedAttempts(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.internalError(w, "reset item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item_id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.HistoryFilter{
		ItemID: q.Get("item_id"),
		Limit:  queryInt(q.Get("limit"), 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	recs, err := s.deps.Catalog.ListHistory(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list history", err)
		return
	}
	if recs == nil {
		recs = []model.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": recs})
}

func (s *Server) resolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "approval already processed")
	default:
		s.internalError(w, "resolve approval", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("server: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func validStatus(s string) bool {
	switch s {
	case string(model.ApprovalPending), string(model.ApprovalApproved), string(model.ApprovalRejected), store.StatusAll:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
