// Package api serves the query execution HTTP API.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"querybook/internal/domain"
	"querybook/internal/middleware"
	"querybook/internal/service/query"
)

// maxBodyBytes bounds request bodies; queries are text.
const maxBodyBytes = 4 << 20

// QueryService is what the handlers need from the query service.
type QueryService interface {
	Submit(ctx context.Context, query, engineID, uid string) (*domain.QueryExecution, error)
	Poll(ctx context.Context, id string) (*query.Status, error)
	Cancel(ctx context.Context, id string) error
	ListStatements(ctx context.Context, id string) ([]domain.StatementExecution, error)
	ReadResult(ctx context.Context, statementID string, limit int) ([][]string, error)
	RunSync(ctx context.Context, query, engineID, uid string, limit int) (*query.SyncResult, error)
	ResultDownloadURL(ctx context.Context, statementID string, expiry time.Duration) (string, time.Time, error)
}

var _ QueryService = (*query.Service)(nil)

// Handler implements the /api routes.
type Handler struct {
	svc    QueryService
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc QueryService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

// Routes returns the API routes, to be mounted under /api, behind mws.
func (h *Handler) Routes(mws ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mws...)
	r.Post("/query_executions", h.submit)
	r.Post("/query_executions/sync", h.runSync)
	r.Get("/query_executions/{id}", h.poll)
	r.Post("/query_executions/{id}/cancel", h.cancel)
	r.Get("/query_executions/{id}/statements", h.listStatements)
	r.Get("/statement_executions/{id}/result", h.readResult)
	r.Get("/statement_executions/{id}/download", h.downloadURL)
	return r
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	exec, err := h.svc.Submit(r.Context(), req.Query, req.EngineID, req.UID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executionToAPI(exec, 0, nil))
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusToAPI(st))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.svc.Poll(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusToAPI(st))
}

func (h *Handler) listStatements(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.ListStatements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := StatementList{Statements: make([]StatementExecution, len(rows))}
	for i, s := range rows {
		out.Statements[i] = statementToAPI(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) readResult(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.svc.ReadResult(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultToAPI(records))
}

// downloadURL hands out a presigned link to the full result file.
// expires_in is in seconds.
func (h *Handler) downloadURL(w http.ResponseWriter, r *http.Request) {
	secs, err := queryInt(r, "expires_in")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	u, expiresAt, err := h.svc.ResultDownloadURL(r.Context(), chi.URLParam(r, "id"), time.Duration(secs)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DownloadURL{URL: u, ExpiresAt: expiresAt})
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RunSync(r.Context(), req.Query, req.EngineID, req.UID, req.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResult{
		Columns:    res.Columns,
		Rows:       res.Rows,
		Statements: res.Statements,
		Truncated:  res.Truncated,
	})
}

// === helpers ===

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := jsoniter.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		h.writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.ErrValidation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusFromDomainError(err)
	reqID := middleware.RequestIDFromContext(r.Context())
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", reqID, "error", err)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, Error{Code: code, Message: msg, RequestID: reqID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = jsoniter.NewEncoder(w).Encode(v)
}
