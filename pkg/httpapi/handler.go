// Package httpapi provides the REST surface of the gateway: natural-language
// query submission, direct statement execution, and health endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/health"
	"github.com/txn2/mcp-nlsql/pkg/pipeline"
)

const (
	sourceREST = "rest"

	maxQuestionLength = 1000
	maxPageSize       = 1000
)

// Options tunes handler behavior.
type Options struct {
	// DefaultPageSize applies when a query request names a page but no
	// page size.
	DefaultPageSize int
}

// Handler provides the REST API endpoints.
type Handler struct {
	mux             *http.ServeMux
	pipeline        *pipeline.Pipeline
	checker         *health.Checker
	authMiddle      func(http.Handler) http.Handler
	logger          *slog.Logger
	defaultPageSize int
}

// NewHandler creates the REST handler. authMiddle may be nil, leaving the
// API endpoints unauthenticated; health endpoints are never authenticated.
func NewHandler(p *pipeline.Pipeline, checker *health.Checker, authMiddle func(http.Handler) http.Handler, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 100
	}
	h := &Handler{
		mux:             http.NewServeMux(),
		pipeline:        p,
		checker:         checker,
		authMiddle:      authMiddle,
		logger:          logger,
		defaultPageSize: opts.DefaultPageSize,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/query", h.postQuery)
	api.HandleFunc("POST /api/v1/execute", h.postExecute)

	var protected http.Handler = api
	if h.authMiddle != nil {
		protected = h.authMiddle(api)
	}
	h.mux.Handle("/api/v1/", protected)

	if h.checker != nil {
		h.mux.HandleFunc("GET /healthz", h.checker.LivenessHandler())
		h.mux.HandleFunc("GET /readyz", h.checker.ReadinessHandler())
	}
	h.mux.Handle("GET /swagger/", httpSwagger.Handler())
}

// queryRequest is the body of POST /api/v1/query.
type queryRequest struct {
	Question string `json:"question"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// executeRequest is the body of POST /api/v1/execute.
type executeRequest struct {
	SQL string `json:"sql"`
}

// errorResponse is the JSON body of error replies.
type errorResponse struct {
	Error string `json:"error"`
}

// postQuery handles POST /api/v1/query.
//
// @Summary      Ask a question
// @Description  Converts a natural-language question into a validated T-SQL query, executes it, and returns bounded results.
// @Tags         Query
// @Accept       json
// @Produce      json
// @Param        request  body      queryRequest  true  "Question and optional pagination"
// @Success      200      {object}  pipeline.Response
// @Failure      400      {object}  errorResponse
// @Failure      422      {object}  pipeline.Response
// @Failure      503      {object}  errorResponse
// @Security     ApiKeyAuth
// @Router       /query [post]
func (h *Handler) postQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if len(req.Question) > maxQuestionLength {
		writeError(w, http.StatusBadRequest, "question exceeds the maximum length")
		return
	}
	if req.Page < 0 || req.PageSize < 0 || req.PageSize > maxPageSize {
		writeError(w, http.StatusBadRequest, "page and page_size are out of range")
		return
	}

	page := generate.Pagination{Page: req.Page, PageSize: req.PageSize}
	if page.Page > 0 && page.PageSize <= 0 {
		page.PageSize = h.defaultPageSize
	}

	resp, err := h.pipeline.Ask(r.Context(), pipeline.Request{
		Question:  req.Question,
		Page:      page,
		Operation: "query",
		Source:    sourceREST,
	})
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, statusFor(resp.Outcome), resp)
}

// postExecute handles POST /api/v1/execute.
//
// @Summary      Execute a statement
// @Description  Validates a caller-provided T-SQL statement against the read-only policy and, when accepted, executes it.
// @Tags         Query
// @Accept       json
// @Produce      json
// @Param        request  body      executeRequest  true  "Statement to validate and run"
// @Success      200      {object}  pipeline.Response
// @Failure      400      {object}  errorResponse
// @Failure      422      {object}  pipeline.Response
// @Security     ApiKeyAuth
// @Router       /execute [post]
func (h *Handler) postExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	resp, err := h.pipeline.ExecuteStatement(r.Context(), pipeline.Request{
		Operation: "execute",
		Source:    sourceREST,
	}, req.SQL)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, statusFor(resp.Outcome), resp)
}

// statusFor maps a terminal pipeline outcome to an HTTP status. Rejections
// and exhaustion are the caller's problem to rephrase, not server faults.
func statusFor(outcome pipeline.Outcome) int {
	if outcome == pipeline.OutcomeSucceeded {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

func (h *Handler) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case pipeline.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "language model unavailable")
	case pipeline.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "language model timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		h.logger.Debug("request canceled", "path", r.URL.Path)
	default:
		h.logger.Error("pipeline failure", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
