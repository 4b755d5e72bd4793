package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

const (
	maxBodyBytes = 1 << 20
	maxListLimit = 1000
)

// Handler provides the HTTP endpoints of the allowance service
type Handler struct {
	config Config
}

// Routes returns a router with every allowance endpoint mounted
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Post("/ensure-token-allowance", h.EnsureAllowance)
	r.Get("/token-allowance", h.GetAllowance)

	r.Route("/admin/token-allowance", func(r chi.Router) {
		r.Get("/periods", h.ListPeriods)
		r.Patch("/periods/{id}", h.CorrectBalance)
		r.Get("/audit", h.AuditLogs)
	})

	return r
}

// EnsureAllowance handles POST /ensure-token-allowance
func (h *Handler) EnsureAllowance(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		h.handleError(w, r, err)
		return
	}

	token := h.config.GetToken(r)
	ctx := r.Context()

	if req.BatchInit {
		result, err := h.config.Resolver.EnsureBatchForCaller(ctx, token)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBatchResponse(result))
		return
	}

	opts, err := req.options()
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.config.Resolver.EnsureAllowanceForCaller(ctx, token, req.UserID, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnsureResponse(result))
}

// GetAllowance handles GET /token-allowance, ensuring the caller's own period
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	result, err := h.config.Resolver.EnsureAllowanceForCaller(r.Context(), h.config.GetToken(r), "")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnsureResponse(result))
}

// ListPeriods handles GET /admin/token-allowance/periods?user_id=&limit=
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	limit, err := h.parseLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	periods, err := h.config.Resolver.ListPeriodsForCaller(r.Context(), h.config.GetToken(r), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := PeriodsResponse{Success: true, Periods: make([]Allowance, 0, len(periods))}
	for _, p := range periods {
		response.Periods = append(response.Periods, *toAllowance(p))
	}
	writeJSON(w, http.StatusOK, response)
}

// CorrectBalance handles PATCH /admin/token-allowance/periods/{id}
func (h *Handler) CorrectBalance(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.TokensGranted == nil || req.TokensUsed == nil {
		h.handleError(w, r, fmt.Errorf("%w: tokens_granted and tokens_used are required", errBadRequest))
		return
	}

	result, err := h.config.Resolver.CorrectBalanceForCaller(r.Context(), h.config.GetToken(r),
		allowance.BalanceCorrection{
			PeriodID:      chi.URLParam(r, "id"),
			TokensGranted: *req.TokensGranted,
			TokensUsed:    *req.TokensUsed,
			Reason:        req.Reason,
		})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CorrectionResponse{
		Success:        true,
		Allowance:      toAllowance(result.Allowance),
		Before:         toAllowance(result.Before),
		IdempotencyKey: result.IdempotencyKey,
		AuditWarning:   result.AuditWarning,
	})
}

// AuditLogs handles GET /admin/token-allowance/audit?user_id=&period_id=&limit=
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := h.parseLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	query := r.URL.Query()
	entries, err := h.config.Resolver.AuditLogsForCaller(r.Context(), h.config.GetToken(r), allowance.AuditLogFilter{
		UserID:   query.Get("user_id"),
		PeriodID: query.Get("period_id"),
		Limit:    limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := AuditResponse{Success: true, Entries: make([]AuditEntry, 0, len(entries))}
	for _, e := range entries {
		response.Entries = append(response.Entries, toAuditEntry(e))
	}
	writeJSON(w, http.StatusOK, response)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.config.HealthCheck != nil {
		if err := h.config.HealthCheck(r.Context()); err != nil {
			h.config.Logger.Warn("health check failed", allowance.Field{Key: "error", Value: err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (req EnsureRequest) options() ([]allowance.EnsureOption, error) {
	var opts []allowance.EnsureOption
	switch {
	case req.PeriodStart != nil && req.PeriodEnd != nil:
		opts = append(opts, allowance.WithWindow(*req.PeriodStart, *req.PeriodEnd))
	case req.PeriodStart != nil || req.PeriodEnd != nil:
		return nil, fmt.Errorf("%w: period_start and period_end must be sent together", allowance.ErrInvalidWindow)
	}
	if req.Source != "" {
		opts = append(opts, allowance.WithSource(req.Source))
	}
	if req.ForceTokens != nil {
		opts = append(opts, allowance.WithForceTokens(*req.ForceTokens))
	}
	if req.SkipRollover {
		opts = append(opts, allowance.WithSkipRollover())
	}
	return opts, nil
}

func (h *Handler) parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return h.config.DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", errBadRequest, maxListLimit)
	}
	return limit, nil
}

func toEnsureResponse(result *allowance.AllowanceResult) EnsureResponse {
	return EnsureResponse{
		Success:        true,
		Created:        result.Created,
		Allowance:      toAllowance(result.Allowance),
		BaseTokens:     result.BaseTokens,
		RolloverTokens: result.RolloverTokens,
	}
}

// decodeBody reads a JSON body into dst. An empty body is accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// handleError handles errors with the status code from StatusFor
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("allowance request failed",
			allowance.Field{Key: "path", Value: r.URL.Path},
			allowance.Field{Key: "requestId", Value: middleware.GetReqID(r.Context())},
			allowance.Field{Key: "error", Value: message},
		)
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already started
		_ = err
	}
}
