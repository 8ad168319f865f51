// Package api provides the HTTP handlers for snapshots, performance,
// exposure, refresh jobs and edit validation.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/performance"
	"github.com/atmx/portfolio-engine/internal/period"
	"github.com/atmx/portfolio-engine/internal/portfolio"
	"github.com/atmx/portfolio-engine/internal/refresh"
	"github.com/atmx/portfolio-engine/internal/store"
)

// errBadRequest marks malformed query parameters and bodies.
var errBadRequest = errors.New("bad request")

// Portfolio is the computation surface the handlers call.
type Portfolio interface {
	Snapshot(ctx context.Context, accountID string, asOf time.Time) (*model.Snapshot, error)
	Performance(ctx context.Context, accountID string, sel period.Selector, asOf time.Time) (*performance.Result, error)
	Exposure(ctx context.Context, req portfolio.ExposureRequest) (*portfolio.ExposureReport, error)
	ValidateEdit(ctx context.Context, edited model.Transaction) error
}

// Refresher triggers and lists refresh jobs.
type Refresher interface {
	Trigger(ctx context.Context, trigger model.JobTrigger, in model.RefreshInput) (*model.RefreshJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.RefreshJob, int, error)
	GetJob(ctx context.Context, id string) (*model.RefreshJob, error)
}

// Handler serves the portfolio API.
type Handler struct {
	portfolio    Portfolio
	refresh      Refresher
	lookbackDays int
	now          func() time.Time
	log          zerolog.Logger
}

// NewHandler creates the API handlers. lookbackDays sizes the default
// refresh window when the request omits from.
func NewHandler(p Portfolio, r Refresher, lookbackDays int, log zerolog.Logger) *Handler {
	return &Handler{
		portfolio:    p,
		refresh:      r,
		lookbackDays: lookbackDays,
		now:          time.Now,
		log:          log.With().Str("component", "api").Logger(),
	}
}

// --- Request/Response types ---

// RefreshRequest is the JSON body for POST /refresh. Dates are YYYY-MM-DD.
type RefreshRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// JobsResponse is one page of refresh jobs.
type JobsResponse struct {
	Jobs   []model.RefreshJob `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// TransactionRequest is the JSON body for POST /transactions/validate.
type TransactionRequest struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	InstrumentID *string          `json:"instrument_id,omitempty"`
	Type         model.TxType     `json:"type"`
	TradeDate    string           `json:"trade_date"`
	SettleDate   *string          `json:"settle_date,omitempty"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Fee          decimal.Decimal  `json:"fee"`
	CreatedAt    *time.Time       `json:"created_at,omitempty"`
	ExternalRef  *string          `json:"external_ref,omitempty"`
	Notes        *string          `json:"notes,omitempty"`
}

// ValidationResponse reports an accepted edit.
type ValidationResponse struct {
	Valid bool `json:"valid"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// --- HTTP Handlers ---

// GetSnapshot handles GET /api/v1/snapshot
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	snap, err := h.portfolio.Snapshot(r.Context(), r.URL.Query().Get("account_id"), asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPerformance handles GET /api/v1/performance
func (h *Handler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := h.asOf(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	sel := period.Selector{Kind: q.Get("period")}
	if sel.Kind == "" {
		sel.Kind = period.SinceInception
	}
	if sel.From, err = optionalDate(q.Get("from")); err != nil {
		h.fail(w, err)
		return
	}
	if sel.To, err = optionalDate(q.Get("to")); err != nil {
		h.fail(w, err)
		return
	}

	res, err := h.portfolio.Performance(r.Context(), q.Get("account_id"), sel, asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetExposure handles GET /api/v1/exposure
func (h *Handler) GetExposure(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := h.asOf(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	req := portfolio.ExposureRequest{AccountID: q.Get("account_id"), AsOf: asOf}
	if v := q.Get("look_through"); v != "" {
		if req.LookThrough, err = strconv.ParseBool(v); err != nil {
			h.fail(w, fmt.Errorf("%w: look_through must be a boolean", errBadRequest))
			return
		}
	}
	for _, k := range splitList(q.Get("kinds")) {
		req.Kinds = append(req.Kinds, model.AssetKind(strings.ToUpper(k)))
	}
	req.Symbols = splitList(q.Get("symbols"))

	report, err := h.portfolio.Exposure(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerRefresh handles POST /api/v1/refresh
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	// An empty body selects the default lookback window.
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}

	to := model.Day(h.now().UTC())
	if req.To != "" {
		d, err := model.ParseDate(req.To)
		if err != nil {
			h.fail(w, fmt.Errorf("%w: to: %v", errBadRequest, err))
			return
		}
		to = d
	}
	from := to.AddDate(0, 0, -h.lookbackDays)
	if req.From != "" {
		d, err := model.ParseDate(req.From)
		if err != nil {
			h.fail(w, fmt.Errorf("%w: from: %v", errBadRequest, err))
			return
		}
		from = d
	}

	job, err := h.refresh.Trigger(r.Context(), model.TriggerManual, model.RefreshInput{From: from, To: to})
	if errors.Is(err, refresh.ErrConcurrencyConflict) && job != nil {
		writeJSON(w, http.StatusConflict, job)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/refresh/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Limit: 50}
	if v := q.Get("status"); v != "" {
		status := model.JobStatus(strings.ToUpper(v))
		filter.Status = &status
	}
	if v := q.Get("trigger"); v != "" {
		trigger := model.JobTrigger(strings.ToUpper(v))
		filter.Trigger = &trigger
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), filter.Limit, 1, 500); err != nil {
		h.fail(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		h.fail(w, err)
		return
	}

	jobs, total, err := h.refresh.ListJobs(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// GetJob handles GET /api/v1/refresh/jobs/{jobID}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.refresh.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ValidateTransaction handles POST /api/v1/transactions/validate
func (h *Handler) ValidateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	tx, err := req.toModel(h.now().UTC())
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.portfolio.ValidateEdit(r.Context(), tx); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidationResponse{Valid: true})
}

func (req TransactionRequest) toModel(now time.Time) (model.Transaction, error) {
	if req.ID == "" || req.AccountID == "" {
		return model.Transaction{}, fmt.Errorf("%w: id and account_id are required", errBadRequest)
	}
	trade, err := model.ParseDate(req.TradeDate)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("%w: trade_date: %v", errBadRequest, err)
	}
	tx := model.Transaction{
		ID:           req.ID,
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Type:         model.TxType(strings.ToUpper(string(req.Type))),
		TradeDate:    trade,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Amount:       req.Amount,
		Fee:          req.Fee,
		CreatedAt:    now,
		ExternalRef:  req.ExternalRef,
		Notes:        req.Notes,
	}
	if req.CreatedAt != nil {
		tx.CreatedAt = req.CreatedAt.UTC()
	}
	if req.SettleDate != nil {
		settle, err := model.ParseDate(*req.SettleDate)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("%w: settle_date: %v", errBadRequest, err)
		}
		tx.SettleDate = &settle
	}
	return tx, nil
}

// --- Helpers ---

func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return model.Day(h.now().UTC()), nil
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as_of: %v", errBadRequest, err)
	}
	return d, nil
}

func optionalDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return &d, nil
}

// intParam parses v within [lo, hi]; hi < 0 means unbounded.
func intParam(v string, def, lo, hi int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		return 0, fmt.Errorf("%w: %q out of range", errBadRequest, v)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// classify maps an error to an HTTP status and a kind label.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrMissingField),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, period.ErrInvalidPeriod),
		errors.Is(err, refresh.ErrInvalidInput):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrInsufficientLots):
		return http.StatusUnprocessableEntity, "integrity"
	case errors.Is(err, refresh.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
		msg = "internal error"
	}
	writeError(w, msg, kind, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg, kind string, status int) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}
