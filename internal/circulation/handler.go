// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libracirc/internal/licensing"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the circulation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", h.handleGetPool)
		r.Post("/events", h.handleApplyDelta)
		r.Post("/refresh", h.handleRefresh)

		r.Route("/borrowers/{kind}/{borrowerID}", func(r chi.Router) {
			r.Put("/loan", h.handleCheckout)
			r.Delete("/loan", h.handleCheckin)
			r.Put("/hold", h.handlePlaceHold)
			r.Get("/hold", h.handleEstimateHold)
			r.Delete("/hold", h.handleReleaseHold)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type noticesResponse struct {
	Notices []Notice `json:"notices"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var policy *PolicyError
	switch {
	case errors.As(err, &policy):
		status := http.StatusConflict
		if errors.Is(err, ErrHoldsDisabled) || errors.Is(err, ErrCollectionInactive) {
			status = http.StatusForbidden
		}
		h.writeJSON(w, status, errorResponse{Error: policy.Reason, Code: policy.Code})
	case errors.Is(err, ErrPoolNotFound), errors.Is(err, ErrCollectionNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, ErrInvalidBorrower):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_borrower"})
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal_error"})
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, code, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: code})
}

func poolID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "poolID"), 10, 64)
	return id, err == nil && id > 0
}

func borrower(r *http.Request) (Borrower, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "borrowerID"), 10, 64)
	if err != nil {
		return Borrower{}, false
	}
	b := Borrower{Kind: BorrowerKind(chi.URLParam(r, "kind")), ID: id}
	return b, b.Valid()
}

// target parses the pool and borrower from the path, answering 400 when
// either is malformed.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (Borrower, int64, bool) {
	id, ok := poolID(r)
	if !ok {
		h.badRequest(w, "invalid_pool_id", "invalid pool ID")
		return Borrower{}, 0, false
	}
	b, ok := borrower(r)
	if !ok {
		h.badRequest(w, "invalid_borrower", "invalid borrower")
		return Borrower{}, 0, false
	}
	return b, id, true
}

func (h *Handler) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(r)
	if !ok {
		h.badRequest(w, "invalid_pool_id", "invalid pool ID")
		return
	}
	pool, err := h.service.Pool(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pool)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	b, id, ok := h.target(w, r)
	if !ok {
		return
	}
	loan, notices, err := h.service.Checkout(r.Context(), b, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, struct {
		Loan    *Loan    `json:"loan"`
		Notices []Notice `json:"notices"`
	}{loan, notices})
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request) {
	b, id, ok := h.target(w, r)
	if !ok {
		return
	}
	notices, err := h.service.Checkin(r.Context(), b, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, noticesResponse{Notices: notices})
}

func (h *Handler) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	b, id, ok := h.target(w, r)
	if !ok {
		return
	}
	hold, notices, err := h.service.PlaceHold(r.Context(), b, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, struct {
		Hold    *Hold    `json:"hold"`
		Notices []Notice `json:"notices"`
	}{hold, notices})
}

func (h *Handler) handleEstimateHold(w http.ResponseWriter, r *http.Request) {
	b, id, ok := h.target(w, r)
	if !ok {
		return
	}
	estimate, err := h.service.EstimateHold(r.Context(), b, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, estimate)
}

func (h *Handler) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	b, id, ok := h.target(w, r)
	if !ok {
		return
	}
	notices, err := h.service.ReleaseHold(r.Context(), b, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, noticesResponse{Notices: notices})
}

func (h *Handler) handleApplyDelta(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(r)
	if !ok {
		h.badRequest(w, "invalid_pool_id", "invalid pool ID")
		return
	}
	var d licensing.Delta
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.badRequest(w, "invalid_request_body", err.Error())
		return
	}
	change, notices, err := h.service.ApplyDelta(r.Context(), id, d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Change  licensing.Change `json:"change"`
		Notices []Notice         `json:"notices"`
	}{change, notices})
}

// handleRefresh takes an optional snapshot body; an empty body recomputes the
// pool from its licenses.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(r)
	if !ok {
		h.badRequest(w, "invalid_pool_id", "invalid pool ID")
		return
	}
	var snapshot *licensing.Availability
	var body licensing.Availability
	switch err := json.NewDecoder(r.Body).Decode(&body); {
	case err == nil:
		snapshot = &body
	case errors.Is(err, io.EOF):
	default:
		h.badRequest(w, "invalid_request_body", err.Error())
		return
	}

	change, notices, err := h.service.Refresh(r.Context(), id, snapshot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Change  licensing.Change `json:"change"`
		Notices []Notice         `json:"notices"`
	}{change, notices})
}
