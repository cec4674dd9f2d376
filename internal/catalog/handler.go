// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the administration endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/collections", h.handleCreateCollection)
	r.Get("/collections/{collectionID}", h.handleGetCollection)
	r.Post("/collections/{collectionID}/pools", h.handleAddPool)
	r.Delete("/pools/{poolID}", h.handleRemovePool)
	r.Get("/pools/{poolID}/licenses", h.handleListLicenses)
	r.Post("/pools/{poolID}/licenses", h.handleAddLicense)
	r.Put("/pools/{poolID}/licenses", h.handleUpdateLicense)
	r.Delete("/pools/{poolID}/licenses/{licenseID}", h.handleRemoveLicense)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, licensing.ErrInvalidConcurrency),
		errors.Is(err, licensing.ErrInvalidAvailable),
		errors.Is(err, licensing.ErrInvalidCheckouts):
		status = http.StatusBadRequest
	case errors.Is(err, circulation.ErrCollectionNotFound),
		errors.Is(err, circulation.ErrPoolNotFound),
		errors.Is(err, circulation.ErrLicenseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, circulation.ErrDuplicatePool),
		errors.Is(err, circulation.ErrDuplicateLicense),
		errors.Is(err, circulation.ErrPoolInUse),
		errors.Is(err, circulation.ErrLicenseInUse):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Join(ErrInvalidRequest, errors.New("invalid "+name))
	}
	return id, nil
}

func (h *Handler) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req CollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidRequest, err))
		return
	}
	c, err := h.service.CreateCollection(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.service.GetCollection(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleAddPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "collectionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Identifier string `json:"identifier"`
		OpenAccess bool   `json:"open_access"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidRequest, err))
		return
	}
	pool, err := h.service.AddPool(r.Context(), id, req.Identifier, req.OpenAccess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pool)
}

func (h *Handler) handleRemovePool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "poolID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.RemovePool(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "poolID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	licenses, err := h.service.Licenses(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if licenses == nil {
		licenses = []*licensing.License{}
	}
	h.writeJSON(w, http.StatusOK, licenses)
}

func (h *Handler) decodeLicense(w http.ResponseWriter, r *http.Request) (int64, LicenseRequest, bool) {
	id, err := pathID(r, "poolID")
	if err != nil {
		h.writeError(w, r, err)
		return 0, LicenseRequest{}, false
	}
	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidRequest, err))
		return 0, LicenseRequest{}, false
	}
	return id, req, true
}

func (h *Handler) handleAddLicense(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeLicense(w, r)
	if !ok {
		return
	}
	license, err := h.service.AddLicense(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, license)
}

func (h *Handler) handleUpdateLicense(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeLicense(w, r)
	if !ok {
		return
	}
	license, err := h.service.UpdateLicense(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, license)
}

func (h *Handler) handleRemoveLicense(w http.ResponseWriter, r *http.Request) {
	poolID, err := pathID(r, "poolID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	licenseID, err := pathID(r, "licenseID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.RemoveLicense(r.Context(), poolID, licenseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
