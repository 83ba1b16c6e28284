package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storagequota/internal/auth"
	apperrors "storagequota/internal/pkg/errors"
	"storagequota/internal/service"
)

type StorageQuotaHandler struct {
	accountant service.Accountant
	verifier   *auth.Verifier
}

func NewStorageQuotaHandler(accountant service.Accountant, verifier *auth.Verifier) *StorageQuotaHandler {
	return &StorageQuotaHandler{
		accountant: accountant,
		verifier:   verifier,
	}
}

// Routes mounts the quota endpoints under /quota.
func (h *StorageQuotaHandler) Routes(r chi.Router) {
	r.Route("/quota", func(r chi.Router) {
		r.Use(h.requireUser)
		r.Get("/", h.GetQuotaInfo)
		r.Post("/reservations", h.Reserve)
		r.Post("/reservations/{id}/commit", h.Commit)
		r.Delete("/reservations/{id}", h.Release)
		r.Post("/debit", h.Debit)
	})
}

func (h *StorageQuotaHandler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.verifier.VerifyUser(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

type reserveRequest struct {
	SizeBytes  json.Number `json:"size_bytes"`
	StorageKey string      `json:"storage_key"`
	TTLSeconds json.Number `json:"ttl_seconds,omitempty"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

func (h *StorageQuotaHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	size, err := parseBytes("size_bytes", req.SizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if size <= 0 {
		writeError(w, r, apperrors.ErrInvalidSizef("size_bytes"))
		return
	}

	var ttl int64
	if req.TTLSeconds != "" {
		if ttl, err = req.TTLSeconds.Int64(); err != nil {
			writeError(w, r, apperrors.BadRequest(apperrors.CodeInvalidRequest, "ttl_seconds must be an integer"))
			return
		}
	}

	id, err := h.accountant.Reserve(r.Context(), userID(r), size, req.StorageKey, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reserveResponse{ReservationID: id})
}

type commitRequest struct {
	ActualSizeBytes json.Number `json:"actual_size_bytes"`
}

func (h *StorageQuotaHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	actual, err := parseBytes("actual_size_bytes", req.ActualSizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.accountant.Commit(r.Context(), userID(r), chi.URLParam(r, "id"), actual); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StorageQuotaHandler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.accountant.Release(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type debitRequest struct {
	SizeBytes json.Number `json:"size_bytes"`
}

func (h *StorageQuotaHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	size, err := parseBytes("size_bytes", req.SizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.accountant.Debit(r.Context(), userID(r), size); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StorageQuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.accountant.Usage(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
