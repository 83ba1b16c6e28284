package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storagequota/internal/pkg/logger"
)

// HealthHandler reports whether the ledger store is reachable.
type HealthHandler struct {
	check   func(ctx context.Context) error
	timeout time.Duration
}

func NewHealthHandler(check func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{check: check, timeout: 2 * time.Second}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.check(ctx); err != nil {
		logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
