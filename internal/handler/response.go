package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.uber.org/zap"

	"storagequota/internal/auth"
	apperrors "storagequota/internal/pkg/errors"
	"storagequota/internal/pkg/logger"
	"storagequota/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Code == apperrors.CodeInternal {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, appErr.HTTPStatus, appErr)
}

func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr
	}

	var exceeded *service.QuotaExceededError
	switch {
	case errors.As(err, &exceeded):
		return apperrors.ErrQuotaExceededf(map[string]interface{}{
			"remaining": exceeded.Remaining,
			"limit":     exceeded.Limit,
			"burst":     exceeded.Burst,
			"used":      exceeded.Used,
			"reserved":  exceeded.Reserved,
			"requested": exceeded.Requested,
		})
	case errors.Is(err, service.ErrInvalidSize):
		return apperrors.ErrInvalidSizef("size")
	case errors.Is(err, service.ErrUserNotFound):
		return apperrors.NotFound(apperrors.CodeUserNotFound, "user not found")
	case errors.Is(err, service.ErrConcurrencyConflict):
		return apperrors.Conflict(apperrors.CodeConcurrencyConflict, "quota is being updated concurrently, retry")
	case errors.Is(err, auth.ErrNoIdentity):
		return apperrors.Unauthorized(apperrors.CodeAuthFailed, "unauthorized")
	default:
		return apperrors.Internal(apperrors.CodeInternal, "internal error")
	}
}

// decodeJSON decodes the body keeping numbers as json.Number.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return apperrors.BadRequest(apperrors.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

// parseBytes accepts integral JSON numbers, including exponent forms such as 1e6.
func parseBytes(field string, n json.Number) (int64, error) {
	if n == "" {
		return 0, apperrors.ErrInvalidSizef(field)
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) ||
		f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, apperrors.ErrInvalidSizef(field)
	}
	return int64(f), nil
}
