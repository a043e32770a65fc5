package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/docbatch/models"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError maps domain errors to their HTTP status.
func renderError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		ve       *models.ValidationError
		tooLarge *http.MaxBytesError
	)

	switch {
	case errors.As(err, &ve):
		renderJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Detail: ve.Problems})
	case errors.As(err, &tooLarge):
		renderJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large", Detail: tooLarge.Error()})
	case errors.Is(err, models.ErrNotFound):
		renderJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, models.ErrNotReady):
		renderJSON(w, http.StatusConflict, errorResponse{Error: "job not finished", Detail: err.Error()})
	default:
		logger.Error("request failed", zap.Error(err))
		renderJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// HealthCheck runs every registered check and answers 503 if any fails.
func (h *WebHandlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Deps.Checks))
	for name := range h.Deps.Checks {
		names = append(names, name)
	}

	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true

	for _, name := range names {
		if err := h.Deps.Checks[name](ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			healthy = false

			continue
		}

		checks[name] = "healthy"
	}

	response := map[string]any{
		"status":    "healthy",
		"service":   "docbatch",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}

	if !healthy {
		response["status"] = "unhealthy"
		renderJSON(w, http.StatusServiceUnavailable, response)

		return
	}

	renderJSON(w, http.StatusOK, response)
}
