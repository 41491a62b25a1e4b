// Package server HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/scrimtrack/scrimtrack/tracker"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx     context.Context
	db      *sql.DB
	rdb     *redis.Client
	manager *tracker.Manager
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		ctx:     ctx,
		db:      deps.DB,
		rdb:     deps.Redis,
		manager: deps.Manager,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTrackerError maps tracker error taxonomy onto HTTP responses.
func writeTrackerError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *tracker.ValidationError
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false, "error": "not_found", "message": "Tracker not found",
		})
	case errors.Is(err, tracker.ErrCooldown):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success": false, "error": "cooldown", "message": "Refresh requested too soon, try again shortly",
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": verr.Code, "message": verr.Message,
		})
	default:
		slog.Error("tracker operation failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": "internal", "message": "Internal Server Error",
		})
	}
}

// decodeBody decodes a JSON request body into v; an empty body is allowed for
// operations whose body is entirely optional.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid_body", "message": "Request body is not valid JSON",
		})
		return false
	}
	return true
}
