package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/usage"
)

// StatsService builds a user's usage statistics.
type StatsService interface {
	Stats(ctx context.Context, userID string, start, end *time.Time) (*usage.Stats, error)
}

// NewUsageStatsHandler returns an http.HandlerFunc for GET /usage/stats.
// start_date and end_date are optional RFC3339 timestamps.
func NewUsageStatsHandler(svc StatsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Unauthorized(w, mw.CodeNotAuthenticated, "Not authenticated")
			return
		}

		start, err := parseTimeParam(r, "start_date")
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"start_date must be a valid RFC3339 timestamp", nil)
			return
		}
		end, err := parseTimeParam(r, "end_date")
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"end_date must be a valid RFC3339 timestamp", nil)
			return
		}

		stats, err := svc.Stats(r.Context(), user.ID, start, end)
		if err != nil {
			slog.Error("usage stats failed", "error", err, "user_id", user.ID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load usage", nil)
			return
		}
		response.JSON(w, stats)
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
