package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// UserLister lists every registered user.
type UserLister interface {
	ListUsers(ctx context.Context) ([]*models.UserPublic, error)
}

// CostSummarizer totals the cost of each given user.
type CostSummarizer interface {
	UserCosts(ctx context.Context, users []*models.UserPublic) ([]models.UserCost, error)
}

// NewListUsersHandler returns an http.HandlerFunc for GET /users. Admin only;
// the router enforces that.
func NewListUsersHandler(users UserLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := users.ListUsers(r.Context())
		if err != nil {
			slog.Error("list users failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list users", nil)
			return
		}
		response.JSON(w, list)
	}
}

// NewUserCostsHandler returns an http.HandlerFunc for GET /users/costs.
func NewUserCostsHandler(users UserLister, costs CostSummarizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := users.ListUsers(r.Context())
		if err != nil {
			slog.Error("list users failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list users", nil)
			return
		}

		summary, err := costs.UserCosts(r.Context(), list)
		if err != nil {
			slog.Error("user costs failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to calculate costs", nil)
			return
		}
		response.JSON(w, summary)
	}
}
