package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// TokenService reads and revokes the caller's tokens.
type TokenService interface {
	ListTokens(ctx context.Context, userID string) ([]*models.Token, error)
	GetToken(ctx context.Context, userID, tokenID string) (*models.Token, error)
	RevokeToken(ctx context.Context, userID, tokenID string) error
}

// NewListTokensHandler returns an http.HandlerFunc for GET /tokens.
func NewListTokensHandler(svc TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Unauthorized(w, mw.CodeNotAuthenticated, "Not authenticated")
			return
		}

		tokens, err := svc.ListTokens(r.Context(), user.ID)
		if err != nil {
			slog.Error("list tokens failed", "error", err, "user_id", user.ID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list tokens", nil)
			return
		}
		response.JSON(w, tokens)
	}
}

// NewGetTokenHandler returns an http.HandlerFunc for GET /tokens/{tokenID}.
func NewGetTokenHandler(svc TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Unauthorized(w, mw.CodeNotAuthenticated, "Not authenticated")
			return
		}

		token, err := svc.GetToken(r.Context(), user.ID, chi.URLParam(r, "tokenID"))
		if err != nil {
			tokenError(w, err, user.ID)
			return
		}
		response.JSON(w, token)
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

// NewRevokeTokenHandler returns an http.HandlerFunc for DELETE /tokens/{tokenID}.
func NewRevokeTokenHandler(svc TokenService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Unauthorized(w, mw.CodeNotAuthenticated, "Not authenticated")
			return
		}

		if err := svc.RevokeToken(r.Context(), user.ID, chi.URLParam(r, "tokenID")); err != nil {
			tokenError(w, err, user.ID)
			return
		}
		response.JSON(w, messageResponse{Message: "Token revoked successfully"})
	}
}

func tokenError(w http.ResponseWriter, err error, userID string) {
	if errors.Is(err, auth.ErrTokenNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Token not found", nil)
		return
	}
	slog.Error("token operation failed", "error", err, "user_id", userID)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
