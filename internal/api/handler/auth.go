package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// Registrar creates users.
type Registrar interface {
	Register(ctx context.Context, in auth.RegisterInput) (*models.UserPublic, error)
}

// LoginService exchanges credentials for a bearer token.
type LoginService interface {
	Login(ctx context.Context, email, password string) (string, error)
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// NewRegisterHandler returns an http.HandlerFunc for POST /auth/register.
func NewRegisterHandler(svc Registrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			validationError(w, err)
			return
		}

		user, err := svc.Register(r.Context(), auth.RegisterInput{
			Email:    req.Email,
			Username: req.Username,
			Password: req.Password,
		})
		if err != nil {
			if errors.Is(err, auth.ErrDuplicateEmail) {
				response.Error(w, http.StatusBadRequest, "DUPLICATE_EMAIL", "Email already registered", nil)
				return
			}
			slog.Error("register failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.JSON(w, user)
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// NewLoginHandler returns an http.HandlerFunc for POST /auth/login. The
// form field "username" carries the email.
func NewLoginHandler(svc LoginService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid form body", nil)
			return
		}
		email := r.PostForm.Get("username")
		password := r.PostForm.Get("password")

		missing := map[string]string{}
		if email == "" {
			missing["username"] = "field required"
		}
		if password == "" {
			missing["password"] = "field required"
		}
		if len(missing) > 0 {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", missing)
			return
		}

		signed, err := svc.Login(r.Context(), email, password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				response.Unauthorized(w, "INVALID_CREDENTIALS", "Incorrect email or password")
				return
			}
			slog.Error("login failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.JSON(w, loginResponse{AccessToken: signed, TokenType: "bearer"})
	}
}
