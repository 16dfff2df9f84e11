package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

type sleepResponse struct {
	Status   string             `json:"status"`
	SleptFor int                `json:"slept_for"`
	User     *models.UserPublic `json:"user"`
}

// NewSleepHandler returns an http.HandlerFunc for GET /test/sleep/{seconds}.
// It blocks the request goroutine for 1 to 10 seconds via sleep, then echoes
// the caller. The delay does not observe request cancellation.
func NewSleepHandler(sleep func(time.Duration)) http.HandlerFunc {
	if sleep == nil {
		sleep = time.Sleep
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Unauthorized(w, mw.CodeNotAuthenticated, "Not authenticated")
			return
		}

		seconds, err := strconv.Atoi(chi.URLParam(r, "seconds"))
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request",
				map[string]string{"seconds": "value is not a valid integer"})
			return
		}
		if err := validate.Var(seconds, "min=1,max=10"); err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request",
				map[string]string{"seconds": "must be between 1 and 10"})
			return
		}

		sleep(time.Duration(seconds) * time.Second)

		response.JSON(w, sleepResponse{
			Status:   "OK",
			SleptFor: seconds,
			User:     user.Public(),
		})
	}
}
