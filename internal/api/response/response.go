package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Detail  string `json:"detail"`
	Code    string `json:"code"`
	Details any    `json:"errors,omitempty"`
}

// JSON writes data as a bare 200 JSON body.
func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func Error(w http.ResponseWriter, status int, code, detail string, details any) {
	writeJSON(w, status, errorBody{
		Detail:  detail,
		Code:    code,
		Details: details,
	})
}

// Unauthorized writes a 401 with the Bearer challenge header.
func Unauthorized(w http.ResponseWriter, code, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	Error(w, http.StatusUnauthorized, code, detail, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
