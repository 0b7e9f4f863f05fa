package apiresp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

// Envelope is the body of every JSON response. Status mirrors the HTTP
// status code.
type Envelope struct {
	Status  int           `json:"status"`
	Message string        `json:"message"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
	Meta    Meta          `json:"meta"`
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, message string, data interface{}) {
	write(w, status, Envelope{
		Status:  status,
		Message: message,
		Data:    data,
		Meta:    Meta{RequestID: middleware.GetReqID(r.Context())},
	})
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	write(w, status, Envelope{
		Status:  status,
		Message: msg,
		Error: &ErrorPayload{
			Code:    codeFromStatus(status),
			Message: msg,
		},
		Meta: Meta{RequestID: middleware.GetReqID(r.Context())},
	})
}

func write(w http.ResponseWriter, status int, res Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func codeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}
