package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gigmarket/ordersync/internal/chat"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/transport"
)

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// JSON writes v with the given status
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// StatusFor maps a domain error to an HTTP status
func StatusFor(err error) int {
	var (
		failed  *models.ActionFailedError
		backend *transport.Error
	)
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrNoActiveOrder),
		errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrActionInFlight), errors.Is(err, models.ErrReviewExists),
		errors.Is(err, models.ErrStaleResponse), errors.Is(err, chat.ErrNotRetryable):
		return http.StatusConflict
	case errors.As(err, &failed), errors.Is(err, chat.ErrSendFailed),
		errors.Is(err, transport.ErrRejected), errors.As(err, &backend):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// FromError writes err with the status StatusFor picks. Failed actions carry
// the user-facing reason separately.
func FromError(w http.ResponseWriter, err error) int {
	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error()}

	var failed *models.ActionFailedError
	if errors.As(err, &failed) {
		body.Reason = failed.Reason
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
	}

	JSON(w, status, body)
	return status
}
