package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

var errForbidden = errors.New("not allowed for this caller")

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrSameAccount),
		errors.Is(err, models.ErrInvalidRate),
		errors.Is(err, models.ErrInvalidAccount),
		errors.Is(err, models.ErrInvalidKind),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrReferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, models.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrRefundExceedsOriginal),
		errors.Is(err, models.ErrNotRefundable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
