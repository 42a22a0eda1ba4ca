package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"signupassist/internal/domain"
)

const maxBodyBytes = 1 << 20

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidArgument)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("decode body: trailing data: %w", domain.ErrInvalidArgument)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	writeJSON(w, statusFor(code), errorEnvelope{
		RequestID: newRequestID(),
		Error:     errorBody{Code: code, Message: err.Error()},
	})
}

// statusFor maps an error taxonomy code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "NotFound":
		return http.StatusNotFound
	case "InvalidArgument":
		return http.StatusBadRequest
	case "InvalidScope", "InvalidWindow", "BeyondHorizon", "CapExceeded", "MandateExpired":
		return http.StatusUnprocessableEntity
	case "Conflict", "InvalidState", "MandateInactive", "MandateInvalidAtExecution", "CancellationRejected":
		return http.StatusConflict
	case "ProviderLoginFailed", "ProviderSubmitFailed", "BillingFailed", "RefundFailed", "DispatchError":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isChainBroken(err error) bool { return errors.Is(err, domain.ErrChainBroken) }
