package party

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/ledger"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalid      = errors.New("invalid request")
	ErrTooLarge     = errors.New("payload too large")
	ErrUpstream     = errors.New("upstream unavailable")
	ErrTimeout      = errors.New("room did not respond in time")
	ErrClosed       = errors.New("registry closed")

	// ErrIntegrity marks frames that fail verification. They are dropped, never answered.
	ErrIntegrity = errors.New("integrity check failed")
)

// StatusFor maps an error to the HTTP status a caller should see.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, crypto.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid), errors.Is(err, crypto.ErrInvalidPublicKey),
		errors.Is(err, crypto.ErrInvalidEncoding), errors.Is(err, crypto.ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
