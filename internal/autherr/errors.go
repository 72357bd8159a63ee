// ABOUTME: Error taxonomy for request authentication and authorization
// ABOUTME: Maps sentinel errors to HTTP status codes, gRPC codes, and JSON error bodies

package autherr

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Credential errors.
var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrSessionExpired      = errors.New("session expired")
	ErrTokenRevokedOrIdle  = errors.New("token revoked or idle")
)

var credentialErrors = []error{
	ErrMalformedCredential,
	ErrInvalidToken,
	ErrInvalidCredential,
	ErrNotAuthenticated,
	ErrSessionExpired,
	ErrTokenRevokedOrIdle,
}

// Authorization errors.
var (
	ErrInsufficientRole    = errors.New("insufficient role")
	ErrToolsetAccessDenied = errors.New("access denied")
	ErrSelfModification    = errors.New("cannot modify own account")
)

// Upstream errors.
var (
	ErrExchangeUnavailable = errors.New("token exchange unavailable")
)

// Resource errors.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAlreadyProcessed     = errors.New("access request already processed")
	ErrAccessRequestExpired = errors.New("access request expired")
)

// HTTPStatus returns the HTTP status code for err. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case credentialError(err) != nil:
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientRole),
		errors.Is(err, ErrToolsetAccessDenied),
		errors.Is(err, ErrSelfModification):
		return http.StatusForbidden
	case errors.Is(err, ErrExchangeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, ErrAccessRequestExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode returns the gRPC status code for err.
func GRPCCode(err error) codes.Code {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return codes.OK
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusConflict, http.StatusGone:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// credentialError returns the credential sentinel wrapped by err, if any.
func credentialError(err error) error {
	for _, sentinel := range credentialErrors {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// Message returns the client-facing message for err. Internal errors are not
// echoed. Credential failures and toolset denials carry only the sentinel
// text; the wrapped reason stays in the logs.
func Message(err error) string {
	if sentinel := credentialError(err); sentinel != nil {
		return sentinel.Error()
	}
	switch {
	case errors.Is(err, ErrToolsetAccessDenied):
		return ErrToolsetAccessDenied.Error()
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

// WriteHTTP writes err as a JSON error body with the mapped status code.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bodhi"`)
	}
	body, _ := json.Marshal(map[string]string{"error": Message(err)})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
