// Package idp is the HTTP client for the external identity provider.
//
// It performs RFC 8693 token exchange on the token endpoint and calls the
// provider's app-access API (consent registration, app client info). Calls
// have a bounded timeout and are never retried here: token exchange is not
// idempotent, so retry is left to the caller.
//
// Errors are classified for the request pipeline:
//
//   - transport failures and 5xx responses wrap autherr.ErrExchangeUnavailable
//   - 4xx responses on the token endpoint wrap autherr.ErrInvalidCredential
//   - 409 on consent registration is ErrConsentConflict
package idp
