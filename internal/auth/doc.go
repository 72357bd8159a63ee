// Package auth resolves every inbound request to an Identity.
//
// # Credentials
//
// Classify inspects the Authorization header and session cookie without any
// I/O and reports one of:
//
//   - SessionCredential: browser session cookie, same-origin requests only
//   - APITokenCredential: first-party token with the "bodhiapp_" prefix
//   - ExternalBearerCredential: third-party JWT that must be exchanged
//   - NoCredential
//
// # Resolution
//
// Authenticator turns a credential into an Identity. Sessions are looked up
// in the store and rejected when the user's role generation has moved on
// since the session was created. API tokens go to a TokenValidator and
// third-party bearers to an ExternalResolver (token exchange). When a
// session fails and a bearer is also present, the bearer is tried instead.
//
// # HTTP
//
//	mux.Handle("GET /api/tokens", auth.HTTPAuthMiddleware(a)(
//	    auth.RequireRole(role.User)(handler)))
//
// StripInternalHeaders removes any client-supplied X-BodhiApp-* header on
// entry; HTTPAuthMiddleware sets them from the resolved Identity so
// downstream handlers can trust them.
//
// # gRPC
//
// UnaryInterceptor and StreamInterceptor run the same Authenticator against
// the "authorization" metadata. Methods listed as public (the health service
// by default) skip authentication.
//
// Handlers read the identity with FromContext or MustFromContext.
package auth
