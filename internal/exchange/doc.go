// Package exchange turns third-party bearer tokens into resource-scoped
// identities through the IdP's token-exchange endpoint.
//
// Results are cached under "exchanged_token:<hash prefix>" until the
// exchanged token expires. Concurrent requests with the same bearer share one
// upstream call. A waiter whose own context ends returns early while the
// shared call runs to completion for the rest.
//
// When the bearer carries a "scope_access_request:<id>" scope, the matching
// access request must be approved, unexpired and issued to the same app and
// user before the exchange is attempted. The identity's role then comes from
// the approved role, capped by the user's resource role in the exchanged
// token.
package exchange
