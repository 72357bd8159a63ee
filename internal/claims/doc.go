// Package claims verifies IdP-issued JWTs and projects them into typed claim sets.
//
// A token is decoded into exactly one Variant, chosen by Kind:
//
//   - ScopeClaims: exchanged or third-party access tokens (scope, azp, access request)
//   - Claims: user profile display (names, resource roles)
//   - UserIDClaims: minimal identity lookup
//
// Every Decode verifies the signature against the IdP's JWKS, requires exp,
// and checks iss (and the audience when configured) before projecting. There
// is no unverified decode.
//
// Signer mints the short-lived HS256 resource token handed to downstream
// handlers once a first-party API token has been validated.
package claims
