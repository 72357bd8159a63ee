// Package apitoken manages first-party long-lived API tokens.
//
// A token is "bodhiapp_" followed by 32 random bytes in unpadded base64url.
// Its first eight body characters, with the prefix, form the public token id
// stored next to an HMAC-SHA256 digest of the whole token. The raw token is
// returned once by Create and never stored.
//
// Validate is called for every request that carries an API token. A token is
// accepted when its digest matches, its status is active and it was used
// within the idle window. Each accepted token is swapped for a short-lived
// resource token that is cached under "token:<token_id>:<hash prefix>", so
// repeated requests skip the store. Invalidate evicts that prefix before it
// returns. Tokens left idle past the window stay rejected until their owner
// calls Reactivate.
package apitoken
