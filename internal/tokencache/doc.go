// Package tokencache holds resolved credential results between requests.
//
// Two kinds of keys share one cache:
//
//	exchanged_token:<hash-prefix>        third-party bearer after token exchange
//	token:<token_id>:<hash-prefix>       first-party API token after validation
//
// The hash prefix is the first 12 hex characters of SHA-256 over the raw
// credential, so the raw secret never appears in a key. Entries are never
// written to durable storage: Memory is the default, and Redis is an optional
// shared tier whose keys expire with the entry.
//
// An Entry is returned only while ExpiresAt is in the future. Callers must
// still treat Expired as authoritative because clocks move between Get and use.
package tokencache
