// Package config handles configuration loading for bodhi-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BODHI_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/bodhi/gateway.yaml
//  3. ~/.config/bodhi/gateway.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  secret: "${BODHI_AUTH_SECRET}"
//
// A handful of BODHI_* variables (BODHI_HTTP_ADDR, BODHI_AUTH_SECRET,
// BODHI_IDP_CLIENT_SECRET, BODHI_REDIS_ADDR, ...) override the file after it
// is decoded. See the env tags on each field.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:1135"
//	  grpc_addr: ""                          # optional gRPC health + auth surface
//	  frontend_url: "https://bodhi.example.com"
//
//	database:
//	  driver: "sqlite"                       # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/bodhi/gateway.db"
//
//	auth:
//	  secret: "${BODHI_AUTH_SECRET}"         # at least 32 bytes
//	  session_cookie: "bodhiapp_session_id"
//	  api_token_idle_timeout: "720h"
//	  api_token_cache_ttl: "5m"
//
//	idp:
//	  issuer: "https://id.example.com/realms/bodhi"
//	  client_id: "resource-abc"
//	  client_secret: "${BODHI_IDP_CLIENT_SECRET}"
//	  timeout: "10s"
//	  leeway: "30s"
//
//	cache:
//	  backend: "memory"                      # memory or redis
//	  max_entries: 10000
//	  max_ttl: "1h"
//	  redis:
//	    addr: "localhost:6379"
//	    key_prefix: "bodhi:"
//
//	access_requests:
//	  draft_ttl: "10m"
//	  grant_ttl: "8760h"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax and must be positive.
package config
