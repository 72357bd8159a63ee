// Package gateway wires the bodhi-gateway server components together.
//
// # Overview
//
// The Gateway owns the store, the token cache, the IdP client and the four
// credential services (API tokens, token exchange, access requests and the
// toolset authorizer). It builds one Authenticator over them and puts it in
// front of every protected HTTP route and gRPC method.
//
// # HTTP API
//
// Routes are registered in routes.go. Each route composes the authenticator,
// a role gate and, for toolset calls, the grant check:
//
//   - GET /health, GET /health/ready - liveness and cache readiness
//   - GET /api/user - who the caller is; anonymous callers get logged_in=false
//   - POST|GET /api/tokens, GET|PUT /api/tokens/{id} - session users manage their API tokens
//   - POST /api/apps/request-access, GET /api/apps/access-requests/{id} - app-facing drafts and polling
//   - GET /api/access-requests/{id}/review, POST .../approve, POST .../deny - user review
//   - GET /api/users, PUT /api/users/{user_id}/role, DELETE /api/users/{user_id} - managers and admins
//   - POST /api/toolsets/{id}/execute - sessions, or external apps holding a grant for {id}
//   - GET /api/models - sessions, API tokens and external apps
//
// Errors are JSON bodies of the form {"error": "..."} with the status chosen
// by autherr.HTTPStatus.
//
// # gRPC
//
// When server.grpc_addr is set (or tailscale is enabled) a gRPC server runs
// the standard health service plus auth interceptors, so embedding programs
// can register their own services behind the same credentials.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// Shutdown is safe to call more than once.
package gateway
