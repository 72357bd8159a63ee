// ABOUTME: Shared HTTP helpers plus health, user info, model and toolset handlers
// ABOUTME: Downstream collaborators (model listing, tool execution) are injected interfaces

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/store"
	"github.com/2389/bodhi-gateway/internal/toolset"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// ErrUpstreamUnauthorized is returned by collaborators when a downstream
// service rejected the caller's exchanged token.
var ErrUpstreamUnauthorized = errors.New("upstream rejected credential")

// Model is one entry of GET /api/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelLister lists the models visible to an identity.
type ModelLister interface {
	ListModels(ctx context.Context, id *auth.Identity) ([]Model, error)
}

type noModels struct{}

func (noModels) ListModels(context.Context, *auth.Identity) ([]Model, error) {
	return []Model{}, nil
}

// ToolCall is an authorized toolset invocation.
type ToolCall struct {
	Identity   *auth.Identity
	InstanceID string
	// Grant is the approved toolset for external apps, nil for sessions.
	Grant  *store.ApprovedToolset
	Params json.RawMessage
}

// ToolExecutor runs toolset calls that passed authorization.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (any, error)
}

type acceptingExecutor struct{}

func (acceptingExecutor) Execute(_ context.Context, call ToolCall) (any, error) {
	return map[string]any{"accepted": true, "instance_id": call.InstanceID}, nil
}

// UserInfoResponse is the JSON response for GET /api/user.
type UserInfoResponse struct {
	LoggedIn        bool   `json:"logged_in"`
	AuthKind        string `json:"auth_kind,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	Username        string `json:"username,omitempty"`
	Role            string `json:"role,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	AccessRequestID string `json:"access_request_id,omitempty"`
}

// pageResponse wraps a page of results.
type pageResponse[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pinger is implemented by cache backends with a remote dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK once the shared cache is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.cache.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("cache unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleUserInfo handles GET /api/user. Anonymous callers get logged_in=false.
func (g *Gateway) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.IsAuthenticated() {
		writeJSON(w, http.StatusOK, UserInfoResponse{})
		return
	}
	writeJSON(w, http.StatusOK, UserInfoResponse{
		LoggedIn:        true,
		AuthKind:        string(id.Kind),
		UserID:          id.UserID,
		Username:        id.Username,
		Role:            string(id.Role),
		AuthorizedParty: id.AuthorizedParty,
		AccessRequestID: id.AccessRequestID,
	})
}

// handleListModels handles GET /api/models. When the model backend rejects an
// exchanged token the cached exchange is dropped so the next call re-exchanges.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	models, err := g.models.ListModels(r.Context(), id)
	if errors.Is(err, ErrUpstreamUnauthorized) {
		if id.Kind == auth.KindExternalApp {
			g.evictExchange(r)
		}
		autherr.WriteHTTP(w, fmt.Errorf("%w: %v", autherr.ErrInvalidCredential, err))
		return
	}
	if err != nil {
		g.logger.Error("listing models failed", "user_id", id.UserID, "error", err)
		autherr.WriteHTTP(w, err)
		return
	}

	for i := range models {
		if models[i].Object == "" {
			models[i].Object = "model"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// evictExchange drops the exchange cache entry for the request's bearer.
func (g *Gateway) evictExchange(r *http.Request) {
	cred, err := auth.Classify(r.Header.Get("Authorization"), "", "", false)
	if err != nil || cred.Kind != auth.ExternalBearerCredential {
		return
	}
	if err := g.exchange.Evict(r.Context(), cred.Bearer); err != nil {
		g.logger.Warn("evicting exchanged token failed", "error", err)
	}
}

// handleExecuteToolset handles POST /api/toolsets/{id}/execute after the
// toolset authorizer has admitted the caller.
func (g *Gateway) handleExecuteToolset(w http.ResponseWriter, r *http.Request) {
	call := ToolCall{
		Identity:   auth.MustFromContext(r.Context()),
		InstanceID: r.PathValue("id"),
		Grant:      toolset.GrantFromContext(r.Context()),
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		autherr.WriteHTTP(w, fmt.Errorf("%w: reading body: %v", autherr.ErrInvalidRequest, err))
		return
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			autherr.WriteHTTP(w, fmt.Errorf("%w: body is not valid JSON", autherr.ErrInvalidRequest))
			return
		}
		call.Params = body
	}

	result, err := g.executor.Execute(r.Context(), call)
	if err != nil {
		g.logger.Error("toolset execution failed", "instance_id", call.InstanceID, "error", err)
		autherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": call.InstanceID, "result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", autherr.ErrInvalidRequest, err)
	}
	return nil
}

// pageParams reads page (from 1) and page_size query parameters.
func pageParams(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", autherr.ErrInvalidRequest)
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize < 1 {
			return 0, 0, fmt.Errorf("%w: page_size must be a positive integer", autherr.ErrInvalidRequest)
		}
	}
	return page, min(pageSize, maxPageSize), nil
}
