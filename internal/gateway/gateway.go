// ABOUTME: Gateway orchestrator that wires authentication services to HTTP and gRPC servers
// ABOUTME: Owns the store, token cache, IdP client and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/bodhi-gateway/internal/accessrequest"
	"github.com/2389/bodhi-gateway/internal/apitoken"
	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/claims"
	"github.com/2389/bodhi-gateway/internal/config"
	"github.com/2389/bodhi-gateway/internal/exchange"
	"github.com/2389/bodhi-gateway/internal/idp"
	"github.com/2389/bodhi-gateway/internal/store"
	"github.com/2389/bodhi-gateway/internal/tokencache"
	"github.com/2389/bodhi-gateway/internal/toolset"
)

// tailnetGRPCPort is the gRPC port on the tailnet node.
const tailnetGRPCPort = ":50051"

// Gateway orchestrates the bodhi-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	cache  tokencache.Cache
	logger *slog.Logger

	authenticator  *auth.Authenticator
	tokens         *apitoken.Service
	exchange       *exchange.Service
	accessRequests *accessrequest.Service
	toolsets       *toolset.Authorizer
	models         ModelLister
	executor       ToolExecutor

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// stopVerifier ends background JWKS refresh.
	stopVerifier context.CancelFunc

	closeOnce sync.Once
	closeErrs []error
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	store    store.Store
	models   ModelLister
	executor ToolExecutor
}

// WithStore uses s instead of opening database.path. The gateway closes it on
// shutdown.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithModelLister serves GET /api/models from m.
func WithModelLister(m ModelLister) Option {
	return func(o *options) { o.models = m }
}

// WithToolExecutor runs authorized toolset calls with e.
func WithToolExecutor(e ToolExecutor) Option {
	return func(o *options) { o.executor = e }
}

// initStore opens the SQLite store named by the database config.
func initStore(cfg config.DatabaseConfig) (store.Store, error) {
	dbPath := cfg.Path
	if envPath := os.Getenv("BODHI_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCache builds the token cache backend named by the cache config.
func initCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (tokencache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c, err := tokencache.NewRedis(tokencache.RedisConfig{
			Client:    client,
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxTTL:    cfg.MaxTTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("token cache ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return c, nil
	default:
		logger.Info("token cache ready", "backend", "memory", "max_entries", cfg.MaxEntries)
		return tokencache.NewMemory(cfg.MaxEntries, cfg.MaxTTL), nil
	}
}

// createGRPCServer creates a gRPC server running the authenticator on every
// call except the health service.
func createGRPCServer(a *auth.Authenticator) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(a)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(a)),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway. ctx bounds OIDC discovery; key refresh runs
// until Shutdown.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg.Database); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		logger:   logger.With("component", "gateway"),
		models:   o.models,
		executor: o.executor,
	}
	if gw.models == nil {
		gw.models = noModels{}
	}
	if gw.executor == nil {
		gw.executor = acceptingExecutor{}
	}

	if err := gw.initServices(ctx, logger); err != nil {
		gw.closeResources()
		return nil, err
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           auth.StripInternalHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.healthServer = createGRPCServer(gw.authenticator)
	}

	return gw, nil
}

// initServices builds the cache, verifier, IdP client and the services that
// depend on them.
func (g *Gateway) initServices(ctx context.Context, logger *slog.Logger) error {
	cfg := g.config

	c, err := initCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	g.cache = c

	verifierCfg := claims.Config{
		Issuer:  cfg.IdP.Issuer,
		JWKSURL: cfg.IdP.JWKSURL,
		Leeway:  cfg.IdP.Leeway,
	}
	if cfg.IdP.Audience != "" {
		verifierCfg.Audiences = []string{cfg.IdP.Audience}
	}
	verifierCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	g.stopVerifier = stop
	verifier, err := claims.NewVerifier(verifierCtx, verifierCfg)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	tokenURL := cfg.IdP.TokenURL
	if tokenURL == "" {
		tokenURL = verifier.TokenEndpoint()
	}
	idpClient, err := idp.New(idp.Config{
		Issuer:       cfg.IdP.Issuer,
		TokenURL:     tokenURL,
		APIURL:       cfg.IdP.APIURL,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		Timeout:      cfg.IdP.Timeout,
		Logger:       logger.With("component", "idp"),
	})
	if err != nil {
		return fmt.Errorf("creating idp client: %w", err)
	}

	secret := []byte(cfg.Auth.Secret)
	signer, err := claims.NewSigner(secret)
	if err != nil {
		return fmt.Errorf("creating resource token signer: %w", err)
	}
	pepper, err := apitoken.DerivePepper(secret)
	if err != nil {
		return err
	}

	g.tokens, err = apitoken.New(apitoken.Config{
		Store:       g.store,
		Cache:       g.cache,
		Signer:      signer,
		Pepper:      pepper,
		IdleTimeout: cfg.Auth.APITokenIdleTimeout,
		CacheTTL:    cfg.Auth.APITokenCacheTTL,
		Logger:      logger.With("component", "apitoken"),
	})
	if err != nil {
		return err
	}

	g.exchange, err = exchange.New(exchange.Config{
		Provider:       idpClient,
		Verifier:       verifier,
		AccessRequests: g.store,
		Cache:          g.cache,
		ClientID:       cfg.IdP.ClientID,
		Logger:         logger.With("component", "exchange"),
	})
	if err != nil {
		return err
	}

	g.accessRequests, err = accessrequest.New(accessrequest.Config{
		Store:       g.store,
		IdP:         idpClient,
		FrontendURL: g.frontendURL(),
		DraftTTL:    cfg.AccessRequests.DraftTTL,
		GrantTTL:    cfg.AccessRequests.GrantTTL,
		Logger:      logger.With("component", "accessrequest"),
	})
	if err != nil {
		return err
	}

	g.toolsets = toolset.NewAuthorizer(g.store, nil, logger.With("component", "toolset"))

	g.authenticator = auth.NewAuthenticator(auth.Config{
		Sessions:      g.store,
		Tokens:        g.tokens,
		External:      g.exchange,
		SessionCookie: cfg.Auth.SessionCookie,
		Logger:        logger.With("component", "auth"),
	})
	return nil
}

// frontendURL resolves where review pages live: the configured URL, or one
// derived from the listener.
func (g *Gateway) frontendURL() string {
	cfg := g.config
	if cfg.Server.FrontendURL != "" {
		return cfg.Server.FrontendURL
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		g.logger.Warn("server.frontend_url not set; review URLs use the bare tailscale hostname")
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// GRPCServer returns the gRPC server so embedding programs can register
// services before Run. It is nil when server.grpc_addr is unset.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC
// is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.healthServer != nil {
		g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "bodhi-gateway", "tailscale"), nil
}

// setupTailscaleListeners joins the tailnet and listens there.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks plain, TLS or Funnel listening per config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.healthServer != nil {
		g.healthServer.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeResources releases what New acquired, once. Safe on a partially built
// gateway.
func (g *Gateway) closeResources() []error {
	g.closeOnce.Do(func() {
		if g.stopVerifier != nil {
			g.stopVerifier()
		}
		if g.cache != nil {
			g.closeErrs = appendCloseError(g.closeErrs, "cache close", g.cache.Close())
		}
		if g.store != nil {
			g.closeErrs = appendCloseError(g.closeErrs, "store close", g.store.Close())
		}
	})
	return g.closeErrs
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeResources()...)

	return errors.Join(errs...)
}
