/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package server wires the per-tenant subsystems together and exposes the
// HTTP edge. main() builds a Server, calls Start, done.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/access"
	"github.com/gatetower/gatetower/internal/controlplane/apikeys"
	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/controlplane/config"
	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/controlplane/integrations"
	cpmcp "github.com/gatetower/gatetower/internal/controlplane/mcp"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/mcp"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/tenant"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// remoteCaller is the MCP wire client seam; *mcp.Client satisfies it.
type remoteCaller interface {
	CallTool(ctx context.Context, endpoint, tool string, args map[string]any) (string, error)
	Ping(ctx context.Context, endpoint string) error
}

// Server is the assembled control plane. Tenant subsystems are built lazily
// on first use and live for the process; there are no global singletons, all
// state hangs off the bundle.
type Server struct {
	cfg    config.Config
	log    *zap.Logger
	fs     *store.FS
	keys   *captoken.KeyRing
	codec  *captoken.Codec
	remote remoteCaller
	client *http.Client

	mu      sync.Mutex
	bundles map[string]*bundle

	baseCtx context.Context
	cancel  context.CancelFunc

	httpServer *http.Server
}

// bundle is the full per-tenant dependency set.
type bundle struct {
	paths     tenant.Paths
	trail     *audit.Trail
	usageLog  *audit.Trail
	store     *store.Store
	bus       *events.Bus
	limiter   *ratelimit.Limiter
	keys      *apikeys.Service
	access    *access.Controller
	autoStore *automations.Store
	engine    *automations.Engine
	scheduler *automations.Scheduler
	registry  *cpmcp.Registry
	proxy     *integrations.Proxy
	health    *cpmcp.HealthChecker
}

// New builds a Server from config. remote may be nil, in which case the
// standard MCP wire client is used.
func New(cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	var master []byte
	if cfg.SigningKey != "" {
		master = []byte(cfg.SigningKey)
	}
	ring := captoken.NewKeyRing(master)
	s := &Server{
		cfg:     cfg,
		log:     log,
		fs:      store.NewFS(),
		keys:    ring,
		codec:   captoken.NewCodec(ring),
		client:  &http.Client{Timeout: 60 * time.Second},
		bundles: make(map[string]*bundle),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// WithRemote overrides the MCP wire client. Test hook; call before serving.
func (s *Server) WithRemote(remote remoteCaller) *Server {
	s.remote = remote
	return s
}

// bundle returns the tenant's subsystem set, building and starting it on
// first use. Tenant domains are validated by the path builder; a bad domain
// never reaches the filesystem.
func (s *Server) bundle(domain string) (*bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bundles[domain]; ok {
		return b, nil
	}

	paths, err := tenant.NewPaths(s.cfg.DataRoot, domain)
	if err != nil {
		return nil, err
	}

	b := &bundle{paths: paths}
	b.trail = audit.NewTrail(s.fs, paths.KeyAuditLog, s.log, 1000)
	b.usageLog = audit.NewTrail(s.fs, paths.IntegrationAuditLog, s.log, 1000)
	b.store = store.New(s.fs, paths, s.log)
	b.bus = events.NewBus(s.fs, paths, s.log)
	b.limiter = ratelimit.NewLimiter(time.Hour)
	b.keys = apikeys.New(s.fs, paths, s.codec, b.limiter, b.trail, s.log)
	b.access = access.NewController(s.codec, b.store, b.trail, s.log)
	b.autoStore = automations.NewStore(s.fs, paths, b.bus, s.log)
	b.engine = automations.NewEngine(b.autoStore, b.bus, s.codec, b.trail, b.limiter, s.client, s.log)
	b.proxy = integrations.NewProxy(s.fs, paths, s.codec, b.limiter, b.usageLog, s.client, s.log)

	remote := s.remote
	if remote == nil {
		remote = mcp.NewClient(zapr.NewLogger(s.log.Named("mcp")))
	}
	b.registry = cpmcp.NewRegistry(b.store, s.codec, b.trail, remote, s.log)
	b.health = cpmcp.NewHealthChecker(b.registry, s.cfg.MCPHealthInterval())

	// Matched event triggers run with a per-owner system token, as do cron
	// firings.
	b.bus.SetDispatcher(func(reg events.TriggerRegistration, ev *events.Event) {
		token, err := s.systemToken(domain, reg.OwnerID)
		if err != nil {
			s.log.Warn("cannot mint dispatch token", zap.String("tenant", domain), zap.Error(err))
			return
		}
		b.engine.Dispatcher(token)(reg, ev)
	})
	b.scheduler = automations.NewScheduler(b.autoStore, b.engine, func(owner string) (string, error) {
		return s.systemToken(domain, owner)
	}, s.log)

	b.scheduler.Start(s.baseCtx)
	b.health.Start(s.baseCtx)

	s.bundles[domain] = b
	s.log.Info("tenant bundle initialized", zap.String("tenant", domain))
	return b, nil
}

// systemToken mints the internal token automation and cron dispatch run
// under. It carries the standard automation surface for the owner; tenant
// constraints come from token defaults.
func (s *Server) systemToken(domain, owner string) (string, error) {
	claims := captoken.NewClaims(owner, domain, []captoken.Capability{
		{Resource: "automation:*", Actions: []string{"*"}},
		{Resource: "integration:*", Actions: []string{"*"}},
		{Resource: "mcp:*", Actions: []string{"*"}},
	}, nil)
	return s.codec.Mint(claims, time.Hour)
}

// Handler returns the fully-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	throttle := newCallerThrottle(s.cfg.Throttle.RequestsPerSecond, s.cfg.Throttle.Burst)

	var handler http.Handler = mux
	handler = maxBodySizeMiddleware(limit, handler)
	handler = throttleMiddleware(throttle, handler)
	handler = loggingMiddleware(s.log, handler)
	handler = recoveryMiddleware(s.log, handler)
	return handler
}

// Start serves HTTP until ctx is cancelled, then drains with a 10s grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("control plane listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.String("version", Version))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops every per-tenant loop and releases pooled handles.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bundles {
		b.scheduler.Stop()
		b.health.Stop()
		b.registry.Close()
	}
}
