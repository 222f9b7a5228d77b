// Package gateway is the HTTP front of the proxy. It publishes every
// configured endpoint under its URL segment in both MCP wire shapes
// (streamable HTTP and legacy SSE) plus a read-only REST view of the
// aggregated tool catalog, enforces each endpoint's auth policy, and
// retires client sessions when configuration they depend on changes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/manifoldmcp/manifold/internal/auth"
	"github.com/manifoldmcp/manifold/internal/bus"
	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/logging"
	"github.com/manifoldmcp/manifold/internal/pool"
	"github.com/manifoldmcp/manifold/internal/store"
)

// resolveTimeout bounds store lookups done while serving a request.
const resolveTimeout = 5 * time.Second

// Options configures a Gateway. Store and Pool are required; Settings
// must already be resolved (store values overlaid with environment).
type Options struct {
	Store    store.Store
	Bus      *bus.Bus
	Pool     *pool.Pool
	Keys     *auth.APIKeyStore
	Settings config.Settings
	Logger   *logging.EventLogger
}

// Gateway serves the HTTP surface and owns all live client sessions.
type Gateway struct {
	store    store.Store
	bus      *bus.Bus
	pool     *pool.Pool
	settings config.Settings
	base     *logging.EventLogger

	keys atomic.Pointer[auth.APIKeyStore]

	mux    *http.ServeMux
	server *http.Server

	sessions *registry

	mu       sync.Mutex
	handlers map[string]*endpointHandlers
	views    map[string]*restView

	restFlight singleflight.Group

	unsubscribe func()
	janitorStop chan struct{}
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway requires a config store")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("gateway requires a session pool")
	}

	g := &Gateway{
		store:    opts.Store,
		bus:      opts.Bus,
		pool:     opts.Pool,
		settings: opts.Settings,
		base:     opts.Logger,
		mux:      http.NewServeMux(),
		sessions: newRegistry(),
		handlers: make(map[string]*endpointHandlers),
		views:    make(map[string]*restView),
	}
	g.keys.Store(opts.Keys)

	g.routes()

	// No WriteTimeout: SSE streams and streamable GET channels outlive
	// any fixed write deadline.
	g.server = &http.Server{
		Addr:              g.settings.Addr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.bus != nil {
		g.unsubscribe = g.bus.Subscribe(g.handleInvalidation)
	}
	if g.settings.SessionIdleTimeout > 0 {
		g.janitorStop = make(chan struct{})
		go g.janitor(time.Duration(g.settings.SessionIdleTimeout)*time.Second, g.janitorStop)
	}
	return g, nil
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET /healthz", g.handleHealthz)

	g.mux.Handle("/{endpoint}/mcp", g.withAuth(shapeStreamable, g.serveStreamable))
	g.mux.Handle("/{endpoint}/sse", g.withAuth(shapeSSE, g.serveSSE))
	g.mux.Handle("/{endpoint}/message", g.withAuth(shapeSSE, g.serveSSE))

	g.mux.Handle("GET /{endpoint}/api", g.withAuth(shapeREST, g.serveToolIndex))
	g.mux.Handle("GET /{endpoint}/api/openapi.json", g.withAuth(shapeREST, g.serveOpenAPI))
	g.mux.Handle("POST /{endpoint}/api/tools/{tool}", g.withAuth(shapeREST, g.serveToolInvoke))

	if !g.settings.DisableLegacyKeyPaths {
		g.mux.Handle("/api-key/{key}/{endpoint}/mcp", g.legacyKey(g.withAuth(shapeStreamable, g.serveStreamable)))
		g.mux.Handle("/api-key/{key}/{endpoint}/sse", g.legacyKey(g.withAuth(shapeSSE, g.serveSSE)))
		g.mux.Handle("/api-key/{key}/{endpoint}/message", g.legacyKey(g.withAuth(shapeSSE, g.serveSSE)))
	}
}

// Handler exposes the route table, mainly for tests that serve the
// gateway through httptest instead of the embedded http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Addr returns the configured listen address.
func (g *Gateway) Addr() string {
	return g.server.Addr
}

// SetKeys swaps the API key store. Existing sessions keep running; the
// key watcher revokes sessions of removed keys through the bus.
func (g *Gateway) SetKeys(keys *auth.APIKeyStore) {
	g.keys.Store(keys)
}

// Start begins serving in the background. The returned channel yields
// the listener error if the server stops on its own.
func (g *Gateway) Start() <-chan error {
	errChan := make(chan error, 1)
	go func() {
		common.LogInfo("gateway listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
			return
		}
		errChan <- nil
	}()
	return errChan
}

// Shutdown closes every client session, releases the REST views and
// stops the HTTP server. Sessions are closed before the listener so
// open event streams terminate instead of pinning the shutdown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}
	if g.janitorStop != nil {
		close(g.janitorStop)
		g.janitorStop = nil
	}

	g.sessions.closeAll("shutting down")
	g.closeAllViews()

	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInvalidation applies one coalesced change notice. Server
// fingerprint changes go to the pool, which marks live leases stale and
// lets their aggregators retire themselves; everything else drains the
// affected client sessions directly.
func (g *Gateway) handleInvalidation(inv bus.Invalidation) {
	switch inv.Kind {
	case bus.TargetFingerprint:
		g.pool.Invalidate(inv.Target, inv.Reason)
	case bus.TargetNamespace:
		g.sessions.retireMatching(func(s *session) bool { return s.namespace == inv.Target }, inv.Reason)
		g.dropViewsForNamespace(inv.Target)
	case bus.TargetEndpoint:
		g.sessions.retireMatching(func(s *session) bool { return s.endpoint == inv.Target }, inv.Reason)
		g.dropEndpoint(inv.Target)
	case bus.TargetPrincipal:
		g.sessions.closeMatching(func(s *session) bool { return s.principal == inv.Target }, inv.Reason)
	case bus.TargetAll:
		g.sessions.closeAll(inv.Reason)
		g.dropAllEndpoints()
	}
}

// NamespacesForServer implements bus.Resolver so same-fingerprint server
// updates (description, enable flag) still reach the right sessions.
func (g *Gateway) NamespacesForServer(server string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	namespaces, err := g.store.ListNamespaces(ctx)
	if err != nil {
		common.LogWarn("resolver: listing namespaces: %v", err)
		return nil
	}
	var out []string
	for _, ns := range namespaces {
		for _, m := range ns.Members {
			if m.Server == server {
				out = append(out, ns.Name)
				break
			}
		}
	}
	return out
}

// Status is a point-in-time operational snapshot served over the
// control socket.
type Status struct {
	Addr     string        `json:"addr"`
	Sessions []SessionInfo `json:"sessions"`
	Pool     []pool.Stats  `json:"pool"`
}

// Status reports the live sessions and pool counters.
func (g *Gateway) Status() *Status {
	return &Status{
		Addr:     g.server.Addr,
		Sessions: g.sessions.infos(),
		Pool:     g.pool.Stats(),
	}
}

func (g *Gateway) janitor(idle time.Duration, stop <-chan struct{}) {
	interval := idle / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sessions.closeIdle(idle)
		case <-stop:
			return
		}
	}
}
