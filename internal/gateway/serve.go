package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/aggregator"
	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/logging"
	"github.com/manifoldmcp/manifold/internal/middleware"
	"github.com/manifoldmcp/manifold/internal/store"
)

// bundle is everything a new wire session needs, resolved while the
// HTTP request is still ours. The SDK server factory runs inside the
// same request and must not fail, so all fallible lookups happen here.
type bundle struct {
	acc     *access
	ns      *config.NamespaceConfig
	servers map[string]*config.ServerConfig
}

type bundleKeyType struct{}

var bundleKey bundleKeyType

func bundleFrom(ctx context.Context) *bundle {
	b, _ := ctx.Value(bundleKey).(*bundle)
	return b
}

// endpointHandlers is the cached pair of SDK handlers for one endpoint.
// The handlers own wire-session state (session ids, event streams), so
// they must survive across requests; the cache entry is dropped when
// the endpoint's configuration changes.
type endpointHandlers struct {
	streamable http.Handler
	sse        http.Handler
}

func (g *Gateway) endpointFor(name string) *endpointHandlers {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.handlers[name]; ok {
		return h
	}
	h := &endpointHandlers{
		streamable: mcp.NewStreamableHTTPHandler(g.newWireServer, &mcp.StreamableHTTPOptions{
			SessionTimeout: time.Duration(g.settings.SessionIdleTimeout) * time.Second,
			Stateless:      false,
		}),
		sse: mcp.NewSSEHandler(g.newWireServer, &mcp.SSEOptions{}),
	}
	g.handlers[name] = h
	return h
}

func (g *Gateway) dropEndpoint(name string) {
	g.mu.Lock()
	delete(g.handlers, name)
	g.mu.Unlock()
	g.dropView(name)
}

func (g *Gateway) dropAllEndpoints() {
	g.mu.Lock()
	g.handlers = make(map[string]*endpointHandlers)
	g.mu.Unlock()
	g.closeAllViews()
}

func (g *Gateway) serveStreamable(w http.ResponseWriter, r *http.Request) {
	acc := accessFrom(r.Context())
	// Requests continuing an existing wire session are routed by id
	// inside the SDK handler; only session-creating requests need the
	// namespace resolved for the server factory.
	if r.Header.Get("Mcp-Session-Id") == "" {
		b, ok := g.resolveBundle(w, r, acc)
		if !ok {
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), bundleKey, b))
	}
	g.endpointFor(acc.endpoint.Name).streamable.ServeHTTP(w, r)
}

func (g *Gateway) serveSSE(w http.ResponseWriter, r *http.Request) {
	acc := accessFrom(r.Context())
	// Only the stream-opening GET creates a session; message POSTs are
	// routed by their sessionid query parameter.
	if r.Method == http.MethodGet {
		b, ok := g.resolveBundle(w, r, acc)
		if !ok {
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), bundleKey, b))
	}
	g.endpointFor(acc.endpoint.Name).sse.ServeHTTP(w, r)
}

// resolveBundle loads the endpoint's namespace and the server configs
// it references. A false return means the response was written.
func (g *Gateway) resolveBundle(w http.ResponseWriter, r *http.Request, acc *access) (*bundle, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	ns, err := g.store.GetNamespace(ctx, acc.endpoint.Namespace)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.LogError("endpoint '%s': namespace '%s' missing", acc.endpoint.Name, acc.endpoint.Namespace)
		} else {
			common.LogError("endpoint '%s': namespace lookup failed: %v", acc.endpoint.Name, err)
		}
		writeError(w, http.StatusInternalServerError, "endpoint configuration unavailable")
		return nil, false
	}

	servers, err := g.store.ListServers(ctx)
	if err != nil {
		common.LogError("endpoint '%s': server lookup failed: %v", acc.endpoint.Name, err)
		writeError(w, http.StatusInternalServerError, "endpoint configuration unavailable")
		return nil, false
	}
	byName := make(map[string]*config.ServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}

	return &bundle{acc: acc, ns: ns, servers: byName}, true
}

// newWireServer builds the per-session MCP server. It is invoked by the
// SDK handlers once per new wire session; the aggregator does not start
// until the initialize request actually arrives.
func (g *Gateway) newWireServer(r *http.Request) *mcp.Server {
	b := bundleFrom(r.Context())
	if b == nil {
		return nil
	}

	chain, err := middleware.NewChain(b.ns)
	if err != nil {
		common.LogError("endpoint '%s': building middleware chain: %v", b.acc.endpoint.Name, err)
		return nil
	}

	sess := &session{
		id:         common.NewSessionID(),
		endpoint:   b.acc.endpoint.Name,
		namespace:  b.ns.Name,
		principal:  b.acc.principal,
		transport:  b.acc.shape.String(),
		created:    time.Now(),
		lastActive: time.Now(),
	}
	sess.slog = logging.NewSessionLogger(g.base, sess.id, sess.endpoint, sess.namespace, sess.transport)
	sess.agg = aggregator.New(aggregator.Options{
		Endpoint:  sess.endpoint,
		Namespace: b.ns,
		Servers:   b.servers,
		Pool:      g.pool,
		Chain:     chain,
		Settings:  g.settings,
		Log:       sess.slog,
		OnStale: func(reason string) {
			sess.close(reason)
			g.sessions.remove(sess.id)
		},
	})

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "manifold-" + sess.endpoint,
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{
				ListChanged: true,
			},
		},
	})
	srv.AddReceivingMiddleware(g.sessionMiddleware(sess))
	sess.srv = srv
	return srv
}

// sessionMiddleware stamps activity for the idle janitor and activates
// the session on its initialize request: the aggregator leases its
// members and materializes the merged catalog before the handshake
// response is computed, so the advertised capabilities reflect it.
func (g *Gateway) sessionMiddleware(sess *session) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			sess.touch()
			if method == "initialize" {
				if ss, ok := req.GetSession().(*mcp.ServerSession); ok {
					g.activate(ctx, sess, ss)
				}
			}
			return next(ctx, method, req)
		}
	}
}

func (g *Gateway) activate(ctx context.Context, sess *session, ss *mcp.ServerSession) {
	sess.start.Do(func() {
		sess.agg.Start(ctx)
		sess.agg.Bind(sess.srv)
		sess.bind(ss)
		sess.agg.AttachOuter(ss)
		g.sessions.add(sess)
		sess.slog.LogSessionStart()

		go func() {
			ss.Wait()
			sess.close("client-disconnected")
			g.sessions.remove(sess.id)
		}()
	})
}
