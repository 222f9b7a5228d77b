package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/aggregator"
	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/downstream"
	"github.com/manifoldmcp/manifold/internal/logging"
	"github.com/manifoldmcp/manifold/internal/middleware"
)

// maxInvokeBody caps REST tool invocation payloads.
const maxInvokeBody = 8 << 20

// restView serves an endpoint's tool catalog without a client session.
// Its aggregator is bound to a server that is never connected, so
// member notifications keep the catalog fresh while relays drop.
type restView struct {
	endpoint  string
	namespace string
	agg       *aggregator.Aggregator
	slog      *logging.SessionLogger
}

func (v *restView) close(reason string) {
	v.agg.Close()
	v.slog.LogSessionStop(reason, nil)
}

func (g *Gateway) viewFor(w http.ResponseWriter, r *http.Request, acc *access) (*restView, bool) {
	name := acc.endpoint.Name

	g.mu.Lock()
	v := g.views[name]
	g.mu.Unlock()
	if v != nil {
		return v, true
	}

	got, err, _ := g.restFlight.Do(name, func() (any, error) {
		return g.buildView(acc.endpoint.Name, acc.endpoint.Namespace)
	})
	if err != nil {
		common.LogError("endpoint '%s': building REST view: %v", name, err)
		writeError(w, http.StatusInternalServerError, "endpoint configuration unavailable")
		return nil, false
	}
	return got.(*restView), true
}

func (g *Gateway) buildView(endpoint, namespace string) (*restView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	ns, err := g.store.GetNamespace(ctx, namespace)
	if err != nil {
		cancel()
		return nil, err
	}
	servers, err := g.store.ListServers(ctx)
	cancel()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*config.ServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}

	chain, err := middleware.NewChain(ns)
	if err != nil {
		return nil, err
	}

	v := &restView{endpoint: endpoint, namespace: ns.Name}
	v.slog = logging.NewSessionLogger(g.base, common.NewSessionID(), endpoint, ns.Name, "rest")
	v.agg = aggregator.New(aggregator.Options{
		Endpoint:  endpoint,
		Namespace: ns,
		Servers:   byName,
		Pool:      g.pool,
		Chain:     chain,
		Settings:  g.settings,
		Log:       v.slog,
		OnStale:   func(string) { g.dropView(endpoint) },
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), time.Duration(g.settings.ListTimeout)*time.Second)
	v.agg.Start(startCtx)
	startCancel()
	v.agg.Bind(mcp.NewServer(&mcp.Implementation{
		Name:    "manifold-" + endpoint,
		Version: "1.0.0",
	}, nil))
	v.slog.LogSessionStart()

	g.mu.Lock()
	g.views[endpoint] = v
	g.mu.Unlock()
	return v, nil
}

func (g *Gateway) dropView(name string) {
	g.mu.Lock()
	v := g.views[name]
	delete(g.views, name)
	g.mu.Unlock()
	if v != nil {
		go v.close("config-changed")
	}
}

func (g *Gateway) dropViewsForNamespace(namespace string) {
	g.mu.Lock()
	var victims []*restView
	for name, v := range g.views {
		if v.namespace == namespace {
			victims = append(victims, v)
			delete(g.views, name)
		}
	}
	g.mu.Unlock()
	for _, v := range victims {
		go v.close("config-changed")
	}
}

func (g *Gateway) closeAllViews() {
	g.mu.Lock()
	victims := g.views
	g.views = make(map[string]*restView)
	g.mu.Unlock()
	for _, v := range victims {
		v.close("shutting down")
	}
}

// serveToolIndex lists the endpoint's aggregated tools as JSON.
func (g *Gateway) serveToolIndex(w http.ResponseWriter, r *http.Request) {
	acc := accessFrom(r.Context())
	v, ok := g.viewFor(w, r, acc)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":  v.endpoint,
		"namespace": v.namespace,
		"tools":     v.agg.Tools(),
	})
}

// serveOpenAPI derives an OpenAPI 3.1 document from the aggregated tool
// catalog: one POST operation per tool, request body schema taken from
// the tool's input schema.
func (g *Gateway) serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	acc := accessFrom(r.Context())
	v, ok := g.viewFor(w, r, acc)
	if !ok {
		return
	}

	description := acc.endpoint.Description
	if description == "" {
		description = "Tools aggregated from namespace '" + v.namespace + "'."
	}
	serverURL := g.settings.BaseURL
	if serverURL == "" {
		serverURL = "/"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.1",
		Info: &openapi3.Info{
			Title:       "manifold endpoint '" + v.endpoint + "'",
			Description: description,
			Version:     "1.0.0",
		},
		Servers: openapi3.Servers{
			&openapi3.Server{URL: serverURL},
		},
		Paths: openapi3.NewPaths(),
	}

	for _, t := range v.agg.Tools() {
		op := &openapi3.Operation{
			OperationID: t.Name,
			Summary:     "Invoke tool " + t.Name,
			Description: t.Description,
			Tags:        []string{"tools"},
			Responses:   openapi3.NewResponses(),
		}
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(toolInputSchema(t)),
			},
		}
		doc.Paths.Set("/"+v.endpoint+"/api/tools/"+t.Name, &openapi3.PathItem{Post: op})
	}

	writeJSON(w, http.StatusOK, doc)
}

// toolInputSchema converts a tool's input schema into an OpenAPI schema
// ref, falling back to a permissive object when it does not translate.
func toolInputSchema(t *mcp.Tool) *openapi3.SchemaRef {
	fallback := &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	if t.InputSchema == nil {
		return fallback
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return fallback
	}
	var schema openapi3.Schema
	if err := schema.UnmarshalJSON(data); err != nil {
		return fallback
	}
	return &openapi3.SchemaRef{Value: &schema}
}

// serveToolInvoke executes one tool call outside any MCP session and
// returns the call result verbatim. Tool-level failures arrive inside
// the result with isError set; transport-level failures map onto HTTP
// statuses.
func (g *Gateway) serveToolInvoke(w http.ResponseWriter, r *http.Request) {
	acc := accessFrom(r.Context())
	v, ok := g.viewFor(w, r, acc)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvokeBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}
	if len(body) == 0 {
		// An absent body means no arguments, not empty raw JSON.
		body = nil
	}

	res, err := v.agg.Invoke(r.Context(), r.PathValue("tool"), body)
	if err != nil {
		switch {
		case errors.Is(err, middleware.ErrToolNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, downstream.ErrUnauthorized), errors.Is(err, downstream.ErrUnavailable):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
