// Package middleware runs per-namespace interceptor chains around the
// aggregated catalogs and the calls routed through them. Middlewares are
// resolved by name against a process-wide registry; a namespace naming an
// unregistered middleware fails to load.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/config"
)

// ErrToolNotFound rejects calls to entries the chain has hidden.
var ErrToolNotFound = errors.New("tool not found")

// Kind names a catalog and call category.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Item is one exposed catalog entry. It carries its origin so
// interceptors can filter on membership. Exactly one of Tool, Prompt,
// Resource is set, matching Kind.
type Item struct {
	Kind    Kind
	Member  string // member id within the namespace
	Inner   string // name on the member server
	Exposed string // name presented to the client

	Tool     *mcp.Tool
	Prompt   *mcp.Prompt
	Resource *mcp.Resource
}

// Call is an invocation about to be forwarded downstream.
type Call struct {
	Kind    Kind
	Exposed string // name the client used
	Member  string // resolved member id
	Inner   string // name on the member server
}

// Handler forwards a call downstream and returns the raw result.
type Handler func(ctx context.Context) (any, error)

// Middleware hooks run in the order declared on the namespace.
type Middleware interface {
	Name() string

	// TransformCatalog filters or rewrites one kind of catalog. It runs
	// on every list serve, after aggregation and before the reply. It
	// must not mutate the input slice.
	TransformCatalog(kind Kind, items []Item) []Item

	// InterceptCall wraps a call. It may short-circuit by returning
	// without invoking next.
	InterceptCall(ctx context.Context, call *Call, next Handler) (any, error)
}

// Builder constructs a middleware from its spec and the namespace it is
// declared on.
type Builder func(spec *config.MiddlewareConfig, ns *config.NamespaceConfig) (Middleware, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Builder)
)

// Register makes a middleware available under the given name. Later
// registrations replace earlier ones.
func Register(name string, b Builder) {
	regMu.Lock()
	registry[name] = b
	regMu.Unlock()
}

func lookup(name string) Builder {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry[name]
}

// Chain is the ordered middleware list of one namespace.
type Chain struct {
	mws []Middleware
}

// NewChain builds the chain declared on the namespace. Disabled entries
// are skipped; unknown names are a configuration error.
func NewChain(ns *config.NamespaceConfig) (*Chain, error) {
	var mws []Middleware
	for _, spec := range ns.Middlewares {
		if spec.Disabled {
			continue
		}
		b := lookup(spec.Name)
		if b == nil {
			return nil, fmt.Errorf("namespace '%s': unknown middleware '%s'", ns.Name, spec.Name)
		}
		mw, err := b(spec, ns)
		if err != nil {
			return nil, fmt.Errorf("namespace '%s': middleware '%s': %w", ns.Name, spec.Name, err)
		}
		mws = append(mws, mw)
	}
	return &Chain{mws: mws}, nil
}

// Len returns the number of active middlewares.
func (c *Chain) Len() int { return len(c.mws) }

// TransformCatalog folds the chain over the items in declared order.
func (c *Chain) TransformCatalog(kind Kind, items []Item) []Item {
	for _, mw := range c.mws {
		items = mw.TransformCatalog(kind, items)
	}
	return items
}

// InterceptCall runs the chain around final. The first declared
// middleware sees the call first and may short-circuit the rest.
func (c *Chain) InterceptCall(ctx context.Context, call *Call, final Handler) (any, error) {
	handler := final
	for i := len(c.mws) - 1; i >= 0; i-- {
		mw := c.mws[i]
		next := handler
		handler = func(ctx context.Context) (any, error) {
			return mw.InterceptCall(ctx, call, next)
		}
	}
	return handler(ctx)
}
