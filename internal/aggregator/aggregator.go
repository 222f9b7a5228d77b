// Package aggregator merges the catalogs of a namespace's member servers
// into a single MCP surface and routes each client request back to the
// member that owns the exposed item.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/downstream"
	"github.com/manifoldmcp/manifold/internal/logging"
	"github.com/manifoldmcp/manifold/internal/middleware"
	"github.com/manifoldmcp/manifold/internal/pool"
)

// Options configures one Aggregator. One Aggregator serves exactly one
// client session; the pool behind it is shared across sessions.
type Options struct {
	Endpoint  string
	Namespace *config.NamespaceConfig
	Servers   map[string]*config.ServerConfig
	Pool      *pool.Pool
	Chain     *middleware.Chain
	Settings  config.Settings

	// Log records per-session request and notification events. May be nil.
	Log *logging.SessionLogger

	// OnStale is called once, after in-flight requests drain, when any
	// member lease is invalidated by a configuration change. The owner is
	// expected to close the client session and this Aggregator.
	OnStale func(reason string)
}

// member is one namespace member participating in the aggregation. The
// aggregation order is the declaration order in the namespace.
type member struct {
	id   string
	cfg  *config.ServerConfig
	spec *config.NamespaceMember

	mu       sync.Mutex
	lease    *pool.Lease
	degraded bool
	reason   string
}

// live returns the member's session when a healthy lease is held.
func (m *member) live() *downstream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return nil
	}
	if s := m.lease.Session(); s.Healthy() {
		return s
	}
	return nil
}

// ref resolves an exposed name back to the owning member and the name the
// member knows the item by.
type ref struct {
	m     *member
	inner string
}

// Aggregator owns the leases, routing tables and notification plumbing for
// one client session.
type Aggregator struct {
	endpoint string
	pool     *pool.Pool
	chain    *middleware.Chain
	slog     *logging.SessionLogger
	onStale  func(string)

	listTimeout    time.Duration
	callTimeout    time.Duration
	defaultTimeout time.Duration

	members []*member

	reqSeq    atomic.Uint64
	staleOnce sync.Once
	calls     sync.WaitGroup

	mu            sync.Mutex
	server        *mcp.Server
	outer         *mcp.ServerSession
	closed        bool
	refreshTimers map[downstream.ListKind]*time.Timer
	inflight      map[uint64]context.CancelFunc
	callSeq       uint64

	tools     map[string]ref
	prompts   map[string]ref
	resources map[string]ref // keyed by URI
	templates map[string]ref // keyed by URI template

	pubTools     map[string]*mcp.Tool
	pubPrompts   map[string]*mcp.Prompt
	pubResources map[string]*mcp.Resource
	pubTemplates map[string]*mcp.ResourceTemplate
}

// New builds an Aggregator for the namespace. Members that are disabled, or
// whose server is disabled or missing, do not participate.
func New(opts Options) *Aggregator {
	s := opts.Settings
	if s.ListTimeout <= 0 || s.CallTimeout <= 0 || s.DefaultTimeout <= 0 {
		def := config.DefaultSettings()
		if s.ListTimeout <= 0 {
			s.ListTimeout = def.ListTimeout
		}
		if s.CallTimeout <= 0 {
			s.CallTimeout = def.CallTimeout
		}
		if s.DefaultTimeout <= 0 {
			s.DefaultTimeout = def.DefaultTimeout
		}
	}

	a := &Aggregator{
		endpoint:       opts.Endpoint,
		pool:           opts.Pool,
		chain:          opts.Chain,
		slog:           opts.Log,
		onStale:        opts.OnStale,
		listTimeout:    time.Duration(s.ListTimeout) * time.Second,
		callTimeout:    time.Duration(s.CallTimeout) * time.Second,
		defaultTimeout: time.Duration(s.DefaultTimeout) * time.Second,
		refreshTimers:  make(map[downstream.ListKind]*time.Timer),
		inflight:       make(map[uint64]context.CancelFunc),
		tools:          make(map[string]ref),
		prompts:        make(map[string]ref),
		resources:      make(map[string]ref),
		templates:      make(map[string]ref),
		pubTools:       make(map[string]*mcp.Tool),
		pubPrompts:     make(map[string]*mcp.Prompt),
		pubResources:   make(map[string]*mcp.Resource),
		pubTemplates:   make(map[string]*mcp.ResourceTemplate),
	}

	if opts.Namespace != nil {
		for _, nm := range opts.Namespace.Members {
			if nm.Disabled {
				continue
			}
			srv := opts.Servers[nm.Server]
			if srv == nil {
				common.LogWarn("endpoint '%s': member '%s' references unknown server '%s'", a.endpoint, nm.MemberID(), nm.Server)
				continue
			}
			if !srv.Enabled {
				continue
			}
			a.members = append(a.members, &member{id: nm.MemberID(), cfg: srv, spec: nm})
		}
	}
	return a
}

// Start leases a session for every member in parallel. A member whose lease
// fails is marked degraded and the aggregation proceeds without it; degraded
// members are retried lazily on later list refreshes and calls.
func (a *Aggregator) Start(ctx context.Context) {
	var g errgroup.Group
	for _, m := range a.members {
		m := m
		g.Go(func() error {
			if err := a.leaseMember(ctx, m); err != nil {
				common.LogWarn("endpoint '%s': member '%s' degraded at startup: %v", a.endpoint, m.id, err)
			}
			return nil
		})
	}
	g.Wait()
}

// leaseMember acquires a fresh lease for the member, replacing a dead one if
// present. Holding the member lock across the dial serializes re-lease
// attempts so concurrent callers share a single recovery.
func (a *Aggregator) leaseMember(ctx context.Context, m *member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil {
		if m.lease.Session().Healthy() {
			return nil
		}
		m.lease.Release(false)
		m.lease = nil
	}

	lease, err := a.pool.Lease(ctx, m.cfg)
	if err != nil {
		m.degraded = true
		m.reason = err.Error()
		return err
	}
	lease.Session().AttachSink(a.sinkFor(m))
	lease.OnInvalidate(a.handleStale)
	m.lease = lease
	m.degraded = false
	m.reason = ""
	return nil
}

// liveSession returns a healthy session for the member, attempting a single
// re-lease when the member is degraded or its session has died.
func (a *Aggregator) liveSession(ctx context.Context, m *member) (*downstream.Session, error) {
	if s := m.live(); s != nil {
		return s, nil
	}
	if err := a.leaseMember(ctx, m); err != nil {
		return nil, err
	}
	if s := m.live(); s != nil {
		return s, nil
	}
	return nil, errMemberDown
}

// Bind registers the aggregated catalog on the server. Later catalog changes
// are applied incrementally as member list notifications arrive.
func (a *Aggregator) Bind(srv *mcp.Server) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.server = srv
	a.mu.Unlock()

	a.applyTools()
	a.applyPrompts()
	a.applyResources()
}

// AttachOuter hands the aggregator the client-facing session so member
// notifications can be relayed. Until it is called, member notifications
// are dropped.
func (a *Aggregator) AttachOuter(ss *mcp.ServerSession) {
	a.mu.Lock()
	a.outer = ss
	a.mu.Unlock()
}

func (a *Aggregator) outerSession() *mcp.ServerSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outer
}

// Retire begins a graceful teardown: in-flight requests run to completion,
// then the OnStale callback fires so the owner can terminate the client
// session. Subsequent calls are no-ops.
func (a *Aggregator) Retire(reason string) {
	a.handleStale(reason)
}

// handleStale reacts to a lease invalidation: in-flight requests finish on
// the old sessions, then the owner is told to terminate the client session.
// The session is never re-aggregated in place.
func (a *Aggregator) handleStale(reason string) {
	a.staleOnce.Do(func() {
		common.LogInfo("endpoint '%s': member configuration changed, retiring session: %s", a.endpoint, reason)
		go func() {
			a.calls.Wait()
			if a.onStale != nil {
				a.onStale(reason)
			}
		}()
	})
}

// Close cancels in-flight forwards, stops pending refreshes and returns all
// member leases to the pool. Safe to call more than once.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	timers := a.refreshTimers
	a.refreshTimers = nil
	cancels := make([]context.CancelFunc, 0, len(a.inflight))
	for _, cancel := range a.inflight {
		cancels = append(cancels, cancel)
	}
	a.inflight = nil
	a.outer = nil
	a.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, cancel := range cancels {
		cancel()
	}
	a.calls.Wait()

	for _, m := range a.members {
		m.mu.Lock()
		if m.lease != nil {
			m.lease.Release(true)
			m.lease = nil
		}
		m.mu.Unlock()
	}
}

// MemberHealth is a point-in-time view of one member for status reporting.
type MemberHealth struct {
	ID      string `json:"id"`
	Server  string `json:"server"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// Tools returns the currently exposed tool catalog sorted by name. The
// slice is a fresh snapshot; the tools themselves are shared and must not
// be mutated.
func (a *Aggregator) Tools() []*mcp.Tool {
	a.mu.Lock()
	out := make([]*mcp.Tool, 0, len(a.pubTools))
	for _, t := range a.pubTools {
		out = append(out, t)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Members reports the health of every participating member in aggregation
// order.
func (a *Aggregator) Members() []MemberHealth {
	out := make([]MemberHealth, 0, len(a.members))
	for _, m := range a.members {
		h := MemberHealth{ID: m.id, Server: m.cfg.Name}
		m.mu.Lock()
		if m.lease != nil && m.lease.Session().Healthy() {
			h.Healthy = true
		} else {
			h.Reason = m.reason
			if h.Reason == "" {
				h.Reason = "no live session"
			}
		}
		m.mu.Unlock()
		out = append(out, h)
	}
	return out
}
