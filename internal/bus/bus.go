// Package bus translates config-store change events into targeted
// invalidations for the session pool and live client sessions. Events
// arriving in bursts, such as a multi-server import, collapse into one
// invalidation per target within a short window.
package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manifoldmcp/manifold/internal/store"
)

// DefaultWindow is the coalescing window for repeated invalidations of the
// same target.
const DefaultWindow = 200 * time.Millisecond

// TargetKind selects what an invalidation applies to.
type TargetKind string

const (
	// TargetFingerprint invalidates pooled downstream sessions built from
	// a server fingerprint.
	TargetFingerprint TargetKind = "fingerprint"
	// TargetNamespace drains client sessions aggregating a namespace.
	TargetNamespace TargetKind = "namespace"
	// TargetEndpoint drains client sessions connected through an endpoint.
	TargetEndpoint TargetKind = "endpoint"
	// TargetPrincipal drains client sessions authenticated as a revoked key.
	TargetPrincipal TargetKind = "principal"
	// TargetAll invalidates everything; used on shutdown.
	TargetAll TargetKind = "all"
)

// Invalidation is one delivered notice.
type Invalidation struct {
	Kind   TargetKind
	Target string // fingerprint, namespace name, endpoint name or key id
	Reason string
}

// Resolver answers membership questions during event translation.
type Resolver interface {
	// NamespacesForServer returns the names of namespaces that reference
	// the given server. Failures report empty.
	NamespacesForServer(server string) []string
}

type selectorKey struct {
	kind   TargetKind
	target string
}

// Bus coalesces invalidations and fans them out to subscribers.
type Bus struct {
	window time.Duration

	mu      sync.Mutex
	pending map[selectorKey]Invalidation
	timer   *time.Timer
	subs    map[int]func(Invalidation)
	nextID  int
	closed  bool
}

// New returns a bus with the given coalescing window. Zero or negative
// selects DefaultWindow.
func New(window time.Duration) *Bus {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Bus{
		window:  window,
		pending: make(map[selectorKey]Invalidation),
		subs:    make(map[int]func(Invalidation)),
	}
}

// Subscribe registers a delivery callback. Callbacks run on the bus timer
// goroutine and must not block. The returned function cancels.
func (b *Bus) Subscribe(fn func(Invalidation)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish queues an invalidation. Repeats for the same target within the
// window collapse into the first; an all-target wipes everything narrower.
func (b *Bus) Publish(inv Invalidation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	allKey := selectorKey{kind: TargetAll}
	if _, wiped := b.pending[allKey]; wiped {
		return
	}
	if inv.Kind == TargetAll {
		b.pending = map[selectorKey]Invalidation{allKey: inv}
	} else {
		key := selectorKey{kind: inv.Kind, target: inv.Target}
		if _, exists := b.pending[key]; !exists {
			b.pending[key] = inv
		}
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

// Source is the subset of the config store the bus consumes.
type Source interface {
	Subscribe(fn func(store.Event)) func()
}

// Attach subscribes the bus to a config store and translates its change
// events. The returned function detaches.
func (b *Bus) Attach(src Source, r Resolver) func() {
	return src.Subscribe(func(e store.Event) { b.route(e, r) })
}

func (b *Bus) route(e store.Event, r Resolver) {
	switch e.Kind {
	case store.EventServerUpdated:
		if e.OldFingerprint == "" {
			// Brand new server; nothing pooled, no namespace references it.
			return
		}
		if e.OldFingerprint != e.NewFingerprint {
			b.Publish(Invalidation{
				Kind:   TargetFingerprint,
				Target: e.OldFingerprint,
				Reason: fmt.Sprintf("server '%s' changed", e.Name),
			})
			return
		}
		// Same process behavior, different aggregation (enabled toggle):
		// pooled sessions stay, namespaces re-aggregate.
		for _, ns := range r.NamespacesForServer(e.Name) {
			b.Publish(Invalidation{
				Kind:   TargetNamespace,
				Target: ns,
				Reason: fmt.Sprintf("member server '%s' changed", e.Name),
			})
		}
	case store.EventServerRemoved:
		b.Publish(Invalidation{
			Kind:   TargetFingerprint,
			Target: e.OldFingerprint,
			Reason: fmt.Sprintf("server '%s' removed", e.Name),
		})
	case store.EventNamespaceUpdated:
		b.Publish(Invalidation{
			Kind:   TargetNamespace,
			Target: e.Name,
			Reason: fmt.Sprintf("namespace '%s' changed", e.Name),
		})
	case store.EventNamespaceRemoved:
		b.Publish(Invalidation{
			Kind:   TargetNamespace,
			Target: e.Name,
			Reason: fmt.Sprintf("namespace '%s' removed", e.Name),
		})
	case store.EventEndpointUpdated:
		b.Publish(Invalidation{
			Kind:   TargetEndpoint,
			Target: e.Name,
			Reason: fmt.Sprintf("endpoint '%s' changed", e.Name),
		})
	case store.EventEndpointRemoved:
		b.Publish(Invalidation{
			Kind:   TargetEndpoint,
			Target: e.Name,
			Reason: fmt.Sprintf("endpoint '%s' removed", e.Name),
		})
	case store.EventSettingsUpdated:
		// Settings apply to new sessions and leases only.
	}
}

// RevokeKeys publishes principal invalidations for revoked API key ids.
func (b *Bus) RevokeKeys(ids []string) {
	for _, id := range ids {
		b.Publish(Invalidation{
			Kind:   TargetPrincipal,
			Target: id,
			Reason: "api key revoked",
		})
	}
}

func (b *Bus) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[selectorKey]Invalidation)
	b.timer = nil
	subs := make([]func(Invalidation), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	// Deterministic delivery order.
	keys := make([]selectorKey, 0, len(batch))
	for key := range batch {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].target < keys[j].target
	})

	for _, key := range keys {
		for _, fn := range subs {
			fn(batch[key])
		}
	}
}

// Close drops pending invalidations and stops delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[selectorKey]Invalidation)
}
