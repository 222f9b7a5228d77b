package middleware

import (
	"context"
	"fmt"

	"github.com/manifoldmcp/manifold/internal/config"
)

func init() {
	Register("filter-inactive-tools", newFilterInactiveTools)
}

// filterInactiveTools hides tools whose per-member enabled flag is off
// and refuses calls to them. The aggregator already skips these entries
// when building the catalog; declaring the middleware additionally
// guards calls that bypass the catalog path.
type filterInactiveTools struct {
	// disabled[member] holds the inner tool names switched off for that
	// member.
	disabled map[string]map[string]bool
}

func newFilterInactiveTools(_ *config.MiddlewareConfig, ns *config.NamespaceConfig) (Middleware, error) {
	disabled := make(map[string]map[string]bool)
	for _, m := range ns.Members {
		for tool, enabled := range m.Tools {
			if enabled {
				continue
			}
			id := m.MemberID()
			if disabled[id] == nil {
				disabled[id] = make(map[string]bool)
			}
			disabled[id][tool] = true
		}
	}
	return &filterInactiveTools{disabled: disabled}, nil
}

func (f *filterInactiveTools) Name() string { return "filter-inactive-tools" }

func (f *filterInactiveTools) TransformCatalog(kind Kind, items []Item) []Item {
	if kind != KindTool || len(f.disabled) == 0 {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.disabled[it.Member][it.Inner] {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (f *filterInactiveTools) InterceptCall(ctx context.Context, call *Call, next Handler) (any, error) {
	if call.Kind == KindTool && f.disabled[call.Member][call.Inner] {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Exposed)
	}
	return next(ctx)
}
