package aggregator

import (
	"reflect"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/downstream"
	"github.com/manifoldmcp/manifold/internal/middleware"
)

// claimName reserves an exposed name. The first member to use a name gets it
// unchanged; later members get a member-prefixed alias. A prefixed alias that
// is itself taken loses the slot entirely.
func claimName(seen map[string]bool, memberID, name string) (string, bool) {
	if !seen[name] {
		seen[name] = true
		return name, true
	}
	prefixed := memberID + "__" + name
	if !seen[prefixed] {
		seen[prefixed] = true
		return prefixed, true
	}
	return "", false
}

func (a *Aggregator) collectTools() []middleware.Item {
	seen := make(map[string]bool)
	var items []middleware.Item
	for _, m := range a.members {
		sess := m.live()
		if sess == nil {
			continue
		}
		for _, t := range sess.Catalog().Tools {
			if !m.spec.ToolEnabled(t.Name) {
				continue
			}
			exposed, ok := claimName(seen, m.id, t.Name)
			if !ok {
				common.LogWarn("endpoint '%s': dropping tool '%s' from member '%s': alias already taken", a.endpoint, t.Name, m.id)
				continue
			}
			items = append(items, middleware.Item{
				Kind:    middleware.KindTool,
				Member:  m.id,
				Inner:   t.Name,
				Exposed: exposed,
				Tool:    t,
			})
		}
	}
	return items
}

func (a *Aggregator) collectPrompts() []middleware.Item {
	seen := make(map[string]bool)
	var items []middleware.Item
	for _, m := range a.members {
		sess := m.live()
		if sess == nil {
			continue
		}
		for _, p := range sess.Catalog().Prompts {
			exposed, ok := claimName(seen, m.id, p.Name)
			if !ok {
				common.LogWarn("endpoint '%s': dropping prompt '%s' from member '%s': alias already taken", a.endpoint, p.Name, m.id)
				continue
			}
			items = append(items, middleware.Item{
				Kind:    middleware.KindPrompt,
				Member:  m.id,
				Inner:   p.Name,
				Exposed: exposed,
				Prompt:  p,
			})
		}
	}
	return items
}

// collectResources dedupes by URI rather than renaming: a rewritten URI
// would no longer resolve on the owning member. The first member in
// aggregation order serves a contested URI.
func (a *Aggregator) collectResources() []middleware.Item {
	seen := make(map[string]bool)
	var items []middleware.Item
	for _, m := range a.members {
		sess := m.live()
		if sess == nil {
			continue
		}
		for _, r := range sess.Catalog().Resources {
			if seen[r.URI] {
				continue
			}
			seen[r.URI] = true
			items = append(items, middleware.Item{
				Kind:     middleware.KindResource,
				Member:   m.id,
				Inner:    r.URI,
				Exposed:  r.URI,
				Resource: r,
			})
		}
	}
	return items
}

func (a *Aggregator) collectTemplates() []*templateItem {
	seen := make(map[string]bool)
	var items []*templateItem
	for _, m := range a.members {
		sess := m.live()
		if sess == nil {
			continue
		}
		for _, t := range sess.Catalog().Templates {
			if seen[t.URITemplate] {
				continue
			}
			seen[t.URITemplate] = true
			items = append(items, &templateItem{member: m, template: t})
		}
	}
	return items
}

// templateItem pairs a resource template with its owning member. Templates
// do not pass through the middleware chain; reads against them are routed
// like plain resource reads.
type templateItem struct {
	member   *member
	template *mcp.ResourceTemplate
}

// applyTools rebuilds the exposed tool set from the member catalogs and
// applies the difference to the bound server. Handlers resolve the routing
// table at call time, so only content changes force a re-registration.
func (a *Aggregator) applyTools() {
	items := a.collectTools()
	if a.chain != nil {
		items = a.chain.TransformCatalog(middleware.KindTool, items)
	}

	a.mu.Lock()
	if a.closed || a.server == nil {
		a.mu.Unlock()
		return
	}
	srv := a.server

	refs := make(map[string]ref, len(items))
	desired := make(map[string]*mcp.Tool, len(items))
	var added []*mcp.Tool
	for _, it := range items {
		m := a.memberByID(it.Member)
		if m == nil {
			continue
		}
		clone := *it.Tool
		clone.Name = it.Exposed
		refs[it.Exposed] = ref{m: m, inner: it.Inner}
		desired[it.Exposed] = &clone
		old := a.pubTools[it.Exposed]
		if old == nil || !reflect.DeepEqual(old, &clone) {
			added = append(added, &clone)
		}
	}
	var removed []string
	for name := range a.pubTools {
		if desired[name] == nil {
			removed = append(removed, name)
		}
	}
	a.tools = refs
	a.pubTools = desired
	a.mu.Unlock()

	if len(removed) > 0 {
		srv.RemoveTools(removed...)
	}
	for _, t := range added {
		srv.AddTool(t, a.toolHandler(t.Name))
	}
}

func (a *Aggregator) applyPrompts() {
	items := a.collectPrompts()
	if a.chain != nil {
		items = a.chain.TransformCatalog(middleware.KindPrompt, items)
	}

	a.mu.Lock()
	if a.closed || a.server == nil {
		a.mu.Unlock()
		return
	}
	srv := a.server

	refs := make(map[string]ref, len(items))
	desired := make(map[string]*mcp.Prompt, len(items))
	var added []*mcp.Prompt
	for _, it := range items {
		m := a.memberByID(it.Member)
		if m == nil {
			continue
		}
		clone := *it.Prompt
		clone.Name = it.Exposed
		refs[it.Exposed] = ref{m: m, inner: it.Inner}
		desired[it.Exposed] = &clone
		old := a.pubPrompts[it.Exposed]
		if old == nil || !reflect.DeepEqual(old, &clone) {
			added = append(added, &clone)
		}
	}
	var removed []string
	for name := range a.pubPrompts {
		if desired[name] == nil {
			removed = append(removed, name)
		}
	}
	a.prompts = refs
	a.pubPrompts = desired
	a.mu.Unlock()

	if len(removed) > 0 {
		srv.RemovePrompts(removed...)
	}
	for _, p := range added {
		srv.AddPrompt(p, a.promptHandler(p.Name))
	}
}

// applyResources covers both concrete resources and resource templates,
// since members report changes to either through the same list notification.
func (a *Aggregator) applyResources() {
	items := a.collectResources()
	if a.chain != nil {
		items = a.chain.TransformCatalog(middleware.KindResource, items)
	}
	tmpl := a.collectTemplates()

	a.mu.Lock()
	if a.closed || a.server == nil {
		a.mu.Unlock()
		return
	}
	srv := a.server

	refs := make(map[string]ref, len(items))
	desired := make(map[string]*mcp.Resource, len(items))
	var added []*mcp.Resource
	for _, it := range items {
		m := a.memberByID(it.Member)
		if m == nil {
			continue
		}
		clone := *it.Resource
		refs[it.Exposed] = ref{m: m, inner: it.Inner}
		desired[it.Exposed] = &clone
		old := a.pubResources[it.Exposed]
		if old == nil || !reflect.DeepEqual(old, &clone) {
			added = append(added, &clone)
		}
	}
	var removed []string
	for uri := range a.pubResources {
		if desired[uri] == nil {
			removed = append(removed, uri)
		}
	}
	a.resources = refs
	a.pubResources = desired

	tmplRefs := make(map[string]ref, len(tmpl))
	tmplDesired := make(map[string]*mcp.ResourceTemplate, len(tmpl))
	var tmplAdded []*mcp.ResourceTemplate
	for _, it := range tmpl {
		clone := *it.template
		tmplRefs[clone.URITemplate] = ref{m: it.member, inner: clone.URITemplate}
		tmplDesired[clone.URITemplate] = &clone
		old := a.pubTemplates[clone.URITemplate]
		if old == nil || !reflect.DeepEqual(old, &clone) {
			tmplAdded = append(tmplAdded, &clone)
		}
	}
	var tmplRemoved []string
	for pattern := range a.pubTemplates {
		if tmplDesired[pattern] == nil {
			tmplRemoved = append(tmplRemoved, pattern)
		}
	}
	a.templates = tmplRefs
	a.pubTemplates = tmplDesired
	a.mu.Unlock()

	if len(removed) > 0 {
		srv.RemoveResources(removed...)
	}
	for _, r := range added {
		srv.AddResource(r, a.resourceHandler(r.URI))
	}
	if len(tmplRemoved) > 0 {
		srv.RemoveResourceTemplates(tmplRemoved...)
	}
	for _, t := range tmplAdded {
		srv.AddResourceTemplate(t, a.templateHandler(t.URITemplate))
	}
}

func (a *Aggregator) memberByID(id string) *member {
	for _, m := range a.members {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (a *Aggregator) applyKind(kind downstream.ListKind) {
	switch kind {
	case downstream.ListTools:
		a.applyTools()
	case downstream.ListPrompts:
		a.applyPrompts()
	case downstream.ListResources:
		a.applyResources()
	}
}
