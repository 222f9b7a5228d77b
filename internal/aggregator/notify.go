package aggregator

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/downstream"
	"golang.org/x/sync/errgroup"
)

// refreshDebounce coalesces bursts of member list notifications into one
// catalog rebuild per kind.
const refreshDebounce = 200 * time.Millisecond

// notifyTimeout bounds a single relayed notification so a stuck client
// cannot wedge a member's notification goroutine.
const notifyTimeout = 5 * time.Second

func (a *Aggregator) sinkFor(m *member) *downstream.Sink {
	return &downstream.Sink{
		ListChanged: func(kind downstream.ListKind) { a.scheduleRefresh(kind) },
		Log:         func(p *mcp.LoggingMessageParams) { a.relayLog(m, p) },
		Progress:    func(p *mcp.ProgressNotificationParams) { a.relayProgress(m, p) },
		Stderr:      func(line string) { a.relayStderr(m, line) },
	}
}

func (a *Aggregator) scheduleRefresh(kind downstream.ListKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.refreshTimers == nil {
		return
	}
	if _, armed := a.refreshTimers[kind]; armed {
		return
	}
	a.refreshTimers[kind] = time.AfterFunc(refreshDebounce, func() { a.refresh(kind) })
}

// refresh refetches one list kind from every member and applies the
// resulting catalog difference. Members without a live session get a fresh
// lease attempt here, which is what heals a degraded member outside the
// call path; a fresh dial prefetches the whole catalog, so no extra fetch
// is needed in that case.
func (a *Aggregator) refresh(kind downstream.ListKind) {
	a.mu.Lock()
	if a.refreshTimers != nil {
		delete(a.refreshTimers, kind)
	}
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.listTimeout)
	defer cancel()

	var g errgroup.Group
	for _, m := range a.members {
		m := m
		g.Go(func() error {
			sess := m.live()
			if sess == nil {
				if err := a.leaseMember(ctx, m); err != nil {
					common.LogDebug("endpoint '%s': member '%s' still degraded: %v", a.endpoint, m.id, err)
				}
				return nil
			}
			var err error
			switch kind {
			case downstream.ListTools:
				_, err = sess.RefreshTools(ctx)
			case downstream.ListPrompts:
				_, err = sess.RefreshPrompts(ctx)
			case downstream.ListResources:
				if _, err = sess.RefreshResources(ctx); err == nil {
					_, err = sess.RefreshResourceTemplates(ctx)
				}
			}
			if err != nil {
				common.LogWarn("endpoint '%s': refresh %s from member '%s': %v", a.endpoint, kind, m.id, err)
			}
			return nil
		})
	}
	g.Wait()

	a.applyKind(kind)
}

// relayLog forwards a member's log notification to the client, tagging it
// with the member id when the member did not name a logger itself.
func (a *Aggregator) relayLog(m *member, p *mcp.LoggingMessageParams) {
	ss := a.outerSession()
	if ss == nil {
		return
	}
	out := *p
	if out.Logger == "" {
		out.Logger = m.id
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := ss.Log(ctx, &out); err != nil {
		common.LogDebug("endpoint '%s': dropping log notification from member '%s': %v", a.endpoint, m.id, err)
		return
	}
	if a.slog != nil {
		a.slog.LogNotification(m.id, "notifications/message", string(out.Level))
	}
}

// relayStderr surfaces a stdio member's stderr line as a log notification
// from a logger named after the member.
func (a *Aggregator) relayStderr(m *member, line string) {
	ss := a.outerSession()
	if ss == nil {
		return
	}
	params := &mcp.LoggingMessageParams{Logger: m.id, Level: "debug", Data: line}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := ss.Log(ctx, params); err != nil {
		common.LogDebug("endpoint '%s': dropping stderr line from member '%s': %v", a.endpoint, m.id, err)
		return
	}
	if a.slog != nil {
		a.slog.LogNotification(m.id, "notifications/message", "stderr")
	}
}

// relayProgress forwards a member progress notification. The token already
// matches the client's request token because it was copied through the
// inner request's metadata, so the parameters pass through unchanged.
// Notifications without a token have nothing to correlate against and are
// dropped.
func (a *Aggregator) relayProgress(m *member, p *mcp.ProgressNotificationParams) {
	if p.ProgressToken == nil {
		return
	}
	ss := a.outerSession()
	if ss == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := ss.NotifyProgress(ctx, p); err != nil {
		common.LogDebug("endpoint '%s': dropping progress notification from member '%s': %v", a.endpoint, m.id, err)
		return
	}
	if a.slog != nil {
		a.slog.LogNotification(m.id, "notifications/progress", "")
	}
}
