package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/downstream"
	"github.com/manifoldmcp/manifold/internal/middleware"
)

var errMemberDown = fmt.Errorf("%w: no live session for member", downstream.ErrUnavailable)

// progressTokenKey is the reserved _meta key carrying a request's progress
// token. The outer token is copied onto the inner request verbatim, so
// member progress notifications already reference the token the client
// chose and can be relayed without translation.
const progressTokenKey = "progressToken"

func copyProgressToken(src, dst mcp.Params) {
	meta := src.GetMeta()
	if meta == nil {
		return
	}
	token, ok := meta[progressTokenKey]
	if !ok {
		return
	}
	dst.SetMeta(map[string]any{progressTokenKey: token})
}

// beginCall derives the per-request context and registers its cancel so
// Close and session teardown can abort outstanding forwards. The returned
// func must be called when the forward finishes.
func (a *Aggregator) beginCall(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return cctx, func() {}
	}
	id := a.callSeq
	a.callSeq++
	a.inflight[id] = cancel
	a.calls.Add(1)
	a.mu.Unlock()
	return cctx, func() {
		a.mu.Lock()
		if a.inflight != nil {
			delete(a.inflight, id)
		}
		a.mu.Unlock()
		cancel()
		a.calls.Done()
	}
}

// memberError rewrites a failed forward into the error the client should
// see. Transport failures and exhausted pools surface as unavailable,
// rejected gateway credentials as unauthorized, and an expired forward
// deadline as a timeout unless the client itself went away.
func (a *Aggregator) memberError(m *member, outerCtx context.Context, err error) error {
	switch {
	case errors.Is(err, downstream.ErrUnauthorized):
		return fmt.Errorf("member '%s' unauthorized: gateway credentials were rejected", m.id)
	case errors.Is(err, context.DeadlineExceeded) && outerCtx.Err() == nil:
		return fmt.Errorf("member '%s' timed out: %w", m.id, err)
	case errors.Is(err, downstream.ErrUnavailable), errors.Is(err, errMemberDown):
		return fmt.Errorf("member '%s' unavailable: %w", m.id, err)
	}
	return err
}

func (a *Aggregator) logRequest(id, method, detail string) {
	if a.slog != nil {
		a.slog.LogRequest(id, method, detail)
	}
}

func (a *Aggregator) logResponse(id, method, memberID string, start time.Time, err error) {
	if a.slog != nil {
		a.slog.LogResponse(id, method, memberID, time.Since(start), err)
	}
}

func (a *Aggregator) nextRequestID() string {
	return strconv.FormatUint(a.reqSeq.Add(1), 10)
}

func (a *Aggregator) toolHandler(exposed string) func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return a.callTool(ctx, exposed, req.Params)
	}
}

// Invoke calls an exposed tool outside any MCP session. The REST surface
// uses it to execute tools by name; routing, middleware, and error
// rewriting behave exactly as they do for a tools/call over MCP.
func (a *Aggregator) Invoke(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParamsRaw{Name: name, Arguments: args}
	return a.callTool(ctx, name, params)
}

func (a *Aggregator) callTool(ctx context.Context, exposed string, params *mcp.CallToolParamsRaw) (*mcp.CallToolResult, error) {
	a.mu.Lock()
	r, ok := a.tools[exposed]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", middleware.ErrToolNotFound, exposed)
	}

	call := &middleware.Call{Kind: middleware.KindTool, Exposed: exposed, Member: r.m.id, Inner: r.inner}
	id := a.nextRequestID()
	start := time.Now()
	a.logRequest(id, "tools/call", exposed)

	var res any
	var err error
	forward := func(ctx context.Context) (any, error) { return a.forwardToolCall(ctx, r, params) }
	if a.chain != nil {
		res, err = a.chain.InterceptCall(ctx, call, forward)
	} else {
		res, err = forward(ctx)
	}
	a.logResponse(id, "tools/call", r.m.id, start, err)
	if err != nil {
		return nil, err
	}
	out, ok := res.(*mcp.CallToolResult)
	if !ok {
		return nil, fmt.Errorf("middleware for tool '%s' returned %T, want *mcp.CallToolResult", exposed, res)
	}
	return out, nil
}

func (a *Aggregator) forwardToolCall(ctx context.Context, r ref, raw *mcp.CallToolParamsRaw) (any, error) {
	sess, err := a.liveSession(ctx, r.m)
	if err != nil {
		return nil, a.memberError(r.m, ctx, err)
	}

	params := &mcp.CallToolParams{Name: r.inner}
	if len(raw.Arguments) > 0 {
		params.Arguments = json.RawMessage(raw.Arguments)
	}
	copyProgressToken(raw, params)

	cctx, done := a.beginCall(ctx, a.callTimeout)
	defer done()
	res, err := sess.CallTool(cctx, params)
	if err != nil {
		return nil, a.memberError(r.m, ctx, err)
	}
	return res, nil
}

func (a *Aggregator) promptHandler(exposed string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		a.mu.Lock()
		r, ok := a.prompts[exposed]
		a.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("prompt not found: %s", exposed)
		}

		id := a.nextRequestID()
		start := time.Now()
		a.logRequest(id, "prompts/get", exposed)

		res, err := a.forwardGetPrompt(ctx, r, req)
		a.logResponse(id, "prompts/get", r.m.id, start, err)
		return res, err
	}
}

func (a *Aggregator) forwardGetPrompt(ctx context.Context, r ref, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	sess, err := a.liveSession(ctx, r.m)
	if err != nil {
		return nil, a.memberError(r.m, ctx, err)
	}

	params := &mcp.GetPromptParams{Name: r.inner, Arguments: req.Params.Arguments}
	copyProgressToken(req.Params, params)

	cctx, done := a.beginCall(ctx, a.defaultTimeout)
	defer done()
	res, err := sess.GetPrompt(cctx, params)
	if err != nil {
		return nil, a.memberError(r.m, ctx, err)
	}
	return res, nil
}

func (a *Aggregator) resourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		a.mu.Lock()
		r, ok := a.resources[uri]
		a.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("resource not found: %s", uri)
		}
		return a.forwardRead(ctx, r, req)
	}
}

// templateHandler serves reads whose URI matched a member's resource
// template. The concrete URI from the request is forwarded untouched.
func (a *Aggregator) templateHandler(pattern string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		a.mu.Lock()
		r, ok := a.templates[pattern]
		a.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("resource not found: %s", req.Params.URI)
		}
		return a.forwardRead(ctx, r, req)
	}
}

func (a *Aggregator) forwardRead(ctx context.Context, r ref, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	id := a.nextRequestID()
	start := time.Now()
	a.logRequest(id, "resources/read", req.Params.URI)

	sess, err := a.liveSession(ctx, r.m)
	if err != nil {
		err = a.memberError(r.m, ctx, err)
		a.logResponse(id, "resources/read", r.m.id, start, err)
		return nil, err
	}

	params := &mcp.ReadResourceParams{URI: req.Params.URI}
	copyProgressToken(req.Params, params)

	cctx, done := a.beginCall(ctx, a.defaultTimeout)
	defer done()
	res, err := sess.ReadResource(cctx, params)
	if err != nil {
		err = a.memberError(r.m, ctx, err)
	}
	a.logResponse(id, "resources/read", r.m.id, start, err)
	return res, err
}
