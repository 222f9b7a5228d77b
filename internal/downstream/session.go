package downstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
)

var (
	// ErrUnauthorized reports that a downstream server rejected the
	// credentials configured for it.
	ErrUnauthorized = errors.New("downstream rejected credentials")

	// ErrUnavailable reports that a downstream server could not be
	// reached or died mid-conversation.
	ErrUnavailable = errors.New("downstream unavailable")
)

// ListKind names one of the aggregated catalogs.
type ListKind string

const (
	ListTools     ListKind = "tools"
	ListPrompts   ListKind = "prompts"
	ListResources ListKind = "resources"
)

const notificationProgress = "notifications/progress"

// Sink receives asynchronous traffic from a downstream session. The current
// leaseholder attaches one and detaches it on release; traffic arriving
// without a sink goes to the file log only.
type Sink struct {
	ListChanged func(kind ListKind)
	Log         func(params *mcp.LoggingMessageParams)
	Progress    func(params *mcp.ProgressNotificationParams)
	Stderr      func(line string)
}

// Catalog holds the entity lists prefetched from a downstream server.
type Catalog struct {
	Tools     []*mcp.Tool
	Prompts   []*mcp.Prompt
	Resources []*mcp.Resource
	Templates []*mcp.ResourceTemplate
}

// Session is one live connection to a downstream MCP server.
type Session struct {
	name        string
	fingerprint string
	transport   config.TransportKind

	client *mcp.Client
	sess   *mcp.ClientSession

	info *mcp.Implementation
	caps *mcp.ServerCapabilities

	// denied flips when the peer answers any HTTP request with a 401.
	denied atomic.Bool

	mu      sync.Mutex
	catalog Catalog
	listGen uint64
	healthy bool
	sink    *Sink

	closeOnce sync.Once
	closeErr  error
}

func newSession(srv *config.ServerConfig) *Session {
	return &Session{
		name:        srv.Name,
		fingerprint: srv.Fingerprint(),
		transport:   srv.Transport,
		healthy:     true,
	}
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// Fingerprint returns the fingerprint of the config this session was
// dialed with.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Transport returns the transport kind the session runs on.
func (s *Session) Transport() config.TransportKind { return s.transport }

// ServerInfo returns the peer's implementation info from the handshake.
func (s *Session) ServerInfo() *mcp.Implementation { return s.info }

// Capabilities returns the capabilities the peer declared.
func (s *Session) Capabilities() *mcp.ServerCapabilities { return s.caps }

// Healthy reports whether the session is believed usable. It flips to
// false permanently once a connection-level failure is observed.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Session) markUnhealthy() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
}

// ListGeneration counts list-changed notifications received from the peer.
// A leaseholder that missed notifications while detached compares
// generations to decide whether its catalog view is stale.
func (s *Session) ListGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listGen
}

// Catalog returns a copy of the current catalog.
func (s *Session) Catalog() Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Catalog{
		Tools:     append([]*mcp.Tool(nil), s.catalog.Tools...),
		Prompts:   append([]*mcp.Prompt(nil), s.catalog.Prompts...),
		Resources: append([]*mcp.Resource(nil), s.catalog.Resources...),
		Templates: append([]*mcp.ResourceTemplate(nil), s.catalog.Templates...),
	}
}

// AttachSink routes asynchronous traffic to the given sink until
// DetachSink is called. Only one sink is attached at a time.
func (s *Session) AttachSink(sink *Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// DetachSink stops routing asynchronous traffic.
func (s *Session) DetachSink() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

func (s *Session) currentSink() *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Session) bumpList(kind ListKind) {
	s.mu.Lock()
	s.listGen++
	sink := s.sink
	s.mu.Unlock()
	common.LogDebug("Server '%s' reported %s list changed", s.name, kind)
	if sink != nil && sink.ListChanged != nil {
		sink.ListChanged(kind)
	}
}

func (s *Session) forwardLog(params *mcp.LoggingMessageParams) {
	if sink := s.currentSink(); sink != nil && sink.Log != nil {
		sink.Log(params)
		return
	}
	common.LogDebug("Server '%s' log message (%s) dropped: no leaseholder", s.name, params.Level)
}

func (s *Session) forwardProgress(params *mcp.ProgressNotificationParams) {
	if sink := s.currentSink(); sink != nil && sink.Progress != nil {
		sink.Progress(params)
	}
}

func (s *Session) forwardStderr(line string) {
	common.LogDebug("Server '%s' stderr: %s", s.name, line)
	if sink := s.currentSink(); sink != nil && sink.Stderr != nil {
		sink.Stderr(line)
	}
}

// captureNotifications watches the receiving side for progress
// notifications. List-changed and logging traffic arrives through the
// dedicated client handlers instead.
func (s *Session) captureNotifications(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method == notificationProgress {
			if params, ok := req.GetParams().(*mcp.ProgressNotificationParams); ok {
				s.forwardProgress(params)
			}
		}
		return next(ctx, method, req)
	}
}

func (s *Session) prefetch(ctx context.Context) {
	if s.caps == nil {
		return
	}
	if s.caps.Tools != nil {
		if _, err := s.RefreshTools(ctx); err != nil {
			common.LogDebug("Server '%s': tool prefetch failed: %v", s.name, err)
		}
	}
	if s.caps.Prompts != nil {
		if _, err := s.RefreshPrompts(ctx); err != nil {
			common.LogDebug("Server '%s': prompt prefetch failed: %v", s.name, err)
		}
	}
	if s.caps.Resources != nil {
		if _, err := s.RefreshResources(ctx); err != nil {
			common.LogDebug("Server '%s': resource prefetch failed: %v", s.name, err)
		}
		if _, err := s.RefreshResourceTemplates(ctx); err != nil {
			common.LogDebug("Server '%s': resource template prefetch failed: %v", s.name, err)
		}
	}
}

// RefreshTools refetches the full tool list, following pagination, and
// replaces the cached catalog entry.
func (s *Session) RefreshTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := s.sess.ListTools(ctx, params)
		if err != nil {
			return nil, s.checkErr(err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	s.mu.Lock()
	s.catalog.Tools = tools
	s.mu.Unlock()
	return tools, nil
}

// RefreshPrompts refetches the full prompt list.
func (s *Session) RefreshPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var prompts []*mcp.Prompt
	params := &mcp.ListPromptsParams{}
	for {
		res, err := s.sess.ListPrompts(ctx, params)
		if err != nil {
			return nil, s.checkErr(err)
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
	s.mu.Lock()
	s.catalog.Prompts = prompts
	s.mu.Unlock()
	return prompts, nil
}

// RefreshResources refetches the full resource list.
func (s *Session) RefreshResources(ctx context.Context) ([]*mcp.Resource, error) {
	var resources []*mcp.Resource
	params := &mcp.ListResourcesParams{}
	for {
		res, err := s.sess.ListResources(ctx, params)
		if err != nil {
			return nil, s.checkErr(err)
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
	s.mu.Lock()
	s.catalog.Resources = resources
	s.mu.Unlock()
	return resources, nil
}

// RefreshResourceTemplates refetches the full resource template list.
func (s *Session) RefreshResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	var templates []*mcp.ResourceTemplate
	params := &mcp.ListResourceTemplatesParams{}
	for {
		res, err := s.sess.ListResourceTemplates(ctx, params)
		if err != nil {
			return nil, s.checkErr(err)
		}
		templates = append(templates, res.ResourceTemplates...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListResourceTemplatesParams{Cursor: res.NextCursor}
	}
	s.mu.Lock()
	s.catalog.Templates = templates
	s.mu.Unlock()
	return templates, nil
}

// CallTool invokes a tool on the downstream server. The caller is
// responsible for putting the outer progress token into params.Meta when
// progress passthrough is wanted.
func (s *Session) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	res, err := s.sess.CallTool(ctx, params)
	if err != nil {
		return nil, s.checkErr(err)
	}
	return res, nil
}

// GetPrompt fetches a prompt from the downstream server.
func (s *Session) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	res, err := s.sess.GetPrompt(ctx, params)
	if err != nil {
		return nil, s.checkErr(err)
	}
	return res, nil
}

// ReadResource reads a resource from the downstream server.
func (s *Session) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	res, err := s.sess.ReadResource(ctx, params)
	if err != nil {
		return nil, s.checkErr(err)
	}
	return res, nil
}

// checkErr classifies a passthrough failure. Credential rejections map to
// ErrUnauthorized, connection-level failures poison the session so the
// pool discards it instead of reusing a dead connection. Protocol-level
// errors (unknown tool, bad arguments) pass through untouched.
func (s *Session) checkErr(err error) error {
	if err == nil {
		return nil
	}
	if s.denied.Load() {
		s.markUnhealthy()
		return fmt.Errorf("server '%s': %w", s.name, ErrUnauthorized)
	}
	if isConnectionError(err) {
		s.markUnhealthy()
		return fmt.Errorf("server '%s': %w: %v", s.name, ErrUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection closed",
		"connection refused",
		"connection reset",
		"broken pipe",
		"transport closed",
		"session closed",
		"use of closed network connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Close tears the session down. Safe to call multiple times; later calls
// return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.healthy = false
		s.sink = nil
		s.mu.Unlock()
		if s.sess != nil {
			s.closeErr = s.sess.Close()
		}
	})
	return s.closeErr
}

// stderrTap splits a stdio child's stderr into lines. Partial lines are
// buffered until the newline arrives.
type stderrTap struct {
	session *Session

	mu  sync.Mutex
	buf []byte
}

func (t *stderrTap) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(t.buf[:i]), "\r")
		t.buf = t.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	t.mu.Unlock()
	for _, line := range lines {
		t.session.forwardStderr(line)
	}
	return len(p), nil
}
