// Package downstream dials downstream MCP servers. Each live connection is
// wrapped in a Session that captures the peer's identity, capabilities and
// catalogs during the initialize handshake, and fans asynchronous traffic
// (list-changed, logging, progress, child stderr) out to the current
// leaseholder.
package downstream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/config"
)

// Dialer opens downstream sessions from server configurations.
type Dialer struct {
	// ClientName and ClientVersion identify the gateway in downstream
	// initialize handshakes.
	ClientName    string
	ClientVersion string
}

func (d *Dialer) clientInfo() *mcp.Implementation {
	name := d.ClientName
	if name == "" {
		name = "manifold"
	}
	version := d.ClientVersion
	if version == "" {
		version = "dev"
	}
	return &mcp.Implementation{Name: name, Version: version}
}

// Dial opens a connection per the server config, performs the MCP
// initialize handshake and prefetches the peer's catalogs. A 401 from a
// remote peer reports ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, srv *config.ServerConfig) (*Session, error) {
	s := newSession(srv)
	transport, err := createTransport(srv, s)
	if err != nil {
		return nil, err
	}
	if err := d.connect(ctx, s, transport); err != nil {
		return nil, err
	}
	return s, nil
}

// DialTransport runs the handshake over a caller-supplied transport
// instead of one built from the config. Used for in-process servers.
func (d *Dialer) DialTransport(ctx context.Context, srv *config.ServerConfig, transport mcp.Transport) (*Session, error) {
	s := newSession(srv)
	if err := d.connect(ctx, s, transport); err != nil {
		return nil, err
	}
	return s, nil
}

func createTransport(srv *config.ServerConfig, s *Session) (mcp.Transport, error) {
	switch srv.Transport {
	case config.TransportStdio:
		cmd := exec.Command(srv.Command, srv.Args...)
		cmd.Env = os.Environ()
		for k, v := range srv.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Stderr = &stderrTap{session: s}
		return &mcp.CommandTransport{Command: cmd}, nil
	case config.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   srv.URL,
			HTTPClient: s.httpClient(srv),
		}, nil
	case config.TransportStreamable:
		return &mcp.StreamableClientTransport{
			Endpoint:   srv.URL,
			HTTPClient: s.httpClient(srv),
		}, nil
	}
	return nil, fmt.Errorf("server '%s': unsupported transport '%s'", srv.Name, srv.Transport)
}

func (d *Dialer) connect(ctx context.Context, s *Session, transport mcp.Transport) error {
	client := mcp.NewClient(d.clientInfo(), &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			s.bumpList(ListTools)
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			s.bumpList(ListPrompts)
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			s.bumpList(ListResources)
		},
		LoggingMessageHandler: func(_ context.Context, req *mcp.LoggingMessageRequest) {
			s.forwardLog(req.Params)
		},
	})
	client.AddReceivingMiddleware(s.captureNotifications)

	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if s.denied.Load() {
			return fmt.Errorf("server '%s': %w", s.name, ErrUnauthorized)
		}
		return fmt.Errorf("connect to server '%s': %w", s.name, err)
	}
	s.client = client
	s.sess = sess

	if init := sess.InitializeResult(); init != nil {
		s.info = init.ServerInfo
		s.caps = init.Capabilities
	}

	// Best-effort: a peer without a capability simply contributes nothing.
	s.prefetch(ctx)
	return nil
}

// httpClient builds the HTTP client for remote transports. No global
// timeout: the SSE stream is long-lived, per-request bounds come from the
// call context.
func (s *Session) httpClient(srv *config.ServerConfig) *http.Client {
	return &http.Client{
		Transport: &authRoundTripper{
			headers: srv.GetSubstitutedHeaders(),
			session: s,
		},
	}
}

// authRoundTripper injects configured headers and records authorization
// rejections from the peer, on the initial GET and every later POST alike.
type authRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
	session *Session
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	// Clone to avoid mutating the original request.
	cloned := req.Clone(req.Context())
	for k, v := range rt.headers {
		cloned.Header.Set(k, v)
	}
	resp, err := base.RoundTrip(cloned)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		rt.session.denied.Store(true)
	}
	return resp, err
}
