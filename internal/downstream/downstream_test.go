package downstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/config"
)

type echoArgs struct {
	Text string `json:"text"`
}

type echoResult struct {
	Echo string `json:"echo"`
}

// newStubServer builds an in-process MCP server with a single echo tool.
func newStubServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "stub", Version: "0.1.0"}, nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "echo", Description: "Echoes text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, echoResult, error) {
			return nil, echoResult{Echo: args.Text}, nil
		})
	return srv
}

// connectStub wires a Session to the given server over in-memory pipes.
func connectStub(t *testing.T, srv *mcp.Server, cfg *config.ServerConfig) *Session {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() {
		ss, err := srv.Connect(context.Background(), serverTransport, nil)
		if err != nil {
			return
		}
		ss.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &Dialer{ClientName: "manifold-test", ClientVersion: "0.0.1"}
	s := newSession(cfg)
	if err := d.connect(ctx, s, clientTransport); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stubConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Name:      "stub",
		Transport: config.TransportStdio,
		Command:   "unused",
		Enabled:   true,
	}
}

func TestConnectCapturesIdentityAndCatalog(t *testing.T) {
	s := connectStub(t, newStubServer(), stubConfig())

	if s.ServerInfo() == nil || s.ServerInfo().Name != "stub" {
		t.Fatalf("server info = %+v, want name 'stub'", s.ServerInfo())
	}
	if s.Capabilities() == nil || s.Capabilities().Tools == nil {
		t.Fatalf("capabilities = %+v, want tools capability", s.Capabilities())
	}
	if !s.Healthy() {
		t.Fatal("fresh session reported unhealthy")
	}

	cat := s.Catalog()
	if len(cat.Tools) != 1 || cat.Tools[0].Name != "echo" {
		t.Fatalf("catalog tools = %+v, want [echo]", cat.Tools)
	}
	if cat.Tools[0].InputSchema == nil {
		t.Fatal("prefetched tool lost its input schema")
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	s := connectStub(t, newStubServer(), stubConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError {
		t.Fatalf("call reported error: %+v", res.Content)
	}
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			text += tc.Text
		}
	}
	if !strings.Contains(text, "hello") {
		t.Fatalf("result text %q does not contain input", text)
	}
	if !s.Healthy() {
		t.Fatal("healthy session flipped after successful call")
	}
}

func TestUnknownToolKeepsSessionHealthy(t *testing.T) {
	s := connectStub(t, newStubServer(), stubConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.CallTool(ctx, &mcp.CallToolParams{Name: "no-such-tool"})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("protocol error misclassified as connection failure: %v", err)
	}
	if !s.Healthy() {
		t.Fatal("protocol error poisoned the session")
	}
}

func TestListChangedBumpsGeneration(t *testing.T) {
	srv := newStubServer()
	s := connectStub(t, srv, stubConfig())

	changed := make(chan ListKind, 8)
	s.AttachSink(&Sink{ListChanged: func(kind ListKind) { changed <- kind }})

	before := s.ListGeneration()
	mcp.AddTool(srv, &mcp.Tool{Name: "extra", Description: "Added later"},
		func(_ context.Context, _ *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, echoResult, error) {
			return nil, echoResult{}, nil
		})

	select {
	case kind := <-changed:
		if kind != ListTools {
			t.Fatalf("list changed kind = %s, want %s", kind, ListTools)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tool list change")
	}
	if s.ListGeneration() <= before {
		t.Fatalf("list generation %d did not advance past %d", s.ListGeneration(), before)
	}

	// The refreshed list picks up the new tool.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools, err := s.RefreshTools(ctx)
	if err != nil {
		t.Fatalf("refresh tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools after refresh, want 2", len(tools))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := connectStub(t, newStubServer(), stubConfig())

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.Healthy() {
		t.Fatal("closed session still healthy")
	}
}

func TestSinkDetachStopsDelivery(t *testing.T) {
	s := &Session{name: "x", healthy: true}

	var mu sync.Mutex
	var lines []string
	s.AttachSink(&Sink{Stderr: func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}})
	s.forwardStderr("one")
	s.DetachSink()
	s.forwardStderr("two")

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "one" {
		t.Fatalf("delivered lines = %v, want [one]", lines)
	}
}

func TestProgressRoutedToSink(t *testing.T) {
	s := &Session{name: "x", healthy: true}

	var got []*mcp.ProgressNotificationParams
	s.AttachSink(&Sink{Progress: func(p *mcp.ProgressNotificationParams) { got = append(got, p) }})
	s.forwardProgress(&mcp.ProgressNotificationParams{Progress: 3, Total: 10})
	s.DetachSink()
	s.forwardProgress(&mcp.ProgressNotificationParams{Progress: 7})

	if len(got) != 1 || got[0].Progress != 3 {
		t.Fatalf("progress deliveries = %+v, want one with progress 3", got)
	}
}

func TestStderrTapSplitsLines(t *testing.T) {
	s := &Session{name: "x", healthy: true}
	var mu sync.Mutex
	var lines []string
	s.AttachSink(&Sink{Stderr: func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}})

	tap := &stderrTap{session: s}
	for _, chunk := range []string{"hel", "lo\r\nwor", "ld\n", "\n", "tail"} {
		if _, err := tap.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"hello", "world"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestAuthRoundTripperInjectsHeaders(t *testing.T) {
	t.Setenv("DOWNSTREAM_TEST_TOKEN", "tok-123")

	var gotAuth, gotCustom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	srv := &config.ServerConfig{
		Name:        "remote",
		Transport:   config.TransportStreamable,
		URL:         ts.URL,
		Headers:     map[string]string{"X-Custom": "yes"},
		BearerToken: "${DOWNSTREAM_TEST_TOKEN}",
	}
	s := newSession(srv)
	resp, err := s.httpClient(srv).Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q, want substituted bearer token", gotAuth)
	}
	if gotCustom != "yes" {
		t.Fatalf("X-Custom = %q, want 'yes'", gotCustom)
	}
	if s.denied.Load() {
		t.Fatal("200 response marked session as denied")
	}
}

func TestAuthRoundTripperRecords401(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	srv := &config.ServerConfig{Name: "remote", Transport: config.TransportStreamable, URL: ts.URL}
	s := newSession(srv)
	resp, err := s.httpClient(srv).Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	if !s.denied.Load() {
		t.Fatal("401 response did not mark session as denied")
	}
}

func TestDialRemote401ReportsUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &Dialer{}
	_, err := d.Dial(ctx, &config.ServerConfig{
		Name:      "locked",
		Transport: config.TransportStreamable,
		URL:       ts.URL,
	})
	if err == nil {
		t.Fatal("expected dial to fail against a 401 endpoint")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestCreateTransportStdioEnv(t *testing.T) {
	t.Setenv("DOWNSTREAM_PARENT_MARKER", "present")

	s := newSession(stubConfig())
	tr, err := createTransport(&config.ServerConfig{
		Name:      "child",
		Transport: config.TransportStdio,
		Command:   "echo",
		Args:      []string{"hi"},
		Env:       map[string]string{"CHILD_ONLY": "1"},
	}, s)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	ct, ok := tr.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("transport type = %T, want *mcp.CommandTransport", tr)
	}

	var hasParent, hasChild bool
	for _, kv := range ct.Command.Env {
		switch kv {
		case "DOWNSTREAM_PARENT_MARKER=present":
			hasParent = true
		case "CHILD_ONLY=1":
			hasChild = true
		}
	}
	if !hasParent {
		t.Fatal("child env lost the parent environment")
	}
	if !hasChild {
		t.Fatal("child env missing configured variable")
	}
}

func TestCreateTransportUnknownKind(t *testing.T) {
	s := newSession(stubConfig())
	_, err := createTransport(&config.ServerConfig{Name: "x", Transport: "carrier-pigeon"}, s)
	if err == nil || !strings.Contains(err.Error(), "unsupported transport") {
		t.Fatalf("error = %v, want unsupported transport", err)
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.EOF), true},
		{io.ErrClosedPipe, true},
		{errors.New("dial tcp 127.0.0.1:9: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("session closed"), true},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
		{errors.New("unknown tool \"nope\""), false},
		{errors.New("invalid params"), false},
	}
	for _, tc := range cases {
		if got := isConnectionError(tc.err); got != tc.want {
			t.Errorf("isConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
