package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
	"github.com/manifoldmcp/manifold/internal/store/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testServer(name string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:      name,
		Transport: config.TransportStdio,
		Command:   "echo",
		Args:      []string{"hello"},
		Env:       map[string]string{"DEBUG": "1"},
		Enabled:   true,
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestReopenRunsMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	db2, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if _, err := db2.GetServer(ctx, "alpha"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestServerCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	srv := testServer("alpha")
	srv.Description = "test server"

	// Create.
	if err := db.CreateServer(ctx, srv); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Get round-trips all fields.
	got, err := db.GetServer(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Transport != config.TransportStdio {
		t.Fatalf("transport = %q", got.Transport)
	}
	if len(got.Args) != 1 || got.Args[0] != "hello" {
		t.Fatalf("args = %v", got.Args)
	}
	if got.Env["DEBUG"] != "1" {
		t.Fatalf("env = %v", got.Env)
	}
	if !got.Enabled {
		t.Fatal("expected enabled")
	}
	if got.Description != "test server" {
		t.Fatalf("description = %q", got.Description)
	}

	// Duplicate create.
	if err := db.CreateServer(ctx, testServer("alpha")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// List is sorted by name.
	if err := db.CreateServer(ctx, testServer("beta")); err != nil {
		t.Fatalf("create beta: %v", err)
	}
	list, err := db.ListServers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("unexpected list order: %+v", list)
	}

	// Update.
	got.Args = []string{"world"}
	if err := db.UpdateServer(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := db.GetServer(ctx, "alpha")
	if got2.Args[0] != "world" {
		t.Fatalf("args after update = %v", got2.Args)
	}

	// Update of a missing server.
	ghost := testServer("ghost")
	if err := db.UpdateServer(ctx, ghost); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Delete.
	if err := db.DeleteServer(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetServer(ctx, "alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateServerRejectsInvalid(t *testing.T) {
	db := newTestDB(t)
	srv := &config.ServerConfig{Name: "bad", Transport: config.TransportStdio}
	if err := db.CreateServer(context.Background(), srv); err == nil {
		t.Fatal("expected validation error for stdio server without command")
	}
}

func TestSetServerEnabled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []store.Event
	cancel := db.Subscribe(func(e store.Event) { events = append(events, e) })
	defer cancel()

	if err := db.SetServerEnabled(ctx, "alpha", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ := db.GetServer(ctx, "alpha")
	if got.Enabled {
		t.Fatal("expected disabled")
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].OldFingerprint != events[0].NewFingerprint {
		t.Fatal("enable toggle must not rotate the fingerprint")
	}

	// Toggling to the current value is a no-op.
	if err := db.SetServerEnabled(ctx, "alpha", false); err != nil {
		t.Fatalf("repeat disable: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("no-op toggle emitted an event")
	}

	if err := db.SetServerEnabled(ctx, "ghost", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateServerRotatesFingerprint(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var events []store.Event
	cancel := db.Subscribe(func(e store.Event) { events = append(events, e) })
	defer cancel()

	srv := testServer("alpha")
	if err := db.CreateServer(ctx, srv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(events) != 1 || events[0].NewFingerprint == "" || events[0].OldFingerprint != "" {
		t.Fatalf("unexpected create event: %+v", events)
	}

	srv.Command = "cat"
	if err := db.UpdateServer(ctx, srv); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].OldFingerprint != events[0].NewFingerprint {
		t.Fatal("old fingerprint does not chain from the create event")
	}
	if events[1].NewFingerprint == events[1].OldFingerprint {
		t.Fatal("behavioral update must rotate the fingerprint")
	}
}

func TestNamespaceCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := db.CreateServer(ctx, testServer("beta")); err != nil {
		t.Fatalf("create server: %v", err)
	}

	ns := &config.NamespaceConfig{
		Name:        "main",
		Description: "primary namespace",
		Members: []*config.NamespaceMember{
			{Server: "alpha", Tools: map[string]bool{"search": true, "delete": false}},
			{ID: "b", Server: "beta"},
		},
		Middlewares: []*config.MiddlewareConfig{
			{Name: "call-logger", Config: map[string]interface{}{"verbose": true}},
		},
	}

	// Create.
	if err := db.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Get round-trips members and middlewares.
	got, err := db.GetNamespace(ctx, "main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(got.Members))
	}
	if got.Members[0].ToolEnabled("search") != true || got.Members[0].ToolEnabled("delete") != false {
		t.Fatal("tool flags did not survive the round trip")
	}
	if got.Members[1].MemberID() != "b" {
		t.Fatalf("member id = %q, want b", got.Members[1].MemberID())
	}
	if len(got.Middlewares) != 1 || got.Middlewares[0].Name != "call-logger" {
		t.Fatalf("middlewares = %+v", got.Middlewares)
	}

	// Update.
	got.Members = got.Members[:1]
	if err := db.UpdateNamespace(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := db.GetNamespace(ctx, "main")
	if len(got2.Members) != 1 {
		t.Fatalf("members after update = %d, want 1", len(got2.Members))
	}

	// Unknown member server is rejected.
	bad := &config.NamespaceConfig{
		Name:    "broken",
		Members: []*config.NamespaceMember{{Server: "ghost"}},
	}
	if err := db.CreateNamespace(ctx, bad); err == nil {
		t.Fatal("expected validation error for unknown member server")
	}

	// Delete.
	if err := db.DeleteNamespace(ctx, "main"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetNamespace(ctx, "main"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteServerInUse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create server: %v", err)
	}
	ns := &config.NamespaceConfig{
		Name:    "main",
		Members: []*config.NamespaceMember{{Server: "alpha"}},
	}
	if err := db.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	if err := db.DeleteServer(ctx, "alpha"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestEndpointCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create server: %v", err)
	}
	ns := &config.NamespaceConfig{
		Name:    "main",
		Members: []*config.NamespaceMember{{Server: "alpha"}},
	}
	if err := db.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	ep := &config.EndpointConfig{
		Name:      "public",
		Namespace: "main",
		Auth:      config.AuthPolicy{Public: true, AllowQueryKey: true},
	}

	// Create.
	if err := db.CreateEndpoint(ctx, ep); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Get.
	got, err := db.GetEndpoint(ctx, "public")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Auth.Public || !got.Auth.AllowQueryKey {
		t.Fatalf("auth policy = %+v", got.Auth)
	}

	// Unknown namespace is rejected.
	bad := &config.EndpointConfig{Name: "dangling", Namespace: "ghost"}
	if err := db.CreateEndpoint(ctx, bad); err == nil {
		t.Fatal("expected validation error for unknown namespace")
	}

	// Namespace deletion is blocked while the endpoint exists.
	if err := db.DeleteNamespace(ctx, "main"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Update.
	got.Auth.Public = false
	if err := db.UpdateEndpoint(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := db.GetEndpoint(ctx, "public")
	if got2.Auth.Public {
		t.Fatal("expected public flag cleared")
	}

	// Delete unblocks the namespace.
	if err := db.DeleteEndpoint(ctx, "public"); err != nil {
		t.Fatalf("delete endpoint: %v", err)
	}
	if err := db.DeleteNamespace(ctx, "main"); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Fresh database serves the defaults.
	settings, err := db.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if settings.Addr != ":8080" {
		t.Fatalf("default addr = %q", settings.Addr)
	}

	settings.Addr = ":9999"
	settings.PoolIdleTarget = 3
	if err := db.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := db.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Addr != ":9999" || got.PoolIdleTarget != 3 {
		t.Fatalf("settings = %+v", got)
	}
	// Untouched fields keep their defaults.
	if got.CallTimeout != 120 {
		t.Fatalf("call timeout = %d, want 120", got.CallTimeout)
	}
}

func TestImportServers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer("alpha")); err != nil {
		t.Fatalf("create: %v", err)
	}

	doc, err := config.ParseImportDocument([]byte(`{
		"mcpServers": {
			"alpha": {"command": "replaced"},
			"web": {"type": "sse", "url": "http://localhost:9000/sse"}
		}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	result, err := db.ImportServers(ctx, doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Imported) != 2 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v", result)
	}

	// Existing entry replaced, new entry added.
	alpha, _ := db.GetServer(ctx, "alpha")
	if alpha.Command != "replaced" {
		t.Fatalf("alpha command = %q", alpha.Command)
	}
	web, err := db.GetServer(ctx, "web")
	if err != nil {
		t.Fatalf("get web: %v", err)
	}
	if web.Transport != config.TransportSSE {
		t.Fatalf("web transport = %q", web.Transport)
	}

	exported, err := db.ExportServers(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported.MCPServers) != 2 {
		t.Fatalf("exported %d servers, want 2", len(exported.MCPServers))
	}
}
