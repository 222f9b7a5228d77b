package daemon

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/manifoldmcp/manifold/internal/common"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(common.StateDirEnv, dir)
	return Options{
		Backend:     BackendFile,
		StorePath:   filepath.Join(dir, "manifold.json"),
		KeysPath:    filepath.Join(dir, "api_keys.json"),
		ControlAddr: "127.0.0.1:0",
		Addr:        "127.0.0.1:0",
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runDaemon starts d.Run in the background and waits for the control
// socket to come up. The returned channel carries Run's result; the
// daemon is stopped at test cleanup if still running.
func runDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitUntil(t, "control socket bound", func() bool {
		return !strings.HasSuffix(d.ControlAddr(), ":0")
	})
	return done
}

func TestOpenStoreBackends(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := OpenStore(ctx, BackendFile, filepath.Join(dir, "cfg.json"))
	assert.NilError(t, err)
	assert.NilError(t, fs.Ping(ctx))
	assert.NilError(t, fs.Close())

	db, err := OpenStore(ctx, BackendSQLite, filepath.Join(dir, "cfg.db"))
	assert.NilError(t, err)
	assert.NilError(t, db.Ping(ctx))
	assert.NilError(t, db.Close())

	_, err = OpenStore(ctx, "postgres", "dsn")
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestNewBootsWithoutKeyFile(t *testing.T) {
	opts := testOptions(t)

	d, err := New(context.Background(), opts)
	assert.NilError(t, err)

	// Flag overrides beat the stored defaults.
	assert.Equal(t, d.settings.Addr, "127.0.0.1:0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.close(ctx)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	opts := testOptions(t)
	d, err := New(context.Background(), opts)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitUntil(t, "control socket bound", func() bool {
		return !strings.HasSuffix(d.ControlAddr(), ":0")
	})

	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after context cancel")
	}
}

func TestControlStatusAndStop(t *testing.T) {
	opts := testOptions(t)
	d, err := New(context.Background(), opts)
	assert.NilError(t, err)
	done := runDaemon(t, d)

	addr := d.ControlAddr()
	status, err := Status(addr)
	assert.NilError(t, err)
	assert.Equal(t, status.Addr, "127.0.0.1:0")
	assert.Assert(t, status.Uptime != "")
	assert.Equal(t, len(status.Sessions), 0)

	assert.NilError(t, Stop(addr))
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after control stop")
	}

	waitUntil(t, "control socket released", func() bool {
		return !IsRunning(addr)
	})
}

func TestControlSocketIsSingleInstanceLock(t *testing.T) {
	opts := testOptions(t)
	d1, err := New(context.Background(), opts)
	assert.NilError(t, err)
	runDaemon(t, d1)

	opts2 := testOptions(t)
	opts2.ControlAddr = d1.ControlAddr()
	d2, err := New(context.Background(), opts2)
	assert.NilError(t, err)

	err = d2.Run(context.Background())
	assert.ErrorContains(t, err, "another manifold daemon")
}

func TestControlRejectsUnknownRequestType(t *testing.T) {
	opts := testOptions(t)
	d, err := New(context.Background(), opts)
	assert.NilError(t, err)
	runDaemon(t, d)

	_, err = Query(d.ControlAddr(), "restart")
	assert.ErrorContains(t, err, "unknown request type")
}

func TestStatusWithoutDaemon(t *testing.T) {
	// Grab a port that is definitely free, then release it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := ln.Addr().String()
	assert.NilError(t, ln.Close())

	_, err = Status(addr)
	assert.ErrorContains(t, err, "no manifold daemon reachable")
	assert.Assert(t, !IsRunning(addr))
}
