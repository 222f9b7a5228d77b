// Package daemon assembles the manifold process. It opens the control
// plane store, wires the invalidation bus, session pool, API keys and
// HTTP gateway together, and runs them until the context is cancelled,
// a stop arrives over the control socket, or the listener fails.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/manifoldmcp/manifold/internal/auth"
	"github.com/manifoldmcp/manifold/internal/bus"
	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/downstream"
	"github.com/manifoldmcp/manifold/internal/gateway"
	"github.com/manifoldmcp/manifold/internal/logging"
	"github.com/manifoldmcp/manifold/internal/pool"
	"github.com/manifoldmcp/manifold/internal/store"
	"github.com/manifoldmcp/manifold/internal/store/file"
	"github.com/manifoldmcp/manifold/internal/store/sqlite"
)

// Store backends selectable with the --store flag.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultControlAddr is where a running daemon answers status and stop
// requests from the CLI.
const DefaultControlAddr = "127.0.0.1:7611"

const shutdownGrace = 10 * time.Second

// Options select the store backend and override settings loaded from it.
// Zero values mean defaults: a file store under the state directory, the
// default control address, and the stored gateway settings.
type Options struct {
	Backend     string
	StorePath   string
	KeysPath    string
	ControlAddr string

	// Addr and BaseURL override the stored settings when non-empty.
	// Flags beat stored configuration, which env variables already beat.
	Addr    string
	BaseURL string
}

// Daemon is one assembled manifold process.
type Daemon struct {
	store    store.Store
	bus      *bus.Bus
	pool     *pool.Pool
	gateway  *gateway.Gateway
	watcher  *auth.Watcher
	control  *controlServer
	events   *logging.EventLogger
	detach   func()
	settings config.Settings
	started  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New assembles a daemon from the given options. The returned daemon has
// not bound any sockets yet; Run does that.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	st, err := OpenStore(ctx, opts.Backend, opts.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening config store: %w", err)
	}

	settings, err := st.GetSettings(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	settings.ApplyEnv()
	if opts.Addr != "" {
		settings.Addr = opts.Addr
	}
	if opts.BaseURL != "" {
		settings.BaseURL = opts.BaseURL
	}

	keysPath := opts.KeysPath
	if keysPath == "" {
		keysPath, err = auth.DefaultAPIKeysPath()
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	keys, err := auth.LoadAPIKeys(keysPath)
	if err != nil {
		// Bootable without keys: private endpoints reject everyone
		// until the watcher picks up a key file.
		common.LogWarn("no api keys loaded from %s: %v", keysPath, err)
		keys = nil
	}

	events, err := logging.NewEventLogger()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	b := bus.New(0)
	p := pool.New(pool.Options{
		Dialer:      &downstream.Dialer{ClientName: "manifold"},
		TargetIdle:  settings.PoolIdleTarget,
		DialTimeout: common.GetSecondsFromInt(settings.DefaultTimeout),
	})

	gw, err := gateway.New(gateway.Options{
		Store:    st,
		Bus:      b,
		Pool:     p,
		Keys:     keys,
		Settings: *settings,
		Logger:   events,
	})
	if err != nil {
		_ = events.Close()
		b.Close()
		_ = st.Close()
		return nil, err
	}

	d := &Daemon{
		store:    st,
		bus:      b,
		pool:     p,
		gateway:  gw,
		events:   events,
		settings: *settings,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
	d.detach = b.Attach(st, gw)
	d.watcher = auth.NewWatcher(keysPath, keys, func(ks *auth.APIKeyStore, revoked []string) {
		gw.SetKeys(ks)
		if len(revoked) > 0 {
			b.RevokeKeys(revoked)
		}
	})

	controlAddr := opts.ControlAddr
	if controlAddr == "" {
		controlAddr = DefaultControlAddr
	}
	d.control = newControlServer(controlAddr, d)
	return d, nil
}

// StorePath resolves where a backend keeps its data. An empty path
// selects the default location under the state directory.
func StorePath(backend, path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := common.StateDir()
	if err != nil {
		return "", err
	}
	switch backend {
	case BackendSQLite:
		return filepath.Join(dir, "manifold.db"), nil
	default:
		return filepath.Join(dir, "manifold.json"), nil
	}
}

// OpenStore opens the control plane store for the chosen backend. An
// empty backend selects the file store; an empty path selects the
// default location under the state directory.
func OpenStore(ctx context.Context, backend, path string) (store.Store, error) {
	path, err := StorePath(backend, path)
	if err != nil {
		return nil, err
	}
	switch backend {
	case "", BackendFile:
		st, err := file.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			// First run: write a default config so serve works before init.
			return file.Init(path)
		}
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendSQLite:
		return sqlite.New(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend '%s' (want %s or %s)", backend, BackendFile, BackendSQLite)
	}
}

// Run binds the control socket and the gateway listener, then blocks
// until ctx is cancelled, a stop request arrives, or the listener fails.
// Teardown drains sessions within a fixed grace period.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.control.start(); err != nil {
		d.closeNow()
		return err
	}
	if err := d.watcher.Start(); err != nil {
		common.LogWarn("api key watcher not running: %v", err)
	}

	errChan := d.gateway.Start()
	d.started = time.Now()
	common.LogInfo("manifold ready on %s (control %s)", d.settings.Addr, d.control.Addr())

	var err error
	select {
	case <-ctx.Done():
		common.LogInfo("shutdown signal received")
	case <-d.stopCh:
		common.LogInfo("stop requested over control socket")
	case err = <-errChan:
	}

	d.closeNow()
	return err
}

// ControlAddr reports the bound control socket address, or the configured
// one before Run binds it.
func (d *Daemon) ControlAddr() string {
	return d.control.Addr()
}

// Store exposes the control plane store, mainly so the CLI can print a
// startup summary before Run.
func (d *Daemon) Store() store.Store {
	return d.store
}

// Settings returns the effective settings after env and flag overrides.
func (d *Daemon) Settings() config.Settings {
	return d.settings
}

func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) statusData() *StatusData {
	st := d.gateway.Status()
	return &StatusData{
		Addr:     d.settings.Addr,
		Uptime:   time.Since(d.started).Round(time.Second).String(),
		Sessions: st.Sessions,
		Pool:     st.Pool,
	}
}

func (d *Daemon) closeNow() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	d.close(ctx)
}

// close tears the stack down in dependency order: stop accepting control
// requests, stop key reloads, drain the gateway, then release the pool,
// bus, store and event log.
func (d *Daemon) close(ctx context.Context) {
	d.control.stop()
	d.watcher.Stop()
	if err := d.gateway.Shutdown(ctx); err != nil {
		common.LogWarn("gateway shutdown: %v", err)
	}
	d.detach()
	if err := d.pool.Shutdown(ctx); err != nil {
		common.LogWarn("pool shutdown: %v", err)
	}
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		common.LogWarn("closing config store: %v", err)
	}
	_ = d.events.Close()
}
