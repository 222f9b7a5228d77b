// Package file implements the control-plane store over a single JSON config
// file. Mutations rewrite the file atomically under a lock; an fsnotify
// watcher picks up external edits and turns them into change events, so
// hand-editing the config while the gateway runs behaves like an admin
// operation.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// Compile-time check that Store satisfies store.Store.
var _ store.Store = (*Store)(nil)

// Store is the JSON-file-backed store implementation.
type Store struct {
	path      string
	broadcast store.Broadcaster

	mu  sync.Mutex
	cfg *config.GlobalConfig

	watch *watcher
}

// Open loads an existing config file. Use Init to create a fresh one.
func Open(path string) (*Store, error) {
	cfg, err := config.LoadConfigFromPath(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Init writes a default config file and returns a store over it. Fails if
// the file already exists.
func Init(path string) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config file already exists at %s: %w", path, store.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg := config.DefaultConfig()
	if err := config.SaveConfigToPath(cfg, path); err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// StartWatching begins observing the backing file for external edits.
func (s *Store) StartWatching() error {
	if s.watch != nil {
		return nil
	}
	s.watch = newWatcher(s)
	return s.watch.start()
}

// Subscribe registers a change listener.
func (s *Store) Subscribe(fn func(store.Event)) func() {
	return s.broadcast.Subscribe(fn)
}

// Ping reports whether the backing file is still loadable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := config.LoadConfigFromPath(s.path)
	return err
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watch != nil {
		s.watch.stop()
	}
	return nil
}

// mutate applies fn to a clone of the config, persists it, swaps it in and
// emits the returned events. Failed saves leave the in-memory state
// untouched.
func (s *Store) mutate(fn func(cfg *config.GlobalConfig) ([]store.Event, error)) error {
	s.mu.Lock()
	next := cloneConfig(s.cfg)
	events, err := fn(next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := config.SaveConfigToPath(next, s.path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	s.mu.Unlock()

	for _, event := range events {
		s.broadcast.Emit(event)
	}
	return nil
}

// ---- servers ----

func (s *Store) CreateServer(ctx context.Context, srv *config.ServerConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, exists := cfg.Servers[srv.Name]; exists {
			return nil, fmt.Errorf("server '%s': %w", srv.Name, store.ErrAlreadyExists)
		}
		if err := config.ValidateServer(srv.Name, srv); err != nil {
			return nil, err
		}
		cfg.Servers[srv.Name] = srv.Clone()
		return []store.Event{{
			Kind:           store.EventServerUpdated,
			Name:           srv.Name,
			NewFingerprint: srv.Fingerprint(),
		}}, nil
	})
}

func (s *Store) GetServer(ctx context.Context, name string) (*config.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.cfg.Servers[name]
	if !ok {
		return nil, fmt.Errorf("server '%s': %w", name, store.ErrNotFound)
	}
	return srv.Clone(), nil
}

func (s *Store) ListServers(ctx context.Context) ([]*config.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*config.ServerConfig, 0, len(s.cfg.Servers))
	for _, srv := range s.cfg.Servers {
		out = append(out, srv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateServer(ctx context.Context, srv *config.ServerConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		existing, ok := cfg.Servers[srv.Name]
		if !ok {
			return nil, fmt.Errorf("server '%s': %w", srv.Name, store.ErrNotFound)
		}
		if err := config.ValidateServer(srv.Name, srv); err != nil {
			return nil, err
		}
		oldFP := existing.Fingerprint()
		cfg.Servers[srv.Name] = srv.Clone()
		return []store.Event{{
			Kind:           store.EventServerUpdated,
			Name:           srv.Name,
			OldFingerprint: oldFP,
			NewFingerprint: srv.Fingerprint(),
		}}, nil
	})
}

func (s *Store) DeleteServer(ctx context.Context, name string) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		existing, ok := cfg.Servers[name]
		if !ok {
			return nil, fmt.Errorf("server '%s': %w", name, store.ErrNotFound)
		}
		for _, ns := range cfg.Namespaces {
			for _, member := range ns.Members {
				if member.Server == name {
					return nil, fmt.Errorf("server '%s' is a member of namespace '%s': %w", name, ns.Name, store.ErrConflict)
				}
			}
		}
		oldFP := existing.Fingerprint()
		delete(cfg.Servers, name)
		return []store.Event{{
			Kind:           store.EventServerRemoved,
			Name:           name,
			OldFingerprint: oldFP,
		}}, nil
	})
}

func (s *Store) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		srv, ok := cfg.Servers[name]
		if !ok {
			return nil, fmt.Errorf("server '%s': %w", name, store.ErrNotFound)
		}
		if srv.Enabled == enabled {
			return nil, nil
		}
		srv.Enabled = enabled
		fp := srv.Fingerprint()
		return []store.Event{{
			Kind:           store.EventServerUpdated,
			Name:           name,
			OldFingerprint: fp,
			NewFingerprint: fp,
		}}, nil
	})
}

func (s *Store) ImportServers(ctx context.Context, doc *config.ImportDocument) (*config.ImportResult, error) {
	var result *config.ImportResult
	err := s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		oldFPs := make(map[string]string, len(cfg.Servers))
		for name, srv := range cfg.Servers {
			oldFPs[name] = srv.Fingerprint()
		}

		result = config.MergeServers(cfg, doc)

		var events []store.Event
		for _, name := range result.Imported {
			events = append(events, store.Event{
				Kind:           store.EventServerUpdated,
				Name:           name,
				OldFingerprint: oldFPs[name],
				NewFingerprint: cfg.Servers[name].Fingerprint(),
			})
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ExportServers(ctx context.Context) (*config.ImportDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := &config.ImportDocument{MCPServers: make(map[string]*config.ServerConfig, len(s.cfg.Servers))}
	for name, srv := range s.cfg.Servers {
		doc.MCPServers[name] = srv.Clone()
	}
	return doc, nil
}

// ---- namespaces ----

func (s *Store) CreateNamespace(ctx context.Context, ns *config.NamespaceConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, exists := cfg.Namespaces[ns.Name]; exists {
			return nil, fmt.Errorf("namespace '%s': %w", ns.Name, store.ErrAlreadyExists)
		}
		if err := config.ValidateNamespace(ns, cfg.Servers); err != nil {
			return nil, err
		}
		cfg.Namespaces[ns.Name] = ns.Clone()
		return []store.Event{{Kind: store.EventNamespaceUpdated, Name: ns.Name}}, nil
	})
}

func (s *Store) GetNamespace(ctx context.Context, name string) (*config.NamespaceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.cfg.Namespaces[name]
	if !ok {
		return nil, fmt.Errorf("namespace '%s': %w", name, store.ErrNotFound)
	}
	return ns.Clone(), nil
}

func (s *Store) ListNamespaces(ctx context.Context) ([]*config.NamespaceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*config.NamespaceConfig, 0, len(s.cfg.Namespaces))
	for _, ns := range s.cfg.Namespaces {
		out = append(out, ns.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateNamespace(ctx context.Context, ns *config.NamespaceConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, ok := cfg.Namespaces[ns.Name]; !ok {
			return nil, fmt.Errorf("namespace '%s': %w", ns.Name, store.ErrNotFound)
		}
		if err := config.ValidateNamespace(ns, cfg.Servers); err != nil {
			return nil, err
		}
		cfg.Namespaces[ns.Name] = ns.Clone()
		return []store.Event{{Kind: store.EventNamespaceUpdated, Name: ns.Name}}, nil
	})
}

func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, ok := cfg.Namespaces[name]; !ok {
			return nil, fmt.Errorf("namespace '%s': %w", name, store.ErrNotFound)
		}
		for _, ep := range cfg.Endpoints {
			if ep.Namespace == name {
				return nil, fmt.Errorf("namespace '%s' is served by endpoint '%s': %w", name, ep.Name, store.ErrConflict)
			}
		}
		delete(cfg.Namespaces, name)
		return []store.Event{{Kind: store.EventNamespaceRemoved, Name: name}}, nil
	})
}

// ---- endpoints ----

func (s *Store) CreateEndpoint(ctx context.Context, ep *config.EndpointConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, exists := cfg.Endpoints[ep.Name]; exists {
			return nil, fmt.Errorf("endpoint '%s': %w", ep.Name, store.ErrAlreadyExists)
		}
		if err := config.ValidateEndpoint(ep, cfg.Namespaces); err != nil {
			return nil, err
		}
		cfg.Endpoints[ep.Name] = ep.Clone()
		return []store.Event{{Kind: store.EventEndpointUpdated, Name: ep.Name}}, nil
	})
}

func (s *Store) GetEndpoint(ctx context.Context, name string) (*config.EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.cfg.Endpoints[name]
	if !ok {
		return nil, fmt.Errorf("endpoint '%s': %w", name, store.ErrNotFound)
	}
	return ep.Clone(), nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*config.EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*config.EndpointConfig, 0, len(s.cfg.Endpoints))
	for _, ep := range s.cfg.Endpoints {
		out = append(out, ep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateEndpoint(ctx context.Context, ep *config.EndpointConfig) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, ok := cfg.Endpoints[ep.Name]; !ok {
			return nil, fmt.Errorf("endpoint '%s': %w", ep.Name, store.ErrNotFound)
		}
		if err := config.ValidateEndpoint(ep, cfg.Namespaces); err != nil {
			return nil, err
		}
		cfg.Endpoints[ep.Name] = ep.Clone()
		return []store.Event{{Kind: store.EventEndpointUpdated, Name: ep.Name}}, nil
	})
}

func (s *Store) DeleteEndpoint(ctx context.Context, name string) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		if _, ok := cfg.Endpoints[name]; !ok {
			return nil, fmt.Errorf("endpoint '%s': %w", name, store.ErrNotFound)
		}
		delete(cfg.Endpoints, name)
		return []store.Event{{Kind: store.EventEndpointRemoved, Name: name}}, nil
	})
}

// ---- settings ----

func (s *Store) GetSettings(ctx context.Context) (*config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Settings.Clone(), nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings *config.Settings) error {
	return s.mutate(func(cfg *config.GlobalConfig) ([]store.Event, error) {
		cfg.Settings = settings.Clone()
		return []store.Event{{Kind: store.EventSettingsUpdated}}, nil
	})
}

func cloneConfig(cfg *config.GlobalConfig) *config.GlobalConfig {
	out := &config.GlobalConfig{
		Name:       cfg.Name,
		Version:    cfg.Version,
		Settings:   cfg.Settings.Clone(),
		Servers:    make(map[string]*config.ServerConfig, len(cfg.Servers)),
		Namespaces: make(map[string]*config.NamespaceConfig, len(cfg.Namespaces)),
		Endpoints:  make(map[string]*config.EndpointConfig, len(cfg.Endpoints)),
		Metadata:   cfg.Metadata,
	}
	for name, srv := range cfg.Servers {
		out.Servers[name] = srv.Clone()
	}
	for name, ns := range cfg.Namespaces {
		out.Namespaces[name] = ns.Clone()
	}
	for name, ep := range cfg.Endpoints {
		out.Endpoints[name] = ep.Clone()
	}
	return out
}
