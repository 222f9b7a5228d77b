package config

import (
	"fmt"

	"github.com/manifoldmcp/manifold/internal/common"
)

// ValidateConfig checks structural consistency of a normalized config:
// URL-safe names, valid transports, and resolvable cross-references between
// endpoints, namespaces and servers.
func ValidateConfig(cfg *GlobalConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("version field is required")
	}

	for name, server := range cfg.Servers {
		if err := ValidateServer(name, server); err != nil {
			return err
		}
	}

	for name, ns := range cfg.Namespaces {
		ns.Name = name
		if err := ValidateNamespace(ns, cfg.Servers); err != nil {
			return err
		}
	}

	for name, ep := range cfg.Endpoints {
		ep.Name = name
		if err := ValidateEndpoint(ep, cfg.Namespaces); err != nil {
			return err
		}
	}

	return nil
}

// ValidateServer validates a single server configuration.
func ValidateServer(name string, server *ServerConfig) error {
	if !common.IsURLCompliant(name) {
		return fmt.Errorf("server '%s': name must be URL-safe (alphanumeric, dash, underscore)", name)
	}

	switch server.Transport {
	case TransportStdio:
		if server.Command == "" {
			return fmt.Errorf("server '%s': command is required for stdio transport", name)
		}
		if server.URL != "" {
			return fmt.Errorf("server '%s': url is not allowed for stdio transport", name)
		}
	case TransportSSE, TransportStreamable:
		if server.URL == "" {
			return fmt.Errorf("server '%s': url is required for %s transport", name, server.Transport)
		}
		if server.Command != "" {
			return fmt.Errorf("server '%s': command is not allowed for %s transport", name, server.Transport)
		}
	case "":
		return fmt.Errorf("server '%s': transport type is required", name)
	default:
		return fmt.Errorf("server '%s': unsupported transport '%s' (expected stdio, sse, or streamable_http)", name, server.Transport)
	}

	return nil
}

// ValidateNamespace checks one namespace against the set of known servers.
func ValidateNamespace(ns *NamespaceConfig, servers map[string]*ServerConfig) error {
	name := ns.Name
	if !common.IsURLCompliant(name) {
		return fmt.Errorf("namespace '%s': name must be URL-safe (alphanumeric, dash, underscore)", name)
	}

	if len(ns.Members) == 0 {
		return fmt.Errorf("namespace '%s': at least one member is required", name)
	}

	memberIDs := make(map[string]bool)
	for i, member := range ns.Members {
		if member.Server == "" {
			return fmt.Errorf("namespace '%s': member[%d]: server reference is required", name, i)
		}
		if _, ok := servers[member.Server]; !ok {
			return fmt.Errorf("namespace '%s': member[%d] references unknown server '%s'", name, i, member.Server)
		}

		id := member.MemberID()
		if !common.IsURLCompliant(id) {
			return fmt.Errorf("namespace '%s': member id '%s' must be URL-safe", name, id)
		}
		if memberIDs[id] {
			return fmt.Errorf("namespace '%s': duplicate member id '%s'", name, id)
		}
		memberIDs[id] = true
	}

	mwNames := make(map[string]bool)
	for i, mw := range ns.Middlewares {
		if mw.Name == "" {
			return fmt.Errorf("namespace '%s': middleware[%d]: name is required", name, i)
		}
		if mwNames[mw.Name] {
			return fmt.Errorf("namespace '%s': duplicate middleware '%s'", name, mw.Name)
		}
		mwNames[mw.Name] = true
	}

	return nil
}

// ValidateEndpoint checks one endpoint against the set of known namespaces.
func ValidateEndpoint(ep *EndpointConfig, namespaces map[string]*NamespaceConfig) error {
	name := ep.Name
	if !common.IsURLCompliant(name) {
		return fmt.Errorf("endpoint '%s': name must be URL-safe (alphanumeric, dash, underscore)", name)
	}

	if ep.Namespace == "" {
		return fmt.Errorf("endpoint '%s': namespace is required", name)
	}
	if _, ok := namespaces[ep.Namespace]; !ok {
		return fmt.Errorf("endpoint '%s': references unknown namespace '%s'", name, ep.Namespace)
	}

	return nil
}
