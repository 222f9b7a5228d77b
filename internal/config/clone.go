package config

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely without racing the live configuration.
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.Args = append([]string(nil), s.Args...)
	out.Env = cloneStringMap(s.Env)
	out.Headers = cloneStringMap(s.Headers)
	return &out
}

// Clone returns a deep copy of the namespace and its members.
func (n *NamespaceConfig) Clone() *NamespaceConfig {
	if n == nil {
		return nil
	}
	out := *n
	out.Members = make([]*NamespaceMember, len(n.Members))
	for i, m := range n.Members {
		out.Members[i] = m.Clone()
	}
	out.Middlewares = make([]*MiddlewareConfig, len(n.Middlewares))
	for i, mw := range n.Middlewares {
		out.Middlewares[i] = mw.Clone()
	}
	return &out
}

// Clone returns a deep copy of the member.
func (m *NamespaceMember) Clone() *NamespaceMember {
	if m == nil {
		return nil
	}
	out := *m
	if m.Tools != nil {
		out.Tools = make(map[string]bool, len(m.Tools))
		for k, v := range m.Tools {
			out.Tools[k] = v
		}
	}
	return &out
}

// Clone returns a deep copy of the middleware entry.
func (m *MiddlewareConfig) Clone() *MiddlewareConfig {
	if m == nil {
		return nil
	}
	out := *m
	if m.Config != nil {
		out.Config = make(map[string]interface{}, len(m.Config))
		for k, v := range m.Config {
			out.Config[k] = v
		}
	}
	return &out
}

// Clone returns a copy of the endpoint.
func (e *EndpointConfig) Clone() *EndpointConfig {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

// Clone returns a copy of the settings.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
