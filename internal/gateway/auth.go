package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// wireShape tells the admission check which credential sources the
// route accepts. Query keys are accepted on streamable HTTP and the
// REST view only; intermediaries commonly strip query strings from
// long-lived event streams, so SSE never takes them.
type wireShape int

const (
	shapeStreamable wireShape = iota
	shapeSSE
	shapeREST
)

func (s wireShape) String() string {
	switch s {
	case shapeSSE:
		return "sse"
	case shapeREST:
		return "rest"
	default:
		return "streamable_http"
	}
}

// access carries the outcome of admission into the request handlers.
type access struct {
	endpoint  *config.EndpointConfig
	principal string
	shape     wireShape
}

type accessKeyType struct{}

var accessKey accessKeyType

func accessFrom(ctx context.Context) *access {
	a, _ := ctx.Value(accessKey).(*access)
	return a
}

// withAuth resolves the endpoint named in the path, enforces its auth
// policy for the route's wire shape and stores the admitted access in
// the request context.
func (g *Gateway) withAuth(shape wireShape, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("endpoint")

		ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
		ep, err := g.store.GetEndpoint(ctx, name)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown endpoint")
				return
			}
			common.LogError("endpoint '%s': config lookup failed: %v", name, err)
			writeError(w, http.StatusInternalServerError, "config store unavailable")
			return
		}

		principal, status := g.authenticate(r, ep, shape)
		switch status {
		case http.StatusUnauthorized:
			common.LogWarn("endpoint '%s': unauthorized request from %s", name, r.RemoteAddr)
			writeUnauthorized(w)
			return
		case http.StatusForbidden:
			common.LogWarn("endpoint '%s': forbidden request from %s", name, r.RemoteAddr)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		acc := &access{endpoint: ep, principal: principal, shape: shape}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessKey, acc)))
	})
}

// authenticate resolves the request credential to a principal. It
// returns the principal and 0 on success, or the HTTP status to reject
// with. Credential priority is the Authorization header, then (where
// the policy and wire shape allow it) the api_key query parameter. On
// public endpoints a bad credential downgrades to anonymous instead of
// blocking; a valid one still attaches its principal.
func (g *Gateway) authenticate(r *http.Request, ep *config.EndpointConfig, shape wireShape) (string, int) {
	token := extractAuthToken(r.Header.Get("Authorization"))
	if token == "" && shape != shapeSSE && ep.Auth.AllowQueryKey {
		token = r.URL.Query().Get("api_key")
	}

	var principal string
	if token != "" {
		if keys := g.keys.Load(); keys != nil {
			principal, _ = keys.Validate(token)
		}
	}

	if principal == "" && !ep.Auth.Public {
		return "", http.StatusUnauthorized
	}
	if principal != "" && !ep.Auth.Public && ep.Owner != "" && ep.Owner != principal {
		return "", http.StatusForbidden
	}
	return principal, 0
}

// legacyKey serves the deprecated /api-key/<key>/... routes: the path
// segment is promoted to a Bearer credential and the normal admission
// flow validates it. An explicit Authorization header wins over the
// embedded key.
func (g *Gateway) legacyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.PathValue("key"); key != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+key)
		}
		next.ServeHTTP(w, r)
	})
}

func extractAuthToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return header
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
