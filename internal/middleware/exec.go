package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/manifoldmcp/manifold/internal/config"
)

func init() {
	Register("exec-hook", newExecHook)
}

const defaultHookTimeout = 10 * time.Second

// execHook gates calls through an external command. The command receives
// one JSON object on stdin describing the call and answers on stdout with
// {"decision":"allow"} or {"decision":"deny","reason":"..."}. A nonzero
// exit, a timeout, or unparseable output counts as a hook failure, which
// denies the call unless on_error is "allow".
//
// Config keys: command (required), args, timeout_seconds, on_error.
type execHook struct {
	namespace   string
	command     string
	args        []string
	timeout     time.Duration
	allowOnFail bool
}

// hookInput is what the external command reads from stdin.
type hookInput struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Member    string `json:"member"`
	Inner     string `json:"inner"`
	Namespace string `json:"namespace"`
}

// hookVerdict is what the external command writes to stdout.
type hookVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func newExecHook(spec *config.MiddlewareConfig, ns *config.NamespaceConfig) (Middleware, error) {
	command, ok := spec.Config["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("config.command must be a non-empty string")
	}

	h := &execHook{
		namespace: ns.Name,
		command:   command,
		timeout:   defaultHookTimeout,
	}

	if raw, exists := spec.Config["args"]; exists {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("config.args must be an array of strings")
		}
		for _, arg := range list {
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("config.args must be an array of strings")
			}
			h.args = append(h.args, s)
		}
	}

	if raw, exists := spec.Config["timeout_seconds"]; exists {
		var secs float64
		switch v := raw.(type) {
		case float64:
			secs = v
		case int:
			secs = float64(v)
		default:
			return nil, fmt.Errorf("config.timeout_seconds must be a number")
		}
		if secs <= 0 {
			return nil, fmt.Errorf("config.timeout_seconds must be positive")
		}
		h.timeout = time.Duration(secs * float64(time.Second))
	}

	switch mode := spec.Config["on_error"]; mode {
	case nil, "deny":
	case "allow":
		h.allowOnFail = true
	default:
		return nil, fmt.Errorf("config.on_error must be \"deny\" or \"allow\", got %v", mode)
	}

	return h, nil
}

func (h *execHook) Name() string { return "exec-hook" }

func (h *execHook) TransformCatalog(_ Kind, items []Item) []Item {
	return items
}

func (h *execHook) InterceptCall(ctx context.Context, call *Call, next Handler) (any, error) {
	verdict, err := h.run(ctx, call)
	if err != nil {
		if h.allowOnFail {
			return next(ctx)
		}
		return nil, fmt.Errorf("exec-hook: %w", err)
	}
	if verdict.Decision != "allow" {
		reason := verdict.Reason
		if reason == "" {
			reason = "denied by hook"
		}
		return nil, fmt.Errorf("exec-hook: call '%s' rejected: %s", call.Exposed, reason)
	}
	return next(ctx)
}

func (h *execHook) run(ctx context.Context, call *Call) (*hookVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	input, err := json.Marshal(hookInput{
		Kind:      string(call.Kind),
		Name:      call.Exposed,
		Member:    call.Member,
		Inner:     call.Inner,
		Namespace: h.namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hook input: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("hook '%s' timed out after %s", h.command, h.timeout)
	}
	if runErr != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("hook '%s' failed: %v: %s", h.command, runErr, stderr.String())
		}
		return nil, fmt.Errorf("hook '%s' failed: %w", h.command, runErr)
	}

	var verdict hookVerdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return nil, fmt.Errorf("hook '%s' returned invalid JSON: %w", h.command, err)
	}
	return &verdict, nil
}
