// Package policy evaluates named authorization policies over an authenticated
// principal and, optionally, the resource a request targets.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"imagegallery/metrics"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrUnknownPolicy   = errors.New("unknown policy")
)

// Principal is the caller a policy decides about.
type Principal struct {
	Subject string
	Scopes  []string
	Claims  map[string]any
}

// Values returns a claim as a list of strings.
func (p *Principal) Values(name string) []string {
	if p == nil {
		return nil
	}
	switch v := p.Claims[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Target identifies the resource a request acts on. The zero value means no
// specific resource.
type Target struct {
	Kind       string
	ID         string
	Attributes map[string]any
}

// Policy decides whether principal may act on target. It returns nil to allow,
// or an error wrapping ErrUnauthenticated or ErrForbidden.
type Policy interface {
	Evaluate(ctx context.Context, principal *Principal, target Target) error
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, principal *Principal, target Target) error

func (f Func) Evaluate(ctx context.Context, principal *Principal, target Target) error {
	return f(ctx, principal, target)
}

// Engine is a name-keyed policy registry.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	logger   *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{policies: map[string]Policy{}, logger: logger}
}

// Register adds or replaces a named policy.
func (e *Engine) Register(name string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[name] = p
}

// Names lists the registered policies.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Authorize resolves name and evaluates it. Any failure that is not an
// authentication failure is reported as ErrForbidden.
func (e *Engine) Authorize(ctx context.Context, name string, principal *Principal, target Target) error {
	e.mu.RLock()
	p, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		metrics.PolicyDecision(name, "unknown")
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}

	err := p.Evaluate(ctx, principal, target)
	switch {
	case err == nil:
		metrics.PolicyDecision(name, "allow")
		return nil
	case errors.Is(err, ErrUnauthenticated):
		metrics.PolicyDecision(name, "unauthenticated")
		return err
	case errors.Is(err, ErrForbidden):
		metrics.PolicyDecision(name, "deny")
		e.logger.Info("policy denied", "policy", name, "sub", subjectOf(principal), "target", target.ID, "reason", err)
		return err
	default:
		metrics.PolicyDecision(name, "error")
		e.logger.Warn("policy evaluation failed", "policy", name, "sub", subjectOf(principal), "target", target.ID, "err", err)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
}

func subjectOf(p *Principal) string {
	if p == nil {
		return ""
	}
	return p.Subject
}

// Authenticated requires a principal with a subject.
func Authenticated() Policy {
	return Func(func(_ context.Context, p *Principal, _ Target) error {
		if p == nil || p.Subject == "" {
			return ErrUnauthenticated
		}
		return nil
	})
}

// RequireScope requires every listed scope to have been granted.
func RequireScope(scopes ...string) Policy {
	return Func(func(_ context.Context, p *Principal, _ Target) error {
		if p == nil || p.Subject == "" {
			return ErrUnauthenticated
		}
		for _, s := range scopes {
			if !slices.Contains(p.Scopes, s) {
				return fmt.Errorf("%w: scope %s not granted", ErrForbidden, s)
			}
		}
		return nil
	})
}

// RequireClaim requires claim to carry one of values. With no values the claim
// only has to be present.
func RequireClaim(claim string, values ...string) Policy {
	return Func(func(_ context.Context, p *Principal, _ Target) error {
		if p == nil || p.Subject == "" {
			return ErrUnauthenticated
		}
		have := p.Values(claim)
		if len(have) == 0 {
			return fmt.Errorf("%w: claim %s missing", ErrForbidden, claim)
		}
		if len(values) == 0 {
			return nil
		}
		for _, v := range have {
			if slices.Contains(values, v) {
				return nil
			}
		}
		return fmt.Errorf("%w: claim %s not in %v", ErrForbidden, claim, values)
	})
}

// All requires every policy to allow. The first failure wins.
func All(policies ...Policy) Policy {
	return Func(func(ctx context.Context, p *Principal, t Target) error {
		for _, pol := range policies {
			if err := pol.Evaluate(ctx, p, t); err != nil {
				return err
			}
		}
		return nil
	})
}
