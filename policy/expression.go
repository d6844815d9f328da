package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Expression compiles a CEL predicate. The expression sees "subject" (string),
// "scopes" (list of strings), "claims" (map) and "resource" (the target's
// attributes plus "id" and "kind"), and must evaluate to a bool. A runtime
// error, such as a missing claim key, denies.
//
//	has(claims.country) && claims.country == "be" && claims.subscriptionlevel == "PayingUser"
func Expression(expr string) (Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	return Func(func(_ context.Context, p *Principal, t Target) error {
		if p == nil || p.Subject == "" {
			return ErrUnauthenticated
		}
		claims := p.Claims
		if claims == nil {
			claims = map[string]any{}
		}
		scopes := p.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		resource := make(map[string]any, len(t.Attributes)+2)
		for k, v := range t.Attributes {
			resource[k] = v
		}
		resource["id"] = t.ID
		resource["kind"] = t.Kind

		out, _, err := prg.Eval(map[string]any{
			"subject":  p.Subject,
			"scopes":   scopes,
			"claims":   claims,
			"resource": resource,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			return fmt.Errorf("%w: %s is false", ErrForbidden, expr)
		}
		return nil
	}), nil
}

// MustExpression is Expression for policies fixed at build time.
func MustExpression(expr string) Policy {
	p, err := Expression(expr)
	if err != nil {
		panic(err)
	}
	return p
}
