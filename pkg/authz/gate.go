// Package authz implements the operator-authorization gate consulted by
// the Gateway Core before every decide. Its set-membership check plus
// optional richer CEL predicate is grounded on the teacher's
// pkg/governance.CELPolicyEvaluator (compile-cache-eval over a dynamic
// input map, fail-closed on any compile/eval error).
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Gate authorizes an operator_id against the configured allow-list and,
// optionally, a CEL predicate for richer policies (e.g. role + trade
// instrument combinations). Absent a predicate, set membership alone
// decides.
type Gate struct {
	allowed map[string]struct{}

	mu      sync.RWMutex
	env     *cel.Env
	prgCache map[string]cel.Program
	predicate string
}

// NewGate builds a Gate from the configured allow-list. An empty
// allow-list authorizes nobody: fail closed, per spec.md §4 ("no default
// operator set").
func NewGate(allowedOperators []string) *Gate {
	allowed := make(map[string]struct{}, len(allowedOperators))
	for _, id := range allowedOperators {
		allowed[id] = struct{}{}
	}
	return &Gate{allowed: allowed, prgCache: make(map[string]cel.Program)}
}

// WithPredicate attaches an optional CEL expression evaluated over
// {"operator_id": string} in addition to set membership. A compile error
// is deferred to first evaluation and treated as fail-closed (denied).
func (g *Gate) WithPredicate(expr string) (*Gate, error) {
	env, err := cel.NewEnv(cel.Variable("operator_id", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("authz: build CEL env: %w", err)
	}
	g.env = env
	g.predicate = expr
	return g, nil
}

// IsAuthorized reports whether operatorID may decide approvals. Set
// membership is required; if a predicate is configured it must also
// evaluate true. Any error anywhere in evaluation is treated as denied.
func (g *Gate) IsAuthorized(ctx context.Context, operatorID string) bool {
	if _, ok := g.allowed[operatorID]; !ok {
		return false
	}
	if g.predicate == "" {
		return true
	}
	allowed, err := g.evaluate(operatorID)
	if err != nil {
		return false
	}
	return allowed
}

func (g *Gate) evaluate(operatorID string) (bool, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[g.predicate]
	g.mu.RUnlock()

	if !hit {
		g.mu.Lock()
		defer g.mu.Unlock()
		if prg, hit = g.prgCache[g.predicate]; !hit {
			ast, issues := g.env.Compile(g.predicate)
			if issues != nil && issues.Err() != nil {
				return false, fmt.Errorf("authz: compile predicate: %w", issues.Err())
			}
			p, err := g.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(1000))
			if err != nil {
				return false, fmt.Errorf("authz: build program: %w", err)
			}
			g.prgCache[g.predicate] = p
			prg = p
		}
	}

	out, _, err := prg.Eval(map[string]any{"operator_id": operatorID})
	if err != nil {
		return false, fmt.Errorf("authz: eval predicate: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("authz: predicate result not bool")
	}
	return val, nil
}
