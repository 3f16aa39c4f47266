package expressions

import "context"

// Engine evaluates configured expressions against pipeline data.
// Three implementations: CEL (research stop predicates), Expr (item
// ranking formulas), GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
