// Package policy evaluates the disclosure release policy. Operators
// express who may unseal what as a CEL expression over the metric kind
// and the identities involved; a compiled policy answers allow or deny
// and fails closed on evaluation errors.
package policy

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

// ErrDenied is returned when the policy rejects a disclosure.
var ErrDenied = errors.New("policy: disclosure denied")

// AllowAll is the expression used when no policy is configured.
const AllowAll = "true"

// Input carries the facts a policy may inspect.
type Input struct {
	Kind      string
	Reporter  contracts.Identity
	Requester contracts.Identity
}

// Policy is a compiled release policy. Safe for concurrent use.
type Policy struct {
	expr string
	prg  cel.Program
}

// Compile builds a policy from a CEL expression. The expression must
// evaluate to a boolean over the variables kind, reporter and
// requester.
func Compile(expr string) (*Policy, error) {
	if expr == "" {
		expr = AllowAll
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("reporter", cel.StringType),
		cel.Variable("requester", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy: expression %q does not yield a boolean", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// MustCompile is Compile for expressions known good at build time.
func MustCompile(expr string) *Policy {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Expr returns the source expression.
func (p *Policy) Expr() string { return p.expr }

// Allow evaluates the policy. Evaluation errors deny.
func (p *Policy) Allow(in Input) error {
	out, _, err := p.prg.Eval(map[string]any{
		"kind":      in.Kind,
		"reporter":  string(in.Reporter),
		"requester": string(in.Requester),
	})
	if err != nil {
		return fmt.Errorf("%w: evaluation failed: %v", ErrDenied, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return fmt.Errorf("%w: kind %q, requester %q", ErrDenied, in.Kind, in.Requester)
	}
	return nil
}
