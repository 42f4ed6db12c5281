package roster

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/szaher/ctfops/internal/adapters"
)

// filterEnv is the set of variables a Where expression can use.
type filterEnv struct {
	ID       string         `expr:"id"`
	Name     string         `expr:"name"`
	Solved   bool           `expr:"solved"`
	Staged   bool           `expr:"staged"`
	Points   float64        `expr:"points"`
	Solves   float64        `expr:"solves"`
	Category string         `expr:"category"`
	Attrs    map[string]any `expr:"attrs"`
}

func envFor(ch adapters.Challenge) filterEnv {
	points, _ := ch.Number(adapters.AttrPoints)
	solves, _ := ch.Number(adapters.AttrSolves)
	attrs := ch.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return filterEnv{
		ID:       ch.ID,
		Name:     ch.Name,
		Solved:   ch.Solved,
		Staged:   ch.Staged(),
		Points:   points,
		Solves:   solves,
		Category: ch.Text(adapters.AttrCategory),
		Attrs:    attrs,
	}
}

// Filter is a compiled Where expression.
type Filter struct {
	Source  string
	program *vm.Program
}

// CompileFilter type-checks source against the challenge fields and
// compiles it. The expression must evaluate to a bool.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	return &Filter{Source: source, program: program}, nil
}

// Match evaluates the filter against ch.
func (f *Filter) Match(ch adapters.Challenge) (bool, error) {
	out, err := expr.Run(f.program, envFor(ch))
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", f.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", f.Source, out)
	}
	return b, nil
}
