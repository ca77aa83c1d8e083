// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package query

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Filter restricts search results by record metadata. Equals requires
// every listed key to be present with an equal value of the same kind.
// Expr is a CEL expression over `metadata` (map of string to dyn) and
// `id` that must evaluate to a bool. Both may be set; a record must
// satisfy both.
type Filter struct {
	Equals vector.Metadata `json:"equals,omitempty"`
	Expr   string          `json:"expr,omitempty"`
}

// Empty reports whether the filter accepts every record.
func (f Filter) Empty() bool {
	return len(f.Equals) == 0 && f.Expr == ""
}

// Predicate is a compiled Filter.
type Predicate struct {
	equals  vector.Metadata
	program cel.Program
}

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("id", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
})

// Compile validates the filter and prepares it for evaluation. A nil
// Predicate accepts everything.
func (f Filter) Compile() (*Predicate, error) {
	if f.Empty() {
		return nil, nil
	}
	p := &Predicate{equals: f.Equals}
	if f.Expr == "" {
		return p, nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeQueryFilterInvalid, "creating filter environment")
	}
	ast, issues := env.Compile(f.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, cperr.New(cperr.CodeQueryFilterInvalid, "compiling filter expression: "+issues.Err().Error(),
			cperr.Field("expr", f.Expr))
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, cperr.New(cperr.CodeQueryFilterInvalid, "filter expression must evaluate to bool, got "+out.String(),
			cperr.Field("expr", f.Expr))
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeQueryFilterInvalid, "creating filter program",
			cperr.Field("expr", f.Expr))
	}
	p.program = prog
	return p, nil
}

// Match reports whether a record passes the filter. Expressions that fail
// at runtime, for example by reading a missing key, do not match.
func (p *Predicate) Match(id string, md vector.Metadata) bool {
	if p == nil {
		return true
	}
	for k, want := range p.equals {
		got, ok := md[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	if p.program == nil {
		return true
	}

	out, _, err := p.program.Eval(map[string]any{
		"metadata": md.Map(),
		"id":       id,
	})
	if err != nil {
		return false
	}
	return out == types.True
}
