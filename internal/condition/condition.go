// Package condition evaluates the JMESPath predicates used by process
// transitions and notification trigger rules.
package condition

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Expr is a compiled predicate.
type Expr struct {
	src   string
	query *jmespath.JMESPath
}

// Compile parses src. Compiled expressions are cached by source text.
func Compile(src string) (*Expr, error) {
	if cached, ok := cache.Load(src); ok {
		return cached.(*Expr), nil
	}
	q, err := jmespath.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compiling condition %q: %w", src, err)
	}
	e := &Expr{src: src, query: q}
	cache.Store(src, e)
	return e, nil
}

var cache sync.Map

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the predicate against data. data is normalized to plain
// JSON values first so numbers compare as float64 regardless of how the
// caller built the map.
func (e *Expr) Eval(data any) (bool, error) {
	norm, err := Normalize(data)
	if err != nil {
		return false, err
	}
	out, err := e.query.Search(norm)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", e.src, err)
	}
	return Truthy(out), nil
}

// Evaluate compiles src and evaluates it against data. An empty src is
// always satisfied.
func Evaluate(src string, data any) (bool, error) {
	if src == "" {
		return true, nil
	}
	e, err := Compile(src)
	if err != nil {
		return false, err
	}
	return e.Eval(data)
}

// Truthy applies JMESPath truthiness: false, null, "" and empty
// collections are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Normalize converts v into the value tree encoding/json would produce.
func Normalize(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing condition input: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalizing condition input: %w", err)
	}
	return out, nil
}
