package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

// Interpreter turns one filter value into a predicate. A nil predicate means
// the filter does not apply to this value. all holds the sibling values of
// the same tree level and reqCtx is the caller-supplied request context.
type Interpreter func(value any, all Fields, reqCtx any) (squirrel.Sqlizer, error)

// PreProcessor may rewrite a tree before interpretation (e.g. inject defaults).
type PreProcessor func(tree Node, reqCtx any) (Node, error)

// PostProcessor returns extra predicates appended after interpretation. It
// receives the tree as supplied by the caller and the predicates derived so
// far; authorization constraints are usually added here.
type PostProcessor func(tree Node, preds []squirrel.Sqlizer, reqCtx any) ([]squirrel.Sqlizer, error)

// Definition declares a single filter key.
type Definition struct {
	// Shape validates the raw value before Interpret is called (optional).
	Shape     schema.ValueChecker
	Interpret Interpreter
}

// Declaration is a composable set of filter definitions.
type Declaration struct {
	defs      map[string]Definition
	pre       []PreProcessor
	post      []PostProcessor
	orEnabled bool
}

// New creates an empty declaration with OR disabled.
func New() *Declaration {
	return &Declaration{defs: make(map[string]Definition)}
}

// Add registers a filter key.
func (d *Declaration) Add(key string, def Definition) error {
	switch {
	case strings.TrimSpace(key) == "":
		return apperror.NewConfiguration("filter key must not be empty")
	case key == KeyAnd || key == KeyOr || key == KeyNot:
		return apperror.NewConfiguration(fmt.Sprintf("filter key %q is reserved", key))
	case def.Interpret == nil:
		return apperror.NewConfiguration(fmt.Sprintf("filter %q has no interpreter", key))
	}
	d.defs[key] = def
	return nil
}

// MustAdd is Add for static declarations; it panics on error.
func (d *Declaration) MustAdd(key string, def Definition) *Declaration {
	if err := d.Add(key, def); err != nil {
		panic(err)
	}
	return d
}

// EnableOR allows OR branches in trees interpreted by this declaration.
func (d *Declaration) EnableOR() *Declaration {
	d.orEnabled = true
	return d
}

// OREnabled reports whether OR branches are accepted.
func (d *Declaration) OREnabled() bool { return d.orEnabled }

// PreProcess appends a tree rewrite hook.
func (d *Declaration) PreProcess(fn PreProcessor) *Declaration {
	d.pre = append(d.pre, fn)
	return d
}

// PostProcess appends a predicate hook.
func (d *Declaration) PostProcess(fn PostProcessor) *Declaration {
	d.post = append(d.post, fn)
	return d
}

// Keys returns the declared keys in lexical order.
func (d *Declaration) Keys() []string {
	keys := make([]string, 0, len(d.defs))
	for k := range d.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Definition returns the definition registered for key.
func (d *Declaration) Definition(key string) (Definition, bool) {
	def, ok := d.defs[key]
	return def, ok
}

func (d *Declaration) clone() *Declaration {
	out := &Declaration{
		defs:      make(map[string]Definition, len(d.defs)),
		pre:       append([]PreProcessor(nil), d.pre...),
		post:      append([]PostProcessor(nil), d.post...),
		orEnabled: d.orEnabled,
	}
	for k, v := range d.defs {
		out.defs[k] = v
	}
	return out
}

// Merge unions declarations. On key overlap the later declaration wins;
// hooks are chained in argument order and OR is enabled if any input
// enables it.
func Merge(decls ...*Declaration) *Declaration {
	out := New()
	for _, d := range decls {
		if d == nil {
			continue
		}
		for k, v := range d.defs {
			out.defs[k] = v
		}
		out.pre = append(out.pre, d.pre...)
		out.post = append(out.post, d.post...)
		out.orEnabled = out.orEnabled || d.orEnabled
	}
	return out
}

// Rename returns a copy whose keys carry prefix.
func (d *Declaration) Rename(prefix string) *Declaration {
	out := d.clone()
	if prefix == "" {
		return out
	}
	out.defs = make(map[string]Definition, len(d.defs))
	for k, v := range d.defs {
		out.defs[prefix+k] = v
	}
	return out
}

// Select returns a copy keeping keys matched by include (all when empty) and
// not matched by exclude. A trailing * matches any suffix.
func (d *Declaration) Select(include, exclude []string) *Declaration {
	out := d.clone()
	for k := range out.defs {
		if len(include) > 0 && !matchAny(include, k) {
			delete(out.defs, k)
			continue
		}
		if matchAny(exclude, k) {
			delete(out.defs, k)
		}
	}
	return out
}

func matchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if p == key {
			return true
		}
	}
	return false
}

// Interpret turns a tree into an ordered list of conjuncts. Pre-processors
// run first, then the tree is checked for disabled OR usage before any
// interpreter is called, then post-processors append their predicates. A nil
// tree still runs the post-processors.
func (d *Declaration) Interpret(tree Node, reqCtx any) ([]squirrel.Sqlizer, error) {
	original := tree
	for _, pre := range d.pre {
		next, err := pre(tree, reqCtx)
		if err != nil {
			return nil, err
		}
		tree = next
	}

	var preds []squirrel.Sqlizer
	if tree != nil {
		if !d.orEnabled && ContainsOr(tree) {
			return nil, apperror.NewValidation("OR filters are not enabled for this loader")
		}
		var err error
		preds, err = d.conjuncts(tree, reqCtx)
		if err != nil {
			return nil, err
		}
	}

	for _, post := range d.post {
		extra, err := post(original, preds, reqCtx)
		if err != nil {
			return nil, err
		}
		preds = append(preds, extra...)
	}
	return preds, nil
}

func (d *Declaration) conjuncts(n Node, reqCtx any) ([]squirrel.Sqlizer, error) {
	switch v := n.(type) {
	case Fields:
		return d.interpretFields(v, reqCtx)

	case And:
		var out []squirrel.Sqlizer
		for _, child := range v {
			preds, err := d.conjuncts(child, reqCtx)
			if err != nil {
				return nil, err
			}
			out = append(out, preds...)
		}
		return out, nil

	case Or:
		branches := make([]squirrel.Sqlizer, 0, len(v))
		vacuous := false
		for _, child := range v {
			preds, err := d.conjuncts(child, reqCtx)
			if err != nil {
				return nil, err
			}
			if len(preds) == 0 {
				// a branch without predicates matches everything
				vacuous = true
				continue
			}
			branches = append(branches, JoinAnd(preds))
		}
		if vacuous || len(branches) == 0 {
			return nil, nil
		}
		return []squirrel.Sqlizer{JoinOr(branches)}, nil

	case Not:
		if v.Node == nil {
			return nil, nil
		}
		preds, err := d.conjuncts(v.Node, reqCtx)
		if err != nil || len(preds) == 0 {
			return nil, err
		}
		return []squirrel.Sqlizer{Negate(JoinAnd(preds))}, nil

	case nil:
		return nil, nil
	}
	return nil, apperror.NewValidation(fmt.Sprintf("unsupported filter node %T", n))
}

func (d *Declaration) interpretFields(fields Fields, reqCtx any) ([]squirrel.Sqlizer, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []squirrel.Sqlizer
	for _, k := range keys {
		def, ok := d.defs[k]
		if !ok {
			return nil, apperror.NewValidation(fmt.Sprintf("unknown filter %q", k)).WithDetail("filter", k)
		}
		value := fields[k]
		if value == nil {
			continue
		}
		if def.Shape != nil {
			checked, err := def.Shape.CheckValue(value)
			if err != nil {
				return nil, apperror.NewValidation(fmt.Sprintf("invalid value for filter %q", k)).
					WithDetail("filter", k).
					WithCause(err)
			}
			value = checked
		}
		pred, err := def.Interpret(value, fields, reqCtx)
		if err != nil {
			return nil, err
		}
		if pred != nil {
			out = append(out, pred)
		}
	}
	return out, nil
}
