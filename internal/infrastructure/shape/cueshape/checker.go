// Package cueshape checks rows and filter values with CUE schemas.
package cueshape

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

var (
	_ schema.RowChecker   = (*Checker)(nil)
	_ schema.ValueChecker = (*Checker)(nil)
)

const uuidPattern = `=~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"`

var cueTypes = map[schema.FieldType]string{
	schema.TypeString:  "string",
	schema.TypeInteger: "int",
	schema.TypeNumber:  "number",
	schema.TypeBoolean: "bool",
	schema.TypeDate:    "string",
	schema.TypeJSON:    "_",
	schema.TypeUUID:    "string & " + uuidPattern,
	schema.TypeBytes:   "bytes",
	schema.TypeAny:     "_",
	"":                 "_",
}

// Checker validates values against a compiled CUE schema. A cue.Context is
// not safe for concurrent use, so checks are serialized.
type Checker struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
	source string
}

// Source renders the closed CUE struct a row of s must satisfy. Every field
// is optional because projected statements return only part of the shape.
func Source(s schema.Shape) string {
	var b strings.Builder
	b.WriteString("close({\n")
	for _, f := range s.Fields {
		typ := cueTypes[f.Type]
		if f.Nullable {
			typ = "null | " + typ
		}
		fmt.Fprintf(&b, "\t%s?: %s\n", strconv.Quote(f.Name), typ)
	}
	b.WriteString("})")
	return b.String()
}

// FromShape builds a row checker for s.
func FromShape(s schema.Shape) (*Checker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return New(Source(s))
}

// New compiles a CUE expression, e.g. `int & >=0 & <=150` or a struct.
func New(source string) (*Checker, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(source)
	if err := v.Err(); err != nil {
		return nil, apperror.NewConfiguration("invalid CUE schema").
			WithDetail("source", source).
			WithCause(err)
	}
	return &Checker{ctx: ctx, schema: v, source: source}, nil
}

// MustNew is New for static declarations; it panics on error.
func MustNew(source string) *Checker {
	c, err := New(source)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the schema source.
func (c *Checker) String() string { return c.source }

// CheckRow implements schema.RowChecker. The row is returned unchanged.
func (c *Checker) CheckRow(row schema.Row) (schema.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(c.encode(row)); err != nil {
		return nil, err
	}
	return row, nil
}

// CheckValue implements schema.ValueChecker. The value is returned unchanged.
func (c *Checker) CheckValue(value any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(c.encode(value)); err != nil {
		return nil, err
	}
	return value, nil
}

func (c *Checker) validate(v cue.Value) error {
	if err := v.Err(); err != nil {
		return issues(err)
	}
	unified := c.schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return issues(err)
	}
	return nil
}

// encode maps engine value types onto CUE values.
func (c *Checker) encode(v any) cue.Value {
	switch x := v.(type) {
	case decimal.Decimal:
		return c.ctx.CompileString(x.String())
	case json.Number:
		return c.ctx.CompileString(x.String())
	case time.Time:
		return c.ctx.Encode(x.Format(time.RFC3339Nano))
	case uuid.UUID:
		return c.ctx.Encode(x.String())
	case [16]byte:
		return c.ctx.Encode(uuid.UUID(x).String())
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := c.ctx.CompileString("{}")
		for _, k := range keys {
			out = out.FillPath(cue.MakePath(cue.Str(k)), c.encode(x[k]))
		}
		return out
	case schema.Row:
		return c.encode(map[string]any(x))
	case []any:
		elems := make([]cue.Value, len(x))
		for i, e := range x {
			elems[i] = c.encode(e)
		}
		return c.ctx.NewList(elems...)
	}
	return c.ctx.Encode(v)
}

func issues(err error) *schema.ValidationError {
	verr := &schema.ValidationError{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		verr.Issues = append(verr.Issues, schema.Issue{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(verr.Issues) == 0 {
		verr.Issues = []schema.Issue{{Message: err.Error()}}
	}
	return verr
}
