// Package schema holds the explicit field registry a loader is declared
// against, the row type it produces, and the shape-checker contracts.
package schema

import (
	"fmt"
	"sort"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
)

// FieldType defines the data type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number" // float/decimal
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeJSON    FieldType = "json"
	TypeUUID    FieldType = "uuid"
	TypeBytes   FieldType = "bytes"
	TypeAny     FieldType = "any"
)

// FieldDef describes a field of the row a query produces.
type FieldDef struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Nullable bool      `json:"nullable,omitempty" yaml:"nullable"`
}

// Shape is the declared output of a query: an ordered list of fields.
type Shape struct {
	Name   string     `json:"name" yaml:"name"`
	Fields []FieldDef `json:"fields" yaml:"fields"`
}

// Validate checks field names and types.
func (s Shape) Validate() error {
	if len(s.Fields) == 0 {
		return apperror.NewConfiguration("shape declares no fields").WithDetail("shape", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !column.IsIdentifier(f.Name) {
			return apperror.NewConfiguration(fmt.Sprintf("invalid field name %q", f.Name)).WithDetail("shape", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return apperror.NewConfiguration(fmt.Sprintf("duplicate field %q", f.Name)).WithDetail("shape", s.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeJSON, TypeUUID, TypeBytes, TypeAny, "":
		default:
			return apperror.NewConfiguration(fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type)).WithDetail("shape", s.Name)
		}
	}
	return nil
}

// Field returns the definition of name.
func (s Shape) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldSet returns the names producible by the shape.
func (s Shape) FieldSet() *FieldSet {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return NewFieldSet(names...)
}

// FieldSet is an insertion-ordered set of field names.
type FieldSet struct {
	names []string
	index map[string]struct{}
}

// NewFieldSet builds a set, dropping duplicates.
func NewFieldSet(names ...string) *FieldSet {
	fs := &FieldSet{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		fs.Add(n)
	}
	return fs
}

// Add inserts name and reports whether it was new.
func (fs *FieldSet) Add(name string) bool {
	if _, ok := fs.index[name]; ok {
		return false
	}
	fs.index[name] = struct{}{}
	fs.names = append(fs.names, name)
	return true
}

// Has reports membership.
func (fs *FieldSet) Has(name string) bool {
	if fs == nil {
		return false
	}
	_, ok := fs.index[name]
	return ok
}

// Names returns the members in insertion order.
func (fs *FieldSet) Names() []string {
	if fs == nil {
		return nil
	}
	return append([]string(nil), fs.names...)
}

// Sorted returns the members in lexical order.
func (fs *FieldSet) Sorted() []string {
	out := fs.Names()
	sort.Strings(out)
	return out
}

// Len returns the number of members.
func (fs *FieldSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.names)
}

// Registry stores shapes by name.
type Registry struct {
	shapes map[string]Shape
}

func NewRegistry() *Registry {
	return &Registry{
		shapes: make(map[string]Shape),
	}
}

// Register validates and stores a shape.
func (r *Registry) Register(s Shape) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, exists := r.shapes[s.Name]; exists {
		return apperror.NewConfiguration(fmt.Sprintf("shape %q already registered", s.Name))
	}
	r.shapes[s.Name] = s
	return nil
}

func (r *Registry) Get(name string) (Shape, bool) {
	s, ok := r.shapes[name]
	return s, ok
}

func (r *Registry) List() []Shape {
	list := make([]Shape, 0, len(r.shapes))
	for _, s := range r.shapes {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
