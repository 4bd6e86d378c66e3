// Package registry builds named views and loaders from YAML definitions.
package registry

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

// Definition is the content of a definitions file.
type Definition struct {
	Views   []ViewDef   `yaml:"views"`
	Loaders []LoaderDef `yaml:"loaders"`
}

// ViewDef declares a FROM fragment and its filters.
type ViewDef struct {
	Name    string            `yaml:"name"`
	From    string            `yaml:"from"`
	Aliases map[string]string `yaml:"aliases"`
	Filters FiltersDef        `yaml:"filters"`
	Embed   []EmbedDef        `yaml:"embed"`
}

// FiltersDef lists filter keys by kind. Columns maps a key to the column it
// targets ("col", "alias.col" or an SQL expression); Shapes maps a key to a
// CUE constraint its raw values must satisfy.
type FiltersDef struct {
	OR           bool              `yaml:"or"`
	String       []string          `yaml:"string"`
	Comparison   []string          `yaml:"comparison"`
	Date         []string          `yaml:"date"`
	Boolean      []string          `yaml:"boolean"`
	InArray      []string          `yaml:"in_array"`
	JSONContains []string          `yaml:"json_contains"`
	Columns      map[string]string `yaml:"columns"`
	Shapes       map[string]string `yaml:"shapes"`
}

// EmbedDef embeds the filters of a previously declared view.
type EmbedDef struct {
	View    string   `yaml:"view"`
	Prefix  string   `yaml:"prefix"`
	Table   string   `yaml:"table"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// LoaderDef declares a loader over a view.
type LoaderDef struct {
	Name     string                `yaml:"name"`
	View     string                `yaml:"view"`
	Columns  []string              `yaml:"columns"`
	GroupBy  []string              `yaml:"group_by"`
	Shape    schema.Shape          `yaml:"shape"`
	Sortable map[string]SortDef    `yaml:"sortable"`
	Groups   map[string][]string   `yaml:"groups"`
	Virtuals map[string]VirtualDef `yaml:"virtuals"`
	// Scope maps access-scope keys to the column each one restricts.
	Scope map[string]string `yaml:"scope"`
	// CheckRows validates fetched rows against the shape.
	CheckRows bool `yaml:"check_rows"`
	// RowSchema is a CUE schema used instead of the shape-derived one.
	RowSchema string     `yaml:"row_schema"`
	Options   OptionsDef `yaml:"options"`
}

// SortDef declares a sortable column.
type SortDef struct {
	Column   string `yaml:"column"`
	Nullable bool   `yaml:"nullable"`
	// Nulls is "first", "last" or empty.
	Nulls string `yaml:"nulls"`
}

// VirtualDef declares a CEL-computed field.
type VirtualDef struct {
	Deps []string `yaml:"deps"`
	Expr string   `yaml:"expr"`
}

// OptionsDef overrides the configured loader defaults; zero values inherit.
type OptionsDef struct {
	DefaultTake        int      `yaml:"default_take"`
	MaxTake            int      `yaml:"max_take"`
	MaxLookaheadPages  int      `yaml:"max_lookahead_pages"`
	VirtualConcurrency int      `yaml:"virtual_concurrency"`
	Selectable         []string `yaml:"selectable"`
}

// Parse strictly decodes a definitions document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperror.NewConfiguration("invalid definitions").WithCause(err)
	}
	return &def, nil
}

// LoadFile reads and parses a definitions file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.NewConfiguration("read definitions file").
			WithDetail("path", path).
			WithCause(err)
	}
	return Parse(data)
}
