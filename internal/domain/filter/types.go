// Package filter implements filter trees and the declarations that turn
// them into SQL predicates.
package filter

// ComparisonType определяет виды сравнения.
type ComparisonType string

const (
	Equal          ComparisonType = "eq"        // Равно
	NotEqual       ComparisonType = "neq"       // Не равно
	Less           ComparisonType = "lt"        // Меньше
	LessOrEqual    ComparisonType = "lte"       // Меньше или равно
	Greater        ComparisonType = "gt"        // Больше
	GreaterOrEqual ComparisonType = "gte"       // Больше или равно
	InList         ComparisonType = "in"        // В списке
	NotInList      ComparisonType = "nin"       // Не в списке
	Like           ComparisonType = "like"      // LIKE по шаблону
	ILike          ComparisonType = "ilike"     // ILIKE по шаблону
	Contains       ComparisonType = "contains"  // Содержит (ILIKE %val%)
	NotContains    ComparisonType = "ncontains" // Не содержит (NOT ILIKE %val%)

	IsNull    ComparisonType = "null"     // Не заполнено
	IsNotNull ComparisonType = "not_null" // Заполнено
)

// Combinator keys of a decoded filter object.
const (
	KeyAnd = "AND"
	KeyOr  = "OR"
	KeyNot = "NOT"
)

// Node is one element of a filter tree. The set of implementations is closed.
type Node interface {
	node()
}

// Fields maps filter keys to their raw values. Every key contributes one
// conjunct (or none when its interpreter declines).
type Fields map[string]any

// And holds sub-trees that must all match.
type And []Node

// Or holds sub-trees of which at least one must match.
type Or []Node

// Not negates its sub-tree.
type Not struct {
	Node Node
}

func (Fields) node() {}
func (And) node()    {}
func (Or) node()     {}
func (Not) node()    {}

// ContainsOr reports whether an Or node with at least one branch appears
// anywhere in the tree. An empty Or selects nothing and is ignored.
func ContainsOr(n Node) bool {
	switch v := n.(type) {
	case Or:
		return len(v) > 0
	case And:
		for _, c := range v {
			if ContainsOr(c) {
				return true
			}
		}
	case Not:
		return ContainsOr(v.Node)
	}
	return false
}

// Keys returns every field key used anywhere in the tree.
func Keys(n Node) []string {
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Fields:
			for k := range v {
				out = append(out, k)
			}
		case And:
			for _, c := range v {
				walk(c)
			}
		case Or:
			for _, c := range v {
				walk(c)
			}
		case Not:
			walk(v.Node)
		}
	}
	walk(n)
	return out
}
