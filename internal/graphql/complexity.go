package graphql

import (
	"math"

	"github.com/vektah/gqlparser/v2/ast"
)

// DefaultMaxComplexity bounds accepted documents when no limit is configured.
const DefaultMaxComplexity = 100

// Complexity scores an operation as twice its deepest selection nesting plus
// the number of selected fields. Fragment spreads count at the point they
// are used; a fragment that spreads itself is counted once. Each fragment is
// measured once, so the cost is linear in the document size.
func Complexity(doc *ast.QueryDocument, op *ast.OperationDefinition) int {
	if op == nil {
		return 0
	}
	w := complexityWalker{doc: doc, active: map[string]bool{}, memo: map[string]selectionCost{}}
	cost := w.measure(op.SelectionSet)
	return satAdd(satAdd(cost.depth, cost.depth), cost.fields)
}

// selectionCost is the field count and nesting depth of a selection set,
// independent of where it is spread.
type selectionCost struct {
	fields int
	depth  int
}

type complexityWalker struct {
	doc    *ast.QueryDocument
	active map[string]bool
	memo   map[string]selectionCost
}

func (w *complexityWalker) measure(set ast.SelectionSet) selectionCost {
	var total selectionCost
	for _, sel := range set {
		var c selectionCost
		switch s := sel.(type) {
		case *ast.Field:
			child := w.measure(s.SelectionSet)
			c = selectionCost{fields: satAdd(child.fields, 1), depth: child.depth + 1}
		case *ast.InlineFragment:
			c = w.measure(s.SelectionSet)
		case *ast.FragmentSpread:
			c = w.fragment(s.Name)
		}
		total.fields = satAdd(total.fields, c.fields)
		if c.depth > total.depth {
			total.depth = c.depth
		}
	}
	return total
}

func (w *complexityWalker) fragment(name string) selectionCost {
	if cost, ok := w.memo[name]; ok {
		return cost
	}
	if w.doc == nil || w.active[name] {
		return selectionCost{}
	}
	def := w.doc.Fragments.ForName(name)
	if def == nil {
		return selectionCost{}
	}
	w.active[name] = true
	cost := w.measure(def.SelectionSet)
	delete(w.active, name)
	w.memo[name] = cost
	return cost
}

// satAdd adds non-negative counts, saturating at math.MaxInt32.
func satAdd(a, b int) int {
	if a > math.MaxInt32-b {
		return math.MaxInt32
	}
	return a + b
}
