// Package plan is the compiler's IR: a tree of relational operators in
// which every node exposes exactly one logical output column, the
// document. Stage compilers build these trees; Finalize computes scope
// offsets; Render lowers the tree to SQL text.
package plan

import (
	"github.com/pipegres/pipegres/catalog"
)

// Node is the closed sum of plan operators.
type Node interface {
	node()
}

type BaseKind int8

const (
	// BaseCollection scans a bound collection's backing table.
	BaseCollection BaseKind = iota + 1
	// BaseDocuments produces rows from a literal document array.
	BaseDocuments
	// BaseUnnest produces one row per element of an array expression.
	BaseUnnest
	// BaseEmpty is the agnostic base: a single empty document.
	BaseEmpty
)

// BaseRelation is a leaf producer of documents.
type BaseRelation struct {
	Kind       BaseKind
	Collection *catalog.Collection // BaseCollection only
	Docs       []interface{}       // BaseDocuments only
	Array      Expr                // BaseUnnest only
	Alias      string
}

// Projection is one named output column.
type Projection struct {
	Name string
	Expr Expr
}

type SortKey struct {
	Expr Expr
	Desc bool
}

// Select wraps a child relation with projection, filtering, ordering
// and limits. Barrier marks an optimization fence the executor must
// not flatten away.
type Select struct {
	Input      Node
	Proj       []Projection
	Where      Expr
	Sort       []SortKey
	DistinctOn []Expr
	Limit      *int64
	Offset     *int64
	Barrier    bool
	Alias      string
}

type JoinKind int8

const (
	JoinInner JoinKind = iota + 1
	JoinLeft
)

// Join combines two relations. A nil On renders as ON TRUE. Lateral
// marks the right side as correlated with the left.
type Join struct {
	Left    Node
	Right   Node
	Kind    JoinKind
	On      Expr
	Lateral bool
}

// SetOp is a binary UNION; N-ary unions are built as trees of SetOps.
type SetOp struct {
	Left  Node
	Right Node
	All   bool
	Alias string
}

// Cte is a named sub-plan owned by the WithCtes node that introduces
// it and referenced, never duplicated, by CteScans below it.
type Cte struct {
	Name         string
	Plan         Node
	Materialized bool
}

// CycleClause terminates recursive expansion when the key column
// repeats along the current path.
type CycleClause struct {
	Column     string
	MarkColumn string
	PathColumn string
}

// WithCtes attaches CTE definitions to its body's query level.
type WithCtes struct {
	Ctes      []*Cte
	Recursive bool
	Cycle     *CycleClause
	Body      Node
}

// CteScan references a CTE definition. LevelsUp is the number of
// enclosing plan scopes between this reference and the scope owning
// the definition; it is computed by Finalize, never set by hand.
type CteScan struct {
	Def      *Cte
	Alias    string
	LevelsUp uint32
}

type MergeActionKind int8

const (
	ActionNothing MergeActionKind = iota + 1
	ActionUpdate
	ActionInsert
	ActionFail
)

// MergeAction is one WHEN [NOT] MATCHED arm of a Merge node.
type MergeAction struct {
	Kind MergeActionKind
	Set  []Projection // ActionUpdate, ActionInsert column assignments
	Msg  string       // ActionFail
}

// Merge is the $merge sink: a join-driven write into a target
// collection. It is always the root of its plan.
type Merge struct {
	Target      *catalog.Collection
	TargetAlias string
	Source      Node
	SourceAlias string
	On          Expr
	Matched     MergeAction
	NotMatched  MergeAction
}

func (*BaseRelation) node() {}
func (*Select) node()       {}
func (*Join) node()         {}
func (*SetOp) node()        {}
func (*WithCtes) node()     {}
func (*CteScan) node()      {}
func (*Merge) node()        {}

// OutputColumns returns the ordered logical column names a node
// exposes to its consumer.
func OutputColumns(n Node) []string {
	switch v := n.(type) {
	case *BaseRelation:
		return []string{"document"}
	case *Select:
		cols := make([]string, len(v.Proj))
		for i, p := range v.Proj {
			cols[i] = p.Name
		}
		return cols
	case *Join:
		return append(append([]string{}, OutputColumns(v.Left)...), OutputColumns(v.Right)...)
	case *SetOp:
		return OutputColumns(v.Left)
	case *WithCtes:
		return OutputColumns(v.Body)
	case *CteScan:
		return OutputColumns(v.Def.Plan)
	case *Merge:
		return nil
	}
	return nil
}

// WrapSingleColumn canonicalizes a plan back to one output column. A
// plan already exposing exactly one column is returned unchanged;
// otherwise it is wrapped in a Select re-projecting the first column.
func WrapSingleColumn(n Node, alias string) Node {
	cols := OutputColumns(n)
	if len(cols) == 1 {
		return n
	}
	if len(cols) == 0 {
		return n
	}
	return &Select{
		Input: n,
		Alias: alias,
		Proj:  []Projection{{Name: cols[0], Expr: &Var{Rel: relAlias(n), Col: cols[0]}}},
	}
}

// AliasOf returns the alias a node is known by in a FROM list.
func AliasOf(n Node) string { return relAlias(n) }

// relAlias finds the alias a node is known by in a FROM list.
func relAlias(n Node) string {
	switch v := n.(type) {
	case *BaseRelation:
		return v.Alias
	case *Select:
		return v.Alias
	case *SetOp:
		return v.Alias
	case *CteScan:
		return v.Alias
	case *WithCtes:
		return relAlias(v.Body)
	case *Join:
		return relAlias(v.Left)
	}
	return ""
}
