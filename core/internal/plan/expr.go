package plan

// Expr is the closed sum of expressions a plan node may carry. The
// compiler never evaluates these; they are threaded through to the
// execution engine.
type Expr interface {
	expr()
}

// Var references a column of a relation by alias. LevelsUp is zero for
// a reference within the same query scope and is computed by Finalize
// for correlated references into an enclosing scope.
type Var struct {
	Rel      string
	Col      string
	LevelsUp uint32
}

// Const is an opaque document or scalar value, rendered as an
// extended-JSON typed literal.
type Const struct {
	Val interface{}
}

// Str is a SQL text literal.
type Str struct {
	S string
}

// Int is a SQL integer literal.
type Int struct {
	N int64
}

// Func is an engine function call. Agg marks an aggregate; OrderBy
// applies inside the aggregate (array_agg(x ORDER BY y)).
type Func struct {
	Name    string
	Args    []Expr
	Agg     bool
	OrderBy []SortKey
}

// ArrayContains tests membership of Item in the Array value.
type ArrayContains struct {
	Item  Expr
	Array Expr
}

type SubLinkKind int8

const (
	// ScalarSub yields the sub-plan's single value.
	ScalarSub SubLinkKind = iota + 1
	// ArraySub collects the sub-plan's rows into an array.
	ArraySub
	// ExistsSub yields row existence.
	ExistsSub
)

// SubLink embeds a correlated sub-plan as an expression.
type SubLink struct {
	Kind SubLinkKind
	Plan Node
}

type BoolOp int8

const (
	BoolAnd BoolOp = iota + 1
	BoolOr
)

// Bool combines predicates.
type Bool struct {
	Op   BoolOp
	Args []Expr
}

// Op is a binary operator expression.
type Op struct {
	Name  string
	Left  Expr
	Right Expr
}

func (*Var) expr()           {}
func (*Const) expr()         {}
func (*Str) expr()           {}
func (*Int) expr()           {}
func (*Func) expr()          {}
func (*ArrayContains) expr() {}
func (*SubLink) expr()       {}
func (*Bool) expr()          {}
func (*Op) expr()            {}

// And folds predicates into a single conjunction, dropping nils.
func And(preds ...Expr) Expr {
	var kept []Expr
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &Bool{Op: BoolAnd, Args: kept}
}
