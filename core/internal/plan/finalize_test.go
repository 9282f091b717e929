package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/pipegres/pipegres/catalog"
)

func testColl() *catalog.Collection {
	return &catalog.Collection{Database: "app", Name: "orders", ID: 7}
}

func docVar(rel string) *Var { return &Var{Rel: rel, Col: "document"} }

func TestFinalizeDirectCteReference(t *testing.T) {
	cte := &Cte{Name: "c1", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseCollection, Collection: testColl(), Alias: "b"},
	}}
	scan := &CteScan{Def: cte, Alias: "s"}
	root := &WithCtes{
		Ctes: []*Cte{cte},
		Body: &Select{Proj: []Projection{{Name: "document", Expr: docVar("s")}}, Input: scan},
	}

	require.NoError(t, Finalize(root))
	assert.Equal(t, uint32(0), scan.LevelsUp)
}

func TestFinalizeNestedCteReference(t *testing.T) {
	cte := &Cte{Name: "c1", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}}
	inner := &CteScan{Def: cte, Alias: "i"}
	sub := &Select{
		Alias: "sub",
		Proj:  []Projection{{Name: "document", Expr: docVar("i")}},
		Input: inner,
	}
	root := &WithCtes{
		Ctes: []*Cte{cte},
		Body: &Select{Proj: []Projection{{Name: "document", Expr: docVar("sub")}}, Input: sub},
	}

	require.NoError(t, Finalize(root))
	// one Select scope between reference and definition
	assert.Equal(t, uint32(1), inner.LevelsUp)
}

func TestFinalizeSetOpBranchReference(t *testing.T) {
	cte := &Cte{Name: "c1", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}}
	left := &CteScan{Def: cte, Alias: "l"}
	right := &CteScan{Def: cte, Alias: "r"}
	union := &SetOp{
		All:   true,
		Alias: "u",
		Left:  &Select{Alias: "ls", Proj: []Projection{{Name: "document", Expr: docVar("l")}}, Input: left},
		Right: &Select{Alias: "rs", Proj: []Projection{{Name: "document", Expr: docVar("r")}}, Input: right},
	}
	root := &WithCtes{Ctes: []*Cte{cte}, Body: union}

	require.NoError(t, Finalize(root))
	assert.Equal(t, uint32(1), left.LevelsUp)
	assert.Equal(t, uint32(1), right.LevelsUp)
}

func TestFinalizeLateralCorrelatedVar(t *testing.T) {
	cte := &Cte{Name: "left_cte", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}}
	outer := &Var{Rel: "l", Col: "document"}
	lateral := &Select{
		Alias: "m",
		Proj:  []Projection{{Name: "document", Expr: &Func{Name: "bson_array_agg", Args: []Expr{docVar("f")}, Agg: true}}},
		Input: &BaseRelation{Kind: BaseCollection, Collection: testColl(), Alias: "f"},
		Where: &Func{Name: "bson_dollar_lookup_filter", Args: []Expr{docVar("f"), outer}},
	}
	join := &Join{
		Left:    &CteScan{Def: cte, Alias: "l"},
		Right:   lateral,
		Kind:    JoinLeft,
		Lateral: true,
	}
	root := &WithCtes{Ctes: []*Cte{cte}, Body: &Select{
		Proj:  []Projection{{Name: "document", Expr: &Func{Name: "bson_dollar_merge_documents", Args: []Expr{docVar("l"), docVar("m")}}}},
		Input: join,
	}}

	require.NoError(t, Finalize(root))
	// the lateral subquery sits one scope below the join's query level
	assert.Equal(t, uint32(1), outer.LevelsUp)
}

func TestFinalizeIdempotent(t *testing.T) {
	cte := &Cte{Name: "c1", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}}
	inner := &CteScan{Def: cte, Alias: "i"}
	root := &WithCtes{Ctes: []*Cte{cte}, Body: &Select{
		Proj: []Projection{{Name: "document", Expr: docVar("sub")}},
		Input: &Select{
			Alias: "sub",
			Proj:  []Projection{{Name: "document", Expr: docVar("i")}},
			Input: inner,
		},
	}}

	require.NoError(t, Finalize(root))
	first := inner.LevelsUp
	require.NoError(t, Finalize(root))
	assert.Equal(t, first, inner.LevelsUp)
}

func TestFinalizeDanglingReference(t *testing.T) {
	orphan := &Cte{Name: "ghost", Plan: &Select{
		Alias: "b",
		Proj:  []Projection{{Name: "document", Expr: docVar("b")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}}
	root := &Select{
		Proj:  []Projection{{Name: "document", Expr: docVar("s")}},
		Input: &CteScan{Def: orphan, Alias: "s"},
	}

	err := Finalize(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dangling cte reference")
	assert.Equal(t, 1, strings.Count(err.Error(), "finalize:"))
}

func TestFinalizeUnknownRelation(t *testing.T) {
	root := &Select{
		Proj:  []Projection{{Name: "document", Expr: docVar("nope")}},
		Input: &BaseRelation{Kind: BaseEmpty, Alias: "b"},
	}
	err := Finalize(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown relation")
}

func TestFinalizeRecursiveSelfReference(t *testing.T) {
	work := &Cte{Name: "work"}
	self := &CteScan{Def: work, Alias: "w"}
	base := &Select{
		Alias: "bs",
		Proj: []Projection{
			{Name: "document", Expr: docVar("g")},
			{Name: "depth", Expr: &Int{N: 0}},
		},
		Input: &BaseRelation{Kind: BaseCollection, Collection: testColl(), Alias: "g"},
	}
	rec := &Select{
		Alias: "rs",
		Proj: []Projection{
			{Name: "document", Expr: docVar("g")},
			{Name: "depth", Expr: &Op{Name: "+", Left: &Var{Rel: "w", Col: "depth"}, Right: &Int{N: 1}}},
		},
		Input: &Join{
			Left:  &BaseRelation{Kind: BaseCollection, Collection: testColl(), Alias: "g"},
			Right: self,
			Kind:  JoinInner,
			On:    &Func{Name: "bson_dollar_lookup_filter", Args: []Expr{docVar("g"), docVar("w")}},
		},
	}
	work.Plan = &SetOp{All: true, Left: base, Right: rec}
	root := &WithCtes{
		Ctes:      []*Cte{work},
		Recursive: true,
		Body: &Select{
			Proj:  []Projection{{Name: "document", Expr: docVar("s")}},
			Input: &CteScan{Def: work, Alias: "s"},
		},
	}

	require.NoError(t, Finalize(root))
	// the self reference sits inside a union branch of the cte's plan
	assert.Equal(t, uint32(2), self.LevelsUp)
}
