package build

import (
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

func (r *run) compileFacet(cur plan.Node, sp *stage.Facet, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas

	// every branch reads the same input exactly once, so the input is
	// computed once behind a materialized CTE
	base := plan.WrapSingleColumn(cur, r.alias("facet_src"))
	baseCte := &plan.Cte{Name: r.alias("facet_base_cte"), Plan: base, Materialized: true}

	branches := make([]plan.Node, 0, len(sp.Branches))
	for _, br := range sp.Branches {
		scan := &plan.CteScan{Def: baseCte, Alias: r.alias("facet_input")}
		seed := &plan.Select{
			Alias: r.alias("facet_seed"),
			Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(scan)}},
			Input: scan,
		}

		derived := ctx.Derive()
		p, _, err := r.compile(seed, br.Stages, derived)
		if err != nil {
			return nil, d, err
		}
		p = plan.WrapSingleColumn(p, r.alias("facet_inner"))

		agg := &plan.Select{
			Alias: r.alias("facet_branch"),
			Proj:  []plan.Projection{{Name: "document", Expr: arrayAggCoalesce(docVarOf(p), br.Name)}},
			Input: p,
		}
		branches = append(branches, agg)
	}

	var body plan.Node
	if len(branches) == 1 {
		// a single branch needs no union or re-aggregation
		body = branches[0]
	} else {
		union := balancedUnion(branches, r.alias("facet_union"))
		body = &plan.Select{
			Alias: r.alias("facet"),
			Proj: []plan.Projection{{Name: "document", Expr: &plan.Func{
				Name: "bson_object_agg",
				Args: []plan.Expr{docVarOf(union)},
				Agg:  true,
			}}},
			Input: union,
		}
	}

	d.AddedScopeLevels = 2
	d.RequiresSubquery = true
	return &plan.WithCtes{Ctes: []*plan.Cte{baseCte}, Body: body}, d, nil
}

// balancedUnion folds branch plans into a UNION ALL tree, inserting
// each new branch on alternating sides so the tree stays balanced
// instead of degenerating into a left-deep chain.
func balancedUnion(branches []plan.Node, alias string) *plan.SetOp {
	root := &plan.SetOp{All: true, Left: branches[0], Right: branches[1]}
	insertLeft := false
	for _, b := range branches[2:] {
		if insertLeft {
			root.Left = &plan.SetOp{All: true, Left: root.Left, Right: b}
		} else {
			root.Right = &plan.SetOp{All: true, Left: b, Right: root.Right}
		}
		insertLeft = !insertLeft
	}
	root.Alias = alias
	return root
}
