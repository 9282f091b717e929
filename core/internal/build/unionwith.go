package build

import (
	"github.com/pkg/errors"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

func (r *run) compileUnionWith(cur plan.Node, sp *stage.UnionWith, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas

	coll, err := r.co.cat.Resolve(ctx.Database, sp.Coll)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nil, d, err
	}

	var right plan.Node
	if coll == nil {
		right = r.emptyScan()
	} else {
		right = r.collectionScan(coll)
	}

	if sp.HasPipeline {
		derived := ctx.Derive()
		derived.Binding = coll
		right, _, err = r.compile(right, sp.Pipeline, derived)
		if err != nil {
			return nil, d, err
		}
	}

	// both branches contribute the same single document column, so the
	// union is always column compatible
	union := &plan.SetOp{
		All:   true,
		Left:  plan.WrapSingleColumn(cur, r.alias("union_left")),
		Right: plan.WrapSingleColumn(right, r.alias("union_right")),
		Alias: r.alias("union"),
	}

	out := &plan.Select{
		Alias: r.alias("unioned"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(union)}},
		Input: union,
	}

	d.AddedScopeLevels = 2
	return out, d, nil
}
