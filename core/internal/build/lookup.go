package build

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

// CanInline decides whether a $lookup nested pipeline may be applied
// to the right side before the join. It must be applied after the join
// when any stage could write to the local field (or a dotted prefix of
// it), because the unmutated local value feeds the join predicate.
// This is a syntactic check over the stage list, never an evaluation.
func CanInline(pipeline []stage.Spec, localField string) bool {
	seg := stage.FirstSegment(localField)
	for _, s := range pipeline {
		if stage.WritesPrefix(s, seg) {
			return false
		}
	}
	return true
}

func (r *run) compileLookup(cur plan.Node, sp *stage.Lookup, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas

	var right *catalog.Collection
	if sp.HasFrom {
		b, err := r.co.cat.Resolve(ctx.Database, sp.From)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, d, err
		}
		right = b
	}

	// agnostic and uncorrelated lookups always inline; a field-pair
	// join inlines only when the pipeline leaves the local field alone
	inline := true
	if sp.HasPipeline && sp.HasFrom && sp.HasFieldPair {
		inline = CanInline(sp.Pipeline, sp.LocalField)
	}

	// the primary-key containment fast path holds only for an
	// unmodified, unsharded base scan joined on _id
	fastPath := sp.HasFieldPair && sp.ForeignField == "_id" &&
		right != nil && !right.Sharded() && !sp.HasPipeline

	// the left side always goes through a CTE: correlated references
	// into a CTE are safe where ad hoc sub-selects are not
	left := plan.WrapSingleColumn(cur, r.alias("lookup_src"))
	cteSel := &plan.Select{
		Alias: r.alias("lookup_left_proj"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(left)}},
		Input: left,
	}
	if sp.HasFieldPair && !fastPath {
		cteSel.Proj = append(cteSel.Proj, plan.Projection{
			Name: "lookup_filter",
			Expr: &plan.Func{Name: "bson_dollar_lookup_extract_filter_expression", Args: []plan.Expr{
				docVarOf(left),
				constSpec(bson.D{{Key: sp.ForeignField, Value: "$" + sp.LocalField}}),
			}},
		})
	}
	leftCte := &plan.Cte{Name: r.alias("lookup_left_cte"), Plan: cteSel}
	leftScan := &plan.CteScan{Def: leftCte, Alias: r.alias("lookup_left")}

	rightScan := r.lookupRightScan(sp, right, leftScan, fastPath)

	pipelined := plan.Node(rightScan)
	if sp.HasPipeline && inline {
		derived := ctx.Derive()
		derived.Binding = right
		p, _, err := r.compile(rightScan, sp.Pipeline, derived)
		if err != nil {
			return nil, d, err
		}
		pipelined = plan.WrapSingleColumn(p, r.alias("lookup_inner"))
	}

	matchedAlias := r.alias("lookup_matched")
	matchedCol := "document"
	var aggExpr plan.Expr
	if sp.HasPipeline && !inline {
		// defer the pipeline past the join: collect the raw matches
		matchedCol = "docs"
		aggExpr = &plan.Func{Name: "array_agg", Args: []plan.Expr{docVarOf(pipelined)}, Agg: true}
	} else {
		aggExpr = arrayAggCoalesce(docVarOf(pipelined), sp.As)
	}
	matched := &plan.Select{
		Alias: matchedAlias,
		Proj:  []plan.Projection{{Name: matchedCol, Expr: aggExpr}},
		Input: pipelined,
	}

	join := &plan.Join{Left: leftScan, Right: matched, Kind: plan.JoinLeft, Lateral: true}

	var asValue plan.Expr = &plan.Var{Rel: matchedAlias, Col: "document"}
	if sp.HasPipeline && !inline {
		sub, err := r.lookupPostJoin(sp, right, matchedAlias, ctx)
		if err != nil {
			return nil, d, err
		}
		asValue = sub
	}

	final := &plan.Select{
		Alias: r.alias("lookup"),
		Proj: []plan.Projection{{Name: "document", Expr: &plan.Func{
			Name: "bson_dollar_merge_documents",
			Args: []plan.Expr{&plan.Var{Rel: leftScan.Alias, Col: "document"}, asValue},
		}}},
		Input: join,
	}

	// one scope for the left CTE wrap, one for the final projection
	d.AddedScopeLevels = 2
	return &plan.WithCtes{Ctes: []*plan.Cte{leftCte}, Body: final}, d, nil
}

// lookupRightScan builds the right-side scan with the join predicate
// attached. The returned node exposes a single document column.
func (r *run) lookupRightScan(sp *stage.Lookup, right *catalog.Collection, leftScan *plan.CteScan, fastPath bool) *plan.Select {
	var base plan.Node
	switch {
	case right != nil:
		base = &plan.BaseRelation{Kind: plan.BaseCollection, Collection: right, Alias: r.alias("lookup_from")}
	case sp.HasFrom:
		// a named collection that does not exist joins no rows
		base = r.emptyScan()
	default:
		base = &plan.BaseRelation{Kind: plan.BaseEmpty, Alias: r.alias("lookup_from")}
	}

	doc := docVarOf(base)
	var where plan.Expr
	if sp.HasFieldPair {
		if fastPath {
			where = &plan.ArrayContains{
				Item: &plan.Var{Rel: plan.AliasOf(base), Col: "object_id"},
				Array: &plan.Func{Name: "bson_dollar_lookup_extract_values", Args: []plan.Expr{
					&plan.Var{Rel: leftScan.Alias, Col: "document"},
					&plan.Str{S: sp.LocalField},
				}},
			}
		} else {
			where = &plan.Func{Name: "bson_dollar_lookup_filter", Args: []plan.Expr{
				doc,
				&plan.Var{Rel: leftScan.Alias, Col: "lookup_filter"},
			}}
		}
	}

	scan := &plan.Select{
		Alias: r.alias("lookup_scan"),
		Proj:  []plan.Projection{{Name: "document", Expr: doc}},
		Input: base,
		Where: where,
	}
	return scan
}

// lookupPostJoin applies a non-inlinable pipeline to the joined array:
// a correlated sub-select unwinds the collected matches, runs the
// pipeline, and re-aggregates into the as field.
func (r *run) lookupPostJoin(sp *stage.Lookup, right *catalog.Collection, matchedAlias string, ctx Context) (plan.Expr, error) {
	unwound := &plan.BaseRelation{
		Kind:  plan.BaseUnnest,
		Array: &plan.Var{Rel: matchedAlias, Col: "docs"},
		Alias: r.alias("lookup_unwound"),
	}
	seed := &plan.Select{
		Alias: r.alias("lookup_post_base"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(unwound)}},
		Input: unwound,
	}

	derived := ctx.Derive()
	derived.Binding = right
	p, _, err := r.compile(seed, sp.Pipeline, derived)
	if err != nil {
		return nil, err
	}
	p = plan.WrapSingleColumn(p, r.alias("lookup_post_inner"))

	agg := &plan.Select{
		Alias: r.alias("lookup_post"),
		Proj:  []plan.Projection{{Name: "document", Expr: arrayAggCoalesce(docVarOf(p), sp.As)}},
		Input: p,
	}
	return &plan.SubLink{Kind: plan.ScalarSub, Plan: agg}, nil
}

// arrayAggCoalesce aggregates documents into {field: [...]}, defaulting
// to an empty array when no rows matched.
func arrayAggCoalesce(doc plan.Expr, field string) plan.Expr {
	return &plan.Func{Name: "COALESCE", Args: []plan.Expr{
		&plan.Func{Name: "bson_array_agg", Args: []plan.Expr{doc, &plan.Str{S: field}}, Agg: true},
		constSpec(bson.D{{Key: field, Value: bson.A{}}}),
	}}
}
