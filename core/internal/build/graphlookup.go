package build

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

func (r *run) compileGraphLookup(cur plan.Node, sp *stage.GraphLookup, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas

	from, err := r.co.cat.Resolve(ctx.Database, sp.From)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nil, d, err
	}
	if from != nil && from.Sharded() {
		return nil, d, stage.NewUnsupported("$graphLookup",
			"$graphLookup on a sharded collection is not supported")
	}

	left := plan.WrapSingleColumn(cur, r.alias("graph_src"))

	if from == nil {
		// traversing a collection that does not exist reaches nothing
		out := &plan.Select{
			Alias: r.alias("graph_lookup"),
			Proj: []plan.Projection{{Name: "document", Expr: &plan.Func{
				Name: "bson_dollar_merge_documents",
				Args: []plan.Expr{docVarOf(left), constSpec(bson.D{{Key: sp.As, Value: bson.A{}}})},
			}}},
			Input: left,
		}
		d.AddedScopeLevels = 1
		return out, d, nil
	}

	// every source document carries its projected start set, wrapped
	// as an array-coercible value on the connect-to field
	inputSel := &plan.Select{
		Alias: r.alias("graph_input"),
		Proj: []plan.Projection{
			{Name: "document", Expr: docVarOf(left)},
			{Name: "start_values", Expr: &plan.Func{Name: "bson_expression_get", Args: []plan.Expr{
				docVarOf(left),
				constSpec(bson.D{{Key: sp.ConnectToField, Value: bson.D{{Key: "$makeArray", Value: sp.StartWith}}}}),
			}}},
		},
		Input: left,
	}
	inputCte := &plan.Cte{Name: r.alias("graph_input_cte"), Plan: inputSel}
	leftScan := &plan.CteScan{Def: inputCte, Alias: r.alias("graph_left")}

	traversal := r.buildTraversal(sp, from, leftScan.Alias)
	lowered, err := lowerRecursive(traversal)
	if err != nil {
		return nil, d, err
	}

	matched := r.graphPostProcess(sp, lowered)

	join := &plan.Join{Left: leftScan, Right: matched, Kind: plan.JoinLeft, Lateral: true}
	final := &plan.Select{
		Alias: r.alias("graph_lookup"),
		Proj: []plan.Projection{{Name: "document", Expr: &plan.Func{
			Name: "bson_dollar_merge_documents",
			Args: []plan.Expr{&plan.Var{Rel: leftScan.Alias, Col: "document"}, &plan.Var{Rel: matched.Alias, Col: "document"}},
		}}},
		Input: join,
	}

	d.AddedScopeLevels = 2
	return &plan.WithCtes{Ctes: []*plan.Cte{inputCte}, Body: final}, d, nil
}

// buildTraversal constructs the logical two-branch recursive union:
// the base branch seeds from the projected start set at depth zero,
// the recursive branch follows connectFromField -> connectToField
// edges one step at a time. The result carries no cycle protection
// yet; lowerRecursive adds it.
func (r *run) buildTraversal(sp *stage.GraphLookup, from *catalog.Collection, leftAlias string) *plan.WithCtes {
	work := &plan.Cte{Name: r.alias("graph_work_cte")}

	var restrict plan.Expr
	restrictFor := func(doc plan.Expr) plan.Expr {
		if !sp.HasRestrict {
			return nil
		}
		return &plan.Func{Name: "bson_query_match", Args: []plan.Expr{doc, constSpec(sp.RestrictSearch)}}
	}

	baseRel := &plan.BaseRelation{Kind: plan.BaseCollection, Collection: from, Alias: r.alias("graph_scan")}
	baseDoc := docVarOf(baseRel)
	restrict = restrictFor(baseDoc)
	base := &plan.Select{
		Alias: r.alias("graph_base"),
		Proj: []plan.Projection{
			{Name: "document", Expr: baseDoc},
			{Name: "depth", Expr: &plan.Int{N: 0}},
			{Name: "base_id", Expr: &plan.Var{Rel: baseRel.Alias, Col: "object_id"}},
		},
		Input: baseRel,
		Where: plan.And(
			&plan.Func{Name: "bson_dollar_lookup_filter", Args: []plan.Expr{
				baseDoc,
				&plan.Var{Rel: leftAlias, Col: "start_values"},
			}},
			restrict,
		),
	}

	recRel := &plan.BaseRelation{Kind: plan.BaseCollection, Collection: from, Alias: r.alias("graph_scan")}
	recDoc := docVarOf(recRel)
	prior := &plan.CteScan{Def: work, Alias: r.alias("graph_prior")}
	var depthQual plan.Expr
	if sp.HasMaxDepth {
		depthQual = &plan.Op{Name: "<", Left: &plan.Var{Rel: prior.Alias, Col: "depth"}, Right: &plan.Int{N: sp.MaxDepth}}
	}
	rec := &plan.Select{
		Alias: r.alias("graph_rec"),
		Proj: []plan.Projection{
			{Name: "document", Expr: recDoc},
			{Name: "depth", Expr: &plan.Op{Name: "+", Left: &plan.Var{Rel: prior.Alias, Col: "depth"}, Right: &plan.Int{N: 1}}},
			{Name: "base_id", Expr: &plan.Var{Rel: recRel.Alias, Col: "object_id"}},
		},
		Input: &plan.Join{Left: recRel, Right: prior, Kind: plan.JoinInner},
		Where: plan.And(
			&plan.Func{Name: "bson_dollar_lookup_filter", Args: []plan.Expr{
				recDoc,
				&plan.Func{Name: "bson_expression_get", Args: []plan.Expr{
					&plan.Var{Rel: prior.Alias, Col: "document"},
					constSpec(bson.D{{Key: sp.ConnectToField, Value: bson.D{{Key: "$makeArray", Value: "$" + sp.ConnectFromField}}}}),
				}},
			}},
			restrictFor(recDoc),
			depthQual,
		),
	}

	work.Plan = &plan.SetOp{All: true, Left: base, Right: rec}
	return &plan.WithCtes{Ctes: []*plan.Cte{work}, Recursive: true}
}

// lowerRecursive lowers the logical traversal to the target recursive
// construct: it validates the two-branch union shape and attaches the
// cycle clause over the identity column so revisits along a path stop
// expanding. This guarantees termination on cyclic graphs even with
// no maxDepth.
func lowerRecursive(w *plan.WithCtes) (*plan.WithCtes, error) {
	if !w.Recursive || len(w.Ctes) != 1 {
		return nil, errors.New("lower recursive: expected a single recursive cte")
	}
	u, ok := w.Ctes[0].Plan.(*plan.SetOp)
	if !ok || !u.All {
		return nil, errors.New("lower recursive: traversal must be a union all of base and recursive branches")
	}
	selfRefs := 0
	plan.Walk(u.Right, func(n plan.Node) bool {
		if s, ok := n.(*plan.CteScan); ok && s.Def == w.Ctes[0] {
			selfRefs++
		}
		return true
	})
	if selfRefs != 1 {
		return nil, errors.Errorf("lower recursive: recursive branch must reference the working set exactly once, found %d", selfRefs)
	}
	w.Cycle = &plan.CycleClause{Column: "base_id", MarkColumn: "is_cycle", PathColumn: "path"}
	return w, nil
}

// graphPostProcess deduplicates the traversal by identity keeping the
// first-reached depth, then aggregates into the as field.
func (r *run) graphPostProcess(sp *stage.GraphLookup, lowered *plan.WithCtes) *plan.Select {
	workScan := &plan.CteScan{Def: lowered.Ctes[0], Alias: r.alias("graph_all")}

	docExpr := plan.Expr(&plan.Var{Rel: workScan.Alias, Col: "document"})
	if sp.DepthField != "" {
		docExpr = &plan.Func{Name: "bson_dollar_add_depth_field", Args: []plan.Expr{
			docExpr,
			&plan.Var{Rel: workScan.Alias, Col: "depth"},
			&plan.Str{S: sp.DepthField},
		}}
	}

	dedup := &plan.Select{
		Alias: r.alias("graph_dedup"),
		Proj: []plan.Projection{
			{Name: "document", Expr: docExpr},
			{Name: "depth", Expr: &plan.Var{Rel: workScan.Alias, Col: "depth"}},
		},
		DistinctOn: []plan.Expr{&plan.Var{Rel: workScan.Alias, Col: "base_id"}},
		Sort: []plan.SortKey{
			{Expr: &plan.Var{Rel: workScan.Alias, Col: "base_id"}},
			{Expr: &plan.Var{Rel: workScan.Alias, Col: "depth"}},
		},
		Input: workScan,
	}
	lowered.Body = dedup

	agg := &plan.Func{
		Name:    "bson_array_agg",
		Args:    []plan.Expr{&plan.Var{Rel: dedup.Alias, Col: "document"}, &plan.Str{S: sp.As}},
		Agg:     true,
		OrderBy: []plan.SortKey{{Expr: &plan.Var{Rel: dedup.Alias, Col: "depth"}}},
	}
	return &plan.Select{
		Alias: r.alias("graph_matched"),
		Proj: []plan.Projection{{Name: "document", Expr: &plan.Func{
			Name: "COALESCE",
			Args: []plan.Expr{agg, constSpec(bson.D{{Key: sp.As, Value: bson.A{}}})},
		}}},
		Input: lowered,
	}
}
