package build

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

func (r *run) compileMerge(cur plan.Node, sp *stage.Merge, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas

	if plan.ContainsRecursive(cur) {
		return nil, d, stage.NewUnsupported("$merge",
			"$graphLookup is not supported with $merge stage yet")
	}

	target, err := r.resolveMergeTarget(sp, ctx)
	if err != nil {
		return nil, d, err
	}
	if target.IsView {
		return nil, d, stage.NewUnsupported("$merge", "cannot write to a view")
	}
	if target.Sharded() {
		return nil, d, stage.NewUnsupported("$merge",
			"$merge into a sharded collection is not supported")
	}
	if ctx.Binding != nil && ctx.Binding.Same(target.Database, target.Name) {
		return nil, d, stage.NewUnsupported("$merge",
			"writing to the collection being aggregated is not supported")
	}

	// the join fields must be uniquely indexed so one source document
	// matches at most one target document; _id always qualifies
	if !sp.OnIsID() && !target.HasUniqueIndexOn(sp.On) {
		return nil, d, stage.NewMissingUniqueIndex("$merge")
	}

	src := plan.WrapSingleColumn(cur, r.alias("merge_src"))
	sourceAlias := r.alias("merge_source")
	source := &plan.Select{
		Alias: sourceAlias,
		Proj: []plan.Projection{
			{Name: "document", Expr: &plan.Func{
				Name: "bson_dollar_merge_add_object_id",
				Args: []plan.Expr{docVarOf(src)},
			}},
			{Name: "target_shard_key_value", Expr: &plan.Int{N: target.ID}},
		},
		Input: src,
	}

	targetAlias := r.alias("merge_target")
	on := []plan.Expr{&plan.Op{
		Name:  "=",
		Left:  &plan.Var{Rel: targetAlias, Col: "shard_key_value"},
		Right: &plan.Var{Rel: sourceAlias, Col: "target_shard_key_value"},
	}}
	for _, f := range sp.On {
		on = append(on, &plan.Func{Name: "bson_dollar_merge_join", Args: []plan.Expr{
			&plan.Var{Rel: targetAlias, Col: "document"},
			&plan.Var{Rel: sourceAlias, Col: "document"},
			&plan.Str{S: f},
		}})
	}

	m := &plan.Merge{
		Target:      target,
		TargetAlias: targetAlias,
		Source:      source,
		SourceAlias: sourceAlias,
		On:          plan.And(on...),
		Matched:     mergeMatchedAction(sp, sourceAlias),
		NotMatched:  mergeNotMatchedAction(sp, target, sourceAlias),
	}

	d.AddedScopeLevels = 1
	return m, d, nil
}

// resolveMergeTarget validates the merge sink, creating it on demand
// when permitted. A target created here carries only the _id index, so
// custom on fields cannot be satisfied against it.
func (r *run) resolveMergeTarget(sp *stage.Merge, ctx Context) (*catalog.Collection, error) {
	db := sp.TargetDB
	if db == "" {
		db = ctx.Database
	}
	target, err := r.co.cat.Resolve(db, sp.TargetColl)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}
	if !sp.OnIsID() {
		return nil, stage.NewMissingUniqueIndex("$merge")
	}
	if !r.co.conf.AllowTargetCreation {
		return nil, stage.NewUnsupported("$merge",
			"target collection %s.%s does not exist", db, sp.TargetColl)
	}
	return r.co.cat.Create(db, sp.TargetColl)
}

func mergeMatchedAction(sp *stage.Merge, sourceAlias string) plan.MergeAction {
	switch sp.WhenMatched {
	case stage.MatchedKeepExisting:
		return plan.MergeAction{Kind: plan.ActionNothing}
	case stage.MatchedFail:
		return plan.MergeAction{
			Kind: plan.ActionFail,
			Msg:  "found a matching document in the target collection and whenMatched is fail",
		}
	default:
		return plan.MergeAction{Kind: plan.ActionUpdate, Set: []plan.Projection{
			{Name: "document", Expr: &plan.Var{Rel: sourceAlias, Col: "document"}},
		}}
	}
}

func mergeNotMatchedAction(sp *stage.Merge, target *catalog.Collection, sourceAlias string) plan.MergeAction {
	switch sp.WhenNotMatched {
	case stage.NotMatchedDiscard:
		return plan.MergeAction{Kind: plan.ActionNothing}
	case stage.NotMatchedFail:
		return plan.MergeAction{
			Kind: plan.ActionFail,
			Msg:  "could not find a matching document in the target collection and whenNotMatched is fail",
		}
	default:
		return plan.MergeAction{Kind: plan.ActionInsert, Set: []plan.Projection{
			{Name: "shard_key_value", Expr: &plan.Int{N: target.ID}},
			{Name: "object_id", Expr: &plan.Func{
				Name: "bson_expression_get",
				Args: []plan.Expr{
					&plan.Var{Rel: sourceAlias, Col: "document"},
					constSpec(bson.D{{Key: "", Value: "$_id"}}),
				},
			}},
			{Name: "document", Expr: &plan.Var{Rel: sourceAlias, Col: "document"}},
		}}
	}
}
