// Package build compiles a parsed pipeline into a relational plan. The
// dispatcher walks stages in order; each stage compiler consumes the
// previous plan and a by-value context and returns the next plan plus
// explicit deltas. Nested pipelines recurse with a derived context.
package build

import (
	"fmt"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

// DefaultMaxNestingDepth bounds nested sub-pipeline recursion.
const DefaultMaxNestingDepth = 20

type Config struct {
	MaxNestingDepth     int
	AllowTargetCreation bool
}

type Compiler struct {
	cat  catalog.Catalog
	conf Config
}

func New(cat catalog.Catalog, conf Config) *Compiler {
	if conf.MaxNestingDepth == 0 {
		conf.MaxNestingDepth = DefaultMaxNestingDepth
	}
	return &Compiler{cat: cat, conf: conf}
}

// Context is the per-compile state threaded through stage compilers.
// It is passed by value; nested pipelines get a derived copy and a
// callee reports changes only through returned Deltas.
type Context struct {
	Database string
	Binding  *catalog.Collection // nil means agnostic
	StageNum int
	NestingLevel int

	// carried sort specification, reset by stages that do not preserve
	// a stable order
	SortSpec interface{}

	RequiresSubquery             bool
	RequiresSubqueryAfterProject bool
	ExpandTargetList             bool
}

// Derive returns the context for a nested sub-pipeline: one nesting
// level deeper, stage numbering and carried state reset.
func (c Context) Derive() Context {
	c.NestingLevel++
	c.StageNum = 0
	c.SortSpec = nil
	c.RequiresSubquery = false
	c.RequiresSubqueryAfterProject = false
	c.ExpandTargetList = false
	return c
}

// Deltas is what a stage compiler reports back to its caller.
type Deltas struct {
	// AddedScopeLevels counts plan scopes the stage wrapped around the
	// incoming plan. Scope offsets themselves are recomputed by
	// plan.Finalize; this is reported for observability and tests.
	AddedScopeLevels int

	// RequiresSubquery asks the dispatcher to canonicalize the plan to
	// a single-column subquery before the next stage runs.
	RequiresSubquery bool

	RequiresSubqueryAfterProject bool
}

// Result is the outcome of one pipeline compile.
type Result struct {
	Plan     plan.Node
	Features map[string]int
}

type run struct {
	co       *Compiler
	features map[string]int
	seq      int
}

func (r *run) alias(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s_%d", prefix, r.seq)
}

// Compile builds the plan for a pipeline against db.coll. An empty
// coll compiles against the agnostic base. A coll that does not exist
// compiles against an empty row set, matching read semantics on
// missing collections.
func (co *Compiler) Compile(db, coll string, stages []stage.Spec) (*Result, error) {
	r := &run{co: co, features: make(map[string]int)}
	ctx := Context{Database: db}

	var base plan.Node
	switch {
	case coll == "":
		if len(stages) == 0 {
			base = r.emptyScan()
		} else {
			base = r.agnosticScan()
		}
	default:
		b, err := co.cat.Resolve(db, coll)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
		ctx.Binding = b
		if b == nil {
			base = r.emptyScan()
		} else {
			base = r.collectionScan(b)
		}
	}

	node, _, err := r.compile(base, stages, ctx)
	if err != nil {
		return nil, err
	}
	node = plan.WrapSingleColumn(node, r.alias("result"))
	if err := plan.Finalize(node); err != nil {
		return nil, err
	}
	return &Result{Plan: node, Features: r.features}, nil
}

// compile is the stage dispatcher: in order, fail fast, no partial
// plans past the first error.
func (r *run) compile(cur plan.Node, stages []stage.Spec, ctx Context) (plan.Node, Deltas, error) {
	var total Deltas
	if ctx.NestingLevel > r.co.conf.MaxNestingDepth {
		return nil, total, stage.NewLimitExceeded(
			"pipeline nesting level %d exceeds the maximum of %d",
			ctx.NestingLevel, r.co.conf.MaxNestingDepth)
	}

	for i, s := range stages {
		ctx.StageNum = i
		r.features[s.Name()]++

		if ctx.RequiresSubquery {
			cur = r.migrateToSubquery(cur)
			ctx.RequiresSubquery = false
			total.AddedScopeLevels++
		}

		next, d, err := r.compileStage(cur, s, ctx)
		if err != nil {
			return nil, total, err
		}
		cur = next

		total.AddedScopeLevels += d.AddedScopeLevels
		ctx.RequiresSubquery = d.RequiresSubquery
		ctx.RequiresSubqueryAfterProject = d.RequiresSubqueryAfterProject
		if s.Kind() == stage.KindSort {
			ctx.SortSpec = s.(*stage.Simple).Arg
		} else if !preservesSortOrder(s.Kind()) {
			ctx.SortSpec = nil
		}
	}
	return cur, total, nil
}

func (r *run) compileStage(cur plan.Node, s stage.Spec, ctx Context) (plan.Node, Deltas, error) {
	switch v := s.(type) {
	case *stage.Lookup:
		return r.compileLookup(cur, v, ctx)
	case *stage.GraphLookup:
		return r.compileGraphLookup(cur, v, ctx)
	case *stage.Facet:
		return r.compileFacet(cur, v, ctx)
	case *stage.UnionWith:
		return r.compileUnionWith(cur, v, ctx)
	case *stage.Merge:
		return r.compileMerge(cur, v, ctx)
	case *stage.Documents:
		return r.compileDocuments(cur, v, ctx)
	case *stage.InhibitOptimization:
		return r.compileInhibit(cur)
	case *stage.Simple:
		return r.compileSimple(cur, v)
	}
	return nil, Deltas{}, errors.Errorf("no compiler for stage %s", s.Name())
}

func preservesSortOrder(k stage.Kind) bool {
	switch k {
	case stage.KindMatch, stage.KindProject, stage.KindAddFields, stage.KindSet,
		stage.KindUnset, stage.KindLimit, stage.KindSkip, stage.KindLookup:
		return true
	}
	return false
}

// migrateToSubquery canonicalizes a plan back to one output column by
// pushing it down into a subquery.
func (r *run) migrateToSubquery(cur plan.Node) plan.Node {
	cur = plan.WrapSingleColumn(cur, r.alias("wrap"))
	return &plan.Select{
		Alias: r.alias("subquery"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(cur)}},
		Input: cur,
	}
}

func (r *run) collectionScan(c *catalog.Collection) plan.Node {
	base := &plan.BaseRelation{Kind: plan.BaseCollection, Collection: c, Alias: r.alias("scan")}
	return &plan.Select{
		Alias: r.alias("collection"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(base)}},
		Input: base,
	}
}

// agnosticScan is the one-empty-document base used when no collection
// is bound.
func (r *run) agnosticScan() plan.Node {
	base := &plan.BaseRelation{Kind: plan.BaseEmpty, Alias: r.alias("agnostic")}
	return &plan.Select{
		Alias: r.alias("base"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(base)}},
		Input: base,
	}
}

// emptyScan produces no rows: reads from collections that do not
// exist compile to this.
func (r *run) emptyScan() plan.Node {
	zero := int64(0)
	base := &plan.BaseRelation{Kind: plan.BaseEmpty, Alias: r.alias("none")}
	return &plan.Select{
		Alias: r.alias("empty"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(base)}},
		Input: base,
		Limit: &zero,
	}
}

func docVarOf(n plan.Node) *plan.Var {
	cols := plan.OutputColumns(n)
	col := "document"
	if len(cols) != 0 {
		col = cols[0]
	}
	return &plan.Var{Rel: plan.AliasOf(n), Col: col}
}

// constSpec wraps a stage argument as a document literal. Scalar
// arguments use the empty-key envelope the engine functions expect.
func constSpec(v interface{}) *plan.Const {
	switch v.(type) {
	case bson.D, bson.M:
		return &plan.Const{Val: v}
	}
	return &plan.Const{Val: bson.D{{Key: "", Value: v}}}
}

func (r *run) compileDocuments(cur plan.Node, sp *stage.Documents, ctx Context) (plan.Node, Deltas, error) {
	var d Deltas
	if ctx.Binding != nil || ctx.StageNum != 0 {
		return nil, d, stage.NewSemanticError("$documents", "",
			"$documents is only valid as the first stage of a database-level aggregate")
	}
	base := &plan.BaseRelation{Kind: plan.BaseDocuments, Docs: sp.Docs, Alias: r.alias("documents")}
	out := &plan.Select{
		Alias: r.alias("literal"),
		Proj:  []plan.Projection{{Name: "document", Expr: docVarOf(base)}},
		Input: base,
	}
	return out, d, nil
}

func (r *run) compileInhibit(cur plan.Node) (plan.Node, Deltas, error) {
	cur = plan.WrapSingleColumn(cur, r.alias("wrap"))
	out := &plan.Select{
		Alias:   r.alias("inhibited"),
		Proj:    []plan.Projection{{Name: "document", Expr: docVarOf(cur)}},
		Input:   cur,
		Barrier: true,
	}
	return out, Deltas{AddedScopeLevels: 1}, nil
}

func (r *run) compileSimple(cur plan.Node, sp *stage.Simple) (plan.Node, Deltas, error) {
	d := Deltas{AddedScopeLevels: 1}
	cur = plan.WrapSingleColumn(cur, r.alias("wrap"))
	doc := docVarOf(cur)

	sel := &plan.Select{
		Alias: r.alias("stage"),
		Proj:  []plan.Projection{{Name: "document", Expr: doc}},
		Input: cur,
	}

	switch sp.Op {
	case stage.KindMatch:
		sel.Where = &plan.Func{Name: "bson_query_match", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindProject:
		sel.Proj[0].Expr = &plan.Func{Name: "bson_dollar_project", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindAddFields, stage.KindSet:
		sel.Proj[0].Expr = &plan.Func{Name: "bson_dollar_add_fields", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindUnset:
		sel.Proj[0].Expr = &plan.Func{Name: "bson_dollar_unset", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindReplaceRoot, stage.KindReplaceWith:
		sel.Proj[0].Expr = &plan.Func{Name: "bson_dollar_replace_root", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindUnwind:
		sel.Proj[0].Expr = &plan.Func{Name: "bson_dollar_unwind", Args: []plan.Expr{doc, constSpec(sp.Arg)}}
	case stage.KindSort:
		sel.Sort = []plan.SortKey{{Expr: &plan.Func{Name: "bson_orderby", Args: []plan.Expr{doc, constSpec(sp.Arg)}}}}
	case stage.KindLimit:
		n, _ := argInt64(sp.Arg)
		sel.Limit = &n
	case stage.KindSkip:
		n, _ := argInt64(sp.Arg)
		sel.Offset = &n
	default:
		return nil, d, errors.Errorf("no compiler for stage %s", sp.Name())
	}
	return sel, d, nil
}

func argInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
