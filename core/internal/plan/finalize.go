package plan

import (
	"github.com/pkg/errors"
)

// Finalize computes the scope offset of every CteScan and Var in the
// tree by walking from each reference to its definition. Offsets are
// never hand-maintained during plan construction; re-running Finalize
// is idempotent. It fails on dangling CTE references and on column
// references to relations not visible from the reference site.
//
// Scope counting: Select, SetOp branches, CTE definitions, sub-links
// and the Merge source each begin a new query level. Join children sit
// in the join's enclosing level, so a lateral correlated reference
// from inside a subquery to its sibling resolves one level up.
func Finalize(root Node) error {
	return walkQuery(root, 0, nil)
}

type scope struct {
	parent  *scope
	aliases map[string]int
	ctes    map[*Cte]int
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, aliases: make(map[string]int), ctes: make(map[*Cte]int)}
}

func (s *scope) findAlias(name string) (int, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if d, ok := sc.aliases[name]; ok {
			return d, true
		}
	}
	return 0, false
}

func (s *scope) findCte(c *Cte) (int, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if d, ok := sc.ctes[c]; ok {
			return d, true
		}
	}
	return 0, false
}

func walkQuery(n Node, d int, parent *scope) error {
	switch v := n.(type) {
	case *Select:
		sc := newScope(parent)
		if err := walkFrom(v.Input, d, sc); err != nil {
			return err
		}
		for _, p := range v.Proj {
			if err := walkExpr(p.Expr, d, sc); err != nil {
				return err
			}
		}
		if err := walkExpr(v.Where, d, sc); err != nil {
			return err
		}
		for _, k := range v.Sort {
			if err := walkExpr(k.Expr, d, sc); err != nil {
				return err
			}
		}
		for _, e := range v.DistinctOn {
			if err := walkExpr(e, d, sc); err != nil {
				return err
			}
		}
		return nil

	case *SetOp:
		if err := walkQuery(v.Left, d+1, newScope(parent)); err != nil {
			return err
		}
		return walkQuery(v.Right, d+1, newScope(parent))

	case *WithCtes:
		sc := newScope(parent)
		for _, c := range v.Ctes {
			sc.ctes[c] = d
		}
		for _, c := range v.Ctes {
			if err := walkQuery(c.Plan, d+1, sc); err != nil {
				return err
			}
		}
		return walkQuery(v.Body, d, sc)

	case *BaseRelation:
		if v.Array != nil {
			return walkExpr(v.Array, d, parent)
		}
		return nil

	case *CteScan:
		return resolveCteScan(v, d, parent)

	case *Join:
		sc := newScope(parent)
		return walkFrom(v, d, sc)

	case *Merge:
		if err := walkQuery(v.Source, d+1, newScope(parent)); err != nil {
			return err
		}
		sc := newScope(parent)
		sc.aliases[v.TargetAlias] = d
		sc.aliases[v.SourceAlias] = d
		if err := walkExpr(v.On, d, sc); err != nil {
			return err
		}
		for _, p := range v.Matched.Set {
			if err := walkExpr(p.Expr, d, sc); err != nil {
				return err
			}
		}
		for _, p := range v.NotMatched.Set {
			if err := walkExpr(p.Expr, d, sc); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("finalize: unexpected node %T", n)
}

// walkFrom registers a FROM item's alias at the containing query level
// and descends into subquery children one level down.
func walkFrom(n Node, d int, sc *scope) error {
	switch v := n.(type) {
	case *BaseRelation:
		sc.aliases[v.Alias] = d
		if v.Array != nil {
			return walkExpr(v.Array, d, sc)
		}
		return nil

	case *CteScan:
		if err := resolveCteScan(v, d, sc); err != nil {
			return err
		}
		sc.aliases[v.Alias] = d
		return nil

	case *Select:
		sc.aliases[v.Alias] = d
		return walkQuery(v, d+1, sc)

	case *SetOp:
		sc.aliases[v.Alias] = d
		return walkQuery(v, d+1, sc)

	case *WithCtes:
		sc.aliases[relAlias(v)] = d
		return walkQuery(v, d+1, sc)

	case *Join:
		if err := walkFrom(v.Left, d, sc); err != nil {
			return err
		}
		if err := walkFrom(v.Right, d, sc); err != nil {
			return err
		}
		return walkExpr(v.On, d, sc)
	}
	return errors.Errorf("finalize: unexpected from item %T", n)
}

func resolveCteScan(v *CteScan, d int, sc *scope) error {
	if sc == nil {
		return errors.Errorf("finalize: dangling cte reference %q", v.Def.Name)
	}
	defDepth, ok := sc.findCte(v.Def)
	if !ok {
		return errors.Errorf("finalize: dangling cte reference %q", v.Def.Name)
	}
	if d < defDepth {
		return errors.Errorf("finalize: cte %q referenced above its definition", v.Def.Name)
	}
	v.LevelsUp = uint32(d - defDepth)
	return nil
}

func walkExpr(e Expr, d int, sc *scope) error {
	switch v := e.(type) {
	case nil:
		return nil
	case *Var:
		ad, ok := sc.findAlias(v.Rel)
		if !ok {
			return errors.Errorf("finalize: reference to unknown relation %q", v.Rel)
		}
		if d < ad {
			return errors.Errorf("finalize: relation %q referenced above its scope", v.Rel)
		}
		v.LevelsUp = uint32(d - ad)
		return nil
	case *Const, *Str, *Int:
		return nil
	case *Func:
		for _, a := range v.Args {
			if err := walkExpr(a, d, sc); err != nil {
				return err
			}
		}
		for _, k := range v.OrderBy {
			if err := walkExpr(k.Expr, d, sc); err != nil {
				return err
			}
		}
		return nil
	case *ArrayContains:
		if err := walkExpr(v.Item, d, sc); err != nil {
			return err
		}
		return walkExpr(v.Array, d, sc)
	case *SubLink:
		return walkQuery(v.Plan, d+1, sc)
	case *Bool:
		for _, a := range v.Args {
			if err := walkExpr(a, d, sc); err != nil {
				return err
			}
		}
		return nil
	case *Op:
		if err := walkExpr(v.Left, d, sc); err != nil {
			return err
		}
		return walkExpr(v.Right, d, sc)
	}
	return errors.Errorf("finalize: unexpected expression %T", e)
}
