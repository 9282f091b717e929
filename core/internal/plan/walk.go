package plan

// Walk visits every node in the tree, including sub-plans embedded in
// expressions. fn returning false stops descent below that node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch v := n.(type) {
	case *BaseRelation:
		walkExprNodes(v.Array, fn)
	case *Select:
		Walk(v.Input, fn)
		for _, p := range v.Proj {
			walkExprNodes(p.Expr, fn)
		}
		walkExprNodes(v.Where, fn)
		for _, k := range v.Sort {
			walkExprNodes(k.Expr, fn)
		}
		for _, e := range v.DistinctOn {
			walkExprNodes(e, fn)
		}
	case *Join:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
		walkExprNodes(v.On, fn)
	case *SetOp:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *WithCtes:
		for _, c := range v.Ctes {
			Walk(c.Plan, fn)
		}
		Walk(v.Body, fn)
	case *Merge:
		Walk(v.Source, fn)
		walkExprNodes(v.On, fn)
	}
}

func walkExprNodes(e Expr, fn func(Node) bool) {
	switch v := e.(type) {
	case *Func:
		for _, a := range v.Args {
			walkExprNodes(a, fn)
		}
		for _, k := range v.OrderBy {
			walkExprNodes(k.Expr, fn)
		}
	case *ArrayContains:
		walkExprNodes(v.Item, fn)
		walkExprNodes(v.Array, fn)
	case *SubLink:
		Walk(v.Plan, fn)
	case *Bool:
		for _, a := range v.Args {
			walkExprNodes(a, fn)
		}
	case *Op:
		walkExprNodes(v.Left, fn)
		walkExprNodes(v.Right, fn)
	}
}

// ContainsRecursive reports whether any recursive construct appears in
// the tree.
func ContainsRecursive(n Node) bool {
	found := false
	Walk(n, func(m Node) bool {
		if w, ok := m.(*WithCtes); ok && w.Recursive {
			found = true
		}
		return !found
	})
	return found
}
