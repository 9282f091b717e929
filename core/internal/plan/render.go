package plan

import (
	"bytes"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// dataSchema holds the physical document tables.
const dataSchema = "pipegres_data"

// renderContext carries the output buffer through the render walk.
// The first error sticks; later writes become no-ops.
type renderContext struct {
	w   *bytes.Buffer
	err error
}

// Render lowers a finalized plan tree to SQL text. The output is
// deterministic for a given tree.
func Render(root Node) (string, error) {
	c := &renderContext{w: &bytes.Buffer{}}
	c.renderQuery(root)
	if c.err != nil {
		return "", c.err
	}
	return c.w.String(), nil
}

func (c *renderContext) fail(format string, args ...interface{}) {
	if c.err == nil {
		c.err = errors.Errorf(format, args...)
	}
}

func (c *renderContext) renderQuery(n Node) {
	if c.err != nil {
		return
	}
	switch v := n.(type) {
	case *Select:
		c.renderSelect(v)
	case *SetOp:
		c.w.WriteByte('(')
		c.renderQuery(v.Left)
		if v.All {
			c.w.WriteString(`) UNION ALL (`)
		} else {
			c.w.WriteString(`) UNION (`)
		}
		c.renderQuery(v.Right)
		c.w.WriteByte(')')
	case *WithCtes:
		c.renderWith(v)
	case *CteScan:
		c.w.WriteString(`SELECT `)
		c.colWithTable(v.Alias, firstColumn(v))
		c.w.WriteString(` FROM `)
		c.quoted(v.Def.Name)
		c.alias(v.Alias)
	case *BaseRelation:
		c.w.WriteString(`SELECT `)
		c.colWithTable(v.Alias, "document")
		c.w.WriteString(` FROM `)
		c.renderFromItem(v)
	case *Merge:
		c.renderMerge(v)
	default:
		c.fail("render: unexpected node %T", n)
	}
}

func firstColumn(n Node) string {
	cols := OutputColumns(n)
	if len(cols) == 0 {
		return "document"
	}
	return cols[0]
}

func (c *renderContext) renderSelect(s *Select) {
	c.w.WriteString(`SELECT `)
	if len(s.DistinctOn) != 0 {
		c.w.WriteString(`DISTINCT ON (`)
		for i, e := range s.DistinctOn {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.renderExpr(e)
		}
		c.w.WriteString(`) `)
	}
	for i, p := range s.Proj {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.renderExpr(p.Expr)
		c.alias(p.Name)
	}
	c.w.WriteString(` FROM `)
	c.renderFromItem(s.Input)
	if s.Where != nil {
		c.w.WriteString(` WHERE `)
		c.renderExpr(s.Where)
	}
	if len(s.Sort) != 0 {
		c.w.WriteString(` ORDER BY `)
		c.renderSortKeys(s.Sort)
	}
	if s.Limit != nil {
		c.w.WriteString(` LIMIT `)
		int64String(c.w, *s.Limit)
	}
	switch {
	case s.Offset != nil:
		c.w.WriteString(` OFFSET `)
		int64String(c.w, *s.Offset)
	case s.Barrier:
		// optimization fence
		c.w.WriteString(` OFFSET 0`)
	}
}

func (c *renderContext) renderSortKeys(keys []SortKey) {
	for i, k := range keys {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.renderExpr(k.Expr)
		if k.Desc {
			c.w.WriteString(` DESC`)
		}
	}
}

func (c *renderContext) renderWith(w *WithCtes) {
	c.w.WriteString(`WITH `)
	if w.Recursive {
		c.w.WriteString(`RECURSIVE `)
	}
	for i, cte := range w.Ctes {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.quoted(cte.Name)
		c.w.WriteString(` AS `)
		if cte.Materialized {
			c.w.WriteString(`MATERIALIZED `)
		}
		c.w.WriteByte('(')
		c.renderQuery(cte.Plan)
		c.w.WriteByte(')')
		if i == 0 && w.Recursive && w.Cycle != nil {
			c.w.WriteString(` CYCLE `)
			c.quoted(w.Cycle.Column)
			c.w.WriteString(` SET `)
			c.quoted(w.Cycle.MarkColumn)
			c.w.WriteString(` USING `)
			c.quoted(w.Cycle.PathColumn)
		}
	}
	c.w.WriteByte(' ')
	c.renderQuery(w.Body)
}

func (c *renderContext) renderFromItem(n Node) {
	if c.err != nil {
		return
	}
	switch v := n.(type) {
	case *BaseRelation:
		switch v.Kind {
		case BaseCollection:
			c.quoted(dataSchema)
			c.w.WriteByte('.')
			c.quoted(v.Collection.TableName())
			c.alias(v.Alias)
		case BaseDocuments:
			c.w.WriteString(`(SELECT unnest(ARRAY[`)
			for i, d := range v.Docs {
				if i != 0 {
					c.w.WriteString(`, `)
				}
				c.renderBsonLiteral(d)
			}
			c.w.WriteString(`]) AS "document")`)
			c.alias(v.Alias)
		case BaseUnnest:
			c.w.WriteString(`(SELECT unnest(`)
			c.renderExpr(v.Array)
			c.w.WriteString(`) AS "document")`)
			c.alias(v.Alias)
		case BaseEmpty:
			c.w.WriteString(`(SELECT '{}'::bson AS "document")`)
			c.alias(v.Alias)
		default:
			c.fail("render: unexpected base relation kind %d", v.Kind)
		}
	case *CteScan:
		c.quoted(v.Def.Name)
		c.alias(v.Alias)
	case *Select:
		c.w.WriteByte('(')
		c.renderSelect(v)
		c.w.WriteByte(')')
		c.alias(v.Alias)
	case *SetOp:
		c.w.WriteByte('(')
		c.renderQuery(v)
		c.w.WriteByte(')')
		c.alias(v.Alias)
	case *WithCtes:
		c.w.WriteByte('(')
		c.renderWith(v)
		c.w.WriteByte(')')
		c.alias(relAlias(v))
	case *Join:
		c.renderFromItem(v.Left)
		if v.Kind == JoinLeft {
			c.w.WriteString(` LEFT JOIN `)
		} else {
			c.w.WriteString(` JOIN `)
		}
		if v.Lateral {
			c.w.WriteString(`LATERAL `)
		}
		c.renderFromItem(v.Right)
		c.w.WriteString(` ON `)
		if v.On != nil {
			c.renderExpr(v.On)
		} else {
			c.w.WriteString(`TRUE`)
		}
	default:
		c.fail("render: unexpected from item %T", n)
	}
}

func (c *renderContext) renderMerge(m *Merge) {
	c.w.WriteString(`MERGE INTO `)
	c.quoted(dataSchema)
	c.w.WriteByte('.')
	c.quoted(m.Target.TableName())
	c.alias(m.TargetAlias)
	c.w.WriteString(` USING (`)
	c.renderQuery(m.Source)
	c.w.WriteByte(')')
	c.alias(m.SourceAlias)
	c.w.WriteString(` ON `)
	c.renderExpr(m.On)

	c.w.WriteString(` WHEN MATCHED THEN `)
	c.renderMatchedAction(m.Matched)
	c.w.WriteString(` WHEN NOT MATCHED THEN `)
	c.renderNotMatchedAction(m.NotMatched)
}

func (c *renderContext) renderMatchedAction(a MergeAction) {
	switch a.Kind {
	case ActionNothing:
		c.w.WriteString(`DO NOTHING`)
	case ActionUpdate:
		c.w.WriteString(`UPDATE SET `)
		for i, p := range a.Set {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.quoted(p.Name)
			c.w.WriteString(` = `)
			c.renderExpr(p.Expr)
		}
	case ActionFail:
		c.w.WriteString(`UPDATE SET "document" = bson_dollar_merge_fail(`)
		c.squoted(a.Msg)
		c.w.WriteByte(')')
	default:
		c.fail("render: unexpected matched action %d", a.Kind)
	}
}

func (c *renderContext) renderNotMatchedAction(a MergeAction) {
	switch a.Kind {
	case ActionNothing:
		c.w.WriteString(`DO NOTHING`)
	case ActionInsert:
		c.w.WriteString(`INSERT (`)
		for i, p := range a.Set {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.quoted(p.Name)
		}
		c.w.WriteString(`) VALUES (`)
		for i, p := range a.Set {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.renderExpr(p.Expr)
		}
		c.w.WriteByte(')')
	case ActionFail:
		c.w.WriteString(`INSERT ("document") VALUES (bson_dollar_merge_fail(`)
		c.squoted(a.Msg)
		c.w.WriteString(`))`)
	default:
		c.fail("render: unexpected not-matched action %d", a.Kind)
	}
}

func (c *renderContext) renderExpr(e Expr) {
	if c.err != nil {
		return
	}
	switch v := e.(type) {
	case *Var:
		c.colWithTable(v.Rel, v.Col)
	case *Const:
		c.renderBsonLiteral(v.Val)
	case *Str:
		c.squoted(v.S)
		c.w.WriteString(`::text`)
	case *Int:
		int64String(c.w, v.N)
	case *Func:
		c.w.WriteString(v.Name)
		c.w.WriteByte('(')
		for i, a := range v.Args {
			if i != 0 {
				c.w.WriteString(`, `)
			}
			c.renderExpr(a)
		}
		if len(v.OrderBy) != 0 {
			c.w.WriteString(` ORDER BY `)
			c.renderSortKeys(v.OrderBy)
		}
		c.w.WriteByte(')')
	case *ArrayContains:
		c.renderExpr(v.Item)
		c.w.WriteString(` = ANY (`)
		c.renderExpr(v.Array)
		c.w.WriteByte(')')
	case *SubLink:
		switch v.Kind {
		case ArraySub:
			c.w.WriteString(`ARRAY(`)
		case ExistsSub:
			c.w.WriteString(`EXISTS (`)
		default:
			c.w.WriteByte('(')
		}
		c.renderQuery(v.Plan)
		c.w.WriteByte(')')
	case *Bool:
		c.w.WriteByte('(')
		for i, a := range v.Args {
			if i != 0 {
				if v.Op == BoolAnd {
					c.w.WriteString(` AND `)
				} else {
					c.w.WriteString(` OR `)
				}
			}
			c.renderExpr(a)
		}
		c.w.WriteByte(')')
	case *Op:
		c.renderExpr(v.Left)
		c.w.WriteByte(' ')
		c.w.WriteString(v.Name)
		c.w.WriteByte(' ')
		c.renderExpr(v.Right)
	default:
		c.fail("render: unexpected expression %T", e)
	}
}

// renderBsonLiteral writes a document value as a typed extended-JSON
// literal.
func (c *renderContext) renderBsonLiteral(val interface{}) {
	data, err := bson.MarshalExtJSON(val, false, false)
	if err != nil {
		c.fail("render: cannot marshal literal: %v", err)
		return
	}
	c.squoted(string(data))
	c.w.WriteString(`::bson`)
}
