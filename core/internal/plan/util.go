package plan

import (
	"bytes"
	"strconv"
	"strings"
)

func (c *renderContext) quoted(identifier string) {
	c.w.WriteByte('"')
	c.w.WriteString(identifier)
	c.w.WriteByte('"')
}

func (c *renderContext) squoted(s string) {
	c.w.WriteByte('\'')
	c.w.WriteString(strings.ReplaceAll(s, `'`, `''`))
	c.w.WriteByte('\'')
}

func (c *renderContext) colWithTable(table, col string) {
	c.quoted(table)
	c.w.WriteByte('.')
	c.quoted(col)
}

func (c *renderContext) alias(alias string) {
	c.w.WriteString(` AS `)
	c.quoted(alias)
}

func int64String(w *bytes.Buffer, val int64) {
	w.WriteString(strconv.FormatInt(val, 10))
}
