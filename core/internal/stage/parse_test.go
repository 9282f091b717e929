package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestParsePipelineShape(t *testing.T) {
	_, err := ParsePipeline(bson.A{bson.D{{Key: "$match", Value: bson.D{}}, {Key: "$limit", Value: int32(1)}}})
	require.Error(t, err)
	assert.Equal(t, ParseError, CodeOf(err))

	_, err = ParsePipeline(bson.D{})
	require.Error(t, err)

	_, err = ParsePipeline(bson.A{bson.D{{Key: "$frobnicate", Value: 1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized pipeline stage")
}

func TestParseMergeMustBeLast(t *testing.T) {
	_, err := ParsePipeline(bson.A{
		bson.D{{Key: "$merge", Value: "target"}},
		bson.D{{Key: "$limit", Value: int32(1)}},
	})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))
}

func TestParseMergeBannedInNestedPipelines(t *testing.T) {
	_, err := ParsePipeline(bson.A{bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: "reports"},
		{Key: "as", Value: "r"},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$merge", Value: "reports"}}}},
	}}}})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))
	assert.Contains(t, err.Error(), "within a $lookup stage")

	// two levels down inside a $unionWith pipeline
	_, err = ParsePipeline(bson.A{bson.D{{Key: "$unionWith", Value: bson.D{
		{Key: "coll", Value: "archive"},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "reports"},
			{Key: "as", Value: "r"},
			{Key: "pipeline", Value: bson.A{bson.D{{Key: "$merge", Value: "reports"}}}},
		}}}}},
	}}}})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))
}

func TestParseLookup(t *testing.T) {
	tests := []struct {
		name string
		arg  bson.D
		code Code
	}{
		{"missing as", bson.D{{Key: "from", Value: "b"}, {Key: "localField", Value: "x"}, {Key: "foreignField", Value: "y"}}, ParseError},
		{"only localField", bson.D{{Key: "from", Value: "b"}, {Key: "as", Value: "r"}, {Key: "localField", Value: "x"}}, SemanticError},
		{"only foreignField", bson.D{{Key: "from", Value: "b"}, {Key: "as", Value: "r"}, {Key: "foreignField", Value: "y"}}, SemanticError},
		{"neither pair nor pipeline", bson.D{{Key: "from", Value: "b"}, {Key: "as", Value: "r"}}, SemanticError},
		{"agnostic without pipeline", bson.D{{Key: "as", Value: "r"}, {Key: "localField", Value: "x"}, {Key: "foreignField", Value: "y"}}, SemanticError},
		{"unknown field", bson.D{{Key: "from", Value: "b"}, {Key: "as", Value: "r"}, {Key: "bogus", Value: 1}}, ParseError},
		{"let unsupported", bson.D{{Key: "from", Value: "b"}, {Key: "as", Value: "r"}, {Key: "let", Value: bson.D{}}}, UnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseLookup(tt.arg)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}

	s, err := parseLookup(bson.D{
		{Key: "from", Value: "orders"},
		{Key: "as", Value: "items"},
		{Key: "localField", Value: "order_id"},
		{Key: "foreignField", Value: "_id"},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$limit", Value: int32(5)}}}},
	})
	require.NoError(t, err)
	lk := s.(*Lookup)
	assert.True(t, lk.HasFieldPair)
	assert.True(t, lk.HasPipeline)
	assert.Len(t, lk.Pipeline, 1)
}

func TestParseGraphLookup(t *testing.T) {
	full := bson.D{
		{Key: "from", Value: "routes"},
		{Key: "startWith", Value: "$origin"},
		{Key: "connectFromField", Value: "dst"},
		{Key: "connectToField", Value: "src"},
		{Key: "as", Value: "reachable"},
		{Key: "maxDepth", Value: int32(3)},
		{Key: "depthField", Value: "hops"},
		{Key: "restrictSearchWithMatch", Value: bson.D{{Key: "active", Value: true}}},
	}
	s, err := parseGraphLookup(full)
	require.NoError(t, err)
	gl := s.(*GraphLookup)
	assert.True(t, gl.HasMaxDepth)
	assert.Equal(t, int64(3), gl.MaxDepth)
	assert.True(t, gl.HasRestrict)

	for _, missing := range []string{"from", "startWith", "connectFromField", "connectToField", "as"} {
		var arg bson.D
		for _, e := range full {
			if e.Key != missing {
				arg = append(arg, e)
			}
		}
		_, err := parseGraphLookup(arg)
		require.Error(t, err, missing)
		assert.Equal(t, ParseError, CodeOf(err), missing)
	}

	_, err = parseGraphLookup(bson.D{
		{Key: "from", Value: "r"}, {Key: "startWith", Value: "$x"},
		{Key: "connectFromField", Value: "a"}, {Key: "connectToField", Value: "b"},
		{Key: "as", Value: "o"}, {Key: "maxDepth", Value: int32(-1)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonnegative")
}

func TestParseFacet(t *testing.T) {
	_, err := parseFacet(bson.D{})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))

	_, err = parseFacet(bson.D{{Key: "a", Value: "not an array"}})
	require.Error(t, err)
	assert.Equal(t, ParseError, CodeOf(err))

	_, err = parseFacet(bson.D{{Key: "a", Value: bson.A{bson.D{{Key: "$out", Value: "x"}}}}})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))
	assert.Contains(t, err.Error(), "not allowed to be used within a $facet stage")

	s, err := parseFacet(bson.D{
		{Key: "a", Value: bson.A{bson.D{{Key: "$limit", Value: int32(1)}}}},
		{Key: "b", Value: bson.A{}},
	})
	require.NoError(t, err)
	f := s.(*Facet)
	require.Len(t, f.Branches, 2)
	assert.Equal(t, "a", f.Branches[0].Name)
	assert.Equal(t, "b", f.Branches[1].Name)
}

func TestParseUnionWith(t *testing.T) {
	s, err := parseUnionWith("archive")
	require.NoError(t, err)
	assert.Equal(t, "archive", s.(*UnionWith).Coll)

	_, err = parseUnionWith(bson.D{{Key: "pipeline", Value: bson.A{}}})
	require.Error(t, err)
	assert.Equal(t, UnsupportedOperation, CodeOf(err))

	_, err = parseUnionWith(bson.D{
		{Key: "coll", Value: "c"},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$merge", Value: "x"}}}},
	})
	require.Error(t, err)
	assert.Equal(t, SemanticError, CodeOf(err))
}

func TestParseMerge(t *testing.T) {
	s, err := parseMerge("target")
	require.NoError(t, err)
	m := s.(*Merge)
	assert.Equal(t, "target", m.TargetColl)
	assert.Equal(t, []string{"_id"}, m.On)
	assert.True(t, m.OnIsID())
	assert.Equal(t, MatchedReplace, m.WhenMatched)
	assert.Equal(t, NotMatchedInsert, m.WhenNotMatched)

	s, err = parseMerge(bson.D{
		{Key: "into", Value: bson.D{{Key: "db", Value: "other"}, {Key: "coll", Value: "t"}}},
		{Key: "on", Value: bson.A{"a", "b"}},
		{Key: "whenMatched", Value: "keepExisting"},
		{Key: "whenNotMatched", Value: "discard"},
	})
	require.NoError(t, err)
	m = s.(*Merge)
	assert.Equal(t, "other", m.TargetDB)
	assert.Equal(t, []string{"a", "b"}, m.On)
	assert.False(t, m.OnIsID())

	tests := []struct {
		name string
		arg  interface{}
		code Code
	}{
		{"missing into", bson.D{{Key: "on", Value: "_id"}}, ParseError},
		{"empty on array", bson.D{{Key: "into", Value: "t"}, {Key: "on", Value: bson.A{}}}, ParseError},
		{"non string on element", bson.D{{Key: "into", Value: "t"}, {Key: "on", Value: bson.A{int32(1)}}}, ParseError},
		{"whenMatched merge", bson.D{{Key: "into", Value: "t"}, {Key: "whenMatched", Value: "merge"}}, UnsupportedOperation},
		{"whenMatched pipeline", bson.D{{Key: "into", Value: "t"}, {Key: "whenMatched", Value: bson.A{}}}, UnsupportedOperation},
		{"whenMatched bogus", bson.D{{Key: "into", Value: "t"}, {Key: "whenMatched", Value: "bogus"}}, ParseError},
		{"whenNotMatched bogus", bson.D{{Key: "into", Value: "t"}, {Key: "whenNotMatched", Value: "bogus"}}, ParseError},
		{"let unsupported", bson.D{{Key: "into", Value: "t"}, {Key: "let", Value: bson.D{}}}, UnsupportedOperation},
		{"unknown field", bson.D{{Key: "into", Value: "t"}, {Key: "bogus", Value: 1}}, ParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMerge(tt.arg)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestParseDocuments(t *testing.T) {
	_, err := parseDocuments("nope")
	require.Error(t, err)

	_, err = parseDocuments(bson.A{bson.D{{Key: "a", Value: 1}}, "scalar"})
	require.Error(t, err)

	s, err := parseDocuments(bson.A{bson.D{{Key: "a", Value: 1}}})
	require.NoError(t, err)
	assert.Len(t, s.(*Documents).Docs, 1)
}

func TestWritesPrefix(t *testing.T) {
	addFields := func(keys ...string) Spec {
		var d bson.D
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: 1})
		}
		return &Simple{Op: KindAddFields, Arg: d}
	}

	assert.True(t, WritesPrefix(addFields("item"), "item"))
	assert.True(t, WritesPrefix(addFields("item.qty"), "item"))
	assert.False(t, WritesPrefix(addFields("other"), "item"))
	assert.False(t, WritesPrefix(&Simple{Op: KindMatch, Arg: bson.D{{Key: "item", Value: 1}}}, "item"))
	assert.True(t, WritesPrefix(&Simple{Op: KindUnset, Arg: "item.qty"}, "item"))
	assert.True(t, WritesPrefix(&Simple{Op: KindUnwind, Arg: "$item"}, "item"))
	assert.True(t, WritesPrefix(&Simple{Op: KindReplaceWith, Arg: "$sub"}, "item"))
	assert.True(t, WritesPrefix(&Lookup{As: "item"}, "item"))
	assert.True(t, WritesPrefix(&GraphLookup{As: "x", DepthField: "item"}, "item"))
	assert.False(t, WritesPrefix(&UnionWith{Coll: "c"}, "item"))
}

func TestFirstSegment(t *testing.T) {
	assert.Equal(t, "a", FirstSegment("a.b.c"))
	assert.Equal(t, "a", FirstSegment("a"))
}
