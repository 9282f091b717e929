package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pipegres/pipegres/catalog"
)

func newTestEngine(t *testing.T, conf *Config) *PipeGres {
	t.Helper()
	cat := catalog.NewMem()
	cat.Add(&catalog.Collection{
		Database: "app", Name: "orders",
		Indexes: []catalog.Index{{Name: "_id_", Keys: []string{"_id"}, Unique: true}},
	})
	cat.Add(&catalog.Collection{
		Database: "app", Name: "customers",
		Indexes: []catalog.Index{{Name: "_id_", Keys: []string{"_id"}, Unique: true}},
	})
	g, err := NewPipeGres(conf, cat)
	require.NoError(t, err)
	return g
}

func TestCompile(t *testing.T) {
	g := newTestEngine(t, &Config{DefaultDatabase: "app"})

	res, err := g.Compile(context.Background(), "", "orders", bson.A{
		bson.D{{Key: "$match", Value: bson.D{{Key: "status", Value: "paid"}}}},
		bson.D{{Key: "$limit", Value: int32(10)}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 2, res.Stages)
	assert.Contains(t, res.SQL, `bson_query_match(`)
	assert.Contains(t, res.SQL, ` LIMIT 10`)
	assert.Equal(t, 1, res.Features["$match"])
	assert.False(t, res.CacheHit)
}

func TestCompileCachesByInput(t *testing.T) {
	g := newTestEngine(t, &Config{DefaultDatabase: "app"})
	p := bson.A{bson.D{{Key: "$match", Value: bson.D{{Key: "a", Value: int32(1)}}}}}

	first, err := g.Compile(context.Background(), "app", "orders", p)
	require.NoError(t, err)
	second, err := g.Compile(context.Background(), "app", "orders", p)
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.SQL, second.SQL)
	assert.NotEqual(t, first.ID, second.ID)

	other, err := g.Compile(context.Background(), "app", "customers", p)
	require.NoError(t, err)
	assert.False(t, other.CacheHit)
}

func TestCompileJSON(t *testing.T) {
	g := newTestEngine(t, &Config{DefaultDatabase: "app"})

	res, err := g.CompileJSON(context.Background(), "app", "orders",
		[]byte(`[{"$match": {"status": "paid"}}, {"$skip": 5}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stages)
	assert.Contains(t, res.SQL, ` OFFSET 5`)

	res, err = g.CompileJSON(context.Background(), "app", "orders",
		[]byte(`{"pipeline": [{"$limit": 1}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stages)

	_, err = g.CompileJSON(context.Background(), "app", "orders", []byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, ParseError, ErrorCodeOf(err))
}

func TestCompileErrorCodes(t *testing.T) {
	g := newTestEngine(t, &Config{DefaultDatabase: "app"})

	_, err := g.Compile(context.Background(), "app", "orders", bson.A{
		bson.D{{Key: "$nosuchstage", Value: bson.D{}}},
	})
	require.Error(t, err)
	assert.Equal(t, ParseError, ErrorCodeOf(err))

	_, err = g.Compile(context.Background(), "app", "orders", bson.A{
		bson.D{{Key: "$out", Value: "elsewhere"}},
	})
	require.Error(t, err)
	assert.Equal(t, UnsupportedOperation, ErrorCodeOf(err))

	_, err = g.Compile(context.Background(), "app", "orders", bson.A{
		bson.D{{Key: "$merge", Value: bson.D{
			{Key: "into", Value: "customers"},
			{Key: "on", Value: "email"},
		}}},
	})
	require.Error(t, err)
	assert.True(t, IsMissingUniqueIndex(err))

	// a write stage buried in a $lookup sub-pipeline still surfaces a
	// coded error, never an internal one
	_, err = g.Compile(context.Background(), "app", "orders", bson.A{
		bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "customers"},
			{Key: "as", Value: "c"},
			{Key: "pipeline", Value: bson.A{bson.D{{Key: "$merge", Value: "customers"}}}},
		}}},
	})
	require.Error(t, err)
	assert.Equal(t, SemanticError, ErrorCodeOf(err))
}

func TestConfigValidation(t *testing.T) {
	cat := catalog.NewMem()

	_, err := NewPipeGres(&Config{MaxNestingDepth: -1}, cat)
	require.Error(t, err)

	g, err := NewPipeGres(nil, cat)
	require.NoError(t, err)
	pe := g.Load().(*pipeEngine)
	assert.Equal(t, 20, pe.conf.MaxNestingDepth)
	assert.Equal(t, 512, pe.conf.CacheSize)
}

func TestReloadSwapsEngine(t *testing.T) {
	g := newTestEngine(t, &Config{DefaultDatabase: "app"})
	before := g.Load().(*pipeEngine)
	require.NoError(t, g.Reload())
	after := g.Load().(*pipeEngine)
	assert.NotSame(t, before, after)
	assert.Same(t, before.cat, after.cat)
}
