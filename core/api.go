// Package core provides an API to include and use the PipeGres compiler
// with your own code. It compiles document aggregation pipelines into
// SQL over bson document tables.
package core

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core/internal/build"
	"github.com/pipegres/pipegres/core/internal/plan"
	"github.com/pipegres/pipegres/core/internal/stage"
)

// pipeEngine holds everything one compiler instance needs: the config,
// the catalog it resolves collections against and the per-instance
// plan cache.
type pipeEngine struct {
	conf  *Config
	cat   catalog.Catalog
	log   *zap.Logger
	trace trace.Tracer
	co    *build.Compiler
	cache Cache
	opts  []Option
}

// PipeGres is an instance of the pipeline compiler. The engine behind
// it is swapped atomically on Reload, so instances are safe for
// concurrent use.
type PipeGres struct {
	atomic.Value
}

type Option func(*pipeEngine) error

// NewPipeGres creates the PipeGres struct against a collection catalog
func NewPipeGres(conf *Config, cat catalog.Catalog, options ...Option) (g *PipeGres, err error) {
	g = &PipeGres{}
	if err = g.newPipeGres(conf, cat, options...); err != nil {
		return
	}
	return
}

func (g *PipeGres) newPipeGres(conf *Config, cat catalog.Catalog, options ...Option) (err error) {
	if conf == nil {
		conf = &Config{Debug: true}
	}
	conf.SetDefaults()
	if err = conf.Validate(); err != nil {
		return
	}

	pe := &pipeEngine{
		conf:  conf,
		cat:   cat,
		log:   zap.NewNop(),
		trace: trace.NewNoopTracerProvider().Tracer("pipegres"),
		opts:  options,
	}

	if err = pe.initCache(); err != nil {
		return
	}

	for _, op := range options {
		if err = op(pe); err != nil {
			return
		}
	}

	pe.co = build.New(cat, build.Config{
		MaxNestingDepth:     conf.MaxNestingDepth,
		AllowTargetCreation: conf.AllowTargetCreation,
	})

	g.Store(pe)
	return
}

// OptionSetLogger sets the logger to be used by PipeGres
func OptionSetLogger(log *zap.Logger) Option {
	return func(s *pipeEngine) error {
		s.log = log
		return nil
	}
}

// OptionSetTracer sets the tracer to be used by PipeGres
func OptionSetTracer(t trace.Tracer) Option {
	return func(s *pipeEngine) error {
		s.trace = t
		return nil
	}
}

// Reload rebuilds the engine, picking up catalog changes. In-flight
// compiles keep using the engine they started with.
func (g *PipeGres) Reload() error {
	pe := g.Load().(*pipeEngine)
	return g.newPipeGres(pe.conf, pe.cat, pe.opts...)
}

// Result contains the output of one pipeline compile
type Result struct {
	ID       string         `json:"id"`
	SQL      string         `json:"sql"`
	Stages   int            `json:"stages"`
	Features map[string]int `json:"features,omitempty"`
	CacheHit bool           `json:"-"`
}

// Compile function is our main function, it takes an aggregation
// pipeline and compiles it to SQL against db.coll. An empty db falls
// back to the configured default database; an empty coll compiles a
// database-level pipeline.
func (g *PipeGres) Compile(c context.Context, db, coll string, pipeline interface{}) (res *Result, err error) {
	pe := g.Load().(*pipeEngine)

	_, span := pe.trace.Start(c, "Pipeline Compile")
	defer span.End()

	if db == "" {
		db = pe.conf.DefaultDatabase
	}

	key, keyed := cacheKey(db, coll, pipeline)
	if keyed {
		if v, ok := pe.cache.get(key); ok {
			return &Result{
				ID:       xid.New().String(),
				SQL:      v.sql,
				Stages:   v.stages,
				Features: v.features,
				CacheHit: true,
			}, nil
		}
	}

	specs, err := stage.ParsePipeline(pipeline)
	if err != nil {
		return nil, err
	}

	out, err := pe.co.Compile(db, coll, specs)
	if err != nil {
		return nil, err
	}
	sql, err := plan.Render(out.Plan)
	if err != nil {
		return nil, err
	}

	res = &Result{
		ID:       xid.New().String(),
		SQL:      sql,
		Stages:   len(specs),
		Features: out.Features,
	}
	span.SetAttributes(
		attribute.Int("pipeline.stages", res.Stages),
		attribute.String("pipeline.collection", coll),
	)
	if keyed {
		pe.cache.set(key, &cachedPlan{sql: sql, stages: res.Stages, features: out.Features})
	}
	if pe.conf.Debug {
		pe.log.Debug("pipeline compiled",
			zap.String("id", res.ID),
			zap.String("db", db),
			zap.String("coll", coll),
			zap.Int("stages", res.Stages))
	}
	return res, nil
}

// CompileJSON is like Compile but takes the pipeline as extended JSON,
// either a bare array of stages or a document with a pipeline field.
func (g *PipeGres) CompileJSON(c context.Context, db, coll string, pipeline []byte) (*Result, error) {
	raw := bytes.TrimSpace(pipeline)
	if len(raw) != 0 && raw[0] == '[' {
		wrapped := make([]byte, 0, len(raw)+16)
		wrapped = append(wrapped, `{"pipeline":`...)
		wrapped = append(wrapped, raw...)
		wrapped = append(wrapped, '}')
		raw = wrapped
	}

	var doc struct {
		Pipeline bson.A `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, stage.NewParseError("", "", "invalid pipeline json: %v", err)
	}
	return g.Compile(c, db, coll, doc.Pipeline)
}

// ErrorCode classifies a compile failure
type ErrorCode = stage.Code

const (
	ParseError           = stage.ParseError
	SemanticError        = stage.SemanticError
	UnsupportedOperation = stage.UnsupportedOperation
	LimitExceeded        = stage.LimitExceeded
	ValidationError      = stage.ValidationError
)

// ErrorCodeOf returns the code carried by a compile error, or zero for
// other errors
func ErrorCodeOf(err error) ErrorCode { return stage.CodeOf(err) }

// IsMissingUniqueIndex reports the $merge unique-index validation
// failure
func IsMissingUniqueIndex(err error) bool { return stage.IsMissingUniqueIndex(err) }
