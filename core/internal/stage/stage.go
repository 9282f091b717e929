// Package stage turns raw pipeline documents into typed, validated stage
// specs. Parsing is eager: a malformed stage never reaches a compiler.
package stage

// Kind identifies one supported pipeline stage.
type Kind int8

const (
	KindUnknown Kind = iota
	KindLookup
	KindGraphLookup
	KindFacet
	KindUnionWith
	KindMerge
	KindDocuments
	KindInhibitOptimization
	KindMatch
	KindProject
	KindAddFields
	KindSet
	KindUnset
	KindReplaceRoot
	KindReplaceWith
	KindUnwind
	KindSort
	KindLimit
	KindSkip
)

var kindNames = map[Kind]string{
	KindLookup:              "$lookup",
	KindGraphLookup:         "$graphLookup",
	KindFacet:               "$facet",
	KindUnionWith:           "$unionWith",
	KindMerge:               "$merge",
	KindDocuments:           "$documents",
	KindInhibitOptimization: "$_internalInhibitOptimization",
	KindMatch:               "$match",
	KindProject:             "$project",
	KindAddFields:           "$addFields",
	KindSet:                 "$set",
	KindUnset:               "$unset",
	KindReplaceRoot:         "$replaceRoot",
	KindReplaceWith:         "$replaceWith",
	KindUnwind:              "$unwind",
	KindSort:                "$sort",
	KindLimit:               "$limit",
	KindSkip:                "$skip",
}

func (k Kind) String() string { return kindNames[k] }

// Spec is the closed sum of parsed stages. Implementations are immutable
// once returned by the parser.
type Spec interface {
	Kind() Kind
	Name() string
	spec()
}

// Lookup is a parsed $lookup stage. HasFieldPair is set when both
// localField and foreignField were given; the parser rejects giving only
// one of the two.
type Lookup struct {
	From         string
	HasFrom      bool
	As           string
	LocalField   string
	ForeignField string
	HasFieldPair bool
	Pipeline     []Spec
	HasPipeline  bool
}

// GraphLookup is a parsed $graphLookup stage. StartWith holds the raw
// start expression; the compiler threads it through unevaluated.
type GraphLookup struct {
	From             string
	StartWith        interface{}
	ConnectFromField string
	ConnectToField   string
	As               string
	MaxDepth         int64
	HasMaxDepth      bool
	DepthField       string
	RestrictSearch   interface{}
	HasRestrict      bool
}

// FacetBranch is one named sub-pipeline of a $facet stage.
type FacetBranch struct {
	Name   string
	Stages []Spec
}

// Facet preserves branch order as written; compilation and output field
// order follow it.
type Facet struct {
	Branches []FacetBranch
}

type UnionWith struct {
	Coll        string
	Pipeline    []Spec
	HasPipeline bool
}

// MatchedAction is the $merge whenMatched behavior.
type MatchedAction int8

const (
	MatchedReplace MatchedAction = iota
	MatchedKeepExisting
	MatchedFail
)

// NotMatchedAction is the $merge whenNotMatched behavior.
type NotMatchedAction int8

const (
	NotMatchedInsert NotMatchedAction = iota
	NotMatchedDiscard
	NotMatchedFail
)

// Merge is a parsed $merge stage. TargetDB is empty when the stage did
// not name a database; the compiler defaults it to the pipeline's.
type Merge struct {
	TargetDB       string
	TargetColl     string
	On             []string
	WhenMatched    MatchedAction
	WhenNotMatched NotMatchedAction
}

// OnIsID reports whether the join key set is exactly the _id field, the
// one case that needs no declared unique index.
func (m *Merge) OnIsID() bool {
	return len(m.On) == 1 && m.On[0] == "_id"
}

// Documents is a parsed $documents stage: a literal array of documents
// standing in for a collection scan.
type Documents struct {
	Docs []interface{}
}

type InhibitOptimization struct{}

// Simple covers the pass-through stages ($match, $project, $sort, ...)
// whose argument is handed to the plan as an opaque value. Arg has been
// shape-checked per kind by the parser.
type Simple struct {
	Op  Kind
	Arg interface{}
}

func (s *Lookup) Kind() Kind              { return KindLookup }
func (s *GraphLookup) Kind() Kind         { return KindGraphLookup }
func (s *Facet) Kind() Kind               { return KindFacet }
func (s *UnionWith) Kind() Kind           { return KindUnionWith }
func (s *Merge) Kind() Kind               { return KindMerge }
func (s *Documents) Kind() Kind           { return KindDocuments }
func (s *InhibitOptimization) Kind() Kind { return KindInhibitOptimization }
func (s *Simple) Kind() Kind              { return s.Op }

func (s *Lookup) Name() string              { return KindLookup.String() }
func (s *GraphLookup) Name() string         { return KindGraphLookup.String() }
func (s *Facet) Name() string               { return KindFacet.String() }
func (s *UnionWith) Name() string           { return KindUnionWith.String() }
func (s *Merge) Name() string               { return KindMerge.String() }
func (s *Documents) Name() string           { return KindDocuments.String() }
func (s *InhibitOptimization) Name() string { return KindInhibitOptimization.String() }
func (s *Simple) Name() string              { return s.Op.String() }

func (s *Lookup) spec()              {}
func (s *GraphLookup) spec()         {}
func (s *Facet) spec()               {}
func (s *UnionWith) spec()           {}
func (s *Merge) spec()               {}
func (s *Documents) spec()           {}
func (s *InhibitOptimization) spec() {}
func (s *Simple) spec()              {}
