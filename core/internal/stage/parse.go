package stage

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// stagesBannedInFacet are rejected inside any $facet branch before the
// branch is parsed further.
var stagesBannedInFacet = map[string]bool{
	"$collStats":      true,
	"$facet":          true,
	"$geoNear":        true,
	"$indexStats":     true,
	"$out":            true,
	"$merge":          true,
	"$planCacheStats": true,
	"$search":         true,
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

// ParsePipeline validates a raw pipeline value into typed stage specs.
// Nested pipelines ($lookup, $facet branches, $unionWith) are parsed
// recursively; write stages are rejected inside them. Nesting depth is
// enforced later, at compile time.
func ParsePipeline(pipeline interface{}) ([]Spec, error) {
	specs, err := parsePipeline(pipeline, "")
	if err != nil {
		return nil, err
	}
	for i, s := range specs {
		if s.Kind() == KindMerge && i != len(specs)-1 {
			return nil, NewSemanticError("$merge", "", "$merge can only be the final stage in the pipeline")
		}
	}
	return specs, nil
}

func parsePipeline(pipeline interface{}, within string) ([]Spec, error) {
	arr, ok := asArray(pipeline)
	if !ok {
		return nil, NewParseError(within, "", "a pipeline must be an array of stage documents")
	}
	specs := make([]Spec, 0, len(arr))
	for _, el := range arr {
		doc, ok := asDoc(el)
		if !ok || len(doc) != 1 {
			return nil, NewParseError(within, "",
				"a pipeline stage specification object must contain exactly one field")
		}
		s, err := parseStage(doc[0].Key, doc[0].Value)
		if err != nil {
			return nil, err
		}
		if within != "" && s.Kind() == KindMerge {
			return nil, NewSemanticError("$merge", "",
				"$merge is not allowed to be used within a %s stage", within)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func parseStage(name string, value interface{}) (Spec, error) {
	switch name {
	case "$lookup":
		return parseLookup(value)
	case "$graphLookup":
		return parseGraphLookup(value)
	case "$facet":
		return parseFacet(value)
	case "$unionWith":
		return parseUnionWith(value)
	case "$merge":
		return parseMerge(value)
	case "$documents":
		return parseDocuments(value)
	case "$_internalInhibitOptimization":
		return &InhibitOptimization{}, nil
	case "$out":
		return nil, NewUnsupported("$out", "$out is not supported yet")
	}
	if k, ok := kindByName[name]; ok {
		return parseSimple(k, value)
	}
	return nil, NewParseError("", "", "unrecognized pipeline stage name: '%s'", name)
}

func parseLookup(value interface{}) (Spec, error) {
	const st = "$lookup"
	doc, ok := asDoc(value)
	if !ok {
		return nil, NewParseError(st, "", "the %s stage specification must be an object", st)
	}
	s := &Lookup{}
	var hasLocal, hasForeign bool
	for _, e := range doc {
		switch e.Key {
		case "from":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "from", "lookup argument 'from' must be a string")
			}
			s.From, s.HasFrom = v, true
		case "as":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "as", "lookup argument 'as' must be a string")
			}
			s.As = v
		case "localField":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "localField", "lookup argument 'localField' must be a string")
			}
			s.LocalField, hasLocal = v, true
		case "foreignField":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "foreignField", "lookup argument 'foreignField' must be a string")
			}
			s.ForeignField, hasForeign = v, true
		case "pipeline":
			p, err := parsePipeline(e.Value, st)
			if err != nil {
				return nil, err
			}
			s.Pipeline, s.HasPipeline = p, true
		case "let":
			return nil, NewUnsupported(st, "let is not supported in $lookup yet")
		default:
			return nil, NewParseError(st, e.Key, "unknown argument to $lookup: %s", e.Key)
		}
	}
	if s.As == "" {
		return nil, NewParseError(st, "as", "must specify 'as' field for a $lookup")
	}
	if hasLocal != hasForeign {
		return nil, NewSemanticError(st, "localField",
			"$lookup requires both or neither of localField and foreignField")
	}
	s.HasFieldPair = hasLocal
	if !s.HasFieldPair && !s.HasPipeline {
		return nil, NewSemanticError(st, "pipeline",
			"$lookup requires either localField/foreignField or pipeline")
	}
	if !s.HasFrom && !s.HasPipeline {
		return nil, NewSemanticError(st, "from",
			"$lookup without 'from' requires a pipeline")
	}
	return s, nil
}

func parseGraphLookup(value interface{}) (Spec, error) {
	const st = "$graphLookup"
	doc, ok := asDoc(value)
	if !ok {
		return nil, NewParseError(st, "", "the %s stage specification must be an object", st)
	}
	s := &GraphLookup{}
	var hasFrom, hasStart bool
	for _, e := range doc {
		switch e.Key {
		case "from":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "from", "graphLookup argument 'from' must be a string")
			}
			s.From, hasFrom = v, true
		case "startWith":
			s.StartWith, hasStart = e.Value, true
		case "connectFromField":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "connectFromField", "'connectFromField' must be a string")
			}
			s.ConnectFromField = v
		case "connectToField":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "connectToField", "'connectToField' must be a string")
			}
			s.ConnectToField = v
		case "as":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "as", "graphLookup argument 'as' must be a string")
			}
			s.As = v
		case "maxDepth":
			n, ok := asInt64(e.Value)
			if !ok {
				return nil, NewParseError(st, "maxDepth", "maxDepth must be an integer")
			}
			if n < 0 {
				return nil, NewParseError(st, "maxDepth", "maxDepth requires a nonnegative argument")
			}
			s.MaxDepth, s.HasMaxDepth = n, true
		case "depthField":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "depthField", "'depthField' must be a string")
			}
			s.DepthField = v
		case "restrictSearchWithMatch":
			if _, ok := asDoc(e.Value); !ok {
				return nil, NewParseError(st, "restrictSearchWithMatch",
					"'restrictSearchWithMatch' must be an object")
			}
			s.RestrictSearch, s.HasRestrict = e.Value, true
		default:
			return nil, NewParseError(st, e.Key, "unknown argument to $graphLookup: %s", e.Key)
		}
	}
	if !hasFrom {
		return nil, NewParseError(st, "from", "must specify 'from' field for a $graphLookup")
	}
	if !hasStart {
		return nil, NewParseError(st, "startWith", "must specify 'startWith' for a $graphLookup")
	}
	if s.ConnectFromField == "" {
		return nil, NewParseError(st, "connectFromField", "must specify 'connectFromField' for a $graphLookup")
	}
	if s.ConnectToField == "" {
		return nil, NewParseError(st, "connectToField", "must specify 'connectToField' for a $graphLookup")
	}
	if s.As == "" {
		return nil, NewParseError(st, "as", "must specify 'as' field for a $graphLookup")
	}
	return s, nil
}

func parseFacet(value interface{}) (Spec, error) {
	const st = "$facet"
	doc, ok := asDoc(value)
	if !ok {
		return nil, NewParseError(st, "", "the %s stage specification must be an object", st)
	}
	if len(doc) == 0 {
		return nil, NewSemanticError(st, "", "the $facet specification must be a non-empty object")
	}
	s := &Facet{Branches: make([]FacetBranch, 0, len(doc))}
	for _, e := range doc {
		arr, ok := asArray(e.Value)
		if !ok {
			return nil, NewParseError(st, e.Key, "arguments to $facet must be arrays, %s is not", e.Key)
		}
		// banned stages are rejected by name before parsing the branch
		for _, el := range arr {
			d, ok := asDoc(el)
			if ok && len(d) == 1 && stagesBannedInFacet[d[0].Key] {
				return nil, NewSemanticError(st, e.Key,
					"%s is not allowed to be used within a $facet stage", d[0].Key)
			}
		}
		branch, err := parsePipeline(arr, st)
		if err != nil {
			return nil, err
		}
		s.Branches = append(s.Branches, FacetBranch{Name: e.Key, Stages: branch})
	}
	return s, nil
}

func parseUnionWith(value interface{}) (Spec, error) {
	const st = "$unionWith"
	if coll, ok := value.(string); ok {
		return &UnionWith{Coll: coll}, nil
	}
	doc, ok := asDoc(value)
	if !ok {
		return nil, NewParseError(st, "",
			"the $unionWith stage specification must be an object or string")
	}
	s := &UnionWith{}
	for _, e := range doc {
		switch e.Key {
		case "coll":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "coll", "unionWith argument 'coll' must be a string")
			}
			s.Coll = v
		case "pipeline":
			arr, ok := asArray(e.Value)
			if !ok {
				return nil, NewParseError(st, "pipeline", "unionWith argument 'pipeline' must be an array")
			}
			for _, el := range arr {
				d, ok := asDoc(el)
				if ok && len(d) == 1 && (d[0].Key == "$out" || d[0].Key == "$merge") {
					return nil, NewSemanticError(st, "pipeline",
						"%s is not allowed within a $unionWith pipeline", d[0].Key)
				}
			}
			p, err := parsePipeline(arr, st)
			if err != nil {
				return nil, err
			}
			s.Pipeline, s.HasPipeline = p, true
		default:
			return nil, NewParseError(st, e.Key, "unknown argument to $unionWith: %s", e.Key)
		}
	}
	if s.Coll == "" {
		return nil, NewUnsupported(st, "$unionWith without 'coll' is not supported yet")
	}
	return s, nil
}

func parseMerge(value interface{}) (Spec, error) {
	const st = "$merge"
	s := &Merge{On: []string{"_id"}}
	if coll, ok := value.(string); ok {
		s.TargetColl = coll
		return s, nil
	}
	doc, ok := asDoc(value)
	if !ok {
		return nil, NewParseError(st, "", "the $merge stage specification must be an object or string")
	}
	var hasInto, hasOn bool
	for _, e := range doc {
		switch e.Key {
		case "into":
			if coll, ok := e.Value.(string); ok {
				s.TargetColl, hasInto = coll, true
				continue
			}
			into, ok := asDoc(e.Value)
			if !ok {
				return nil, NewParseError(st, "into", "'into' must be a string or an object")
			}
			for _, f := range into {
				switch f.Key {
				case "db":
					v, ok := f.Value.(string)
					if !ok {
						return nil, NewParseError(st, "into.db", "'into.db' must be a string")
					}
					s.TargetDB = v
				case "coll":
					v, ok := f.Value.(string)
					if !ok {
						return nil, NewParseError(st, "into.coll", "'into.coll' must be a string")
					}
					s.TargetColl, hasInto = v, true
				default:
					return nil, NewParseError(st, "into", "BSON field '$merge.into.%s' is an unknown field", f.Key)
				}
			}
		case "on":
			if f, ok := e.Value.(string); ok {
				s.On, hasOn = []string{f}, true
				continue
			}
			arr, ok := asArray(e.Value)
			if !ok {
				return nil, NewParseError(st, "on", "'on' must be a string or an array of strings")
			}
			if len(arr) == 0 {
				return nil, NewParseError(st, "on",
					"if explicitly specifying $merge 'on', must include at least one field")
			}
			fields := make([]string, 0, len(arr))
			for _, el := range arr {
				f, ok := el.(string)
				if !ok {
					return nil, NewParseError(st, "on", "$merge 'on' array elements must be strings")
				}
				fields = append(fields, f)
			}
			s.On, hasOn = fields, true
		case "let":
			return nil, NewUnsupported(st, "let is not supported in $merge yet")
		case "whenMatched":
			if _, ok := asArray(e.Value); ok {
				return nil, NewUnsupported(st, "$merge 'whenMatched' with a pipeline is not supported yet")
			}
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "whenMatched", "'whenMatched' must be a string")
			}
			switch v {
			case "replace":
				s.WhenMatched = MatchedReplace
			case "keepExisting":
				s.WhenMatched = MatchedKeepExisting
			case "fail":
				s.WhenMatched = MatchedFail
			case "merge":
				return nil, NewUnsupported(st, "$merge 'whenMatched' with 'merge' is not supported yet")
			default:
				return nil, NewParseError(st, "whenMatched",
					"enumeration value '%s' for field 'whenMatched' is not a valid value", v)
			}
		case "whenNotMatched":
			v, ok := e.Value.(string)
			if !ok {
				return nil, NewParseError(st, "whenNotMatched", "'whenNotMatched' must be a string")
			}
			switch v {
			case "insert":
				s.WhenNotMatched = NotMatchedInsert
			case "discard":
				s.WhenNotMatched = NotMatchedDiscard
			case "fail":
				s.WhenNotMatched = NotMatchedFail
			default:
				return nil, NewParseError(st, "whenNotMatched",
					"enumeration value '%s' for field 'whenNotMatched' is not a valid value", v)
			}
		default:
			return nil, NewParseError(st, e.Key, "BSON field '$merge.%s' is an unknown field", e.Key)
		}
	}
	if !hasInto {
		return nil, NewParseError(st, "into", "BSON field '$merge.into' is missing but a required field")
	}
	_ = hasOn
	return s, nil
}

func parseDocuments(value interface{}) (Spec, error) {
	const st = "$documents"
	arr, ok := asArray(value)
	if !ok {
		return nil, NewParseError(st, "", "the $documents stage must be an array of objects")
	}
	docs := make([]interface{}, 0, len(arr))
	for _, el := range arr {
		if _, ok := asDoc(el); !ok {
			return nil, NewParseError(st, "", "elements of the $documents array must be objects")
		}
		docs = append(docs, el)
	}
	return &Documents{Docs: docs}, nil
}

func parseSimple(k Kind, value interface{}) (Spec, error) {
	st := k.String()
	switch k {
	case KindMatch, KindSort:
		if _, ok := asDoc(value); !ok {
			return nil, NewParseError(st, "", "the %s stage specification must be an object", st)
		}
		if d, _ := asDoc(value); k == KindSort && len(d) == 0 {
			return nil, NewParseError(st, "", "$sort stage must have at least one sort key")
		}
	case KindProject, KindAddFields, KindSet:
		d, ok := asDoc(value)
		if !ok {
			return nil, NewParseError(st, "", "the %s stage specification must be an object", st)
		}
		if len(d) == 0 {
			return nil, NewParseError(st, "", "%s specification must have at least one field", st)
		}
	case KindUnset:
		switch v := value.(type) {
		case string:
			if v == "" {
				return nil, NewParseError(st, "", "invalid empty field path in $unset")
			}
		default:
			arr, ok := asArray(value)
			if !ok || len(arr) == 0 {
				return nil, NewParseError(st, "", "$unset specification must be a string or a non-empty array")
			}
			for _, el := range arr {
				if _, ok := el.(string); !ok {
					return nil, NewParseError(st, "", "$unset specification must be an array of strings")
				}
			}
		}
	case KindUnwind:
		if _, ok := value.(string); !ok {
			if _, ok := asDoc(value); !ok {
				return nil, NewParseError(st, "", "$unwind must be a string or an object")
			}
		}
	case KindReplaceRoot:
		if _, ok := asDoc(value); !ok {
			return nil, NewParseError(st, "", "the $replaceRoot stage specification must be an object")
		}
	case KindReplaceWith:
		// any expression
	case KindLimit:
		n, ok := asInt64(value)
		if !ok || n <= 0 {
			return nil, NewParseError(st, "", "the limit must be a positive integer")
		}
	case KindSkip:
		n, ok := asInt64(value)
		if !ok || n < 0 {
			return nil, NewParseError(st, "", "the skip must be a non-negative integer")
		}
	}
	return &Simple{Op: k, Arg: value}, nil
}

// WritesPrefix reports whether the stage could write to the given
// top-level field segment. Used for the $lookup inline decision; errs
// on the side of "writes" for stages that restructure documents.
func WritesPrefix(s Spec, seg string) bool {
	switch v := s.(type) {
	case *Simple:
		switch v.Op {
		case KindProject, KindAddFields, KindSet:
			d, _ := asDoc(v.Arg)
			for _, e := range d {
				if FirstSegment(e.Key) == seg {
					return true
				}
			}
		case KindUnset:
			if p, ok := v.Arg.(string); ok {
				return FirstSegment(p) == seg
			}
			arr, _ := asArray(v.Arg)
			for _, el := range arr {
				if p, ok := el.(string); ok && FirstSegment(p) == seg {
					return true
				}
			}
		case KindUnwind:
			path := ""
			if p, ok := v.Arg.(string); ok {
				path = p
			} else if d, ok := asDoc(v.Arg); ok {
				for _, e := range d {
					if e.Key == "path" {
						path, _ = e.Value.(string)
					}
				}
			}
			return FirstSegment(strings.TrimPrefix(path, "$")) == seg
		case KindReplaceRoot, KindReplaceWith:
			return true
		}
	case *Lookup:
		return FirstSegment(v.As) == seg
	case *GraphLookup:
		if FirstSegment(v.As) == seg {
			return true
		}
		return v.DepthField != "" && FirstSegment(v.DepthField) == seg
	case *Facet:
		return true
	}
	return false
}

// FirstSegment returns the leading path segment of a dotted field path.
func FirstSegment(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func asDoc(v interface{}) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(d))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: d[k]})
		}
		return out, true
	}
	return nil, false
}

func asArray(v interface{}) (bson.A, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []interface{}:
		return bson.A(a), true
	}
	return nil, false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
