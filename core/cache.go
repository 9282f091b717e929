package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
)

type cachedPlan struct {
	sql      string
	stages   int
	features map[string]int
}

type Cache struct {
	cache *lru.TwoQueueCache[string, *cachedPlan]
}

// initCache initializes the plan cache
func (pe *pipeEngine) initCache() (err error) {
	pe.cache.cache, err = lru.New2Q[string, *cachedPlan](pe.conf.CacheSize)
	return
}

// get returns the cached compile for a key
func (c Cache) get(key string) (val *cachedPlan, fromCache bool) {
	val, fromCache = c.cache.Get(key)
	return
}

// set stores a compile under a key
func (c Cache) set(key string, val *cachedPlan) {
	c.cache.Add(key, val)
}

// cacheKey derives a stable key from the compile inputs. ok is false
// when the pipeline value cannot be hashed; such requests bypass the
// cache rather than fail.
func cacheKey(db, coll string, pipeline interface{}) (key string, ok bool) {
	h, err := hashstructure.Hash(struct {
		DB       string
		Coll     string
		Pipeline interface{}
	}{db, coll, pipeline}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s.%s.%d", db, coll, h), true
}
