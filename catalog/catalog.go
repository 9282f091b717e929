// Package catalog resolves logical collection names to their physical
// identity: table id, shard key and declared indexes. The compiler only
// reads this metadata; it never mutates it except through Create.
package catalog

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("collection not found")

// Index is one declared index on a collection.
type Index struct {
	Name          string   `mapstructure:"name"`
	Keys          []string `mapstructure:"keys"`
	Unique        bool     `mapstructure:"unique"`
	PartialFilter string   `mapstructure:"partial_filter"`
}

// Collection is the binding the compiler consumes: identity plus the
// eligibility facts (shard key, unique indexes) stage compilers check.
type Collection struct {
	Database string
	Name     string
	ID       int64
	IsView   bool
	ShardKey []string
	Indexes  []Index
}

func (c *Collection) Sharded() bool {
	return len(c.ShardKey) != 0
}

// TableName returns the physical table backing the collection.
func (c *Collection) TableName() string {
	return fmt.Sprintf("documents_%d", c.ID)
}

func (c *Collection) Same(db, name string) bool {
	return c.Database == db && c.Name == name
}

// HasUniqueIndexOn reports whether a declared unique index's key set is
// exactly the given field set. Partial-filter indexes never qualify. A
// compound index with extra or missing keys does not qualify either.
func (c *Collection) HasUniqueIndexOn(fields []string) bool {
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	for _, ix := range c.Indexes {
		if !ix.Unique || ix.PartialFilter != "" {
			continue
		}
		if len(ix.Keys) != len(want) {
			continue
		}
		ok := true
		for _, k := range ix.Keys {
			if _, found := want[k]; !found {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Catalog is the external metadata collaborator.
type Catalog interface {
	Resolve(db, name string) (*Collection, error)
	Create(db, name string) (*Collection, error)
}

// Mem is an in-memory catalog used by tests and the CLI.
type Mem struct {
	mu     sync.RWMutex
	byName map[string]*Collection
	nextID int64
}

func NewMem() *Mem {
	return &Mem{byName: make(map[string]*Collection), nextID: 1}
}

func key(db, name string) string { return db + "." + name }

// Add registers a collection, assigning an id if unset.
func (m *Mem) Add(c *Collection) *Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID
		m.nextID++
	} else if c.ID >= m.nextID {
		m.nextID = c.ID + 1
	}
	m.byName[key(c.Database, c.Name)] = c
	return c
}

func (m *Mem) Resolve(db, name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[key(db, name)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s.%s", db, name)
	}
	return c, nil
}

func (m *Mem) Create(db, name string) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byName[key(db, name)]; ok {
		return c, nil
	}
	c := &Collection{
		Database: db,
		Name:     name,
		ID:       m.nextID,
		Indexes:  []Index{{Name: "_id_", Keys: []string{"_id"}, Unique: true}},
	}
	m.nextID++
	m.byName[key(db, name)] = c
	return c, nil
}
