package core

import (
	"github.com/go-playground/validator/v10"

	"github.com/pipegres/pipegres/core/internal/build"
)

// Configuration for the pipeline compiler core
type Config struct {
	// Database used when a compile request does not name one
	DefaultDatabase string `mapstructure:"default_database" json:"default_database" yaml:"default_database" jsonschema:"title=Default Database"`

	// Maximum depth of nested sub-pipelines ($lookup, $facet branches,
	// $unionWith). Defaults to 20
	MaxNestingDepth int `mapstructure:"max_nesting_depth" json:"max_nesting_depth" yaml:"max_nesting_depth" jsonschema:"title=Max Nesting Depth,default=20" validate:"gte=0,lte=100"`

	// When set a $merge into a collection that does not exist registers
	// it in the catalog instead of failing
	AllowTargetCreation bool `mapstructure:"allow_target_creation" json:"allow_target_creation" yaml:"allow_target_creation" jsonschema:"title=Allow Target Creation,default=false"`

	// Number of compiled pipelines kept in the plan cache
	CacheSize int `mapstructure:"cache_size" json:"cache_size" yaml:"cache_size" jsonschema:"title=Plan Cache Size,default=512" validate:"gte=0"`

	// Log compiled SQL and other debug information
	Debug bool `jsonschema:"title=Debug,default=false"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// SetDefaults fills in unset fields. It is idempotent and called during
// core initialization.
func (c *Config) SetDefaults() {
	if c.MaxNestingDepth == 0 {
		c.MaxNestingDepth = build.DefaultMaxNestingDepth
	}
	if c.CacheSize == 0 {
		c.CacheSize = 512
	}
}
