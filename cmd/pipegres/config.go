package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/pipegres/pipegres/catalog"
	"github.com/pipegres/pipegres/core"
)

// Config is the CLI configuration: compiler settings plus the
// collection catalog the compiler resolves names against.
type Config struct {
	Core        core.Config        `mapstructure:",squash"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

// CollectionConfig declares one collection in the config file
type CollectionConfig struct {
	Database string          `mapstructure:"database"`
	Name     string          `mapstructure:"name"`
	ID       int64           `mapstructure:"id"`
	View     bool            `mapstructure:"view"`
	ShardKey []string        `mapstructure:"shard_key"`
	Indexes  []catalog.Index `mapstructure:"indexes"`
}

// ReadInConfig reads the config file from the given filesystem
func ReadInConfig(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	if err := c.Core.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Catalog builds the in-memory catalog from the declared collections
func (c *Config) Catalog() *catalog.Mem {
	cat := catalog.NewMem()
	for _, cc := range c.Collections {
		cat.Add(&catalog.Collection{
			Database: cc.Database,
			Name:     cc.Name,
			ID:       cc.ID,
			IsView:   cc.View,
			ShardKey: cc.ShardKey,
			Indexes:  cc.Indexes,
		})
	}
	return cat
}
