// Package config provides configuration management for the sinasc CLI.
//
// Configuration is loaded from sinasc.yaml, SINASC_-prefixed environment
// variables and CLI flags, in increasing order of precedence.
package config

import (
	"fmt"
	"sort"

	"github.com/spf13/cast"

	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// TargetConfig is an alias for the shared adapter configuration, so CLI code
// can reference config.TargetConfig without importing pkg/adapter.
type TargetConfig = adapter.Config

// Config holds all CLI configuration options.
type Config struct {
	// DatabasePath is the staging DuckDB file (":memory:" for an in-memory
	// store, useful in tests only).
	DatabasePath string `koanf:"database"`
	StatePath    string `koanf:"state_path"`
	Environment  string `koanf:"environment"`
	Verbose      bool   `koanf:"verbose"`

	// Years are the SINASC ingestion years the pipeline processes.
	Years []int `koanf:"years"`
	// TopMunicipalities bounds the municipality-year aggregate.
	TopMunicipalities int `koanf:"top_municipalities"`

	// YearOverrides maps a year to canonical-column -> raw-column renames
	// for layouts that drift from the default SINASC field names. Keys are
	// strings because they arrive from YAML and env vars.
	YearOverrides map[string]map[string]string `koanf:"year_overrides"`

	// Targets are the named promotion destinations (e.g. "local", "render").
	Targets map[string]TargetConfig `koanf:"targets"`
}

// Default configuration values.
const (
	DefaultDatabasePath = "sinasc.duckdb"
	DefaultStateFile    = ".sinasc/state.db"
	DefaultEnv          = "local"
)

// StagingConfig returns the adapter configuration for the staging store.
func (c *Config) StagingConfig() adapter.Config {
	return adapter.Config{
		Type: "duckdb",
		Path: c.DatabasePath,
	}
}

// ResolveTarget resolves a named promotion target.
func (c *Config) ResolveTarget(name string) (adapter.Config, error) {
	if target, ok := c.Targets[name]; ok {
		return target, nil
	}
	if name == DefaultEnv {
		// Promoting "local" without explicit target config writes a sibling
		// DuckDB file next to the staging store.
		return adapter.Config{Type: "duckdb", Path: "sinasc_production.duckdb"}, nil
	}
	names := make([]string, 0, len(c.Targets))
	for n := range c.Targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return adapter.Config{}, fmt.Errorf("unknown target %q (configured targets: %v)", name, names)
}

// YearMappings builds the per-year column mappings the Selector consumes.
// Override keys are parsed leniently: YAML delivers years as strings or
// integers depending on quoting.
func (c *Config) YearMappings() ([]pipeline.YearMapping, error) {
	overrides := make(map[int]map[string]string, len(c.YearOverrides))
	for rawYear, cols := range c.YearOverrides {
		year, err := cast.ToIntE(rawYear)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q in year_overrides: %w", rawYear, err)
		}
		overrides[year] = cols
	}

	years := append([]int(nil), c.Years...)
	sort.Ints(years)

	mappings := make([]pipeline.YearMapping, len(years))
	for i, year := range years {
		mappings[i] = pipeline.YearMapping{Year: year, Overrides: overrides[year]}
	}
	return mappings, nil
}
