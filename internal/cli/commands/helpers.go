// Package commands implements the sinasc subcommands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
	"github.com/saudedata-br/sinasc-pipeline/internal/state"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"

	// Registered store adapters.
	_ "github.com/saudedata-br/sinasc-pipeline/pkg/adapters/duckdb"
	_ "github.com/saudedata-br/sinasc-pipeline/pkg/adapters/postgres"
)

// openStaging connects to the staging store.
func openStaging(ctx context.Context, cfg *config.Config, logger *slog.Logger) (adapter.Adapter, error) {
	db, err := adapter.NewAdapter(cfg.StagingConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Connect(ctx, cfg.StagingConfig()); err != nil {
		return nil, fmt.Errorf("failed to connect to staging store: %w", err)
	}
	return db, nil
}

// openStateStore opens the run-state SQLite store, creating its directory
// when needed.
func openStateStore(cfg *config.Config) (*state.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.StatePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store := state.NewSQLiteStore()
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, err
	}
	return store, nil
}

// buildStage constructs one pipeline stage by name from the configuration.
func buildStage(name string, cfg *config.Config, logger *slog.Logger) (pipeline.Stage, error) {
	switch name {
	case pipeline.StageNameSelect:
		mappings, err := cfg.YearMappings()
		if err != nil {
			return nil, err
		}
		if len(mappings) == 0 {
			return nil, fmt.Errorf("no years configured: set years in sinasc.yaml or pass --year")
		}
		return pipeline.NewSelector(mappings, logger), nil
	case pipeline.StageNameFact:
		if len(cfg.Years) == 0 {
			return nil, fmt.Errorf("no years configured: set years in sinasc.yaml or pass --year")
		}
		return pipeline.NewFactBuilder(cfg.Years, logger), nil
	case pipeline.StageNameDimensions:
		return pipeline.NewDimensionBuilder(logger), nil
	case pipeline.StageNameEngineer:
		return pipeline.NewFeatureEngineer(logger), nil
	case pipeline.StageNameAggregate:
		return pipeline.NewAggregator(cfg.TopMunicipalities, logger), nil
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}
