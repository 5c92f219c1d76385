package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
	"github.com/saudedata-br/sinasc-pipeline/internal/state"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// RunOptions holds the per-stage skip flags of the run command.
type RunOptions struct {
	SkipSelect     bool
	SkipCreate     bool
	SkipDimensions bool
	SkipEngineer   bool
	SkipAggregate  bool
	NoState        bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline",
		Long: `Execute all pipeline stages in dependency order:
select, create, dimensions, engineer, aggregate.

A skipped stage is recorded as skipped; downstream stages still run against
whatever tables already exist in the staging store.`,
		Example: `  # Full run over the configured years
  sinasc run

  # Re-aggregate only, keeping existing fact and dimension tables
  sinasc run --skip-select --skip-create --skip-dimensions --skip-engineer

  # Process two specific years
  sinasc run --year 2021 --year 2022`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipSelect, "skip-select", false, "Skip the column selection stage")
	cmd.Flags().BoolVar(&opts.SkipCreate, "skip-create", false, "Skip the fact table build stage")
	cmd.Flags().BoolVar(&opts.SkipDimensions, "skip-dimensions", false, "Skip the dimension build stage")
	cmd.Flags().BoolVar(&opts.SkipEngineer, "skip-engineer", false, "Skip the feature engineering stage")
	cmd.Flags().BoolVar(&opts.SkipAggregate, "skip-aggregate", false, "Skip the aggregation stage")
	cmd.Flags().BoolVar(&opts.NoState, "no-state", false, "Do not record the run in the state database")

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(cmd.Context())
	ctx := cmd.Context()

	db, err := openStaging(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var store state.Store
	if !opts.NoState {
		s, err := openStateStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		store = s
	}

	orch := pipeline.NewOrchestrator(db, logger, store)

	stageDeps := []struct {
		name string
		deps []string
		skip bool
	}{
		{pipeline.StageNameSelect, nil, opts.SkipSelect},
		{pipeline.StageNameFact, []string{pipeline.StageNameSelect}, opts.SkipCreate},
		{pipeline.StageNameDimensions, []string{pipeline.StageNameFact}, opts.SkipDimensions},
		{pipeline.StageNameEngineer, []string{pipeline.StageNameFact, pipeline.StageNameDimensions}, opts.SkipEngineer},
		{pipeline.StageNameAggregate, []string{pipeline.StageNameEngineer}, opts.SkipAggregate},
	}

	for _, sd := range stageDeps {
		stage, err := buildStage(sd.name, cfg, logger)
		if err != nil {
			// A stage that cannot be built but is skipped anyway should not
			// block the run (e.g. --skip-select with no years configured).
			if sd.skip {
				stage = skippedStage(sd.name)
			} else {
				return err
			}
		}
		if err := orch.AddStage(stage, sd.deps...); err != nil {
			return err
		}
		if sd.skip {
			orch.Skip(sd.name)
		}
	}

	report, runErr := orch.Run(ctx, cfg.Environment)
	if report != nil {
		report.Render(cmd.OutOrStdout())
		if report.RunID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", report.RunID, report.Status)
		}
	}
	return runErr
}

// skippedStage stands in for a stage that is both unbuildable and skipped,
// so the graph stays complete. It never runs.
type skippedStage string

// Name implements pipeline.Stage.
func (s skippedStage) Name() string { return string(s) }

// Run implements pipeline.Stage.
func (s skippedStage) Run(context.Context, adapter.Adapter) (*pipeline.StageResult, error) {
	return &pipeline.StageResult{}, nil
}
