package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
)

// stageCommandDescriptions drives the generated single-stage subcommands.
var stageCommandDescriptions = []struct {
	name  string
	short string
}{
	{pipeline.StageNameSelect, "Project raw year tables down to the canonical columns"},
	{pipeline.StageNameFact, "Merge selected year tables into the fact table"},
	{pipeline.StageNameDimensions, "Rebuild the dimension tables"},
	{pipeline.StageNameEngineer, "Recompute the engineered clinical flags"},
	{pipeline.StageNameAggregate, "Rebuild the aggregate tables"},
}

// NewStageCommands creates one subcommand per pipeline stage, for running
// stages independently during backfills and debugging. Single-stage runs are
// not recorded in the run-state store.
func NewStageCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, len(stageCommandDescriptions))
	for i, desc := range stageCommandDescriptions {
		cmds[i] = &cobra.Command{
			Use:   desc.name,
			Short: desc.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSingleStage(cmd, desc.name)
			},
		}
	}
	return cmds
}

func runSingleStage(cmd *cobra.Command, name string) error {
	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(cmd.Context())
	ctx := cmd.Context()

	stage, err := buildStage(name, cfg, logger)
	if err != nil {
		return err
	}

	db, err := openStaging(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	start := time.Now()
	result, err := stage.Run(ctx, db)
	if err != nil {
		return fmt.Errorf("stage %s failed: %w", name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stage %s completed in %s: %d rows, %d skipped\n",
		name, time.Since(start).Round(time.Millisecond), result.Rows, result.Skipped)
	if len(result.Warnings) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Warnings:\n  %s\n", strings.Join(result.Warnings, "\n  "))
	}
	return nil
}
