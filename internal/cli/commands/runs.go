package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/state"
)

// NewRunsCommand creates the runs history command.
func NewRunsCommand() *cobra.Command {
	var limit int
	var showStages bool

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show pipeline run history",
		Long: `List recent pipeline runs from the run-state store, newest first.
With a run ID, show that run's per-stage outcomes.`,
		Example: `  # Last 10 runs
  sinasc runs

  # One run's stages
  sinasc runs 5a9d1c5e-... --stages`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runShowRun(cmd, args[0])
			}
			return runListRuns(cmd, limit, showStages)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to list")
	cmd.Flags().BoolVar(&showStages, "stages", false, "Also list each run's stages")

	return cmd
}

func runListRuns(cmd *cobra.Command, limit int, showStages bool) error {
	cfg := config.GetCurrentConfig()

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Run ID", "Environment", "Status", "Started", "Duration", "Error"})
	for _, run := range runs {
		duration := ""
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			run.ID,
			run.Environment,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			duration,
			run.Error,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if showStages {
		for _, run := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s:\n", run.ID)
			if err := renderStageRuns(cmd, store, run.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

func runShowRun(cmd *cobra.Command, runID string) error {
	cfg := config.GetCurrentConfig()

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s (%s): %s\n", run.ID, run.Environment, run.Status)
	if run.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", run.Error)
	}
	return renderStageRuns(cmd, store, runID)
}

func renderStageRuns(cmd *cobra.Command, store *state.SQLiteStore, runID string) error {
	stageRuns, err := store.GetStageRuns(runID)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Stage", "Status", "Rows", "Skipped", "Elapsed", "Error"})
	for _, sr := range stageRuns {
		t.AppendRow(table.Row{
			sr.Stage,
			sr.Status,
			sr.RowsAffected,
			sr.SkippedRows,
			(time.Duration(sr.ElapsedMS) * time.Millisecond).String(),
			sr.Error,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}
