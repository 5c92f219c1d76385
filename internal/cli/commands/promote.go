package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
)

// NewPromoteCommand creates the promote command.
func NewPromoteCommand() *cobra.Command {
	var targetName string

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Copy the serving tables to a production target",
		Long: `Copy the fact, dimension and aggregate tables from the staging store to a
named target. Each table is written to <table>__incoming and swapped in only
after the copy completes, so readers never see a half-promoted table.`,
		Example: `  # Promote to the hosted production database
  sinasc promote --target render

  # Promote to the local production file
  sinasc promote --target local`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPromote(cmd, targetName)
		},
	}

	cmd.Flags().StringVarP(&targetName, "target", "t", config.DefaultEnv, "Promotion target name from sinasc.yaml")

	return cmd
}

func runPromote(cmd *cobra.Command, targetName string) error {
	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(cmd.Context())
	ctx := cmd.Context()

	targetCfg, err := cfg.ResolveTarget(targetName)
	if err != nil {
		return err
	}

	db, err := openStaging(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	promoter := pipeline.NewPromoter(targetName, targetCfg, logger)

	start := time.Now()
	result, err := promoter.Promote(ctx, db)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d rows to %s in %s (%d tables skipped)\n",
		result.Rows, targetName, time.Since(start).Round(time.Millisecond), result.Skipped)
	if len(result.Warnings) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Warnings:\n  %s\n", strings.Join(result.Warnings, "\n  "))
	}
	return nil
}
