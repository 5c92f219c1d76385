package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli/config"
	"github.com/saudedata-br/sinasc-pipeline/internal/pipeline"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand() *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Load a raw SINASC CSV extract into the staging store",
		Long: `Load one year's SINASC CSV extract into its raw staging table
(raw_sinasc_<year>), replacing any previous load for that year. Column names
and types are taken from the file as-is; normalization happens in the select
stage.`,
		Example: `  sinasc ingest --year 2022 DNOPEN22.csv`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, year, args[0])
		},
	}

	cmd.Flags().IntVar(&year, "year", 0, "SINASC year of the extract (required)")
	_ = cmd.MarkFlagRequired("year")

	return cmd
}

func runIngest(cmd *cobra.Command, year int, path string) error {
	if year < 1996 || year > 2100 {
		return fmt.Errorf("implausible SINASC year %d", year)
	}

	cfg := config.GetCurrentConfig()
	logger := config.GetLogger(cmd.Context())
	ctx := cmd.Context()

	db, err := openStaging(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	table := pipeline.RawTableName(year)
	if err := db.LoadCSV(ctx, table, path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	meta, err := db.GetTableMetadata(ctx, table)
	if err != nil {
		return fmt.Errorf("load succeeded but table %s is unreadable: %w", table, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s into %s: %d rows, %d columns\n",
		path, table, meta.RowCount, len(meta.Columns))
	return nil
}
