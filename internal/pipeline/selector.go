package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// Selector projects each configured year's raw SINASC table down to the
// canonical essential-column set, normalizing names and types. Output tables
// are fully replaced on re-run, never appended to.
//
// A year whose raw table is missing a required column is skipped with a
// SchemaMismatch warning; the remaining years still run.
type Selector struct {
	Years  []YearMapping
	Logger *slog.Logger
}

// NewSelector creates a Selector for the given year mappings.
func NewSelector(years []YearMapping, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Selector{Years: years, Logger: logger}
}

// Name implements Stage.
func (s *Selector) Name() string { return StageNameSelect }

// Run implements Stage. Rows counts the rows written across all selected
// tables; Skipped counts years dropped on SchemaMismatch.
func (s *Selector) Run(ctx context.Context, db adapter.Adapter) (*StageResult, error) {
	result := &StageResult{}

	for _, ym := range s.Years {
		rows, err := s.selectYear(ctx, db, ym)
		if err != nil {
			if mismatch, ok := err.(*SchemaMismatchError); ok {
				s.Logger.Warn("year skipped", "year", ym.Year, "reason", mismatch.Error())
				result.Skipped++
				result.Warnings = append(result.Warnings, mismatch.Error())
				continue
			}
			return result, fmt.Errorf("year %d: %w", ym.Year, err)
		}
		result.Rows += rows
		s.Logger.Info("year selected", "year", ym.Year, "rows", rows)
	}

	return result, nil
}

// selectYear replaces the selected table for one year. Returns the row count
// of the new table.
func (s *Selector) selectYear(ctx context.Context, db adapter.Adapter, ym YearMapping) (int64, error) {
	rawTable := RawTableName(ym.Year)

	meta, err := db.GetTableMetadata(ctx, rawTable)
	if err != nil {
		// Only catalog absence downgrades to a skip; a store-level failure
		// fails the stage.
		if adapter.IsTableNotFound(err) {
			return 0, &SchemaMismatchError{Year: ym.Year, Table: rawTable}
		}
		return 0, fmt.Errorf("failed to read %s schema: %w", rawTable, err)
	}

	exprs, err := s.buildProjection(ym, meta, db.DialectName())
	if err != nil {
		return 0, err
	}

	target := SelectedTableName(ym.Year)
	if err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", target)); err != nil {
		return 0, fmt.Errorf("failed to drop %s: %w", target, err)
	}

	createSQL := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s",
		target, strings.Join(exprs, ", "), rawTable)
	if err := db.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}

	return tableRowCount(ctx, db, target)
}

// buildProjection resolves each canonical column to a select expression for
// this year, verifying required source columns against the raw table's
// actual schema. Optional columns absent from the year are selected as NULL.
func (s *Selector) buildProjection(ym YearMapping, meta *adapter.Metadata, dialect string) ([]string, error) {
	// Raw schemas drift between upper- and lowercase across years.
	present := make(map[string]string, len(meta.Columns))
	for _, c := range meta.Columns {
		present[strings.ToUpper(c.Name)] = c.Name
	}

	resolve := func(spec ColumnSpec) (wanted, actual string, ok bool) {
		wanted = ym.SourceColumn(spec)
		if dep := derivedColumnDependency(spec.Name); dep != "" {
			for _, depSpec := range CanonicalColumns {
				if depSpec.Name == dep {
					wanted = ym.SourceColumn(depSpec)
					break
				}
			}
		}
		actual, ok = present[strings.ToUpper(wanted)]
		return wanted, actual, ok
	}

	exprs := make([]string, 0, len(CanonicalColumns))
	for _, spec := range CanonicalColumns {
		wanted, source, ok := resolve(spec)
		if !ok {
			if spec.Required {
				return nil, &SchemaMismatchError{
					Year:   ym.Year,
					Table:  RawTableName(ym.Year),
					Column: wanted,
				}
			}
			exprs = append(exprs, fmt.Sprintf("CAST(NULL AS %s) AS %s", spec.Type, spec.Name))
			continue
		}
		exprs = append(exprs, fmt.Sprintf("%s AS %s", selectExpr(spec, source, dialect), spec.Name))
	}

	return exprs, nil
}

// tableRowCount returns SELECT COUNT(*) for a table.
func tableRowCount(ctx context.Context, db adapter.Adapter, table string) (int64, error) {
	rows, err := db.Query(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to scan count: %w", err)
		}
	}
	return count, rows.Err()
}
