package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// FactBuilder unions every available selected year table into fact_births,
// deduplicating on the natural key. Re-running the builder, or running it
// again after a new year's selected table appears, never duplicates rows:
// conflicting keys are silently dropped and counted, not overwritten, so the
// earlier-processed year's row wins.
type FactBuilder struct {
	Years  []int
	Logger *slog.Logger
}

// NewFactBuilder creates a FactBuilder over the configured years. Years are
// merged oldest first regardless of configuration order, so which row wins a
// cross-year key collision does not depend on flag order.
func NewFactBuilder(years []int, logger *slog.Logger) *FactBuilder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sorted := append([]int(nil), years...)
	sort.Ints(sorted)
	return &FactBuilder{Years: sorted, Logger: logger}
}

// Name implements Stage.
func (f *FactBuilder) Name() string { return StageNameFact }

// Run implements Stage. Rows counts inserted fact rows; Skipped counts
// source rows dropped as natural-key duplicates (or null-key rows).
func (f *FactBuilder) Run(ctx context.Context, db adapter.Adapter) (*StageResult, error) {
	available, err := f.availableYears(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, &MissingDependencyError{
			Table:      "sel_sinasc_<year>",
			Stage:      StageNameFact,
			ProducedBy: StageNameSelect,
		}
	}

	if err := f.ensureFactTable(ctx, db); err != nil {
		return nil, err
	}

	result := &StageResult{}
	for _, year := range available {
		inserted, skipped, err := f.mergeYear(ctx, db, year)
		if err != nil {
			// Unexpected conflicts beyond the skip-on-conflict path are
			// downgraded to warnings; the anti-join fallback already ran.
			if cv, ok := err.(*ConstraintViolationError); ok {
				f.Logger.Warn("constraint violation downgraded", "year", year, "skipped", cv.Skipped, "error", cv.Err)
				result.Warnings = append(result.Warnings, cv.Error())
				result.Skipped += cv.Skipped
				continue
			}
			return result, fmt.Errorf("year %d: %w", year, err)
		}
		f.Logger.Info("year merged into fact table", "year", year, "inserted", inserted, "skipped", skipped)
		result.Rows += inserted
		result.Skipped += skipped
	}

	return result, nil
}

// availableYears returns the configured years whose selected table exists.
// Catalog absence is tolerated (the Selector may have skipped the year);
// store-level failures are not.
func (f *FactBuilder) availableYears(ctx context.Context, db adapter.Adapter) ([]int, error) {
	var available []int
	for _, year := range f.Years {
		_, err := db.GetTableMetadata(ctx, SelectedTableName(year))
		switch {
		case err == nil:
			available = append(available, year)
		case adapter.IsTableNotFound(err):
			f.Logger.Debug("selected table not available", "year", year)
		default:
			return nil, fmt.Errorf("failed to read %s schema: %w", SelectedTableName(year), err)
		}
	}
	return available, nil
}

// ensureFactTable creates fact_births and its natural-key uniqueness
// constraint on first run. Idempotent.
func (f *FactBuilder) ensureFactTable(ctx context.Context, db adapter.Adapter) error {
	if _, err := db.GetTableMetadata(ctx, TableFact); err == nil {
		return nil
	}

	defs := make([]string, 0, len(CanonicalColumns)+1)
	for _, spec := range CanonicalColumns {
		def := fmt.Sprintf("%s %s", spec.Name, spec.Type)
		if isNaturalKeyColumn(spec.Name) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("UNIQUE (%s)", quoteJoin(NaturalKeyColumns)))

	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", TableFact, strings.Join(defs, ", "))
	if err := db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create %s: %w", TableFact, err)
	}

	f.Logger.Info("fact table created", "table", TableFact, "key", quoteJoin(NaturalKeyColumns))
	return nil
}

// mergeYear appends one year's rows whose natural key is not already
// present. Intra-year duplicates are removed deterministically (first row
// per key wins); cross-year/cross-run duplicates are skipped by the
// conflict clause.
func (f *FactBuilder) mergeYear(ctx context.Context, db adapter.Adapter, year int) (inserted, skipped int64, err error) {
	source := SelectedTableName(year)

	sourceCount, err := tableRowCount(ctx, db, source)
	if err != nil {
		return 0, 0, err
	}
	before, err := tableRowCount(ctx, db, TableFact)
	if err != nil {
		return 0, 0, err
	}

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM (%s) dedup WHERE rn = 1 ON CONFLICT (%s) DO NOTHING",
		TableFact,
		quoteJoin(CanonicalColumnNames()),
		quoteJoin(CanonicalColumnNames()),
		f.dedupSubquery(source),
		quoteJoin(NaturalKeyColumns),
	)

	if execErr := db.Exec(ctx, insertSQL); execErr != nil {
		if !isConstraintError(execErr) {
			return 0, 0, execErr
		}
		// Designed path failed on an unexpected conflict; retry with an
		// anti-join that cannot violate the constraint.
		if fbErr := f.antiJoinFallback(ctx, db, source); fbErr != nil {
			return 0, 0, fmt.Errorf("anti-join fallback failed: %w", fbErr)
		}
		after, countErr := tableRowCount(ctx, db, TableFact)
		if countErr != nil {
			return 0, 0, countErr
		}
		return after - before, 0, &ConstraintViolationError{
			Table:   TableFact,
			Skipped: sourceCount - (after - before),
			Err:     execErr,
		}
	}

	after, err := tableRowCount(ctx, db, TableFact)
	if err != nil {
		return 0, 0, err
	}

	inserted = after - before
	skipped = sourceCount - inserted
	return inserted, skipped, nil
}

// dedupSubquery numbers a year's rows per natural key, dropping null-key
// rows (they cannot satisfy the NOT NULL key columns and carry no usable
// identity).
func (f *FactBuilder) dedupSubquery(source string) string {
	var notNull []string
	for _, k := range NaturalKeyColumns {
		notNull = append(notNull, k+" IS NOT NULL")
	}
	return fmt.Sprintf(
		"SELECT *, row_number() OVER (PARTITION BY %s ORDER BY %s) AS rn FROM %s WHERE %s",
		quoteJoin(NaturalKeyColumns),
		quoteJoin(NaturalKeyColumns),
		source,
		strings.Join(notNull, " AND "),
	)
}

// antiJoinFallback inserts rows whose key has no match in the fact table.
func (f *FactBuilder) antiJoinFallback(ctx context.Context, db adapter.Adapter, source string) error {
	var join []string
	for _, k := range NaturalKeyColumns {
		join = append(join, fmt.Sprintf("f.%s = dedup.%s", k, k))
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM (%s) dedup WHERE rn = 1 AND NOT EXISTS (SELECT 1 FROM %s f WHERE %s)",
		TableFact,
		quoteJoin(CanonicalColumnNames()),
		quoteJoin(CanonicalColumnNames()),
		f.dedupSubquery(source),
		TableFact,
		strings.Join(join, " AND "),
	)
	return db.Exec(ctx, insertSQL)
}

func isNaturalKeyColumn(name string) bool {
	for _, k := range NaturalKeyColumns {
		if k == name {
			return true
		}
	}
	return false
}

// isConstraintError sniffs driver-specific duplicate-key failures.
func isConstraintError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique")
}
