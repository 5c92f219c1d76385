package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// DefaultPromoteBatchSize bounds the multi-row INSERT size during promotion.
const DefaultPromoteBatchSize = 500

// PromotedTables lists every serving table the Promoter copies, in copy
// order. Raw and selected staging tables never leave the staging store.
func PromotedTables() []string {
	return []string{
		TableFact,
		TableDimAgeGroup,
		TableDimWeightCategory,
		TableDimOccupation,
		TableAggYearly,
		TableAggMonthly,
		TableAggStateYear,
		TableAggMunicipality,
	}
}

// Promoter copies the serving tables from the staging store to a production
// target. Each table is copied into <table>__incoming and swapped in only
// after the copy completes, so a failed promotion never leaves a
// half-written serving table behind.
type Promoter struct {
	Target       string
	TargetConfig adapter.Config
	BatchSize    int
	Logger       *slog.Logger
}

// NewPromoter creates a Promoter for the named target.
func NewPromoter(target string, cfg adapter.Config, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Promoter{
		Target:       target,
		TargetConfig: cfg,
		BatchSize:    DefaultPromoteBatchSize,
		Logger:       logger,
	}
}

// Promote copies all serving tables from source to the configured target.
// Rows counts copied rows; Skipped counts source tables that did not exist.
func (p *Promoter) Promote(ctx context.Context, source adapter.Adapter) (*StageResult, error) {
	target, err := adapter.NewAdapter(p.TargetConfig, p.Logger)
	if err != nil {
		return nil, &TargetUnreachableError{Target: p.Target, Err: err}
	}
	if err := target.Connect(ctx, p.TargetConfig); err != nil {
		return nil, &TargetUnreachableError{Target: p.Target, Err: err}
	}
	defer func() { _ = target.Close() }()

	p.Logger.Info("promotion started", "target", p.Target, "tables", len(PromotedTables()))

	result := &StageResult{}
	for _, table := range PromotedTables() {
		meta, err := source.GetTableMetadata(ctx, table)
		if err != nil {
			warning := fmt.Sprintf("table %s not found in staging, skipped", table)
			p.Logger.Warn("table skipped", "table", table)
			result.Skipped++
			result.Warnings = append(result.Warnings, warning)
			continue
		}

		copied, err := p.copyTable(ctx, source, target, meta)
		if err != nil {
			return result, fmt.Errorf("failed to promote %s: %w", table, err)
		}
		p.Logger.Info("table promoted", "table", table, "rows", copied)
		result.Rows += copied
	}

	p.Logger.Info("promotion completed", "target", p.Target, "rows", result.Rows, "skipped_tables", result.Skipped)
	return result, nil
}

// copyTable streams one table into <table>__incoming on the target, then
// swaps it in with drop-and-rename.
func (p *Promoter) copyTable(ctx context.Context, source, target adapter.Adapter, meta *adapter.Metadata) (int64, error) {
	incoming := meta.Name + "__incoming"

	if err := target.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", incoming)); err != nil {
		return 0, fmt.Errorf("failed to drop incoming table: %w", err)
	}

	defs := make([]string, len(meta.Columns))
	for i, col := range meta.Columns {
		defs[i] = fmt.Sprintf("%s %s", col.Name, portableType(col.Type))
	}
	if err := target.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", incoming, strings.Join(defs, ", "))); err != nil {
		return 0, fmt.Errorf("failed to create incoming table: %w", err)
	}

	copied, err := p.copyRows(ctx, source, target, meta, incoming)
	if err != nil {
		return 0, err
	}

	// Swap only after the full copy succeeded.
	if err := target.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", meta.Name)); err != nil {
		return 0, fmt.Errorf("failed to drop previous table: %w", err)
	}
	if err := target.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", incoming, meta.Name)); err != nil {
		return 0, fmt.Errorf("failed to rename incoming table: %w", err)
	}

	return copied, nil
}

// copyRows streams the source table into the incoming table in batches.
func (p *Promoter) copyRows(ctx context.Context, source, target adapter.Adapter, meta *adapter.Metadata, incoming string) (int64, error) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultPromoteBatchSize
	}

	cols := meta.ColumnNames()
	rows, err := source.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", quoteJoin(cols), meta.Name))
	if err != nil {
		return 0, fmt.Errorf("failed to read source: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		copied int64
		batch  [][]any
	)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("failed to scan source row: %w", err)
		}
		for i, v := range values {
			// Text columns arrive as []byte from some drivers; the target
			// driver would bind those as binary.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		batch = append(batch, values)
		if len(batch) == batchSize {
			if err := p.flushBatch(ctx, target, incoming, cols, batch); err != nil {
				return 0, err
			}
			copied += int64(len(batch))
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error reading source rows: %w", err)
	}
	if len(batch) > 0 {
		if err := p.flushBatch(ctx, target, incoming, cols, batch); err != nil {
			return 0, err
		}
		copied += int64(len(batch))
	}

	return copied, nil
}

// flushBatch writes one multi-row INSERT to the incoming table.
func (p *Promoter) flushBatch(ctx context.Context, target adapter.Adapter, incoming string, cols []string, batch [][]any) error {
	var (
		tuples = make([]string, len(batch))
		args   = make([]any, 0, len(batch)*len(cols))
		pos    = 1
	)
	for i, row := range batch {
		markers := make([]string, len(cols))
		for j := range cols {
			markers[j] = target.Placeholder(pos)
			pos++
		}
		tuples[i] = "(" + strings.Join(markers, ", ") + ")"
		args = append(args, row...)
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		incoming, quoteJoin(cols), strings.Join(tuples, ", "))
	if err := target.Exec(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// portableType maps catalog type names onto types both dialects accept.
func portableType(t string) string {
	switch strings.ToUpper(t) {
	case "DOUBLE", "FLOAT", "REAL", "FLOAT8":
		return "DOUBLE PRECISION"
	case "CHARACTER VARYING", "TEXT":
		return "VARCHAR"
	default:
		return t
	}
}
