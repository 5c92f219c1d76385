package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// DefaultTopMunicipalities bounds the municipality-year aggregate to the
// busiest municipalities; the full grain would be ~5500 rows per year of
// mostly tiny counts.
const DefaultTopMunicipalities = 100

// aggMetrics are the fact columns summarized as avg/median/stddev in every
// aggregate table.
var aggMetrics = []string{
	"birth_weight_grams",
	"maternal_age",
	"gestation_bucket",
	"apgar1",
	"apgar5",
}

// aggSpec describes one aggregate table by its grouping columns.
type aggSpec struct {
	table     string
	groupCols []string
	// topN restricts the grouping to the busiest municipalities when > 0.
	topN int
}

// Aggregator rebuilds the four grouped summary tables the dashboard reads.
// All four are full replacements computed concurrently; they are independent
// outputs over the same fact table.
type Aggregator struct {
	TopMunicipalities int
	Logger            *slog.Logger
}

// NewAggregator creates an Aggregator. topMunicipalities <= 0 selects the
// default.
func NewAggregator(topMunicipalities int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if topMunicipalities <= 0 {
		topMunicipalities = DefaultTopMunicipalities
	}
	return &Aggregator{TopMunicipalities: topMunicipalities, Logger: logger}
}

// Name implements Stage.
func (a *Aggregator) Name() string { return StageNameAggregate }

// Run implements Stage. Rows is the total rows across the four aggregate
// tables.
func (a *Aggregator) Run(ctx context.Context, db adapter.Adapter) (*StageResult, error) {
	meta, err := db.GetTableMetadata(ctx, TableFact)
	if err != nil {
		return nil, &MissingDependencyError{
			Table:      TableFact,
			Stage:      StageNameAggregate,
			ProducedBy: StageNameFact,
		}
	}

	result := &StageResult{}

	// Feature flags absent from the fact table still get their rate column,
	// as NULL, so the serving schema is stable across degraded runs.
	rateExprs, missing := a.rateExpressions(meta)
	if len(missing) > 0 {
		warning := fmt.Sprintf("degraded aggregation: missing feature columns %s, rates set to NULL",
			strings.Join(missing, ", "))
		a.Logger.Warn("aggregating without all features", "missing", strings.Join(missing, ", "))
		result.Warnings = append(result.Warnings, warning)
	}

	dimJoins, dimExprs, dimWarnings := a.dimensionBreakdowns(ctx, db)
	result.Warnings = append(result.Warnings, dimWarnings...)

	specs := []aggSpec{
		{table: TableAggYearly, groupCols: []string{"birth_year"}},
		{table: TableAggMonthly, groupCols: []string{"birth_year", "birth_month"}},
		{table: TableAggStateYear, groupCols: []string{"birth_year", "state_code"}},
		{table: TableAggMunicipality, groupCols: []string{"birth_year", "municipality_birth_code"}, topN: a.TopMunicipalities},
	}

	rows := make([]int64, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			n, err := a.buildAggregate(gctx, db, spec, rateExprs, dimJoins, dimExprs)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.table, err)
			}
			rows[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for i, spec := range specs {
		result.Rows += rows[i]
		a.Logger.Info("aggregate rebuilt", "table", spec.table, "rows", rows[i])
	}
	return result, nil
}

// dimensionBreakdowns returns the joins and per-category count columns each
// present dimension table contributes to every aggregate. A missing dimension
// omits its breakdown columns and degrades with a warning instead of
// aborting.
func (a *Aggregator) dimensionBreakdowns(ctx context.Context, db adapter.Adapter) (joins, exprs, warnings []string) {
	candidates := []struct {
		table string
		join  string
		exprs []string
	}{
		{
			table: TableDimAgeGroup,
			join:  fmt.Sprintf("LEFT JOIN %s ag ON f.maternal_age BETWEEN ag.age_min AND ag.age_max", TableDimAgeGroup),
			exprs: breakdownExprs("ag", ageGroupCodes()),
		},
		{
			table: TableDimWeightCategory,
			join:  fmt.Sprintf("LEFT JOIN %s wc ON f.birth_weight_grams BETWEEN wc.weight_min AND wc.weight_max", TableDimWeightCategory),
			exprs: breakdownExprs("wc", weightCategoryCodes()),
		},
		{
			table: TableDimOccupation,
			join:  fmt.Sprintf("LEFT JOIN %s oc ON substr(f.mother_occupation_code, 1, 1) = oc.major_group", TableDimOccupation),
			exprs: breakdownExprs("oc", occupationGroupCodes()),
		},
	}

	for _, c := range candidates {
		if _, err := db.GetTableMetadata(ctx, c.table); err != nil {
			warning := fmt.Sprintf("degraded aggregation: dimension table %s missing, breakdown omitted", c.table)
			a.Logger.Warn("dimension table missing", "table", c.table)
			warnings = append(warnings, warning)
			continue
		}
		joins = append(joins, c.join)
		exprs = append(exprs, c.exprs...)
	}
	return joins, exprs, warnings
}

// breakdownExprs builds one count column per dimension category
// (age_10_14 -> age_10_14_births).
func breakdownExprs(alias string, codes []string) []string {
	exprs := make([]string, len(codes))
	for i, code := range codes {
		exprs[i] = fmt.Sprintf("COUNT(*) FILTER (WHERE %s.code = '%s') AS %s_births", alias, code, code)
	}
	return exprs
}

// buildAggregate fully replaces one aggregate table. Dimension joins match at
// most one row per fact row (bands are disjoint), so they never change the
// group counts.
func (a *Aggregator) buildAggregate(ctx context.Context, db adapter.Adapter, spec aggSpec, rateExprs, dimJoins, dimExprs []string) (int64, error) {
	cols := make([]string, 0, len(spec.groupCols)+1+3*len(aggMetrics)+len(rateExprs)+len(dimExprs))
	cols = append(cols, spec.groupCols...)
	cols = append(cols, "COUNT(*) AS total_births")
	for _, metric := range aggMetrics {
		cols = append(cols,
			fmt.Sprintf("AVG(%s) AS avg_%s", metric, metric),
			fmt.Sprintf("%s AS median_%s", medianExpr(metric, db.DialectName()), metric),
			fmt.Sprintf("stddev_samp(%s) AS stddev_%s", metric, metric),
		)
	}
	cols = append(cols, rateExprs...)
	cols = append(cols, dimExprs...)

	where := make([]string, 0, len(spec.groupCols)+1)
	for _, g := range spec.groupCols {
		where = append(where, g+" IS NOT NULL")
	}
	if spec.topN > 0 {
		where = append(where, fmt.Sprintf(
			"municipality_birth_code IN (SELECT municipality_birth_code FROM %s GROUP BY municipality_birth_code ORDER BY COUNT(*) DESC, municipality_birth_code LIMIT %d)",
			TableFact, spec.topN))
	}

	from := TableFact + " f"
	if len(dimJoins) > 0 {
		from += " " + strings.Join(dimJoins, " ")
	}

	if err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", spec.table)); err != nil {
		return 0, fmt.Errorf("failed to drop: %w", err)
	}

	createSQL := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s WHERE %s GROUP BY %s",
		spec.table,
		strings.Join(cols, ", "),
		from,
		strings.Join(where, " AND "),
		quoteJoin(spec.groupCols),
	)
	if err := db.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("failed to create: %w", err)
	}

	return tableRowCount(ctx, db, spec.table)
}

// rateExpressions builds one percentage column per engineered feature. A
// feature column missing from the fact table yields a NULL column instead of
// breaking the serving schema; the caller warns with the missing list.
func (a *Aggregator) rateExpressions(meta *adapter.Metadata) (exprs []string, missing []string) {
	for _, feature := range Features {
		rate := rateColumnName(feature.Name)
		if !meta.HasColumn(feature.Name) {
			exprs = append(exprs, fmt.Sprintf("CAST(NULL AS FLOAT8) AS %s", rate))
			missing = append(missing, feature.Name)
			continue
		}
		// AVG ignores NULL flags, so rates cover known values only.
		exprs = append(exprs, fmt.Sprintf("100.0 * AVG(CAST(%s AS INTEGER)) AS %s", feature.Name, rate))
	}
	return exprs, missing
}

// rateColumnName maps a flag column to its aggregate rate column
// (is_preterm -> preterm_rate).
func rateColumnName(feature string) string {
	return strings.TrimPrefix(feature, "is_") + "_rate"
}

// medianExpr returns the dialect's median aggregate.
func medianExpr(col, dialect string) string {
	if dialect == "postgres" {
		return fmt.Sprintf("percentile_cont(0.5) WITHIN GROUP (ORDER BY %s)", col)
	}
	return fmt.Sprintf("median(%s)", col)
}
