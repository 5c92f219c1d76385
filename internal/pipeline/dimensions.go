package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// DimensionBuilder (re)creates the three lookup tables from fixed,
// hand-authored definitions and, when the fact table already exists,
// backfills its occupation_category column. Dimension tables are bounded
// reference data and are always fully replaced.
type DimensionBuilder struct {
	Logger *slog.Logger
}

// NewDimensionBuilder creates a DimensionBuilder.
func NewDimensionBuilder(logger *slog.Logger) *DimensionBuilder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DimensionBuilder{Logger: logger}
}

// Name implements Stage.
func (d *DimensionBuilder) Name() string { return StageNameDimensions }

// ageGroupRow is one 5-year maternal age band. The code doubles as the
// breakdown column prefix in the aggregate tables.
type ageGroupRow struct {
	min, max int
	code     string
	label    string
}

var ageGroups = []ageGroupRow{
	{0, 9, "age_0_9", "under 10"},
	{10, 14, "age_10_14", "10-14"},
	{15, 19, "age_15_19", "15-19"},
	{20, 24, "age_20_24", "20-24"},
	{25, 29, "age_25_29", "25-29"},
	{30, 34, "age_30_34", "30-34"},
	{35, 39, "age_35_39", "35-39"},
	{40, 44, "age_40_44", "40-44"},
	{45, 49, "age_45_49", "45-49"},
	{50, 120, "age_50_plus", "50 and over"},
}

// weightCategoryRow is one clinical birth-weight band (grams).
type weightCategoryRow struct {
	min, max int
	code     string
	label    string
}

var weightCategories = []weightCategoryRow{
	{0, 1499, "weight_very_low", "very low (<1500g)"},
	{1500, 2499, "weight_low", "low (1500-2499g)"},
	{2500, 3999, "weight_normal", "normal (2500-3999g)"},
	{4000, 9999, "weight_macrosomia", "macrosomia (>=4000g)"},
}

// occupationGroupRow maps one CBO-2002 major group (first digit of the
// mother's occupation code) to a coarse category.
type occupationGroupRow struct {
	major string
	code  string
	label string
}

var occupationGroups = []occupationGroupRow{
	{"0", "occ_armed_forces", "armed forces and public safety"},
	{"1", "occ_managers", "managers and senior officials"},
	{"2", "occ_science_arts", "science and arts professionals"},
	{"3", "occ_technicians", "mid-level technicians"},
	{"4", "occ_administrative", "administrative services"},
	{"5", "occ_services_retail", "services and retail workers"},
	{"6", "occ_agricultural", "agricultural workers"},
	{"7", "occ_industrial_production", "industrial production workers"},
	{"8", "occ_industrial_operators", "industrial process operators"},
	{"9", "occ_maintenance_repair", "maintenance and repair workers"},
}

func ageGroupCodes() []string {
	codes := make([]string, len(ageGroups))
	for i, g := range ageGroups {
		codes[i] = g.code
	}
	return codes
}

func weightCategoryCodes() []string {
	codes := make([]string, len(weightCategories))
	for i, c := range weightCategories {
		codes[i] = c.code
	}
	return codes
}

func occupationGroupCodes() []string {
	codes := make([]string, len(occupationGroups))
	for i, g := range occupationGroups {
		codes[i] = g.code
	}
	return codes
}

// Run implements Stage. Rows counts dimension rows written plus backfilled
// fact rows. The fact-table enrichment is best-effort: its absence only
// degrades the occupation_category column.
func (d *DimensionBuilder) Run(ctx context.Context, db adapter.Adapter) (*StageResult, error) {
	result := &StageResult{}

	rows, err := d.buildAgeGroups(ctx, db)
	if err != nil {
		return result, err
	}
	result.Rows += rows

	rows, err = d.buildWeightCategories(ctx, db)
	if err != nil {
		return result, err
	}
	result.Rows += rows

	rows, err = d.buildOccupationCategories(ctx, db)
	if err != nil {
		return result, err
	}
	result.Rows += rows

	backfilled, err := d.backfillOccupation(ctx, db)
	if err != nil {
		warning := fmt.Sprintf("occupation backfill skipped: %v", err)
		d.Logger.Warn("fact table enrichment degraded", "reason", err)
		result.Warnings = append(result.Warnings, warning)
		return result, nil
	}
	result.Rows += backfilled

	return result, nil
}

func (d *DimensionBuilder) buildAgeGroups(ctx context.Context, db adapter.Adapter) (int64, error) {
	values := make([]string, len(ageGroups))
	for i, g := range ageGroups {
		values[i] = fmt.Sprintf("(%d, %d, '%s', '%s')", g.min, g.max, g.code, g.label)
	}
	return d.replaceDimension(ctx, db, TableDimAgeGroup,
		"age_min INTEGER, age_max INTEGER, code VARCHAR, age_group VARCHAR",
		"age_min, age_max, code, age_group", values)
}

func (d *DimensionBuilder) buildWeightCategories(ctx context.Context, db adapter.Adapter) (int64, error) {
	values := make([]string, len(weightCategories))
	for i, c := range weightCategories {
		values[i] = fmt.Sprintf("(%d, %d, '%s', '%s')", c.min, c.max, c.code, c.label)
	}
	return d.replaceDimension(ctx, db, TableDimWeightCategory,
		"weight_min INTEGER, weight_max INTEGER, code VARCHAR, weight_category VARCHAR",
		"weight_min, weight_max, code, weight_category", values)
}

func (d *DimensionBuilder) buildOccupationCategories(ctx context.Context, db adapter.Adapter) (int64, error) {
	values := make([]string, len(occupationGroups))
	for i, g := range occupationGroups {
		values[i] = fmt.Sprintf("('%s', '%s', '%s')", g.major, g.code, g.label)
	}
	return d.replaceDimension(ctx, db, TableDimOccupation,
		"major_group VARCHAR, code VARCHAR, occupation_category VARCHAR",
		"major_group, code, occupation_category", values)
}

// replaceDimension drops and recreates one dimension table with the given
// rows. Cheap: dimension tables are bounded and independent of fact scale.
func (d *DimensionBuilder) replaceDimension(ctx context.Context, db adapter.Adapter, table, ddl, cols string, values []string) (int64, error) {
	if err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return 0, fmt.Errorf("failed to drop %s: %w", table, err)
	}
	if err := db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, ddl)); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", table, err)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, cols, strings.Join(values, ", "))
	if err := db.Exec(ctx, insertSQL); err != nil {
		return 0, fmt.Errorf("failed to populate %s: %w", table, err)
	}
	d.Logger.Info("dimension replaced", "table", table, "rows", len(values))
	return int64(len(values)), nil
}

// backfillOccupation evolves the fact table in place: adds the
// occupation_category column when absent and recomputes it from the
// occupation dimension. Returns the number of fact rows updated.
func (d *DimensionBuilder) backfillOccupation(ctx context.Context, db adapter.Adapter) (int64, error) {
	meta, err := db.GetTableMetadata(ctx, TableFact)
	if err != nil {
		return 0, fmt.Errorf("fact table %s not found", TableFact)
	}

	if !meta.HasColumn("occupation_category") {
		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN occupation_category VARCHAR", TableFact)
		if err := db.Exec(ctx, alterSQL); err != nil {
			return 0, fmt.Errorf("failed to add occupation_category: %w", err)
		}
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s SET occupation_category = d.occupation_category FROM %s d WHERE substr(%s.mother_occupation_code, 1, 1) = d.major_group",
		TableFact, TableDimOccupation, TableFact)
	if err := db.Exec(ctx, updateSQL); err != nil {
		return 0, fmt.Errorf("failed to backfill occupation_category: %w", err)
	}

	// Codes with no dimension match (or no code at all) are explicit
	// unknowns, not NULLs the serving layer has to special-case.
	fillSQL := fmt.Sprintf(
		"UPDATE %s SET occupation_category = 'unknown' WHERE occupation_category IS NULL",
		TableFact)
	if err := db.Exec(ctx, fillSQL); err != nil {
		return 0, fmt.Errorf("failed to default occupation_category: %w", err)
	}

	return tableRowCount(ctx, db, TableFact)
}
