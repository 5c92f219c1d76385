package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// FeatureSpec defines one engineered boolean flag on the fact table.
type FeatureSpec struct {
	// Name is the flag column added to fact_births.
	Name string
	// Sources are the fact columns the expression reads. If any is absent
	// the feature is skipped with an UnknownSourceColumn warning.
	Sources []string
	// Expr is the SQL boolean expression. NULL inputs yield NULL flags so
	// downstream rates are computed over known values only.
	Expr string
}

// Features is the engineered flag catalog, in the order columns are added.
// Gestation buckets follow the SINASC GESTACAO coding: 1 (<22 weeks) through
// 6 (42+ weeks); buckets 1-4 are below 37 weeks.
var Features = []FeatureSpec{
	{
		Name:    "is_preterm",
		Sources: []string{"gestation_bucket"},
		Expr:    "gestation_bucket BETWEEN 1 AND 4",
	},
	{
		Name:    "is_extreme_preterm",
		Sources: []string{"gestation_bucket"},
		Expr:    "gestation_bucket < 3",
	},
	{
		Name:    "is_cesarean",
		Sources: []string{"delivery_type"},
		Expr:    "delivery_type = 2",
	},
	{
		Name:    "is_multiple_pregnancy",
		Sources: []string{"pregnancy_type"},
		// GRAVIDEZ 9 means unknown, not a large multiple.
		Expr: "pregnancy_type IN (2, 3)",
	},
	{
		Name:    "is_adolescent_pregnancy",
		Sources: []string{"maternal_age"},
		Expr:    "maternal_age < 20",
	},
	{
		Name:    "is_very_young_pregnancy",
		Sources: []string{"maternal_age"},
		Expr:    "maternal_age < 15",
	},
	{
		Name:    "is_geriatric_pregnancy",
		Sources: []string{"maternal_age"},
		Expr:    "maternal_age >= 35",
	},
	{
		Name:    "is_first_pregnancy",
		Sources: []string{"live_children_count", "dead_children_count"},
		Expr: "CASE WHEN live_children_count IS NULL AND dead_children_count IS NULL THEN NULL " +
			"ELSE COALESCE(live_children_count, 0) + COALESCE(dead_children_count, 0) = 0 END",
	},
	{
		Name:    "is_previous_cesarean",
		Sources: []string{"previous_cesarean_count"},
		Expr:    "previous_cesarean_count > 0",
	},
	{
		Name:    "is_low_apgar5",
		Sources: []string{"apgar5"},
		Expr:    "apgar5 < 7",
	},
	{
		Name:    "is_low_birth_weight",
		Sources: []string{"birth_weight_grams"},
		Expr:    "birth_weight_grams < 2500",
	},
	{
		Name:    "is_very_low_birth_weight",
		Sources: []string{"birth_weight_grams"},
		Expr:    "birth_weight_grams < 1500",
	},
	{
		Name:    "is_hospital_birth",
		Sources: []string{"birth_place_type"},
		Expr:    "birth_place_type = 1",
	},
}

// FeatureEngineer adds the engineered flag columns to the fact table and
// recomputes all of them from scratch on every run. Flags are pure functions
// of their source columns, so a full recompute is always safe and keeps
// re-runs idempotent.
type FeatureEngineer struct {
	Features []FeatureSpec
	Logger   *slog.Logger
}

// NewFeatureEngineer creates a FeatureEngineer over the standard catalog.
func NewFeatureEngineer(logger *slog.Logger) *FeatureEngineer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FeatureEngineer{Features: Features, Logger: logger}
}

// Name implements Stage.
func (e *FeatureEngineer) Name() string { return StageNameEngineer }

// Run implements Stage. Rows is the fact-table row count (every row is
// recomputed); Skipped counts features dropped for missing source columns.
func (e *FeatureEngineer) Run(ctx context.Context, db adapter.Adapter) (*StageResult, error) {
	meta, err := db.GetTableMetadata(ctx, TableFact)
	if err != nil {
		return nil, &MissingDependencyError{
			Table:      TableFact,
			Stage:      StageNameEngineer,
			ProducedBy: StageNameFact,
		}
	}

	result := &StageResult{}
	applied := 0
	for _, feature := range e.Features {
		if missing := missingSource(meta, feature); missing != "" {
			unknownErr := &UnknownSourceColumnError{Feature: feature.Name, Column: missing}
			e.Logger.Warn("feature skipped", "feature", feature.Name, "reason", unknownErr.Error())
			result.Skipped++
			result.Warnings = append(result.Warnings, unknownErr.Error())
			continue
		}
		if err := e.applyFeature(ctx, db, meta, feature); err != nil {
			return result, fmt.Errorf("feature %s: %w", feature.Name, err)
		}
		applied++
	}

	rows, err := tableRowCount(ctx, db, TableFact)
	if err != nil {
		return result, err
	}
	result.Rows = rows

	e.Logger.Info("features engineered", "applied", applied, "skipped", result.Skipped, "rows", rows)
	return result, nil
}

// applyFeature adds the flag column when absent and recomputes it for all
// rows in a single statement.
func (e *FeatureEngineer) applyFeature(ctx context.Context, db adapter.Adapter, meta *adapter.Metadata, feature FeatureSpec) error {
	if !meta.HasColumn(feature.Name) {
		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BOOLEAN", TableFact, feature.Name)
		if err := db.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("failed to add column: %w", err)
		}
	}

	updateSQL := fmt.Sprintf("UPDATE %s SET %s = %s", TableFact, feature.Name, feature.Expr)
	if err := db.Exec(ctx, updateSQL); err != nil {
		return fmt.Errorf("failed to compute: %w", err)
	}

	e.Logger.Debug("feature computed", "feature", feature.Name, "sources", strings.Join(feature.Sources, ","))
	return nil
}

// missingSource returns the first source column the fact table lacks, or ""
// when all are present.
func missingSource(meta *adapter.Metadata, feature FeatureSpec) string {
	for _, src := range feature.Sources {
		if !meta.HasColumn(src) {
			return src
		}
	}
	return ""
}
