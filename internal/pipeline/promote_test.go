package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saudedata-br/sinasc-pipeline/internal/testutil"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapters/duckdb"
)

func openTargetDB(t *testing.T, cfg adapter.Config) adapter.Adapter {
	t.Helper()
	db := duckdb.New(testutil.NewTestLogger(t))
	require.NoError(t, db.Connect(context.Background(), cfg))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPromoterCopiesServingTables(t *testing.T) {
	source := openTestDB(t)
	seedYear(t, source, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"PESO": "2800", "PARTO": "2"}),
	})
	runFullPipeline(t, source, []int{2020})

	targetCfg := adapter.Config{Type: "duckdb", Path: filepath.Join(t.TempDir(), "production.duckdb")}
	promoter := NewPromoter("local", targetCfg, nil)

	result, err := promoter.Promote(context.Background(), source)
	require.NoError(t, err)
	assert.Zero(t, result.Skipped)

	target := openTargetDB(t, targetCfg)
	assert.Equal(t, int64(2), queryInt(t, target, "SELECT COUNT(*) FROM fact_births"))
	assert.Equal(t, int64(10), queryInt(t, target, "SELECT COUNT(*) FROM dim_maternal_age_group"))
	assert.Equal(t, int64(2), queryInt(t, target, "SELECT total_births FROM agg_births_yearly WHERE birth_year = 2020"))

	// No __incoming leftovers after a clean promotion.
	assert.False(t, tableExists(t, target, "fact_births__incoming"))
}

func TestPromoterIdempotent(t *testing.T) {
	source := openTestDB(t)
	seedYear(t, source, 2020, []map[string]string{rawRow(nil)})
	runFullPipeline(t, source, []int{2020})

	targetCfg := adapter.Config{Type: "duckdb", Path: filepath.Join(t.TempDir(), "production.duckdb")}
	promoter := NewPromoter("local", targetCfg, nil)

	_, err := promoter.Promote(context.Background(), source)
	require.NoError(t, err)
	_, err = promoter.Promote(context.Background(), source)
	require.NoError(t, err)

	target := openTargetDB(t, targetCfg)
	assert.Equal(t, int64(1), queryInt(t, target, "SELECT COUNT(*) FROM fact_births"))
}

func TestPromoterSkipsMissingSourceTables(t *testing.T) {
	source := openTestDB(t)
	seedYear(t, source, 2020, []map[string]string{rawRow(nil)})
	// Fact only; dimensions and aggregates were never built.
	runSelectAndFact(t, source, []int{2020})

	targetCfg := adapter.Config{Type: "duckdb", Path: filepath.Join(t.TempDir(), "production.duckdb")}
	promoter := NewPromoter("local", targetCfg, nil)

	result, err := promoter.Promote(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.Skipped)
	assert.Len(t, result.Warnings, 7)

	target := openTargetDB(t, targetCfg)
	assert.True(t, tableExists(t, target, TableFact))
	assert.False(t, tableExists(t, target, TableAggYearly))
}

func TestPromoterBatchesLargeCopies(t *testing.T) {
	source := openTestDB(t)
	rows := make([]map[string]string, 0, 7)
	hours := []string{"0100", "0200", "0300", "0400", "0500", "0600", "0700"}
	for _, h := range hours {
		rows = append(rows, rawRow(map[string]string{"HORANASC": h}))
	}
	seedYear(t, source, 2020, rows)
	runFullPipeline(t, source, []int{2020})

	targetCfg := adapter.Config{Type: "duckdb", Path: filepath.Join(t.TempDir(), "production.duckdb")}
	promoter := NewPromoter("local", targetCfg, nil)
	promoter.BatchSize = 3

	_, err := promoter.Promote(context.Background(), source)
	require.NoError(t, err)

	target := openTargetDB(t, targetCfg)
	assert.Equal(t, int64(7), queryInt(t, target, "SELECT COUNT(*) FROM fact_births"))
}

func TestPromoterUnknownTargetType(t *testing.T) {
	source := openTestDB(t)

	promoter := NewPromoter("prod", adapter.Config{Type: "oracle"}, nil)
	_, err := promoter.Promote(context.Background(), source)
	require.Error(t, err)

	var unreachable *TargetUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "prod", unreachable.Target)
}
