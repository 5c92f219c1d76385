package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactBuilderMergesAndDeduplicates(t *testing.T) {
	db := openTestDB(t)
	// Two rows share the natural key; the third differs by weight.
	seedYear(t, db, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"CONSULTAS": "7"}),
		rawRow(map[string]string{"PESO": "2400"}),
	})

	_, err := NewSelector([]YearMapping{{Year: 2020}}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	result, err := NewFactBuilder([]int{2020}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Rows)
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM fact_births"))
}

func TestFactBuilderIdempotent(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"PESO": "2800"}),
	})
	runSelectAndFact(t, db, []int{2020})

	before := queryInt(t, db, "SELECT COUNT(*) FROM fact_births")

	result, err := NewFactBuilder([]int{2020}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	assert.Zero(t, result.Rows)
	assert.Equal(t, int64(2), result.Skipped)
	assert.Equal(t, before, queryInt(t, db, "SELECT COUNT(*) FROM fact_births"))
}

func TestFactBuilderIncrementalYearAppend(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{rawRow(nil)})
	runSelectAndFact(t, db, []int{2020})
	require.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM fact_births"))

	// A new year appears; re-running over both years only appends it.
	seedYear(t, db, 2021, []map[string]string{
		rawRow(map[string]string{"DTNASC": "15062021"}),
	})
	_, err := NewSelector([]YearMapping{{Year: 2021}}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	result, err := NewFactBuilder([]int{2020, 2021}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Rows)
	assert.Equal(t, int64(2), queryInt(t, db, "SELECT COUNT(*) FROM fact_births"))
	assert.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM fact_births WHERE birth_year = 2021"))
}

func TestFactBuilderEarlierYearWinsRegardlessOfOrder(t *testing.T) {
	db := openTestDB(t)
	// Same natural key in both source years; only gestation differs, so the
	// surviving row identifies which year won the merge.
	seedYear(t, db, 2020, []map[string]string{rawRow(nil)})
	seedYear(t, db, 2021, []map[string]string{
		rawRow(map[string]string{"GESTACAO": "2"}),
	})
	_, err := NewSelector([]YearMapping{{Year: 2020}, {Year: 2021}}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	// Years listed newest first; the merge order must not follow it.
	result, err := NewFactBuilder([]int{2021, 2020}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Rows)
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, int64(5), queryInt(t, db, "SELECT gestation_bucket FROM fact_births"))
}

func TestFactBuilderFailsOnStoreError(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{rawRow(nil)})
	_, err := NewSelector([]YearMapping{{Year: 2020}}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	broken := &failingMetadataDB{Adapter: db, err: errors.New("connection reset by peer")}
	_, err = NewFactBuilder([]int{2020}, nil).Run(context.Background(), broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, IsMissingDependency(err))
}

func TestFactBuilderNaturalKeyUniqueness(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"PESO": "2800"}),
		rawRow(map[string]string{"SEXO": "2"}),
	})
	runSelectAndFact(t, db, []int{2020})

	duplicates := queryInt(t, db, `
		SELECT COUNT(*) FROM (
			SELECT municipality_birth_code, birth_date, birth_hour, maternal_age, birth_weight_grams, sex
			FROM fact_births
			GROUP BY 1, 2, 3, 4, 5, 6
			HAVING COUNT(*) > 1
		) d`)
	assert.Zero(t, duplicates)
}

func TestFactBuilderDropsNullKeyRows(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"PESO": "NULL"}),
	})
	runSelectAndFact(t, db, []int{2020})

	assert.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM fact_births"))
}

func TestFactBuilderMissingSelectedTables(t *testing.T) {
	db := openTestDB(t)

	_, err := NewFactBuilder([]int{2020}, nil).Run(context.Background(), db)
	require.Error(t, err)
	assert.True(t, IsMissingDependency(err))
}

func TestFactBuilderSkipsUnavailableYears(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{rawRow(nil)})
	_, err := NewSelector([]YearMapping{{Year: 2020}}, nil).Run(context.Background(), db)
	require.NoError(t, err)

	// 2021 has no selected table; the build proceeds with 2020 alone.
	result, err := NewFactBuilder([]int{2020, 2021}, nil).Run(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Rows)
}
