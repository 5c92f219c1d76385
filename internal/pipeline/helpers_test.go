package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saudedata-br/sinasc-pipeline/internal/testutil"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapters/duckdb"
)

// openTestDB opens an in-memory DuckDB staging store.
func openTestDB(t *testing.T) adapter.Adapter {
	t.Helper()
	db := duckdb.New(testutil.NewTestLogger(t))
	require.NoError(t, db.Connect(context.Background(), adapter.Config{Type: "duckdb", Path: ":memory:"}))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// rawColumns is the full raw SINASC column set used by the test fixtures,
// in DATASUS field order.
var rawColumns = []string{
	"CODMUNNASC", "DTNASC", "HORANASC", "IDADEMAE", "PESO", "SEXO",
	"GESTACAO", "GRAVIDEZ", "PARTO", "CONSULTAS", "APGAR1", "APGAR5",
	"ESCMAE", "CODOCUPMAE", "CODMUNRES", "LOCNASC", "QTDFILVIVO",
	"QTDFILMORT", "QTDPARTCES",
}

// defaultRawRow is a plausible Sao Paulo term birth. Tests override the
// fields they exercise.
func defaultRawRow() map[string]string {
	return map[string]string{
		"CODMUNNASC": "355030",
		"DTNASC":     "15062020",
		"HORANASC":   "1130",
		"IDADEMAE":   "28",
		"PESO":       "3200",
		"SEXO":       "1",
		"GESTACAO":   "5",
		"GRAVIDEZ":   "1",
		"PARTO":      "1",
		"CONSULTAS":  "4",
		"APGAR1":     "8",
		"APGAR5":     "9",
		"ESCMAE":     "4",
		"CODOCUPMAE": "223565",
		"CODMUNRES":  "355030",
		"LOCNASC":    "1",
		"QTDFILVIVO": "1",
		"QTDFILMORT": "0",
		"QTDPARTCES": "0",
	}
}

// rawRow merges overrides into the default row. An override value of "NULL"
// inserts SQL NULL.
func rawRow(overrides map[string]string) map[string]string {
	row := defaultRawRow()
	for k, v := range overrides {
		row[k] = v
	}
	return row
}

// seedRawTable creates raw_sinasc_<year> with the given columns (all
// VARCHAR, like a CSV load) and inserts the rows.
func seedRawTable(t *testing.T, db adapter.Adapter, year int, columns []string, rows []map[string]string) {
	t.Helper()
	ctx := context.Background()

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = c + " VARCHAR"
	}
	table := RawTableName(year)
	require.NoError(t, db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)))
	require.NoError(t, db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))))

	for _, row := range rows {
		values := make([]string, len(columns))
		for i, c := range columns {
			v, ok := row[c]
			if !ok || v == "NULL" {
				values[i] = "NULL"
				continue
			}
			values[i] = "'" + v + "'"
		}
		insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.Join(values, ", "))
		require.NoError(t, db.Exec(ctx, insertSQL))
	}
}

// seedYear seeds one full-layout raw year table.
func seedYear(t *testing.T, db adapter.Adapter, year int, rows []map[string]string) {
	t.Helper()
	seedRawTable(t, db, year, rawColumns, rows)
}

// runSelectAndFact runs the first two stages over the given years.
func runSelectAndFact(t *testing.T, db adapter.Adapter, years []int) {
	t.Helper()
	ctx := context.Background()

	mappings := make([]YearMapping, len(years))
	for i, y := range years {
		mappings[i] = YearMapping{Year: y}
	}

	_, err := NewSelector(mappings, nil).Run(ctx, db)
	require.NoError(t, err)
	_, err = NewFactBuilder(years, nil).Run(ctx, db)
	require.NoError(t, err)
}

// runFullPipeline runs select through aggregate over the given years.
func runFullPipeline(t *testing.T, db adapter.Adapter, years []int) {
	t.Helper()
	ctx := context.Background()

	runSelectAndFact(t, db, years)
	_, err := NewDimensionBuilder(nil).Run(ctx, db)
	require.NoError(t, err)
	_, err = NewFeatureEngineer(nil).Run(ctx, db)
	require.NoError(t, err)
	_, err = NewAggregator(0, nil).Run(ctx, db)
	require.NoError(t, err)
}

// queryInt returns the single integer result of a query.
func queryInt(t *testing.T, db adapter.Adapter, query string) int64 {
	t.Helper()
	rows, err := db.Query(context.Background(), query)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var n int64
	require.True(t, rows.Next(), "query returned no rows: %s", query)
	require.NoError(t, rows.Scan(&n))
	require.NoError(t, rows.Err())
	return n
}

// queryString returns the single string result of a query.
func queryString(t *testing.T, db adapter.Adapter, query string) string {
	t.Helper()
	rows, err := db.Query(context.Background(), query)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var s string
	require.True(t, rows.Next(), "query returned no rows: %s", query)
	require.NoError(t, rows.Scan(&s))
	require.NoError(t, rows.Err())
	return s
}

// tableExists reports whether a table is visible in the staging store.
func tableExists(t *testing.T, db adapter.Adapter, table string) bool {
	t.Helper()
	_, err := db.GetTableMetadata(context.Background(), table)
	return err == nil
}
