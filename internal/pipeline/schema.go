package pipeline

import (
	"fmt"
	"strings"
)

// Table names are the pipeline's binding contract with the serving layer.
// The dashboard's data loader depends on these exact names.
const (
	TableFact = "fact_births"

	TableDimAgeGroup       = "dim_maternal_age_group"
	TableDimWeightCategory = "dim_birth_weight_category"
	TableDimOccupation     = "dim_occupation_category"

	TableAggYearly       = "agg_births_yearly"
	TableAggMonthly      = "agg_births_monthly"
	TableAggStateYear    = "agg_births_state_year"
	TableAggMunicipality = "agg_births_municipality_year"
)

// RawTableName returns the raw SINASC table for one ingestion year.
func RawTableName(year int) string {
	return fmt.Sprintf("raw_sinasc_%d", year)
}

// SelectedTableName returns the normalized per-year table the Selector writes.
func SelectedTableName(year int) string {
	return fmt.Sprintf("sel_sinasc_%d", year)
}

// ColumnSpec describes one canonical column of the selected/fact tables and
// how it is derived from a raw SINASC column.
type ColumnSpec struct {
	// Name is the canonical column name.
	Name string
	// Type is the SQL type in the selected and fact tables.
	Type string
	// Source is the SINASC field the column is projected from. Empty for
	// columns derived from another canonical column's source.
	Source string
	// Required marks columns whose absence in a year's raw table is a
	// SchemaMismatch. Optional columns are selected as NULL when absent.
	Required bool
}

// CanonicalColumns is the full canonical schema, in fact-table column order.
// Source names are the SINASC field names as shipped by DATASUS.
var CanonicalColumns = []ColumnSpec{
	{Name: "municipality_birth_code", Type: "VARCHAR", Source: "CODMUNNASC", Required: true},
	{Name: "birth_date", Type: "DATE", Source: "DTNASC", Required: true},
	{Name: "birth_hour", Type: "INTEGER", Source: "HORANASC", Required: true},
	{Name: "maternal_age", Type: "INTEGER", Source: "IDADEMAE", Required: true},
	{Name: "birth_weight_grams", Type: "INTEGER", Source: "PESO", Required: true},
	{Name: "sex", Type: "VARCHAR", Source: "SEXO", Required: true},
	{Name: "gestation_bucket", Type: "INTEGER", Source: "GESTACAO", Required: true},
	{Name: "pregnancy_type", Type: "INTEGER", Source: "GRAVIDEZ", Required: true},
	{Name: "delivery_type", Type: "INTEGER", Source: "PARTO", Required: true},
	{Name: "prenatal_visits", Type: "INTEGER", Source: "CONSULTAS", Required: false},
	{Name: "apgar1", Type: "INTEGER", Source: "APGAR1", Required: false},
	{Name: "apgar5", Type: "INTEGER", Source: "APGAR5", Required: false},
	{Name: "mother_education", Type: "INTEGER", Source: "ESCMAE", Required: false},
	{Name: "mother_occupation_code", Type: "VARCHAR", Source: "CODOCUPMAE", Required: false},
	{Name: "residence_municipality_code", Type: "VARCHAR", Source: "CODMUNRES", Required: false},
	{Name: "birth_place_type", Type: "INTEGER", Source: "LOCNASC", Required: false},
	{Name: "live_children_count", Type: "INTEGER", Source: "QTDFILVIVO", Required: false},
	{Name: "dead_children_count", Type: "INTEGER", Source: "QTDFILMORT", Required: false},
	// Only shipped from layout version 2011 onward.
	{Name: "previous_cesarean_count", Type: "INTEGER", Source: "QTDPARTCES", Required: false},
	// Derived at select time from CODMUNNASC / DTNASC.
	{Name: "state_code", Type: "VARCHAR", Source: "", Required: true},
	{Name: "birth_year", Type: "INTEGER", Source: "", Required: true},
	{Name: "birth_month", Type: "INTEGER", Source: "", Required: true},
}

// NaturalKeyColumns is the composite dedup key of the fact table. It is a
// best-effort proxy for record identity, not a guaranteed-unique business
// key; changing it would alter observable row counts.
var NaturalKeyColumns = []string{
	"municipality_birth_code",
	"birth_date",
	"birth_hour",
	"maternal_age",
	"birth_weight_grams",
	"sex",
}

// YearMapping binds one ingestion year to its raw table and records any
// year-specific column renames (layout drift across SINASC versions).
type YearMapping struct {
	Year int
	// Overrides maps canonical column name -> source column name when the
	// year's layout deviates from the default Source in CanonicalColumns.
	Overrides map[string]string
}

// SourceColumn resolves the raw column backing a canonical column for this
// year, applying overrides over the default mapping.
func (m YearMapping) SourceColumn(spec ColumnSpec) string {
	if m.Overrides != nil {
		if src, ok := m.Overrides[spec.Name]; ok {
			return src
		}
	}
	return spec.Source
}

// CanonicalColumnNames returns the canonical column names in schema order.
func CanonicalColumnNames() []string {
	names := make([]string, len(CanonicalColumns))
	for i, c := range CanonicalColumns {
		names[i] = c.Name
	}
	return names
}

// selectExpr builds the SQL expression that projects one canonical column
// from the raw table, normalizing type and format. Raw SINASC extracts
// arrive as text (or drift between text and numeric across years), so every
// expression goes through an explicit cast.
func selectExpr(spec ColumnSpec, source, dialect string) string {
	switch spec.Name {
	case "municipality_birth_code", "residence_municipality_code":
		// IBGE municipality codes are 6 digits; numeric ingestion drops
		// leading zeros.
		return fmt.Sprintf("lpad(CAST(%s AS VARCHAR), 6, '0')", source)
	case "birth_date":
		return dateExpr(source, dialect)
	case "birth_hour":
		// HORANASC is hhmm, again with leading zeros at risk.
		return fmt.Sprintf("CAST(substr(lpad(CAST(%s AS VARCHAR), 4, '0'), 1, 2) AS INTEGER)", source)
	case "state_code":
		// First two digits of the birth municipality code are the IBGE
		// state (UF) code. source is the year's CODMUNNASC column.
		return fmt.Sprintf("substr(lpad(CAST(%s AS VARCHAR), 6, '0'), 1, 2)", source)
	case "birth_year":
		// source is the year's DTNASC column.
		return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", dateExpr(source, dialect))
	case "birth_month":
		return fmt.Sprintf("CAST(EXTRACT(MONTH FROM %s) AS INTEGER)", dateExpr(source, dialect))
	default:
		return fmt.Sprintf("CAST(%s AS %s)", source, spec.Type)
	}
}

// dateExpr parses the SINASC ddmmyyyy date field for the given dialect.
func dateExpr(source, dialect string) string {
	padded := fmt.Sprintf("lpad(CAST(%s AS VARCHAR), 8, '0')", source)
	if dialect == "postgres" {
		return fmt.Sprintf("to_date(%s, 'DDMMYYYY')", padded)
	}
	return fmt.Sprintf("CAST(strptime(%s, '%%d%%m%%Y') AS DATE)", padded)
}

// derivedColumnDependency names the canonical column whose raw source a
// derived column reads, so the Selector resolves year overrides through it.
func derivedColumnDependency(name string) string {
	switch name {
	case "state_code":
		return "municipality_birth_code"
	case "birth_year", "birth_month":
		return "birth_date"
	default:
		return ""
	}
}

// quoteJoin joins column names with ", " for SQL lists.
func quoteJoin(cols []string) string {
	return strings.Join(cols, ", ")
}
