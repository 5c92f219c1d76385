package pipeline

import (
	"errors"
	"fmt"
)

// SchemaMismatchError reports that a year's raw table is missing a required
// canonical column (or the raw table itself). The year is skipped; the run
// continues with the remaining years.
type SchemaMismatchError struct {
	Year   int
	Table  string
	Column string
}

func (e *SchemaMismatchError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema mismatch for year %d: raw table %s not found", e.Year, e.Table)
	}
	return fmt.Sprintf("schema mismatch for year %d: column %s missing from %s", e.Year, e.Column, e.Table)
}

// MissingDependencyError reports that a table an earlier stage should have
// produced does not exist. This is fatal: the run halts rather than derive
// downstream tables from a known-inconsistent state.
type MissingDependencyError struct {
	Table      string
	Stage      string // the stage that needs the table
	ProducedBy string // the stage that should have produced it
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("stage %s: missing dependency %s (produced by stage %s)", e.Stage, e.Table, e.ProducedBy)
}

// UnknownSourceColumnError reports that one engineered feature's input column
// is absent from the fact table. The feature is skipped; others proceed.
type UnknownSourceColumnError struct {
	Feature string
	Column  string
}

func (e *UnknownSourceColumnError) Error() string {
	return fmt.Sprintf("feature %s: source column %s missing from %s", e.Feature, e.Column, TableFact)
}

// ConstraintViolationError reports a duplicate-key conflict outside the
// designed skip-on-conflict path. Surfaced as a warning with the skipped-row
// count, never fatal.
type ConstraintViolationError struct {
	Table   string
	Skipped int64
	Err     error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation on %s (%d rows skipped): %v", e.Table, e.Skipped, e.Err)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// TargetUnreachableError reports that the Promoter could not connect to the
// destination store. Fatal for that invocation only.
type TargetUnreachableError struct {
	Target string
	Err    error
}

func (e *TargetUnreachableError) Error() string {
	return fmt.Sprintf("target %s unreachable: %v", e.Target, e.Err)
}

func (e *TargetUnreachableError) Unwrap() error { return e.Err }

// IsMissingDependency reports whether err is (or wraps) a MissingDependencyError.
func IsMissingDependency(err error) bool {
	var mde *MissingDependencyError
	return errors.As(err, &mde)
}
