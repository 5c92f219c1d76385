// Package state persists pipeline run history in a local SQLite database.
//
// The run-state store is bookkeeping only: losing it never affects the data
// tables, and the orchestrator tolerates running without one.
package state

import "time"

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailure = "failure"
)

// Run is one pipeline invocation.
type Run struct {
	ID          string
	Environment string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// StageRun is one stage outcome within a run.
type StageRun struct {
	ID           string
	RunID        string
	Stage        string
	Status       string
	RowsAffected int64
	SkippedRows  int64
	ElapsedMS    int64
	Error        string
	RecordedAt   time.Time
}

// Store records runs and their per-stage outcomes.
type Store interface {
	CreateRun(environment string) (*Run, error)
	CompleteRun(id string, status string, errMsg string) error
	GetRun(id string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	RecordStageRun(sr *StageRun) error
	GetStageRuns(runID string) ([]*StageRun, error)

	Close() error
}
