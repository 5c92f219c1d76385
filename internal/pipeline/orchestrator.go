// Package pipeline implements the SINASC transformation pipeline: column
// selection, fact building, dimension building, feature engineering,
// aggregation, and promotion, plus the orchestrator that runs the stages in
// dependency order.
//
// Every stage reads and writes tables in an injected store adapter; no stage
// passes in-memory data to the next. Each stage is independently re-runnable.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/saudedata-br/sinasc-pipeline/internal/dag"
	"github.com/saudedata-br/sinasc-pipeline/internal/state"
	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// Stage status values. A stage that never ran because an upstream stage
// failed stays pending; skipped is reserved for configured skips.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// Canonical stage names, also used as CLI skip-flag suffixes.
const (
	StageNameSelect     = "select"
	StageNameFact       = "create"
	StageNameDimensions = "dimensions"
	StageNameEngineer   = "engineer"
	StageNameAggregate  = "aggregate"
)

// StageResult reports what a completed stage did.
type StageResult struct {
	// Rows is the number of rows the stage wrote or updated.
	Rows int64
	// Skipped counts rows or sub-items (years, features) the stage passed
	// over on a degraded path.
	Skipped int64
	// Warnings carries per-item degradations (SchemaMismatch years,
	// UnknownSourceColumn features, degraded aggregations).
	Warnings []string
}

// Stage is one pipeline step. Run must be idempotent: re-running a stage
// against the same store state yields the same tables.
type Stage interface {
	Name() string
	Run(ctx context.Context, db adapter.Adapter) (*StageResult, error)
}

// Orchestrator executes stages in dependency order with per-stage skip
// flags and fail-fast failure isolation.
type Orchestrator struct {
	db     adapter.Adapter
	logger *slog.Logger
	store  state.Store // optional run tracking, may be nil

	graph  *dag.Graph
	stages map[string]Stage
	skip   map[string]bool
}

// NewOrchestrator creates an orchestrator bound to a store adapter.
// store may be nil when run tracking is not wanted (tests, one-off stages).
func NewOrchestrator(db adapter.Adapter, logger *slog.Logger, store state.Store) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		db:     db,
		logger: logger,
		store:  store,
		graph:  dag.NewGraph(),
		stages: make(map[string]Stage),
		skip:   make(map[string]bool),
	}
}

// AddStage registers a stage and its upstream dependencies. Dependencies
// must have been added first.
func (o *Orchestrator) AddStage(s Stage, deps ...string) error {
	name := s.Name()
	if _, dup := o.stages[name]; dup {
		return fmt.Errorf("stage %s already registered", name)
	}
	o.stages[name] = s
	o.graph.AddNode(name)
	for _, dep := range deps {
		if err := o.graph.AddEdge(dep, name); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return nil
}

// Skip marks a stage to transition directly from pending to skipped.
func (o *Orchestrator) Skip(name string) {
	o.skip[name] = true
}

// Run executes all registered stages in topological order. It returns the
// report in all cases; err is non-nil when any stage failed. The context is
// checked between stages (cooperative checkpoint); a stage's own statements
// run to completion.
func (o *Orchestrator) Run(ctx context.Context, environment string) (*Report, error) {
	sorted, err := o.graph.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("failed to order stages: %w", err)
	}

	report := newReport(environment, sorted)

	var run *state.Run
	if o.store != nil {
		run, err = o.store.CreateRun(environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		report.RunID = run.ID
	}

	o.logger.Info("starting pipeline run", "environment", environment, "stages", len(sorted))

	var failure error
	for _, name := range sorted {
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("run aborted: %w", err)
			break
		}

		if o.skip[name] {
			o.logger.Info("stage skipped by configuration", "stage", name)
			report.setStatus(name, StageSkipped)
			o.recordStageRun(report.RunID, name, StageSkipped, nil, 0, "")
			continue
		}

		if blocked, dep := o.blockedBy(name, report); blocked {
			// Unreachable under fail-fast (the loop breaks on failure),
			// kept as a guard for externally-built graphs.
			failure = fmt.Errorf("stage %s blocked: upstream %s did not complete", name, dep)
			break
		}

		report.setStatus(name, StageRunning)
		o.logger.Info("stage started", "stage", name)

		start := time.Now()
		result, stageErr := o.stages[name].Run(ctx, o.db)
		elapsed := time.Since(start)

		if stageErr != nil {
			o.logger.Error("stage failed", "stage", name, "elapsed", elapsed.Round(time.Millisecond), "error", stageErr)
			report.setFailed(name, elapsed, stageErr)
			o.recordStageRun(report.RunID, name, StageFailed, result, elapsed, stageErr.Error())
			failure = fmt.Errorf("stage %s failed: %w", name, stageErr)
			break
		}

		report.setDone(name, elapsed, result)
		o.recordStageRun(report.RunID, name, StageDone, result, elapsed, "")
		for _, w := range result.Warnings {
			o.logger.Warn("stage warning", "stage", name, "warning", w)
		}
		o.logger.Info("stage completed", "stage", name,
			"rows", result.Rows, "skipped", result.Skipped,
			"elapsed", elapsed.Round(time.Millisecond))
	}

	report.finish(failure)

	if o.store != nil && run != nil {
		errMsg := ""
		if failure != nil {
			errMsg = failure.Error()
		}
		if err := o.store.CompleteRun(run.ID, string(report.Status), errMsg); err != nil {
			o.logger.Warn("failed to persist run completion", "run_id", run.ID, "error", err)
		}
	}

	if failure != nil {
		o.logger.Error("pipeline run failed", "environment", environment, "error", failure)
	} else {
		o.logger.Info("pipeline run completed", "environment", environment)
	}

	return report, failure
}

// blockedBy reports whether any upstream stage of name is neither done nor
// skipped, returning the first blocking dependency.
func (o *Orchestrator) blockedBy(name string, report *Report) (bool, string) {
	for _, dep := range o.graph.GetParents(name) {
		st := report.status(dep)
		if st != StageDone && st != StageSkipped {
			return true, dep
		}
	}
	return false, ""
}

// recordStageRun persists one stage outcome, tolerating a nil store.
func (o *Orchestrator) recordStageRun(runID, name string, status StageStatus, result *StageResult, elapsed time.Duration, errMsg string) {
	if o.store == nil || runID == "" {
		return
	}
	sr := &state.StageRun{
		RunID:     runID,
		Stage:     name,
		Status:    string(status),
		ElapsedMS: elapsed.Milliseconds(),
		Error:     errMsg,
	}
	if result != nil {
		sr.RowsAffected = result.Rows
		sr.SkippedRows = result.Skipped
	}
	if err := o.store.RecordStageRun(sr); err != nil {
		o.logger.Warn("failed to persist stage run", "stage", name, "error", err)
	}
}
