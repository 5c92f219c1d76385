package pipeline

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Run outcome values.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// StageReport is one row of the per-stage status table.
type StageReport struct {
	Name     string
	Status   StageStatus
	Rows     int64
	Skipped  int64
	Elapsed  time.Duration
	Error    string
	Warnings []string
}

// Report is the run summary surfaced to the caller regardless of overall
// success, so a partial failure is diagnosable without re-running.
type Report struct {
	RunID       string
	Environment string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Stages      []StageReport

	index map[string]int
}

func newReport(environment string, stageNames []string) *Report {
	r := &Report{
		Environment: environment,
		StartedAt:   time.Now().UTC(),
		Stages:      make([]StageReport, len(stageNames)),
		index:       make(map[string]int, len(stageNames)),
	}
	for i, name := range stageNames {
		r.Stages[i] = StageReport{Name: name, Status: StagePending}
		r.index[name] = i
	}
	return r
}

func (r *Report) status(name string) StageStatus {
	return r.Stages[r.index[name]].Status
}

func (r *Report) setStatus(name string, status StageStatus) {
	r.Stages[r.index[name]].Status = status
}

func (r *Report) setDone(name string, elapsed time.Duration, result *StageResult) {
	s := &r.Stages[r.index[name]]
	s.Status = StageDone
	s.Elapsed = elapsed
	s.Rows = result.Rows
	s.Skipped = result.Skipped
	s.Warnings = result.Warnings
}

func (r *Report) setFailed(name string, elapsed time.Duration, err error) {
	s := &r.Stages[r.index[name]]
	s.Status = StageFailed
	s.Elapsed = elapsed
	s.Error = err.Error()
}

func (r *Report) finish(failure error) {
	r.CompletedAt = time.Now().UTC()
	if failure != nil {
		r.Status = RunFailure
	} else {
		r.Status = RunSuccess
	}
}

// Stage returns the report row for a stage name.
func (r *Report) Stage(name string) *StageReport {
	if i, ok := r.index[name]; ok {
		return &r.Stages[i]
	}
	return nil
}

// Render writes the per-stage status table to w.
func (r *Report) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Stage", "Status", "Rows", "Skipped", "Elapsed", "Error"})
	for _, s := range r.Stages {
		t.AppendRow(table.Row{
			s.Name,
			string(s.Status),
			s.Rows,
			s.Skipped,
			s.Elapsed.Round(time.Millisecond),
			s.Error,
		})
	}
	t.AppendFooter(table.Row{"run", string(r.Status), "", "", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond), ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}
