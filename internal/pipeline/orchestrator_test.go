package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

// fakeStage is a scriptable stage for orchestrator tests.
type fakeStage struct {
	name string
	err  error
	rows int64
	ran  *[]string
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(_ context.Context, _ adapter.Adapter) (*StageResult, error) {
	if f.ran != nil {
		*f.ran = append(*f.ran, f.name)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &StageResult{Rows: f.rows}, nil
}

func newTestOrchestrator(t *testing.T, stages ...*fakeStage) *Orchestrator {
	t.Helper()
	orch := NewOrchestrator(openTestDB(t), nil, nil)
	var prev string
	for _, s := range stages {
		if prev == "" {
			require.NoError(t, orch.AddStage(s))
		} else {
			require.NoError(t, orch.AddStage(s, prev))
		}
		prev = s.name
	}
	return orch
}

func TestOrchestratorRunsStagesInOrder(t *testing.T) {
	var ran []string
	orch := newTestOrchestrator(t,
		&fakeStage{name: "select", rows: 10, ran: &ran},
		&fakeStage{name: "create", rows: 8, ran: &ran},
		&fakeStage{name: "aggregate", rows: 2, ran: &ran},
	)

	report, err := orch.Run(context.Background(), "local")
	require.NoError(t, err)

	assert.Equal(t, []string{"select", "create", "aggregate"}, ran)
	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, StageDone, report.Stage("create").Status)
	assert.Equal(t, int64(8), report.Stage("create").Rows)
}

func TestOrchestratorFailFastLeavesDownstreamPending(t *testing.T) {
	var ran []string
	orch := newTestOrchestrator(t,
		&fakeStage{name: "select", ran: &ran},
		&fakeStage{name: "create", err: errors.New("boom"), ran: &ran},
		&fakeStage{name: "dimensions", ran: &ran},
		&fakeStage{name: "aggregate", ran: &ran},
	)

	report, err := orch.Run(context.Background(), "local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage create failed")

	assert.Equal(t, []string{"select", "create"}, ran)
	assert.Equal(t, RunFailure, report.Status)
	assert.Equal(t, StageDone, report.Stage("select").Status)
	assert.Equal(t, StageFailed, report.Stage("create").Status)
	assert.Equal(t, StagePending, report.Stage("dimensions").Status)
	assert.Equal(t, StagePending, report.Stage("aggregate").Status)
}

func TestOrchestratorConfiguredSkip(t *testing.T) {
	var ran []string
	orch := newTestOrchestrator(t,
		&fakeStage{name: "select", ran: &ran},
		&fakeStage{name: "create", ran: &ran},
		&fakeStage{name: "aggregate", ran: &ran},
	)
	orch.Skip("create")

	report, err := orch.Run(context.Background(), "local")
	require.NoError(t, err)

	// Downstream stages still run past a configured skip.
	assert.Equal(t, []string{"select", "aggregate"}, ran)
	assert.Equal(t, StageSkipped, report.Stage("create").Status)
	assert.Equal(t, StageDone, report.Stage("aggregate").Status)
	assert.Equal(t, RunSuccess, report.Status)
}

func TestOrchestratorContextCancellation(t *testing.T) {
	var ran []string
	orch := newTestOrchestrator(t,
		&fakeStage{name: "select", ran: &ran},
		&fakeStage{name: "create", ran: &ran},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := orch.Run(ctx, "local")
	require.Error(t, err)
	assert.Empty(t, ran)
	assert.Equal(t, RunFailure, report.Status)
}

func TestOrchestratorRejectsDuplicateStage(t *testing.T) {
	orch := NewOrchestrator(openTestDB(t), nil, nil)
	require.NoError(t, orch.AddStage(&fakeStage{name: "select"}))

	err := orch.AddStage(&fakeStage{name: "select"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestOrchestratorRejectsUnknownDependency(t *testing.T) {
	orch := NewOrchestrator(openTestDB(t), nil, nil)

	err := orch.AddStage(&fakeStage{name: "create"}, "select")
	require.Error(t, err)
}

func TestOrchestratorEndToEnd(t *testing.T) {
	db := openTestDB(t)
	seedYear(t, db, 2020, []map[string]string{
		rawRow(nil),
		rawRow(map[string]string{"PESO": "1400", "GESTACAO": "3", "PARTO": "2"}),
	})

	orch := NewOrchestrator(db, nil, nil)
	require.NoError(t, orch.AddStage(NewSelector([]YearMapping{{Year: 2020}}, nil)))
	require.NoError(t, orch.AddStage(NewFactBuilder([]int{2020}, nil), StageNameSelect))
	require.NoError(t, orch.AddStage(NewDimensionBuilder(nil), StageNameFact))
	require.NoError(t, orch.AddStage(NewFeatureEngineer(nil), StageNameFact, StageNameDimensions))
	require.NoError(t, orch.AddStage(NewAggregator(0, nil), StageNameEngineer))

	report, err := orch.Run(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, report.Status)

	for _, stage := range []string{StageNameSelect, StageNameFact, StageNameDimensions, StageNameEngineer, StageNameAggregate} {
		assert.Equal(t, StageDone, report.Stage(stage).Status, stage)
	}

	assert.Equal(t, int64(2), queryInt(t, db, "SELECT total_births FROM agg_births_yearly WHERE birth_year = 2020"))
	assert.Equal(t, int64(1), queryInt(t, db, "SELECT COUNT(*) FROM fact_births WHERE is_preterm"))
}
