package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"flowforge/internal/jobs"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

type mockFlows struct{ mock.Mock }

func (m *mockFlows) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	args := m.Called(ctx, id)
	flow, _ := args.Get(0).(*models.Flow)
	return flow, args.Error(1)
}

func (m *mockFlows) ListFlows(ctx context.Context) ([]*models.Flow, error) {
	args := m.Called(ctx)
	flows, _ := args.Get(0).([]*models.Flow)
	return flows, args.Error(1)
}

type mockRuns struct{ mock.Mock }

func (m *mockRuns) CreateRun(ctx context.Context, run *models.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRuns) GetRun(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*models.Run)
	return run, args.Error(1)
}

func (m *mockRuns) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]*models.Run)
	return runs, args.Error(1)
}

func (m *mockRuns) DeleteRun(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRuns) ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error) {
	args := m.Called(ctx, runID)
	srs, _ := args.Get(0).([]*models.StageRun)
	return srs, args.Error(1)
}

func (m *mockRuns) ResumeRun(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*models.Run)
	return run, args.Error(1)
}

func (m *mockRuns) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*models.Run)
	return run, args.Error(1)
}

func (m *mockRuns) AppendEvent(ctx context.Context, event *models.RunEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockRuns) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error) {
	args := m.Called(ctx, runID, afterID, limit)
	events, _ := args.Get(0).([]*models.RunEvent)
	return events, args.Error(1)
}

type mockJobs struct{ mock.Mock }

func (m *mockJobs) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error) {
	args := m.Called(ctx, jobType, payload)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobs) GetJob(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func newService() (*RunService, *mockFlows, *mockRuns, *mockJobs) {
	flows, runs, jobQueue := &mockFlows{}, &mockRuns{}, &mockJobs{}
	return NewRunService(flows, runs, jobQueue, nil, nil), flows, runs, jobQueue
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	flow := &models.Flow{ID: "f1", Stages: []models.StageTemplate{{StageKey: "S1"}}}

	t.Run("queued with explicit seed", func(t *testing.T) {
		svc, flows, runs, _ := newService()
		flows.On("GetFlow", ctx, "f1").Return(flow, nil)
		runs.On("CreateRun", ctx, mock.AnythingOfType("*models.Run")).Return(nil)

		seed := int64(42)
		run, err := svc.CreateRun(ctx, CreateRunRequest{
			FlowID: "f1", UserPrompt: "a castle", Mode: models.RunModeCustom, Seed: &seed,
			Inputs: map[string]any{"style": "gothic"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusQueued, run.Status)
		assert.Equal(t, models.RunModeCustom, run.Mode)
		assert.Equal(t, int64(42), run.Seed)
		assert.Equal(t, "gothic", run.Context.Inputs["style"])
		assert.Empty(t, run.Context.Context)
		runs.AssertExpectations(t)
	})

	t.Run("defaults to express with a random seed", func(t *testing.T) {
		svc, flows, runs, _ := newService()
		flows.On("GetFlow", ctx, "f1").Return(flow, nil)
		runs.On("CreateRun", ctx, mock.Anything).Return(nil)

		run, err := svc.CreateRun(ctx, CreateRunRequest{FlowID: "f1", UserPrompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, models.RunModeExpress, run.Mode)
		assert.GreaterOrEqual(t, run.Seed, int64(0))
		assert.Less(t, run.Seed, int64(1_000_000))
		assert.NotNil(t, run.Context.Inputs)
	})

	t.Run("validation", func(t *testing.T) {
		svc, flows, _, _ := newService()
		flows.On("GetFlow", ctx, "missing").Return(nil, repository.ErrNotFound)
		flows.On("GetFlow", ctx, "empty").Return(&models.Flow{ID: "empty"}, nil)

		cases := []CreateRunRequest{
			{UserPrompt: "x"},
			{FlowID: "f1"},
			{FlowID: "f1", UserPrompt: "x", Mode: "turbo"},
			{FlowID: "missing", UserPrompt: "x"},
			{FlowID: "empty", UserPrompt: "x"},
		}
		for _, req := range cases {
			_, err := svc.CreateRun(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidInput, "%+v", req)
		}
	})
}

func TestResumeAndCancelAppendEvents(t *testing.T) {
	ctx := context.Background()
	svc, _, runs, _ := newService()

	runs.On("ResumeRun", ctx, "r1").Return(&models.Run{ID: "r1", Status: models.RunStatusQueued}, nil)
	runs.On("CancelRun", ctx, "r1").Return(&models.Run{ID: "r1", Status: models.RunStatusCancelled}, nil)
	runs.On("ResumeRun", ctx, "r2").Return(nil, repository.ErrInvalidState)
	runs.On("AppendEvent", ctx, mock.MatchedBy(func(ev *models.RunEvent) bool {
		return ev.RunID == "r1" && ev.Level == models.EventInfo
	})).Return(nil).Twice()

	run, err := svc.ResumeRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)

	run, err = svc.CancelRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)

	_, err = svc.ResumeRun(ctx, "r2")
	assert.ErrorIs(t, err, repository.ErrInvalidState)
	runs.AssertExpectations(t)
}

func TestListEventsClampsLimit(t *testing.T) {
	ctx := context.Background()
	svc, _, runs, _ := newService()
	runs.On("GetRun", ctx, "r1").Return(&models.Run{ID: "r1"}, nil)
	runs.On("ListEvents", ctx, "r1", int64(7), defaultListLimit).Return([]*models.RunEvent{{ID: 8}}, nil)
	runs.On("ListEvents", ctx, "r1", int64(0), maxListLimit).Return([]*models.RunEvent{}, nil)
	runs.On("GetRun", ctx, "nope").Return(nil, repository.ErrNotFound)

	events, err := svc.ListEvents(ctx, "r1", 7, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = svc.ListEvents(ctx, "r1", 0, 10_000)
	require.NoError(t, err)

	_, err = svc.ListEvents(ctx, "nope", 0, 10)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEnqueueProviderTest(t *testing.T) {
	ctx := context.Background()
	svc, _, _, jobQueue := newService()
	jobQueue.On("EnqueueJob", ctx, jobs.TypeTestProviderCall, mock.MatchedBy(func(raw json.RawMessage) bool {
		var p jobs.TestProviderPayload
		return json.Unmarshal(raw, &p) == nil && p.Provider == "openai" && p.Prompt == "ping"
	})).Return(&models.Job{ID: "j1", Type: jobs.TypeTestProviderCall, Status: models.JobStatusPending}, nil)

	job, err := svc.EnqueueProviderTest(ctx, jobs.TestProviderPayload{Provider: "openai", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)

	_, err = svc.EnqueueProviderTest(ctx, jobs.TestProviderPayload{Prompt: "ping"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.EnqueueProviderTest(ctx, jobs.TestProviderPayload{Provider: "openai", Kind: "video"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	jobQueue.AssertExpectations(t)
}

func TestGetRunDetail(t *testing.T) {
	ctx := context.Background()
	svc, _, runs, _ := newService()
	runs.On("GetRun", ctx, "r1").Return(&models.Run{ID: "r1"}, nil)
	runs.On("ListStageRuns", ctx, "r1").Return([]*models.StageRun{{StageKey: "S1", Attempt: 1}}, nil)

	detail, err := svc.GetRunDetail(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", detail.Run.ID)
	assert.Len(t, detail.Stages, 1)
	assert.Nil(t, detail.Assets)
}
