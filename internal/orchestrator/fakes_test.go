package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowforge/internal/assets"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

// memStore mirrors the fencing rules of the Postgres store in memory.
type memStore struct {
	mu        sync.Mutex
	flows     map[string]*models.Flow
	runs      map[string]*models.Run
	stageRuns []*models.StageRun
	events    []*models.RunEvent
	clock     time.Time
}

func newMemStore(flows ...*models.Flow) *memStore {
	m := &memStore{
		flows: map[string]*models.Flow{},
		runs:  map[string]*models.Run{},
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, f := range flows {
		m.flows[f.ID] = f
	}
	return m
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

// createRun stores a queued run.
func (m *memStore) createRun(flowID string, mode models.RunMode, prompt string) *models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &models.Run{
		ID:         uuid.New().String(),
		FlowID:     flowID,
		Mode:       mode,
		Status:     models.RunStatusQueued,
		UserPrompt: prompt,
		Seed:       1234,
		Context:    models.RunContext{Inputs: map[string]any{}, Context: map[string]models.StageResult{}},
		CreatedAt:  m.tick(),
	}
	m.runs[run.ID] = run
	return copyRun(run)
}

// claim moves a run to running under a fresh token, as ClaimRun does.
func (m *memStore) claim(id string) *models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = models.RunStatusRunning
	run.ClaimToken = uuid.New().String()
	run.UpdatedAt = m.tick()
	return copyRun(run)
}

func (m *memStore) resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = models.RunStatusQueued
	run.WaitingForStageKey = nil
	run.WaitingReason = nil
}

func (m *memStore) cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = models.RunStatusCancelled
	run.ClaimToken = ""
}

func (m *memStore) run(id string) *models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRun(m.runs[id])
}

func (m *memStore) attempts(runID string) []*models.StageRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StageRun
	for _, sr := range m.stageRuns {
		if sr.RunID == runID {
			cp := *sr
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) stageSequence(runID string) []string {
	var keys []string
	for _, sr := range m.attempts(runID) {
		keys = append(keys, fmt.Sprintf("%s#%d:%s", sr.StageKey, sr.Attempt, sr.Status))
	}
	return keys
}

func (m *memStore) messages(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev.Message)
		}
	}
	return out
}

// insertStageRun seeds history directly, bypassing fencing.
func (m *memStore) insertStageRun(sr *models.StageRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	now := m.tick()
	sr.CreatedAt = now
	if sr.StartedAt == nil {
		sr.StartedAt = &now
	}
	m.stageRuns = append(m.stageRuns, sr)
}

func copyRun(r *models.Run) *models.Run {
	cp := *r
	cp.Context.Context = map[string]models.StageResult{}
	for k, v := range r.Context.Context {
		cp.Context.Context[k] = v
	}
	return &cp
}

func (m *memStore) fence(run *models.Run) (*models.Run, error) {
	stored, ok := m.runs[run.ID]
	if !ok || stored.ClaimToken != run.ClaimToken || stored.Status != models.RunStatusRunning {
		return nil, repository.ErrClaimLost
	}
	stored.UpdatedAt = m.tick()
	return stored, nil
}

func (m *memStore) find(id string) *models.StageRun {
	for _, sr := range m.stageRuns {
		if sr.ID == id {
			return sr
		}
	}
	return nil
}

func (m *memStore) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f, nil
}

func (m *memStore) LatestStageRuns(_ context.Context, runID string) ([]*models.StageRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]*models.StageRun{}
	for _, sr := range m.stageRuns {
		if sr.RunID != runID {
			continue
		}
		if cur, ok := latest[sr.StageKey]; !ok || sr.Attempt > cur.Attempt {
			latest[sr.StageKey] = sr
		}
	}
	out := make([]*models.StageRun, 0, len(latest))
	for _, sr := range latest {
		cp := *sr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageKey < out[j].StageKey })
	return out, nil
}

func (m *memStore) StartStage(_ context.Context, run *models.Run, sr *models.StageRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.fence(run)
	if err != nil {
		return err
	}
	for _, existing := range m.stageRuns {
		if existing.RunID == run.ID && existing.StageKey == sr.StageKey && existing.Attempt == sr.Attempt {
			return fmt.Errorf("duplicate attempt %s#%d", sr.StageKey, sr.Attempt)
		}
	}
	now := m.tick()
	sr.ID = uuid.New().String()
	sr.RunID = run.ID
	sr.Status = models.StageRunRunning
	sr.StartedAt = &now
	sr.CreatedAt = now
	cp := *sr
	m.stageRuns = append(m.stageRuns, &cp)
	key := sr.StageKey
	stored.CurrentStageKey = &key
	run.CurrentStageKey = &key
	return nil
}

func (m *memStore) MarkStageStale(_ context.Context, run *models.Run, sr *models.StageRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.fence(run); err != nil {
		return err
	}
	stored := m.find(sr.ID)
	if stored == nil {
		return repository.ErrNotFound
	}
	now := m.tick()
	stored.Status = models.StageRunStale
	stored.EndedAt = &now
	sr.Status, sr.EndedAt = stored.Status, stored.EndedAt
	return nil
}

func (m *memStore) RecordStageSuccess(_ context.Context, run *models.Run, sr *models.StageRun, result models.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.fence(run)
	if err != nil {
		return err
	}
	srStored := m.find(sr.ID)
	now := m.tick()
	srStored.Status = models.StageRunSucceeded
	srStored.Output = result.Output
	srStored.ProducedArtifacts = result.Artifacts
	srStored.EndedAt = &now
	*sr = *srStored
	stored.Context.Context[sr.StageKey] = result
	if run.Context.Context == nil {
		run.Context.Context = map[string]models.StageResult{}
	}
	run.Context.Context[sr.StageKey] = result
	return nil
}

func (m *memStore) RecordStageFailure(_ context.Context, run *models.Run, sr *models.StageRun, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.fence(run)
	if err != nil {
		return err
	}
	srStored := m.find(sr.ID)
	now := m.tick()
	srStored.Status = models.StageRunFailed
	srStored.Error = &summary
	srStored.EndedAt = &now
	*sr = *srStored
	stored.Status = models.RunStatusFailed
	stored.ErrorSummary = &summary
	stored.CurrentStageKey = nil
	run.Status, run.ErrorSummary, run.CurrentStageKey = stored.Status, &summary, nil
	return nil
}

func (m *memStore) transition(run *models.Run, apply func(r *models.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.fence(run)
	if err != nil {
		return err
	}
	apply(stored)
	apply(run)
	return nil
}

func (m *memStore) CompleteRun(_ context.Context, run *models.Run) error {
	return m.transition(run, func(r *models.Run) {
		r.Status = models.RunStatusSucceeded
		r.CurrentStageKey = nil
	})
}

func (m *memStore) FailRun(_ context.Context, run *models.Run, summary string) error {
	return m.transition(run, func(r *models.Run) {
		r.Status = models.RunStatusFailed
		r.ErrorSummary = &summary
		r.CurrentStageKey = nil
	})
}

func (m *memStore) PauseRun(_ context.Context, run *models.Run, stageKey, reason string) error {
	return m.transition(run, func(r *models.Run) {
		r.Status = models.RunStatusWaitingUser
		r.CurrentStageKey = nil
		r.WaitingForStageKey = &stageKey
		r.WaitingReason = &reason
		r.ClaimToken = ""
	})
}

func (m *memStore) RequeueRun(_ context.Context, run *models.Run) error {
	return m.transition(run, func(r *models.Run) {
		r.Status = models.RunStatusQueued
		r.ClaimToken = ""
	})
}

func (m *memStore) AppendEvent(_ context.Context, ev *models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	ev.CreatedAt = m.tick()
	m.events = append(m.events, ev)
	return nil
}

// memCreds serves fixed credentials per provider.
type memCreds struct {
	creds map[string]map[string]string
	errs  map[string]error
}

func (c *memCreds) CredentialsFor(_ context.Context, providerID string) (map[string]string, error) {
	if err := c.errs[providerID]; err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range c.creds[providerID] {
		out[k] = v
	}
	return out, nil
}

// memAssets records asset writes, deduplicating on kind, model and prompt.
type memAssets struct {
	mu     sync.Mutex
	byKey  map[string]*models.Asset
	files  map[string][]byte
	links  []models.RunAssetLink
	failOn string
}

func newMemAssets() *memAssets {
	return &memAssets{byKey: map[string]*models.Asset{}, files: map[string][]byte{}}
}

func (a *memAssets) CreateAsset(_ context.Context, in assets.NewAsset) (*models.Asset, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if in.Kind == a.failOn {
		return nil, false, fmt.Errorf("blob store unavailable")
	}
	key, err := assets.ComputeAssetKeyHash(in.Kind, in.ModelID, in.Prompt, in.Metadata)
	if err != nil {
		return nil, false, err
	}
	if existing, ok := a.byKey[key]; ok {
		return existing, false, nil
	}
	asset := &models.Asset{ID: uuid.New().String(), Kind: in.Kind, Slug: in.Slug, AssetKeyHash: key}
	a.byKey[key] = asset
	return asset, true, nil
}

func (a *memAssets) CreateAssetFile(_ context.Context, assetID string, data []byte, fileKind, _ string) (*models.AssetFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[assetID] = data
	return &models.AssetFile{ID: uuid.New().String(), AssetID: assetID, FileKind: fileKind}, nil
}

func (a *memAssets) HasFiles(_ context.Context, assetID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[assetID]
	return ok, nil
}

func (a *memAssets) LinkRun(_ context.Context, runID, assetID, stageKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links = append(a.links, models.RunAssetLink{RunID: runID, AssetID: assetID, UsageStageKey: stageKey})
	return nil
}
