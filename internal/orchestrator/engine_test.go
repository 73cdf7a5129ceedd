package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"flowforge/internal/assets"
	"flowforge/internal/metrics"
	"flowforge/internal/provider"
	"flowforge/internal/repository"
	"flowforge/pkg/models"
)

var defaultFallback = FallbackPolicy{
	Enabled:    true,
	Categories: []provider.Kind{provider.KindNotConfigured, provider.KindProviderNotFound},
}

type harness struct {
	store    *memStore
	assets   *memAssets
	creds    *memCreds
	registry *provider.Registry
	engine   *Engine
}

func newHarness(t *testing.T, flow *models.Flow, opts Options, providers ...provider.Provider) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(flow),
		assets:   newMemAssets(),
		creds:    &memCreds{creds: map[string]map[string]string{}, errs: map[string]error{}},
		registry: provider.NewRegistry(),
	}
	require.NoError(t, h.registry.Register(provider.InternalProvider{}))
	for _, p := range providers {
		require.NoError(t, h.registry.Register(p))
	}
	h.engine = NewEngine(h.store, h.registry, h.creds, h.assets, opts, nil, metrics.Noop())
	return h
}

// start creates and claims a run, then executes it once.
func (h *harness) start(t *testing.T, mode models.RunMode) (*models.Run, error) {
	t.Helper()
	queued := h.store.createRun("flow", mode, "a haunted castle")
	run := h.store.claim(queued.ID)
	return run, h.engine.ExecuteRun(context.Background(), run)
}

func codeStage(key string, order int) models.StageTemplate {
	return models.StageTemplate{
		StageKey:       key,
		OrderIndex:     order,
		Kind:           models.StageKindCode,
		Provider:       provider.InternalID,
		PromptTemplate: "stage " + key + " for {{user_prompt}}",
	}
}

func flowOf(stages ...models.StageTemplate) *models.Flow {
	return &models.Flow{ID: "flow", Name: "test", Version: 1, Stages: stages}
}

func scoreProvider(score float64) provider.Provider {
	return provider.Func{Name: "scorer", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		return &provider.Output{Data: map[string]any{"score": score}}, nil
	}}
}

func TestLinearFlow(t *testing.T) {
	s2 := codeStage("S2", 20)
	s2.PromptTemplate = "refine: {{S1.prompt}} / {{enhanced}}"
	s2.InputBindings = map[string]string{"enhanced": "$.context.S1.output.prompt"}
	h := newHarness(t, flowOf(codeStage("S3", 30), codeStage("S1", 10), s2), Options{})

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)

	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Nil(t, stored.CurrentStageKey)
	assert.Equal(t, []string{"S1#1:succeeded", "S2#1:succeeded", "S3#1:succeeded"}, h.store.stageSequence(run.ID))
	assert.Len(t, stored.Context.Context, 3)

	attempts := h.store.attempts(run.ID)
	assert.Equal(t, "stage S1 for a haunted castle", attempts[0].ResolvedPrompt)
	assert.Equal(t, "refine: stage S1 for a haunted castle / stage S1 for a haunted castle", attempts[1].ResolvedPrompt)
	assert.Equal(t, "stage S1 for a haunted castle", attempts[1].ResolvedBindings["enhanced"])
	assert.Contains(t, h.store.messages(run.ID), "Run succeeded")
}

func TestRoutingRules(t *testing.T) {
	a := codeStage("A", 0)
	a.Provider = "scorer"
	a.RoutingRules = []models.RoutingRule{
		{Condition: "score>5", NextStageKey: "B"},
		{Condition: "true", NextStageKey: "C"},
	}
	flow := flowOf(a, codeStage("B", 1), codeStage("C", 2))

	high := newHarness(t, flow, Options{}, scoreProvider(9))
	run, err := high.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, []string{"A#1:succeeded", "B#1:succeeded", "C#1:succeeded"}, high.store.stageSequence(run.ID))
	assert.Contains(t, high.store.messages(run.ID), "Routing rule matched")

	low := newHarness(t, flow, Options{}, scoreProvider(1))
	run, err = low.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, []string{"A#1:succeeded", "C#1:succeeded"}, low.store.stageSequence(run.ID))
	assert.Equal(t, models.RunStatusSucceeded, low.store.run(run.ID).Status)
}

func TestMalformedConditionFallsThrough(t *testing.T) {
	a := codeStage("A", 0)
	a.Provider = "scorer"
	a.RoutingRules = []models.RoutingRule{
		{Condition: "score >>> 5", NextStageKey: "B"},
		{Condition: "context.A.output.score == 9", NextStageKey: "C"},
	}
	h := newHarness(t, flowOf(a, codeStage("B", 1), codeStage("C", 2)), Options{}, scoreProvider(9))
	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, []string{"A#1:succeeded", "C#1:succeeded"}, h.store.stageSequence(run.ID))
}

func TestRoutingLoopIncrementsAttempt(t *testing.T) {
	var calls int
	counter := provider.Func{Name: "counter", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		calls++
		return &provider.Output{Data: map[string]any{"calls": calls}}, nil
	}}
	a := codeStage("A", 0)
	a.Provider = "counter"
	a.RoutingRules = []models.RoutingRule{{Condition: "calls < 3", NextStageKey: "A"}}
	h := newHarness(t, flowOf(a, codeStage("B", 1)), Options{}, counter)

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, []string{"A#1:succeeded", "A#2:succeeded", "A#3:succeeded", "B#1:succeeded"},
		h.store.stageSequence(run.ID))
}

func TestBreakpointPauseAndResume(t *testing.T) {
	x := codeStage("X", 0)
	x.BreakpointAfter = true
	h := newHarness(t, flowOf(x, codeStage("Y", 1)), Options{})

	run, err := h.start(t, models.RunModeCustom)
	require.NoError(t, err)

	paused := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusWaitingUser, paused.Status)
	require.NotNil(t, paused.WaitingForStageKey)
	assert.Equal(t, "X", *paused.WaitingForStageKey)
	assert.Equal(t, models.WaitingReasonBreakpoint, *paused.WaitingReason)
	assert.Nil(t, paused.CurrentStageKey)
	assert.Equal(t, []string{"X#1:succeeded"}, h.store.stageSequence(run.ID))

	h.store.resume(run.ID)
	resumed := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusQueued, resumed.Status)
	assert.Nil(t, resumed.WaitingForStageKey)
	assert.Nil(t, resumed.WaitingReason)

	require.NoError(t, h.engine.ExecuteRun(context.Background(), h.store.claim(run.ID)))
	assert.Equal(t, []string{"X#1:succeeded", "Y#1:succeeded"}, h.store.stageSequence(run.ID))
	assert.Equal(t, models.RunStatusSucceeded, h.store.run(run.ID).Status)
}

func TestBreakpointIgnoredInExpressMode(t *testing.T) {
	x := codeStage("X", 0)
	x.BreakpointAfter = true
	h := newHarness(t, flowOf(x, codeStage("Y", 1)), Options{})

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, h.store.run(run.ID).Status)
}

func TestCrashRecoveryReexecutesAtNextAttempt(t *testing.T) {
	h := newHarness(t, flowOf(codeStage("S1", 0), codeStage("S2", 1)), Options{})
	queued := h.store.createRun("flow", models.RunModeExpress, "p")
	h.store.insertStageRun(&models.StageRun{RunID: queued.ID, StageKey: "S1", Attempt: 1, Status: models.StageRunSucceeded,
		Output: map[string]any{"ok": true}})
	h.store.insertStageRun(&models.StageRun{RunID: queued.ID, StageKey: "S2", Attempt: 1, Status: models.StageRunRunning})

	require.NoError(t, h.engine.ExecuteRun(context.Background(), h.store.claim(queued.ID)))

	assert.Equal(t, []string{"S1#1:succeeded", "S2#1:stale", "S2#2:succeeded"}, h.store.stageSequence(queued.ID))
	assert.Contains(t, h.store.messages(queued.ID), "Recovering stage abandoned by a previous worker")
	assert.Equal(t, models.RunStatusSucceeded, h.store.run(queued.ID).Status)
}

func TestRecoveryStoresFileForFilelessAsset(t *testing.T) {
	ctx := context.Background()
	img := models.StageTemplate{StageKey: "I", Kind: models.StageKindImage, Provider: "fal"}
	h := newHarness(t, flowOf(img), Options{Fallback: defaultFallback})
	queued := h.store.createRun("flow", models.RunModeExpress, "p")
	h.store.insertStageRun(&models.StageRun{RunID: queued.ID, StageKey: "I", Attempt: 1, Status: models.StageRunRunning})
	orphan, created, err := h.assets.CreateAsset(ctx, assets.NewAsset{
		Kind:     "grid_image",
		Provider: "fal",
		Metadata: map[string]any{"source_run_id": queued.ID, "stage_key": "I"},
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, h.engine.ExecuteRun(ctx, h.store.claim(queued.ID)))

	stored := h.store.run(queued.ID)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Equal(t, []string{"I#1:stale", "I#2:succeeded"}, h.store.stageSequence(queued.ID))
	assert.Equal(t, []string{orphan.ID}, stored.Context.Context["I"].Artifacts)
	assert.Equal(t, []byte("FAKE_IMAGE_DATA_FOR_I_2"), h.assets.files[orphan.ID])
}

func TestDedupHitWithFileSkipsUpload(t *testing.T) {
	ctx := context.Background()
	img := models.StageTemplate{StageKey: "I", Kind: models.StageKindImage, Provider: "fal"}
	h := newHarness(t, flowOf(img), Options{Fallback: defaultFallback})
	queued := h.store.createRun("flow", models.RunModeExpress, "p")
	existing, _, err := h.assets.CreateAsset(ctx, assets.NewAsset{
		Kind:     "grid_image",
		Provider: "fal",
		Metadata: map[string]any{"source_run_id": queued.ID, "stage_key": "I"},
	})
	require.NoError(t, err)
	_, err = h.assets.CreateAssetFile(ctx, existing.ID, []byte("original"), "grid_image", "")
	require.NoError(t, err)

	require.NoError(t, h.engine.ExecuteRun(ctx, h.store.claim(queued.ID)))

	assert.Equal(t, models.RunStatusSucceeded, h.store.run(queued.ID).Status)
	assert.Equal(t, []byte("original"), h.assets.files[existing.ID])
}

func TestStageFailureFailsRun(t *testing.T) {
	broken := provider.Func{Name: "broken", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		return nil, errors.New("upstream exploded")
	}}
	s1 := codeStage("S1", 0)
	s1.Provider = "broken"
	h := newHarness(t, flowOf(s1, codeStage("S2", 1)), Options{Fallback: defaultFallback}, broken)

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)

	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorSummary)
	assert.Contains(t, *stored.ErrorSummary, "upstream exploded")
	assert.Equal(t, []string{"S1#1:failed"}, h.store.stageSequence(run.ID))
	assert.Contains(t, h.store.messages(run.ID), "Stage failed")
}

func TestTemplateErrorFailsRunWithoutAttempt(t *testing.T) {
	s1 := codeStage("S1", 0)
	s1.PromptTemplate = "{{#if user_prompt}}x{{/if}}"
	h := newHarness(t, flowOf(s1), Options{})

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)

	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorSummary, "Prompt resolution failed for S1")
	assert.Empty(t, h.store.attempts(run.ID))
	assert.Contains(t, h.store.messages(run.ID), "Prompt resolution failed")
}

func TestStubFallback(t *testing.T) {
	llm := models.StageTemplate{StageKey: "L", OrderIndex: 0, Kind: models.StageKindLLM, Provider: "openai", PromptTemplate: "{{user_prompt}}"}
	img := models.StageTemplate{StageKey: "I", OrderIndex: 1, Kind: models.StageKindImage, Provider: "fal", PromptTemplate: "{{L.text}}"}
	h := newHarness(t, flowOf(llm, img), Options{Fallback: defaultFallback})

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)

	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Equal(t, true, stored.Context.Context["L"].Output["stub"])
	assert.Equal(t, "STUB LLM OUTPUT for L (Provider: openai)", stored.Context.Context["L"].Output["text"])

	imgResult := stored.Context.Context["I"]
	require.Len(t, imgResult.Artifacts, 1)
	assert.Equal(t, []byte("FAKE_IMAGE_DATA_FOR_I_1"), h.assets.files[imgResult.Artifacts[0]])
	assert.Equal(t, "I", h.assets.links[0].UsageStageKey)

	attempts := h.store.attempts(run.ID)
	assert.Equal(t, "STUB LLM OUTPUT for L (Provider: openai)", attempts[1].ResolvedPrompt)
	assert.Contains(t, h.store.messages(run.ID), "Provider unavailable, falling back to stub")
}

func TestNotConfiguredFallsBackOnlyForGenerationStages(t *testing.T) {
	unconfigured := provider.Func{Name: "openai", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		return nil, provider.NewError(provider.KindNotConfigured, "openai", "OPENAI_API_KEY not configured", nil)
	}}
	llm := models.StageTemplate{StageKey: "L", Kind: models.StageKindLLM, Provider: "openai"}
	h := newHarness(t, flowOf(llm), Options{Fallback: defaultFallback}, unconfigured)
	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, h.store.run(run.ID).Status)

	code := models.StageTemplate{StageKey: "C", Kind: models.StageKindCode, Provider: "openai"}
	h = newHarness(t, flowOf(code), Options{Fallback: defaultFallback}, unconfigured)
	run, err = h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, h.store.run(run.ID).Status)

	h = newHarness(t, flowOf(llm), Options{Fallback: FallbackPolicy{Enabled: false}}, unconfigured)
	run, err = h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, h.store.run(run.ID).Status)
}

func TestCorruptCredentialIsNotFallbackEligible(t *testing.T) {
	var called bool
	p := provider.Func{Name: "openai", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		called = true
		return &provider.Output{Data: map[string]any{}}, nil
	}}
	llm := models.StageTemplate{StageKey: "L", Kind: models.StageKindLLM, Provider: "openai"}
	h := newHarness(t, flowOf(llm), Options{Fallback: defaultFallback}, p)
	h.creds.errs["openai"] = errors.New("decrypt failed")

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorSummary, "credential_corrupt")
	assert.False(t, called)
}

func TestRejectedCredentialFailsStage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	p := provider.NewHTTPProvider(provider.HTTPConfig{ID: "openai", URL: upstream.URL, CredentialKey: "OPENAI_API_KEY", Timeout: time.Second})
	llm := models.StageTemplate{StageKey: "L", Kind: models.StageKindLLM, Provider: "openai"}
	h := newHarness(t, flowOf(llm), Options{Fallback: defaultFallback}, p)
	h.creds.creds["openai"] = map[string]string{"OPENAI_API_KEY": "sk-revoked"}

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorSummary, "credential_rejected")
	assert.Equal(t, []string{"L#1:failed"}, h.store.stageSequence(run.ID))
	assert.NotContains(t, h.store.messages(run.ID), "Provider unavailable, falling back to stub")
}

func TestCredentialsArePassedToProvider(t *testing.T) {
	var got map[string]string
	p := provider.Func{Name: "openai", Fn: func(_ context.Context, req *provider.Request) (*provider.Output, error) {
		got = req.Credentials
		return &provider.Output{Data: map[string]any{}}, nil
	}}
	h := newHarness(t, flowOf(models.StageTemplate{StageKey: "L", Kind: models.StageKindLLM, Provider: "openai"}), Options{}, p)
	h.creds.creds["openai"] = map[string]string{"OPENAI_API_KEY": "sk-test"}

	_, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk-test"}, got)
}

func TestUnknownRouteTargetFailsRun(t *testing.T) {
	a := codeStage("A", 0)
	a.RoutingRules = []models.RoutingRule{{Condition: "true", NextStageKey: "NOPE"}}
	h := newHarness(t, flowOf(a, codeStage("B", 1)), Options{})

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorSummary, "unknown stage NOPE")
	assert.Contains(t, h.store.messages(run.ID), "Routed to missing stage")
}

func TestClaimLostStopsRun(t *testing.T) {
	var h *harness
	var runID string
	canceller := provider.Func{Name: "slow", Fn: func(context.Context, *provider.Request) (*provider.Output, error) {
		h.store.cancel(runID)
		return &provider.Output{Data: map[string]any{}}, nil
	}}
	s1 := codeStage("S1", 0)
	s1.Provider = "slow"
	h = newHarness(t, flowOf(s1, codeStage("S2", 1)), Options{}, canceller)

	queued := h.store.createRun("flow", models.RunModeExpress, "p")
	runID = queued.ID
	err := h.engine.ExecuteRun(context.Background(), h.store.claim(runID))
	assert.ErrorIs(t, err, repository.ErrClaimLost)
	assert.Equal(t, models.RunStatusCancelled, h.store.run(runID).Status)
	assert.Equal(t, []string{"S1#1:running"}, h.store.stageSequence(runID))
}

func TestStageLimitRequeues(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := metrics.New(meters.Meter("test"))
	require.NoError(t, err)

	opts := Options{MaxStagesPerClaim: 1}
	h := newHarness(t, flowOf(codeStage("S1", 0), codeStage("S2", 1)), opts)
	h.engine = NewEngine(h.store, h.registry, h.creds, h.assets, opts, nil, rec)
	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, h.store.run(run.ID).Status)
	assert.Equal(t, []string{"S1#1:succeeded"}, h.store.stageSequence(run.ID))

	require.NoError(t, h.engine.ExecuteRun(context.Background(), h.store.claim(run.ID)))
	assert.Equal(t, []string{"S1#1:succeeded", "S2#1:succeeded"}, h.store.stageSequence(run.ID))
	assert.Equal(t, models.RunStatusQueued, h.store.run(run.ID).Status)

	require.NoError(t, h.engine.ExecuteRun(context.Background(), h.store.claim(run.ID)))
	assert.Equal(t, models.RunStatusSucceeded, h.store.run(run.ID).Status)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), counterTotal(rm, "flowforge.runs.requeued"))
	assert.Equal(t, int64(1), counterTotal(rm, "flowforge.runs.finished"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == name {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestStageTimeout(t *testing.T) {
	hang := provider.Func{Name: "hang", Fn: func(ctx context.Context, _ *provider.Request) (*provider.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s1 := models.StageTemplate{StageKey: "S1", Kind: models.StageKindLLM, Provider: "hang"}
	h := newHarness(t, flowOf(s1), Options{StageTimeout: 20 * time.Millisecond, Fallback: defaultFallback}, hang)

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorSummary, "deadline exceeded")
}

func TestArtifactFailureIsNotFatal(t *testing.T) {
	img := models.StageTemplate{StageKey: "I", Kind: models.StageKindImage, Provider: "fal"}
	h := newHarness(t, flowOf(img), Options{Fallback: defaultFallback})
	h.assets.failOn = "grid_image"

	run, err := h.start(t, models.RunModeExpress)
	require.NoError(t, err)
	stored := h.store.run(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	assert.Empty(t, stored.Context.Context["I"].Artifacts)
	assert.Contains(t, h.store.messages(run.ID), "Failed to store artifact")
}

func TestMissingFlowFailsRun(t *testing.T) {
	h := newHarness(t, flowOf(codeStage("S1", 0)), Options{})
	queued := h.store.createRun("other-flow", models.RunModeExpress, "p")
	require.NoError(t, h.engine.ExecuteRun(context.Background(), h.store.claim(queued.ID)))
	assert.Equal(t, models.RunStatusFailed, h.store.run(queued.ID).Status)
}

func TestFrontier(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := t0.Add(d); return &v }

	a := &models.StageRun{StageKey: "A", StartedAt: at(0), EndedAt: at(5 * time.Second), CreatedAt: t0}
	b := &models.StageRun{StageKey: "B", StartedAt: at(6 * time.Second), CreatedAt: t0.Add(6 * time.Second)}
	assert.Equal(t, b, frontier([]*models.StageRun{a, b}))

	c := &models.StageRun{StageKey: "C", StartedAt: at(0), EndedAt: at(10 * time.Second), CreatedAt: t0}
	assert.Equal(t, c, frontier([]*models.StageRun{a, b, c}))
	assert.Nil(t, frontier(nil))

	assert.Equal(t, 1, nextAttempt(nil, "A"))
	assert.Equal(t, 4, nextAttempt([]*models.StageRun{{StageKey: "A", Attempt: 3}}, "A"))
}
