package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudshift/backend/internal/agentpool"
	"cloudshift/backend/internal/agents"
	"cloudshift/backend/internal/engine"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/internal/repository"
	"cloudshift/backend/pkg/models"
)

type stubFactory struct{}

func (stubFactory) New(ctx context.Context, tenant models.Tenant, kind string) (agents.Agent, error) {
	return nil, errors.New("no sidecar in tests")
}

// fixture registers three flow types:
//   - discovery: p1, p2 (requires input), p3; retrigger of completed allowed
//   - planning: p1 blocks until gate closes, then p2; used for in-flight cases
//   - decommission: one phase; retrigger of completed forbidden
type fixture struct {
	store  *repository.MemoryFlowStore
	orch   *Orchestrator
	tenant models.Tenant
	gate   chan struct{}

	mu         sync.Mutex
	seenConfig map[string]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryFlowStore(),
		tenant: models.Tenant{ClientID: "acme", EngagementID: "eng-1", UserID: "u1"},
		gate:   make(chan struct{}),
	}

	instant := func(out map[string]any) registry.HandlerFunc {
		return func(ctx context.Context, in registry.Input) (map[string]any, error) {
			f.mu.Lock()
			f.seenConfig = in.Config
			f.mu.Unlock()
			return out, nil
		}
	}
	blocking := func(ctx context.Context, in registry.Input) (map[string]any, error) {
		select {
		case <-f.gate:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	reg := registry.New()
	require.NoError(t, reg.Register(registry.FlowTypeConfig{
		FlowType:                models.FlowTypeDiscovery,
		AllowRetriggerCompleted: true,
		Phases: []registry.PhaseDescriptor{
			{Name: "p1", Handler: instant(map[string]any{"summary": "3 assets", "assets": 3})},
			{Name: "p2", RequiresInput: true, Handler: instant(map[string]any{"answers": 7})},
			{Name: "p3", Handler: instant(map[string]any{"report": "done", "score": 0.8})},
		},
	}))
	require.NoError(t, reg.Register(registry.FlowTypeConfig{
		FlowType:                models.FlowTypePlanning,
		AllowRetriggerCompleted: true,
		Phases: []registry.PhaseDescriptor{
			{Name: "p1", Handler: blocking},
			{Name: "p2", Handler: instant(nil)},
		},
	}))
	require.NoError(t, reg.Register(registry.FlowTypeConfig{
		FlowType: models.FlowTypeDecommission,
		Phases: []registry.PhaseDescriptor{
			{Name: "shutdown_plan", Handler: instant(nil)},
		},
	}))
	reg.Freeze()

	pool := agentpool.New(stubFactory{}, time.Minute, logging.NewNop())
	t.Cleanup(func() { pool.Close(context.Background()) })

	eng := engine.New(f.store, reg, pool, logging.NewNop(), engine.WithWorkerRetryBackoff(time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	f.orch = New(f.store, reg, eng, logging.NewNop())
	return f
}

func (f *fixture) waitForStatus(t *testing.T, id string, want models.FlowStatus) *models.FlowStatusReport {
	t.Helper()
	var report *models.FlowStatusReport
	require.Eventually(t, func() bool {
		var err error
		report, err = f.orch.GetStatus(context.Background(), f.tenant, id)
		return err == nil && report.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return report
}

func (f *fixture) lastConfig() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seenConfig
}

func TestOrchestrator_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, f.tenant, models.FlowTypeCollection, nil)
	assert.ErrorIs(t, err, ErrInvalidFlowType)

	_, err = f.orch.Create(ctx, models.Tenant{ClientID: "acme"}, models.FlowTypeDiscovery, nil)
	assert.ErrorIs(t, err, repository.ErrMissingTenantScope)

	_, err = f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type childCreateFails struct {
	repository.FlowStore
	masterID string
}

func (s *childCreateFails) CreateChildFlow(ctx context.Context, tx repository.Tx, cf *models.ChildFlow) error {
	s.masterID = cf.MasterFlowID
	return errors.New("injected child flow failure")
}

func TestOrchestrator_CreateIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := &childCreateFails{FlowStore: f.store}
	orch := New(broken, f.orch.registry, f.orch.engine, logging.NewNop())

	_, err := orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, nil)
	require.Error(t, err)

	// The master flow insert from the failed transaction is not visible.
	_, getErr := f.orch.GetStatus(ctx, f.tenant, broken.masterID)
	assert.ErrorIs(t, getErr, repository.ErrNotFound)
}

func TestOrchestrator_FlowRunsUntilInputThenCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, map[string]any{"region": "emea"})
	require.NoError(t, err)

	report := f.waitForStatus(t, id, models.FlowStatusPaused)
	assert.Equal(t, "p2", report.CurrentPhase)
	assert.Equal(t, models.PhaseWaitingForInput, report.PhaseStatus["p2"])
	assert.Equal(t, map[string]any{"region": "emea"}, f.lastConfig())

	// Phase payloads are summarized: the payload's own summary when present,
	// otherwise its sorted keys.
	assert.Equal(t, "3 assets", report.PhaseSummary["p1"])

	require.NoError(t, f.orch.Resume(ctx, f.tenant, id, "p2", map[string]any{"approved": true}))
	report = f.waitForStatus(t, id, models.FlowStatusCompleted)
	assert.Equal(t, models.PhaseCompleted, report.PhaseStatus["p3"])
	assert.Equal(t, []string{"report", "score"}, report.PhaseSummary["p3"])
	assert.Empty(t, report.FailureReason)
}

func TestOrchestrator_GetStatusIsIdempotentAndTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, nil)
	require.NoError(t, err)
	f.waitForStatus(t, id, models.FlowStatusPaused)

	first, err := f.orch.GetStatus(ctx, f.tenant, id)
	require.NoError(t, err)
	second, err := f.orch.GetStatus(ctx, f.tenant, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = f.orch.GetStatus(ctx, models.Tenant{ClientID: "globex", EngagementID: "eng-1"}, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.orch.GetStatus(ctx, f.tenant, "unknown-id")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOrchestrator_ResumeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, nil)
	require.NoError(t, err)
	f.waitForStatus(t, id, models.FlowStatusPaused)

	// Only the waiting phase may be resumed.
	assert.ErrorIs(t, f.orch.Resume(ctx, f.tenant, id, "p1", nil), ErrInvalidStateTransition)
	assert.ErrorIs(t, f.orch.Resume(ctx, f.tenant, id, "p3", nil), ErrInvalidStateTransition)
	assert.ErrorIs(t, f.orch.Resume(ctx, f.tenant, id, "bogus", nil), ErrInvalidStateTransition)

	require.NoError(t, f.orch.Resume(ctx, f.tenant, id, "p2", nil))
	f.waitForStatus(t, id, models.FlowStatusCompleted)

	assert.ErrorIs(t, f.orch.Resume(ctx, f.tenant, id, "p2", nil), ErrInvalidStateTransition)
}

func TestOrchestrator_PauseAndResumeFromPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypePlanning, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := f.orch.GetStatus(ctx, f.tenant, id)
		return err == nil && r.PhaseStatus["p1"] == models.PhaseInProgress
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.Pause(ctx, f.tenant, id))
	assert.ErrorIs(t, f.orch.Pause(ctx, f.tenant, id), ErrInvalidStateTransition)

	// p1's in-flight handler finishes, but p2 does not auto-chain.
	close(f.gate)
	var report *models.FlowStatusReport
	require.Eventually(t, func() bool {
		report, err = f.orch.GetStatus(ctx, f.tenant, id)
		return err == nil && report.PhaseStatus["p1"] == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.FlowStatusPaused, report.Status)
	assert.Equal(t, models.PhasePending, report.PhaseStatus["p2"])
	assert.Equal(t, "p2", report.CurrentPhase)

	require.NoError(t, f.orch.Resume(ctx, f.tenant, id, "p2", nil))
	f.waitForStatus(t, id, models.FlowStatusCompleted)
}

func TestOrchestrator_RetriggerResetsOnlyDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, map[string]any{"region": "emea"})
	require.NoError(t, err)
	f.waitForStatus(t, id, models.FlowStatusPaused)
	require.NoError(t, f.orch.Resume(ctx, f.tenant, id, "p2", nil))
	report := f.waitForStatus(t, id, models.FlowStatusCompleted)
	firstRun := report.UpdatedAt

	require.NoError(t, f.orch.Retrigger(ctx, f.tenant, id, "p3", map[string]any{"region": "apac"}))

	report = f.waitForStatus(t, id, models.FlowStatusCompleted)
	assert.True(t, report.UpdatedAt.After(firstRun) || report.UpdatedAt.Equal(firstRun))
	// Upstream results survived the reset and the handler saw the new config.
	assert.Equal(t, "3 assets", report.PhaseSummary["p1"])
	assert.Equal(t, models.PhaseCompleted, report.PhaseStatus["p2"])
	assert.Equal(t, map[string]any{"region": "apac"}, f.lastConfig())
}

func TestOrchestrator_RetriggerDefaultsToFirstPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDiscovery, nil)
	require.NoError(t, err)
	f.waitForStatus(t, id, models.FlowStatusPaused)
	require.NoError(t, f.orch.Resume(ctx, f.tenant, id, "p2", nil))
	f.waitForStatus(t, id, models.FlowStatusCompleted)

	require.NoError(t, f.orch.Retrigger(ctx, f.tenant, id, "", nil))
	report := f.waitForStatus(t, id, models.FlowStatusPaused)
	assert.Equal(t, models.PhaseCompleted, report.PhaseStatus["p1"])
	assert.Equal(t, models.PhaseWaitingForInput, report.PhaseStatus["p2"])
}

func TestOrchestrator_RetriggerRejectedWhileActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypePlanning, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := f.orch.GetStatus(ctx, f.tenant, id)
		return err == nil && r.PhaseStatus["p1"] == models.PhaseInProgress
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.orch.Retrigger(ctx, f.tenant, id, "p1", nil), ErrFlowActive)

	close(f.gate)
	f.waitForStatus(t, id, models.FlowStatusCompleted)
}

func TestOrchestrator_RetriggerForbiddenForCompletedDecommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypeDecommission, nil)
	require.NoError(t, err)
	f.waitForStatus(t, id, models.FlowStatusCompleted)

	assert.ErrorIs(t, f.orch.Retrigger(ctx, f.tenant, id, "shutdown_plan", nil), ErrFlowNotResumable)
}

func TestOrchestrator_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Create(ctx, f.tenant, models.FlowTypePlanning, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := f.orch.GetStatus(ctx, f.tenant, id)
		return err == nil && r.PhaseStatus["p1"] == models.PhaseInProgress
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.orch.Delete(ctx, f.tenant, id, false), ErrFlowActive)
	require.NoError(t, f.orch.Delete(ctx, f.tenant, id, true))

	_, err = f.orch.GetStatus(ctx, f.tenant, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Unblock the in-flight handler so shutdown does not hang on it.
	close(f.gate)
}
