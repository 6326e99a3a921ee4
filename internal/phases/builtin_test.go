package phases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudshift/backend/internal/agents"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/pkg/models"
)

type recordingAgent struct {
	kind    string
	task    string
	payload map[string]any
}

func (a *recordingAgent) Kind() string { return a.kind }

func (a *recordingAgent) Complete(ctx context.Context, task string, payload map[string]any) (map[string]any, error) {
	a.task = task
	a.payload = payload
	return map[string]any{"ok": true}, nil
}

func (a *recordingAgent) Close(ctx context.Context) error { return nil }

func TestRegisterBuiltin(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltin(reg))

	for _, ft := range []models.FlowType{
		models.FlowTypeDiscovery,
		models.FlowTypeCollection,
		models.FlowTypeAssessment,
		models.FlowTypePlanning,
		models.FlowTypeDecommission,
	} {
		phases, err := reg.Phases(ft)
		require.NoError(t, err, ft)
		assert.Len(t, phases, 3, ft)
		for _, p := range phases {
			assert.NotNil(t, p.Handler, "%s/%s", ft, p.Name)
			assert.NotEmpty(t, p.WorkerKinds, "%s/%s", ft, p.Name)
			assert.Positive(t, p.EstimatedDuration, "%s/%s", ft, p.Name)
		}
	}

	// Each pipeline halts exactly once for user input, except discovery.
	waiting := map[models.FlowType]string{
		models.FlowTypeCollection:   "collect_responses",
		models.FlowTypeAssessment:   "gap_detection",
		models.FlowTypePlanning:     "plan_review",
		models.FlowTypeDecommission: "execute_checklist",
	}
	for ft, name := range waiting {
		p, err := reg.Phase(ft, name)
		require.NoError(t, err)
		assert.True(t, p.RequiresInput, "%s/%s", ft, name)
	}

	// Decommission must not be re-runnable once completed.
	cfg, err := reg.Config(models.FlowTypeDecommission)
	require.NoError(t, err)
	assert.False(t, cfg.AllowRetriggerCompleted)
	for _, ft := range []models.FlowType{models.FlowTypeDiscovery, models.FlowTypePlanning} {
		cfg, err := reg.Config(ft)
		require.NoError(t, err)
		assert.True(t, cfg.AllowRetriggerCompleted, ft)
	}
}

func TestAgentTaskPayload(t *testing.T) {
	handler := agentTask("discovery.scan_sources")
	analyst := &recordingAgent{kind: WorkerAnalyst}
	planner := &recordingAgent{kind: WorkerPlanner}

	out, err := handler(context.Background(), registry.Input{
		MasterFlowID: "mf-1",
		Phase:        "scan_sources",
		Config:       map[string]any{"region": "emea"},
		UserInput:    map[string]any{"approved": true},
		PriorPhases:  map[string]map[string]any{"p0": {"assets": 3}},
		Workers:      map[string]agents.Agent{WorkerAnalyst: analyst, WorkerPlanner: planner},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)

	// The analyst wins when both worker kinds are present.
	assert.Equal(t, "discovery.scan_sources", analyst.task)
	assert.Empty(t, planner.task)
	assert.Equal(t, "mf-1", analyst.payload["master_flow_id"])
	assert.Equal(t, map[string]any{"region": "emea"}, analyst.payload["config"])
	assert.Equal(t, map[string]any{"approved": true}, analyst.payload["user_input"])

	// Without any worker the task fails rather than running headless.
	_, err = handler(context.Background(), registry.Input{Phase: "scan_sources", Workers: nil})
	assert.Error(t, err)
}

func TestAgentTaskFallsBackToPlanner(t *testing.T) {
	handler := agentTask("planning.wave_planning")
	planner := &recordingAgent{kind: WorkerPlanner}

	_, err := handler(context.Background(), registry.Input{
		Phase:   "wave_planning",
		Workers: map[string]agents.Agent{WorkerPlanner: planner},
	})
	require.NoError(t, err)
	assert.Equal(t, "planning.wave_planning", planner.task)

	// No user_input key when none was supplied.
	assert.NotContains(t, planner.payload, "user_input")
}
