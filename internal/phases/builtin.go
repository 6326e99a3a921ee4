// Package phases registers the platform's builtin flow types. The handlers
// here are thin: each one drives a pooled tenant agent with a task name and
// the accumulated flow context. The heavy business logic (field-mapping
// heuristics, gap detection, 6R scoring) lives behind the sidecar.
package phases

import (
	"context"
	"fmt"
	"time"

	"cloudshift/backend/internal/registry"
	"cloudshift/backend/pkg/models"
)

// Worker kinds handed out by the agent pool.
const (
	WorkerAnalyst = "analyst"
	WorkerPlanner = "planner"
)

// RegisterBuiltin populates the registry with the five pipeline flow types.
// Call once at startup, before Freeze.
func RegisterBuiltin(reg *registry.Registry) error {
	configs := []registry.FlowTypeConfig{
		{
			FlowType:                models.FlowTypeDiscovery,
			AllowRetriggerCompleted: true,
			Phases: []registry.PhaseDescriptor{
				{Name: "scan_sources", Handler: agentTask("discovery.scan_sources"), EstimatedDuration: 10 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "classify_assets", Handler: agentTask("discovery.classify_assets"), EstimatedDuration: 15 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "summarize_estate", Handler: agentTask("discovery.summarize_estate"), EstimatedDuration: 5 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
			},
		},
		{
			FlowType:                models.FlowTypeCollection,
			AllowRetriggerCompleted: true,
			Phases: []registry.PhaseDescriptor{
				{Name: "prepare_questionnaires", Handler: agentTask("collection.prepare_questionnaires"), EstimatedDuration: 10 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "collect_responses", Handler: agentTask("collection.collect_responses"), EstimatedDuration: time.Hour, RequiresInput: true, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "validate_responses", Handler: agentTask("collection.validate_responses"), EstimatedDuration: 15 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
			},
		},
		{
			FlowType:                models.FlowTypeAssessment,
			AllowRetriggerCompleted: true,
			Phases: []registry.PhaseDescriptor{
				{Name: "field_mapping", Handler: agentTask("assessment.field_mapping"), EstimatedDuration: 20 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "gap_detection", Handler: agentTask("assessment.gap_detection"), EstimatedDuration: 30 * time.Minute, RequiresInput: true, WorkerKinds: []string{WorkerAnalyst}},
				{Name: "six_r_scoring", Handler: agentTask("assessment.six_r_scoring"), EstimatedDuration: 30 * time.Minute, WorkerKinds: []string{WorkerAnalyst, WorkerPlanner}},
			},
		},
		{
			FlowType:                models.FlowTypePlanning,
			AllowRetriggerCompleted: true,
			Phases: []registry.PhaseDescriptor{
				{Name: "wave_planning", Handler: agentTask("planning.wave_planning"), EstimatedDuration: 30 * time.Minute, WorkerKinds: []string{WorkerPlanner}},
				{Name: "schedule_optimization", Handler: agentTask("planning.schedule_optimization"), EstimatedDuration: 20 * time.Minute, WorkerKinds: []string{WorkerPlanner}},
				{Name: "plan_review", Handler: agentTask("planning.plan_review"), EstimatedDuration: time.Hour, RequiresInput: true, WorkerKinds: []string{WorkerPlanner}},
			},
		},
		{
			// Post-shutdown decommission is irreversible; retriggering a
			// completed flow is rejected.
			FlowType:                models.FlowTypeDecommission,
			AllowRetriggerCompleted: false,
			Phases: []registry.PhaseDescriptor{
				{Name: "shutdown_plan", Handler: agentTask("decommission.shutdown_plan"), EstimatedDuration: 30 * time.Minute, WorkerKinds: []string{WorkerPlanner}},
				{Name: "execute_checklist", Handler: agentTask("decommission.execute_checklist"), EstimatedDuration: 2 * time.Hour, RequiresInput: true, WorkerKinds: []string{WorkerPlanner}},
				{Name: "final_report", Handler: agentTask("decommission.final_report"), EstimatedDuration: 15 * time.Minute, WorkerKinds: []string{WorkerAnalyst}},
			},
		},
	}

	for _, cfg := range configs {
		if err := reg.Register(cfg); err != nil {
			return fmt.Errorf("register %s: %w", cfg.FlowType, err)
		}
	}
	return nil
}

// agentTask builds a handler that runs one named task on the phase's
// analyst (or, failing that, planner) worker, passing the flow config, user
// input and upstream results through.
func agentTask(task string) registry.HandlerFunc {
	return func(ctx context.Context, in registry.Input) (map[string]any, error) {
		payload := map[string]any{
			"master_flow_id": in.MasterFlowID,
			"phase":          in.Phase,
			"config":         in.Config,
			"prior_phases":   in.PriorPhases,
		}
		if in.UserInput != nil {
			payload["user_input"] = in.UserInput
		}
		for _, kind := range []string{WorkerAnalyst, WorkerPlanner} {
			if agent, ok := in.Workers[kind]; ok {
				return agent.Complete(ctx, task, payload)
			}
		}
		return nil, fmt.Errorf("task %s: no worker available", task)
	}
}
