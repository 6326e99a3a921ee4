// Package orchestrator is the public entry point of the master flow core:
// create, getStatus, resume, pause, retrigger, delete. It owns the
// transaction boundaries around flow creation and state transitions and
// hands execution to the engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"cloudshift/backend/internal/engine"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/internal/repository"
	"cloudshift/backend/pkg/models"
)

var (
	ErrInvalidFlowType        = errors.New("invalid flow type")
	ErrInvalidConfig          = errors.New("invalid flow config")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrFlowNotResumable       = errors.New("flow is not resumable")
	ErrFlowActive             = errors.New("flow has a phase in progress")
)

// Orchestrator wraps the phase execution engine with validation,
// idempotent reads and atomic creation.
type Orchestrator struct {
	store    repository.FlowStore
	registry *registry.Registry
	engine   *engine.Engine
	logger   *logging.Logger
}

// New creates an Orchestrator.
func New(store repository.FlowStore, reg *registry.Registry, eng *engine.Engine, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{store: store, registry: reg, engine: eng, logger: logger}
}

// Create atomically creates the master and child flow records, then
// triggers phase 1 asynchronously. Validation failures happen before any
// persistence; no reader ever observes a half-created flow.
func (o *Orchestrator) Create(ctx context.Context, tenant models.Tenant, flowType models.FlowType, config map[string]any) (string, error) {
	if !tenant.Scoped() {
		return "", repository.ErrMissingTenantScope
	}
	cfg, err := o.registry.Config(flowType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidFlowType, flowType)
	}
	if config == nil {
		config = map[string]any{}
	}
	// The config payload is opaque to the core, but it must survive the
	// trip through the store and back to a handler unchanged.
	if _, err := json.Marshal(config); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	first := cfg.Phases[0]
	mf := &models.MasterFlow{
		ID:           uuid.New().String(),
		FlowType:     flowType,
		Status:       models.FlowStatusRunning,
		CurrentPhase: first.Name,
		ClientID:     tenant.ClientID,
		EngagementID: tenant.EngagementID,
		CreatedBy:    tenant.UserID,
		Metadata:     config,
	}
	phaseStatus := make(map[string]models.PhaseStatus, len(cfg.Phases))
	for _, p := range cfg.Phases {
		phaseStatus[p.Name] = models.PhasePending
	}
	cf := &models.ChildFlow{
		ID:           uuid.New().String(),
		MasterFlowID: mf.ID,
		ClientID:     tenant.ClientID,
		EngagementID: tenant.EngagementID,
		PhaseStatus:  phaseStatus,
		PhaseData:    map[string]map[string]any{},
	}

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	if err := o.store.CreateMasterFlow(ctx, tx, mf); err != nil {
		return "", err
	}
	if err := o.store.CreateChildFlow(ctx, tx, cf); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	o.logger.Info("flow created", "master_flow_id", mf.ID, "flow_type", flowType, "client_id", tenant.ClientID)
	o.engine.Schedule(tenant, mf.ID, first.Name, nil)
	return mf.ID, nil
}

// GetStatus is a pure, idempotent, tenant-scoped read. Ids owned by other
// tenants come back as repository.ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, tenant models.Tenant, masterFlowID string) (*models.FlowStatusReport, error) {
	mf, cf, err := o.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return nil, err
	}
	report := &models.FlowStatusReport{
		MasterFlowID: mf.ID,
		FlowType:     mf.FlowType,
		Status:       mf.Status,
		CurrentPhase: mf.CurrentPhase,
		PhaseStatus:  cf.PhaseStatus,
		PhaseSummary: summarize(cf.PhaseData),
		CreatedAt:    mf.CreatedAt,
		UpdatedAt:    mf.UpdatedAt,
	}
	if mf.FailureReason != nil {
		report.FailureReason = *mf.FailureReason
	}
	return report, nil
}

// Resume restarts phase execution with user-supplied data. It is valid when
// the phase is waiting_for_input, or when the flow was paused and the
// target is the recorded current phase still pending.
func (o *Orchestrator) Resume(ctx context.Context, tenant models.Tenant, masterFlowID, phase string, userInput map[string]any) error {
	mf, cf, err := o.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return err
	}
	status, tracked := cf.PhaseStatus[phase]
	if !tracked {
		return fmt.Errorf("%w: phase %s is not part of this flow", ErrInvalidStateTransition, phase)
	}

	resumableFromPause := mf.Status == models.FlowStatusPaused &&
		mf.CurrentPhase == phase && status == models.PhasePending
	if status != models.PhaseWaitingForInput && !resumableFromPause {
		return fmt.Errorf("%w: phase %s is %s", ErrInvalidStateTransition, phase, status)
	}

	o.logger.Info("flow resumed", "master_flow_id", masterFlowID, "phase", phase)
	o.engine.Schedule(tenant, masterFlowID, phase, userInput)
	return nil
}

// Pause marks the flow paused without touching phase status. Cooperative:
// an in-flight handler finishes, but the next phase does not auto-chain.
func (o *Orchestrator) Pause(ctx context.Context, tenant models.Tenant, masterFlowID string) error {
	mf, _, err := o.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return err
	}
	if mf.Status != models.FlowStatusRunning {
		return fmt.Errorf("%w: flow is %s", ErrInvalidStateTransition, mf.Status)
	}

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := o.store.UpdateMasterStatus(ctx, tx, tenant, masterFlowID, models.FlowStatusPaused, mf.CurrentPhase, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.logger.Info("flow paused", "master_flow_id", masterFlowID, "current_phase", mf.CurrentPhase)
	return nil
}

// Retrigger re-runs a completed (or failed) phase with updated config,
// resetting it and every downstream phase to pending first. Flow types that
// forbid re-running a completed flow reject with ErrFlowNotResumable.
func (o *Orchestrator) Retrigger(ctx context.Context, tenant models.Tenant, masterFlowID, phase string, updatedConfig map[string]any) error {
	mf, cf, err := o.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return err
	}
	cfg, err := o.registry.Config(mf.FlowType)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFlowType, mf.FlowType)
	}
	if mf.Status == models.FlowStatusCompleted && !cfg.AllowRetriggerCompleted {
		return fmt.Errorf("%w: %s flows cannot be retriggered once completed", ErrFlowNotResumable, mf.FlowType)
	}
	for name, st := range cf.PhaseStatus {
		if st == models.PhaseInProgress {
			return fmt.Errorf("%w: phase %s", ErrFlowActive, name)
		}
	}
	if phase == "" {
		phase = cfg.Phases[0].Name
	}
	downstream, err := o.registry.Downstream(mf.FlowType, phase)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}
	if updatedConfig != nil {
		if _, err := json.Marshal(updatedConfig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	// The status read above ran outside this transaction; the store-level
	// reset re-checks and rejects a phase claimed in the meantime.
	if err := o.store.ResetPhases(ctx, tx, tenant, masterFlowID, downstream); err != nil {
		if errors.Is(err, repository.ErrPhaseAlreadyRunning) {
			return fmt.Errorf("%w: %v", ErrFlowActive, err)
		}
		return err
	}
	if updatedConfig != nil {
		if err := o.store.UpdateMetadata(ctx, tx, tenant, masterFlowID, updatedConfig); err != nil {
			return err
		}
	}
	if err := o.store.UpdateMasterStatus(ctx, tx, tenant, masterFlowID, models.FlowStatusRunning, phase, ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, repository.ErrPhaseAlreadyRunning) {
			return fmt.Errorf("%w: %v", ErrFlowActive, err)
		}
		return err
	}

	o.logger.Info("flow retriggered", "master_flow_id", masterFlowID, "phase", phase, "reset", len(downstream))
	o.engine.Schedule(tenant, masterFlowID, phase, nil)
	return nil
}

// Delete soft-deletes the flow and its child record. A flow with a phase
// in progress is rejected unless force is set.
func (o *Orchestrator) Delete(ctx context.Context, tenant models.Tenant, masterFlowID string, force bool) error {
	_, cf, err := o.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return err
	}
	if !force {
		for name, st := range cf.PhaseStatus {
			if st == models.PhaseInProgress {
				return fmt.Errorf("%w: phase %s", ErrFlowActive, name)
			}
		}
	}

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := o.store.SoftDelete(ctx, tx, tenant, masterFlowID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.logger.Info("flow deleted", "master_flow_id", masterFlowID, "force", force)
	return nil
}

// summarize reduces phase payloads to a polling-friendly view: the payload's
// own "summary" field when present, otherwise its sorted key list.
func summarize(phaseData map[string]map[string]any) map[string]any {
	if len(phaseData) == 0 {
		return nil
	}
	out := make(map[string]any, len(phaseData))
	for phase, data := range phaseData {
		if s, ok := data["summary"]; ok {
			out[phase] = s
			continue
		}
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[phase] = keys
	}
	return out
}
