// Package engine executes exactly one phase of one flow at a time, from
// pending to a terminal per-phase state, and chains the next phase once the
// completion is durably committed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cloudshift/backend/internal/agentpool"
	"cloudshift/backend/internal/agents"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/internal/repository"
	"cloudshift/backend/pkg/models"
)

// ErrPhaseNotConfigured is returned when the requested phase is not part of
// the flow type's registered sequence.
var ErrPhaseNotConfigured = errors.New("phase not configured")

// HandlerError wraps any failure raised inside a phase handler. The engine
// converts it into a persisted failed phase; it never crashes the task.
type HandlerError struct {
	Phase string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for phase %s failed: %v", e.Phase, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

const defaultWorkerRetryBackoff = 2 * time.Second

// Engine drives phase execution against the flow store. Many flows execute
// concurrently; per-flow mutual exclusion is the store's persisted claim,
// not an in-memory lock.
type Engine struct {
	store    repository.FlowStore
	registry *registry.Registry
	pool     *agentpool.Pool
	logger   *logging.Logger

	// workerRetryBackoff is the single backoff applied before the one
	// retry of a failed worker acquisition.
	workerRetryBackoff time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	phaseCounter  metric.Int64Counter
	phaseDuration metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkerRetryBackoff overrides the backoff before the worker
// acquisition retry.
func WithWorkerRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.workerRetryBackoff = d }
}

// New creates an Engine.
func New(store repository.FlowStore, reg *registry.Registry, pool *agentpool.Pool, logger *logging.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	meter := otel.Meter("cloudshift.engine")
	phaseCounter, _ := meter.Int64Counter("flow.phase.executions")
	phaseDuration, _ := meter.Float64Histogram("flow.phase.duration.seconds")

	e := &Engine{
		store:              store,
		registry:           reg,
		pool:               pool,
		logger:             logger,
		workerRetryBackoff: defaultWorkerRetryBackoff,
		baseCtx:            ctx,
		cancel:             cancel,
		phaseCounter:       phaseCounter,
		phaseDuration:      phaseDuration,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schedule runs a phase as an independent background task. Failures are
// persisted, not propagated; the task always terminates normally.
func (e *Engine) Schedule(tenant models.Tenant, masterFlowID, phase string, userInput map[string]any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ExecutePhase(e.baseCtx, tenant, masterFlowID, phase, userInput); err != nil {
			e.logger.Warn("phase execution ended with error",
				"master_flow_id", masterFlowID, "phase", phase, "error", err)
		}
	}()
}

// Shutdown stops accepting work, cancels in-flight handlers, and waits for
// every background task to either finish or persist a failed state. No
// phase is left in_progress as an orphan.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// ExecutePhase runs one phase end to end:
// resolve handler, claim the phase, acquire workers, invoke the handler,
// persist the outcome, and chain the next phase when one remains.
func (e *Engine) ExecutePhase(ctx context.Context, tenant models.Tenant, masterFlowID, phase string, userInput map[string]any) error {
	mf, cf, err := e.store.GetByMasterFlowID(ctx, tenant, masterFlowID)
	if err != nil {
		return err
	}

	desc, err := e.registry.Phase(mf.FlowType, phase)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrPhaseNotConfigured, mf.FlowType, phase, err)
	}

	// The claim is the concurrency guard: it persists in_progress in its
	// own short transaction and rejects a duplicate execution request.
	if err := e.store.ClaimPhase(ctx, tenant, masterFlowID, phase); err != nil {
		return err
	}

	start := time.Now()
	out, runErr := e.runHandler(ctx, tenant, mf, cf, desc, userInput)
	e.recordPhase(ctx, mf.FlowType, phase, runErr == nil, time.Since(start))

	if runErr != nil {
		// Persist the failure even when the base context is shutting
		// down; the flow must stay resumable at its last committed state.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.failPhase(pctx, tenant, masterFlowID, phase, runErr); err != nil {
			e.logger.Error("failed to persist phase failure",
				"master_flow_id", masterFlowID, "phase", phase, "error", err)
		}
		return runErr
	}

	return e.completePhase(ctx, tenant, mf, phase, out)
}

// runHandler acquires the phase's workers and invokes the handler. Worker
// acquisition gets one retry with backoff; unbounded retry would mask a
// systematically broken sidecar.
func (e *Engine) runHandler(ctx context.Context, tenant models.Tenant, mf *models.MasterFlow, cf *models.ChildFlow, desc registry.PhaseDescriptor, userInput map[string]any) (out map[string]any, err error) {
	workers := make(map[string]agents.Agent, len(desc.WorkerKinds))
	defer func() {
		for kind := range workers {
			e.pool.Release(tenant, kind)
		}
	}()
	for _, kind := range desc.WorkerKinds {
		agent, err := e.pool.Acquire(ctx, tenant, kind)
		if err != nil {
			select {
			case <-time.After(e.workerRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			agent, err = e.pool.Acquire(ctx, tenant, kind)
			if err != nil {
				return nil, err
			}
		}
		workers[kind] = agent
	}

	prior := make(map[string]map[string]any)
	for name, status := range cf.PhaseStatus {
		if status == models.PhaseCompleted {
			prior[name] = cf.PhaseData[name]
		}
	}

	in := registry.Input{
		Tenant:       tenant,
		MasterFlowID: mf.ID,
		Phase:        desc.Name,
		Config:       mf.Metadata,
		UserInput:    userInput,
		PriorPhases:  prior,
		Workers:      workers,
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &HandlerError{Phase: desc.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := desc.Handler(ctx, in)
	if err != nil {
		return nil, &HandlerError{Phase: desc.Name, Err: err}
	}
	return result, nil
}

// failPhase persists the failure record: phase failed, master flow failed
// with a human-readable reason. The failed attempt's partial output is
// never written, so the flow stays resumable at its last committed state.
func (e *Engine) failPhase(ctx context.Context, tenant models.Tenant, masterFlowID, phase string, cause error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := e.store.UpdatePhaseStatus(ctx, tx, tenant, masterFlowID, phase, models.PhaseFailed, nil); err != nil {
		return err
	}
	if err := e.store.UpdateMasterStatus(ctx, tx, tenant, masterFlowID, models.FlowStatusFailed, phase, cause.Error()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.logger.Info("phase failed", "master_flow_id", masterFlowID, "phase", phase, "reason", cause.Error())
	return nil
}

// completePhase commits the phase result, then advances the state machine:
// finish the flow, halt for user input, respect a cooperative pause, or
// chain the next phase after the commit is durable.
func (e *Engine) completePhase(ctx context.Context, tenant models.Tenant, mf *models.MasterFlow, phase string, out map[string]any) error {
	next, hasNext, err := e.registry.NextPhase(mf.FlowType, phase)
	if err != nil {
		return err
	}

	// Persist the completion even when the base context was canceled by a
	// shutdown mid-handler; a handler that finished must never leave its
	// phase orphaned as in_progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// Re-read the master flow so a pause issued while the handler ran is
	// honored before chaining.
	current, _, err := e.store.GetByMasterFlowID(ctx, tenant, mf.ID)
	if err != nil {
		return err
	}
	paused := current.Status == models.FlowStatusPaused

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := e.store.UpdatePhaseStatus(ctx, tx, tenant, mf.ID, phase, models.PhaseCompleted, out); err != nil {
		return err
	}

	chain := false
	switch {
	case !hasNext:
		if err := e.store.UpdateMasterStatus(ctx, tx, tenant, mf.ID, models.FlowStatusCompleted, phase, ""); err != nil {
			return err
		}
	case paused:
		if err := e.store.UpdateMasterStatus(ctx, tx, tenant, mf.ID, models.FlowStatusPaused, next.Name, ""); err != nil {
			return err
		}
	case next.RequiresInput:
		if err := e.store.UpdatePhaseStatus(ctx, tx, tenant, mf.ID, next.Name, models.PhaseWaitingForInput, nil); err != nil {
			return err
		}
		if err := e.store.UpdateMasterStatus(ctx, tx, tenant, mf.ID, models.FlowStatusPaused, next.Name, ""); err != nil {
			return err
		}
	default:
		if err := e.store.UpdateMasterStatus(ctx, tx, tenant, mf.ID, models.FlowStatusRunning, next.Name, ""); err != nil {
			return err
		}
		chain = true
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.logger.Info("phase completed", "master_flow_id", mf.ID, "phase", phase, "has_next", hasNext)

	// Chain only after the completion is durably committed; phase N+1
	// never starts before phase N's commit.
	if chain {
		select {
		case <-e.baseCtx.Done():
			// Shutting down; the next phase stays pending and a later
			// resume picks it up.
		default:
			e.Schedule(tenant, mf.ID, next.Name, nil)
		}
	}
	return nil
}

func (e *Engine) recordPhase(ctx context.Context, ft models.FlowType, phase string, ok bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("flow_type", string(ft)),
		attribute.String("phase", phase),
		attribute.Bool("success", ok),
	)
	e.phaseCounter.Add(ctx, 1, attrs)
	e.phaseDuration.Record(ctx, elapsed.Seconds(), attrs)
}
