// Package repository persists master and child flow records. It is the
// single source of truth for flow and phase status; the in_progress guard
// lives here as a compare-and-set on the persisted phase status, so it
// holds across process restarts.
package repository

import (
	"context"
	"errors"

	"cloudshift/backend/pkg/models"
)

var (
	// ErrNotFound is returned for unknown ids and for ids owned by a
	// different tenant; callers never learn which.
	ErrNotFound = errors.New("flow not found")
	// ErrMissingTenantScope rejects any operation without both tenant
	// identifiers. Queries are never silently unscoped.
	ErrMissingTenantScope = errors.New("missing tenant scope")
	// ErrPhaseAlreadyRunning is the claim conflict: the phase is already
	// in_progress or completed for this flow.
	ErrPhaseAlreadyRunning = errors.New("phase already running or completed")
)

// Tx is an open transaction boundary over the store.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// FlowStore is the durable store for MasterFlow and ChildFlow records.
// Mutations that must be atomic together take an explicit Tx.
type FlowStore interface {
	// Begin opens a transaction.
	Begin(ctx context.Context) (Tx, error)

	// CreateMasterFlow inserts a new master flow inside tx.
	CreateMasterFlow(ctx context.Context, tx Tx, mf *models.MasterFlow) error

	// CreateChildFlow inserts the child flow inside tx. The master flow
	// row must already exist within the same open transaction.
	CreateChildFlow(ctx context.Context, tx Tx, cf *models.ChildFlow) error

	// GetByMasterFlowID loads both records, tenant-scoped.
	GetByMasterFlowID(ctx context.Context, tenant models.Tenant, masterFlowID string) (*models.MasterFlow, *models.ChildFlow, error)

	// ClaimPhase atomically moves a phase from pending, waiting_for_input
	// or failed to in_progress and marks the master flow running with
	// current_phase set. It runs in its own short transaction and returns
	// ErrPhaseAlreadyRunning when the phase is in_progress or completed.
	ClaimPhase(ctx context.Context, tenant models.Tenant, masterFlowID, phase string) error

	// UpdatePhaseStatus sets a phase's status, and its result payload
	// when data is non-nil.
	UpdatePhaseStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID, phase string, status models.PhaseStatus, data map[string]any) error

	// UpdateMasterStatus sets the master flow status, current phase and
	// optional human-readable failure reason.
	UpdateMasterStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, status models.FlowStatus, currentPhase, reason string) error

	// UpdateMetadata replaces the master flow's opaque metadata payload.
	UpdateMetadata(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, metadata map[string]any) error

	// ResetPhases moves the named phases back to pending and discards
	// their result payloads. Phases not named keep data untouched.
	ResetPhases(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, phases []string) error

	// SoftDelete marks the master flow and its child flow deleted.
	SoftDelete(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string) error

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
}
