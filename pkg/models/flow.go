// Package models defines the domain models for the migration platform.
package models

import (
	"time"
)

// FlowType identifies one of the platform's workflow pipelines.
type FlowType string

const (
	FlowTypeDiscovery    FlowType = "discovery"
	FlowTypeCollection   FlowType = "collection"
	FlowTypeAssessment   FlowType = "assessment"
	FlowTypePlanning     FlowType = "planning"
	FlowTypeDecommission FlowType = "decommission"
)

// FlowStatus is the externally visible status of a master flow.
type FlowStatus string

const (
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusPaused    FlowStatus = "paused"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
)

// Terminal reports whether no further phase execution is expected.
func (s FlowStatus) Terminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusFailed
}

// PhaseStatus is the per-phase execution state.
type PhaseStatus string

const (
	PhasePending         PhaseStatus = "pending"
	PhaseInProgress      PhaseStatus = "in_progress"
	PhaseCompleted       PhaseStatus = "completed"
	PhaseFailed          PhaseStatus = "failed"
	PhaseWaitingForInput PhaseStatus = "waiting_for_input"
)

// Terminal reports whether the phase reached an end state for this attempt.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseWaitingForInput
}

// MasterFlow is the single externally addressable identity of a workflow
// instance. Its ID never changes after creation and its status is mutated
// only through the orchestrator.
type MasterFlow struct {
	ID            string         `json:"id" db:"id"`
	FlowType      FlowType       `json:"flow_type" db:"flow_type"`
	Status        FlowStatus     `json:"status" db:"status"`
	CurrentPhase  string         `json:"current_phase" db:"current_phase"`
	ClientID      string         `json:"client_id" db:"client_id"`
	EngagementID  string         `json:"engagement_id" db:"engagement_id"`
	CreatedBy     string         `json:"created_by,omitempty" db:"created_by"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"metadata"`
	FailureReason *string        `json:"failure_reason,omitempty" db:"failure_reason"`
	DeletedAt     *time.Time     `json:"-" db:"deleted_at"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// ChildFlow carries the flow-type-specific operational state. It is owned by
// exactly one MasterFlow, created in the same transaction, and its ID is
// never exposed to callers.
type ChildFlow struct {
	ID           string                    `json:"id" db:"id"`
	MasterFlowID string                    `json:"master_flow_id" db:"master_flow_id"`
	ClientID     string                    `json:"client_id" db:"client_id"`
	EngagementID string                    `json:"engagement_id" db:"engagement_id"`
	PhaseStatus  map[string]PhaseStatus    `json:"phase_status" db:"phase_status"`
	PhaseData    map[string]map[string]any `json:"phase_data" db:"phase_data"`
	DeletedAt    *time.Time                `json:"-" db:"deleted_at"`
	CreatedAt    time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at" db:"updated_at"`
}

// FlowStatusReport is the polling view returned by getStatus. Phase payloads
// are summarized, never returned whole.
type FlowStatusReport struct {
	MasterFlowID  string                 `json:"master_flow_id"`
	FlowType      FlowType               `json:"flow_type"`
	Status        FlowStatus             `json:"status"`
	CurrentPhase  string                 `json:"current_phase"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	PhaseStatus   map[string]PhaseStatus `json:"phase_status"`
	PhaseSummary  map[string]any         `json:"phase_data_summary,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}
