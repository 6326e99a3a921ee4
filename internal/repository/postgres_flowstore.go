package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cloudshift/backend/internal/logging"
	"cloudshift/backend/pkg/models"
)

// PostgresFlowStore is a PostgreSQL implementation of the FlowStore
// interface. Phase status and phase data live in JSONB columns; the claim
// guard is a single conditional UPDATE on the serialized status.
type PostgresFlowStore struct {
	db     *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresFlowStore creates a new PostgresFlowStore.
func NewPostgresFlowStore(db *pgxpool.Pool, logger *logging.Logger) *PostgresFlowStore {
	return &PostgresFlowStore{db: db, logger: logger}
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func unwrapTx(tx Tx) (pgx.Tx, error) {
	p, ok := tx.(*pgxTx)
	if !ok || p == nil {
		return nil, fmt.Errorf("transaction does not belong to this store")
	}
	return p.tx, nil
}

// Begin opens a transaction.
func (s *PostgresFlowStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgxTx{tx: tx}, nil
}

// Ping verifies store connectivity.
func (s *PostgresFlowStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateMasterFlow inserts a new master flow inside tx.
func (s *PostgresFlowStore) CreateMasterFlow(ctx context.Context, tx Tx, mf *models.MasterFlow) error {
	if mf.ClientID == "" || mf.EngagementID == "" {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	metadata := mf.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	err = ptx.QueryRow(ctx,
		`INSERT INTO master_flows (id, flow_type, status, current_phase, client_id, engagement_id, created_by, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		mf.ID, mf.FlowType, mf.Status, mf.CurrentPhase, mf.ClientID, mf.EngagementID, mf.CreatedBy, metadata,
	).Scan(&mf.CreatedAt, &mf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert master flow: %w", err)
	}
	return nil
}

// CreateChildFlow inserts the child flow inside tx. The foreign key to
// master_flows enforces that the master row is already flushed within the
// same open transaction.
func (s *PostgresFlowStore) CreateChildFlow(ctx context.Context, tx Tx, cf *models.ChildFlow) error {
	if cf.ClientID == "" || cf.EngagementID == "" {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	status := cf.PhaseStatus
	if status == nil {
		status = map[string]models.PhaseStatus{}
	}
	data := cf.PhaseData
	if data == nil {
		data = map[string]map[string]any{}
	}
	err = ptx.QueryRow(ctx,
		`INSERT INTO child_flows (id, master_flow_id, client_id, engagement_id, phase_status, phase_data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		cf.ID, cf.MasterFlowID, cf.ClientID, cf.EngagementID, status, data,
	).Scan(&cf.CreatedAt, &cf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert child flow: %w", err)
	}
	return nil
}

// GetByMasterFlowID loads both records, tenant-scoped. Ids owned by another
// tenant come back as ErrNotFound, never as an authorization error.
func (s *PostgresFlowStore) GetByMasterFlowID(ctx context.Context, tenant models.Tenant, masterFlowID string) (*models.MasterFlow, *models.ChildFlow, error) {
	if !tenant.Scoped() {
		return nil, nil, ErrMissingTenantScope
	}

	var mf models.MasterFlow
	err := s.db.QueryRow(ctx,
		`SELECT id, flow_type, status, current_phase, client_id, engagement_id, created_by, metadata, failure_reason, deleted_at, created_at, updated_at
		 FROM master_flows
		 WHERE id = $1 AND client_id = $2 AND engagement_id = $3 AND deleted_at IS NULL`,
		masterFlowID, tenant.ClientID, tenant.EngagementID,
	).Scan(&mf.ID, &mf.FlowType, &mf.Status, &mf.CurrentPhase, &mf.ClientID, &mf.EngagementID,
		&mf.CreatedBy, &mf.Metadata, &mf.FailureReason, &mf.DeletedAt, &mf.CreatedAt, &mf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select master flow: %w", err)
	}

	var cf models.ChildFlow
	err = s.db.QueryRow(ctx,
		`SELECT id, master_flow_id, client_id, engagement_id, phase_status, phase_data, deleted_at, created_at, updated_at
		 FROM child_flows
		 WHERE master_flow_id = $1 AND client_id = $2 AND engagement_id = $3 AND deleted_at IS NULL`,
		masterFlowID, tenant.ClientID, tenant.EngagementID,
	).Scan(&cf.ID, &cf.MasterFlowID, &cf.ClientID, &cf.EngagementID,
		&cf.PhaseStatus, &cf.PhaseData, &cf.DeletedAt, &cf.CreatedAt, &cf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select child flow: %w", err)
	}

	return &mf, &cf, nil
}

// ClaimPhase is the concurrency guard: a conditional UPDATE that only
// succeeds when the stored phase status is claimable. Because the check and
// the write are one statement, two concurrent claims can never both win.
func (s *PostgresFlowStore) ClaimPhase(ctx context.Context, tenant models.Tenant, masterFlowID, phase string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE child_flows
		 SET phase_status = jsonb_set(phase_status, ARRAY[$1], '"in_progress"'), updated_at = now()
		 WHERE master_flow_id = $2 AND client_id = $3 AND engagement_id = $4 AND deleted_at IS NULL
		   AND phase_status->>$1 IN ('pending', 'waiting_for_input', 'failed')`,
		phase, masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("claim phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current *string
		err := tx.QueryRow(ctx,
			`SELECT phase_status->>$1 FROM child_flows
			 WHERE master_flow_id = $2 AND client_id = $3 AND engagement_id = $4 AND deleted_at IS NULL`,
			phase, masterFlowID, tenant.ClientID, tenant.EngagementID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && current == nil) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s is %s", ErrPhaseAlreadyRunning, phase, derefOr(current, "unknown"))
	}

	_, err = tx.Exec(ctx,
		`UPDATE master_flows
		 SET status = $1, current_phase = $2, failure_reason = NULL, updated_at = now()
		 WHERE id = $3 AND client_id = $4 AND engagement_id = $5 AND deleted_at IS NULL`,
		models.FlowStatusRunning, phase, masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("mark master flow running: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdatePhaseStatus sets a phase's status and, when data is non-nil, its
// result payload.
func (s *PostgresFlowStore) UpdatePhaseStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID, phase string, status models.PhaseStatus, data map[string]any) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if data == nil {
		tag, err = ptx.Exec(ctx,
			`UPDATE child_flows
			 SET phase_status = jsonb_set(phase_status, ARRAY[$1], to_jsonb($2::text)), updated_at = now()
			 WHERE master_flow_id = $3 AND client_id = $4 AND engagement_id = $5 AND deleted_at IS NULL`,
			phase, string(status), masterFlowID, tenant.ClientID, tenant.EngagementID)
	} else {
		tag, err = ptx.Exec(ctx,
			`UPDATE child_flows
			 SET phase_status = jsonb_set(phase_status, ARRAY[$1], to_jsonb($2::text)),
			     phase_data = jsonb_set(phase_data, ARRAY[$1], $3::jsonb),
			     updated_at = now()
			 WHERE master_flow_id = $4 AND client_id = $5 AND engagement_id = $6 AND deleted_at IS NULL`,
			phase, string(status), data, masterFlowID, tenant.ClientID, tenant.EngagementID)
	}
	if err != nil {
		return fmt.Errorf("update phase status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMasterStatus sets the master flow status, current phase and failure
// reason (empty reason clears it).
func (s *PostgresFlowStore) UpdateMasterStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, status models.FlowStatus, currentPhase, reason string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}
	tag, err := ptx.Exec(ctx,
		`UPDATE master_flows
		 SET status = $1, current_phase = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $4 AND client_id = $5 AND engagement_id = $6 AND deleted_at IS NULL`,
		status, currentPhase, failureReason, masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("update master status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata replaces the master flow's metadata payload.
func (s *PostgresFlowStore) UpdateMetadata(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, metadata map[string]any) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := ptx.Exec(ctx,
		`UPDATE master_flows SET metadata = $1, updated_at = now()
		 WHERE id = $2 AND client_id = $3 AND engagement_id = $4 AND deleted_at IS NULL`,
		metadata, masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPhases moves the named phases back to pending and drops their
// payloads. Upstream phases keep status and data untouched.
func (s *PostgresFlowStore) ResetPhases(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, phases []string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	for _, phase := range phases {
		// Conditional like ClaimPhase: a phase currently in_progress must
		// not be flipped back to pending underneath its running handler.
		tag, err := ptx.Exec(ctx,
			`UPDATE child_flows
			 SET phase_status = jsonb_set(phase_status, ARRAY[$1], '"pending"'),
			     phase_data = phase_data - $1,
			     updated_at = now()
			 WHERE master_flow_id = $2 AND client_id = $3 AND engagement_id = $4 AND deleted_at IS NULL
			   AND (phase_status->>$1) IS DISTINCT FROM 'in_progress'`,
			phase, masterFlowID, tenant.ClientID, tenant.EngagementID)
		if err != nil {
			return fmt.Errorf("reset phase %s: %w", phase, err)
		}
		if tag.RowsAffected() == 0 {
			var current *string
			err := ptx.QueryRow(ctx,
				`SELECT phase_status->>$1 FROM child_flows
				 WHERE master_flow_id = $2 AND client_id = $3 AND engagement_id = $4 AND deleted_at IS NULL`,
				phase, masterFlowID, tenant.ClientID, tenant.EngagementID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("reset phase %s: %w", phase, err)
			}
			return fmt.Errorf("%w: %s is in_progress", ErrPhaseAlreadyRunning, phase)
		}
	}
	return nil
}

// SoftDelete marks both records deleted. Rows stay for audit; every read
// filters them out.
func (s *PostgresFlowStore) SoftDelete(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	ptx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	tag, err := ptx.Exec(ctx,
		`UPDATE master_flows SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND client_id = $2 AND engagement_id = $3 AND deleted_at IS NULL`,
		masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("soft delete master flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = ptx.Exec(ctx,
		`UPDATE child_flows SET deleted_at = now(), updated_at = now()
		 WHERE master_flow_id = $1 AND client_id = $2 AND engagement_id = $3 AND deleted_at IS NULL`,
		masterFlowID, tenant.ClientID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("soft delete child flow: %w", err)
	}
	return nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
