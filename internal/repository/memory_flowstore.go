package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"cloudshift/backend/pkg/models"
)

// MemoryFlowStore is an in-memory FlowStore used by tests and local dev.
// It mirrors the transactional semantics of the Postgres store: writes made
// through a Tx stage until Commit and apply atomically under one lock.
type MemoryFlowStore struct {
	mu       sync.Mutex
	masters  map[string]*models.MasterFlow
	children map[string]*models.ChildFlow // keyed by master flow id
}

// NewMemoryFlowStore creates an empty MemoryFlowStore.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		masters:  make(map[string]*models.MasterFlow),
		children: make(map[string]*models.ChildFlow),
	}
}

type memTx struct {
	store *MemoryFlowStore
	ops   []func() error
	done  bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.ops = nil
	t.done = true
	return nil
}

func (s *MemoryFlowStore) stage(tx Tx, op func() error) error {
	t, ok := tx.(*memTx)
	if !ok || t.store != s {
		return fmt.Errorf("transaction does not belong to this store")
	}
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.ops = append(t.ops, op)
	return nil
}

// Begin opens a transaction.
func (s *MemoryFlowStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

// Ping verifies store connectivity.
func (s *MemoryFlowStore) Ping(ctx context.Context) error { return nil }

// CreateMasterFlow stages a master flow insert.
func (s *MemoryFlowStore) CreateMasterFlow(ctx context.Context, tx Tx, mf *models.MasterFlow) error {
	if mf.ClientID == "" || mf.EngagementID == "" {
		return ErrMissingTenantScope
	}
	record := *mf
	record.Metadata = maps.Clone(mf.Metadata)
	now := time.Now()
	record.CreatedAt, record.UpdatedAt = now, now
	mf.CreatedAt, mf.UpdatedAt = now, now
	return s.stage(tx, func() error {
		if _, exists := s.masters[record.ID]; exists {
			return fmt.Errorf("master flow %s already exists", record.ID)
		}
		s.masters[record.ID] = &record
		return nil
	})
}

// CreateChildFlow stages a child flow insert. Like the SQL foreign key, it
// fails unless the master flow was created earlier in the same transaction
// or already committed.
func (s *MemoryFlowStore) CreateChildFlow(ctx context.Context, tx Tx, cf *models.ChildFlow) error {
	if cf.ClientID == "" || cf.EngagementID == "" {
		return ErrMissingTenantScope
	}
	record := *cf
	record.PhaseStatus = maps.Clone(cf.PhaseStatus)
	if record.PhaseStatus == nil {
		record.PhaseStatus = map[string]models.PhaseStatus{}
	}
	record.PhaseData = clonePhaseData(cf.PhaseData)
	now := time.Now()
	record.CreatedAt, record.UpdatedAt = now, now
	cf.CreatedAt, cf.UpdatedAt = now, now
	return s.stage(tx, func() error {
		if _, ok := s.masters[record.MasterFlowID]; !ok {
			return fmt.Errorf("master flow %s not flushed before child flow", record.MasterFlowID)
		}
		if _, exists := s.children[record.MasterFlowID]; exists {
			return fmt.Errorf("child flow for %s already exists", record.MasterFlowID)
		}
		s.children[record.MasterFlowID] = &record
		return nil
	})
}

func (s *MemoryFlowStore) lookup(tenant models.Tenant, masterFlowID string) (*models.MasterFlow, *models.ChildFlow, error) {
	mf, ok := s.masters[masterFlowID]
	if !ok || mf.DeletedAt != nil || mf.ClientID != tenant.ClientID || mf.EngagementID != tenant.EngagementID {
		return nil, nil, ErrNotFound
	}
	cf, ok := s.children[masterFlowID]
	if !ok || cf.DeletedAt != nil {
		return nil, nil, ErrNotFound
	}
	return mf, cf, nil
}

// GetByMasterFlowID loads deep copies of both records, tenant-scoped.
func (s *MemoryFlowStore) GetByMasterFlowID(ctx context.Context, tenant models.Tenant, masterFlowID string) (*models.MasterFlow, *models.ChildFlow, error) {
	if !tenant.Scoped() {
		return nil, nil, ErrMissingTenantScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, cf, err := s.lookup(tenant, masterFlowID)
	if err != nil {
		return nil, nil, err
	}
	mfCopy := *mf
	mfCopy.Metadata = maps.Clone(mf.Metadata)
	cfCopy := *cf
	cfCopy.PhaseStatus = maps.Clone(cf.PhaseStatus)
	cfCopy.PhaseData = clonePhaseData(cf.PhaseData)
	return &mfCopy, &cfCopy, nil
}

// ClaimPhase applies the compare-and-set immediately, like the Postgres
// store's single-statement claim.
func (s *MemoryFlowStore) ClaimPhase(ctx context.Context, tenant models.Tenant, masterFlowID, phase string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, cf, err := s.lookup(tenant, masterFlowID)
	if err != nil {
		return err
	}
	current, ok := cf.PhaseStatus[phase]
	if !ok {
		return ErrNotFound
	}
	switch current {
	case models.PhasePending, models.PhaseWaitingForInput, models.PhaseFailed:
	default:
		return fmt.Errorf("%w: %s is %s", ErrPhaseAlreadyRunning, phase, current)
	}
	cf.PhaseStatus[phase] = models.PhaseInProgress
	cf.UpdatedAt = time.Now()
	mf.Status = models.FlowStatusRunning
	mf.CurrentPhase = phase
	mf.FailureReason = nil
	mf.UpdatedAt = time.Now()
	return nil
}

// UpdatePhaseStatus stages a phase status (and optional payload) write.
func (s *MemoryFlowStore) UpdatePhaseStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID, phase string, status models.PhaseStatus, data map[string]any) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	payload := maps.Clone(data)
	return s.stage(tx, func() error {
		_, cf, err := s.lookup(tenant, masterFlowID)
		if err != nil {
			return err
		}
		cf.PhaseStatus[phase] = status
		if payload != nil {
			if cf.PhaseData == nil {
				cf.PhaseData = map[string]map[string]any{}
			}
			cf.PhaseData[phase] = payload
		}
		cf.UpdatedAt = time.Now()
		return nil
	})
}

// UpdateMasterStatus stages a master status write.
func (s *MemoryFlowStore) UpdateMasterStatus(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, status models.FlowStatus, currentPhase, reason string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	return s.stage(tx, func() error {
		mf, _, err := s.lookup(tenant, masterFlowID)
		if err != nil {
			return err
		}
		mf.Status = status
		mf.CurrentPhase = currentPhase
		if reason != "" {
			r := reason
			mf.FailureReason = &r
		} else {
			mf.FailureReason = nil
		}
		mf.UpdatedAt = time.Now()
		return nil
	})
}

// UpdateMetadata stages a metadata replacement.
func (s *MemoryFlowStore) UpdateMetadata(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, metadata map[string]any) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	payload := maps.Clone(metadata)
	return s.stage(tx, func() error {
		mf, _, err := s.lookup(tenant, masterFlowID)
		if err != nil {
			return err
		}
		if payload == nil {
			mf.Metadata = map[string]any{}
		} else {
			mf.Metadata = payload
		}
		mf.UpdatedAt = time.Now()
		return nil
	})
}

// ResetPhases stages resets of the named phases to pending.
func (s *MemoryFlowStore) ResetPhases(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string, phases []string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	names := append([]string(nil), phases...)
	return s.stage(tx, func() error {
		_, cf, err := s.lookup(tenant, masterFlowID)
		if err != nil {
			return err
		}
		for _, phase := range names {
			if cf.PhaseStatus[phase] == models.PhaseInProgress {
				return fmt.Errorf("%w: %s is in_progress", ErrPhaseAlreadyRunning, phase)
			}
		}
		for _, phase := range names {
			cf.PhaseStatus[phase] = models.PhasePending
			delete(cf.PhaseData, phase)
		}
		cf.UpdatedAt = time.Now()
		return nil
	})
}

// SoftDelete stages deletion marks on both records.
func (s *MemoryFlowStore) SoftDelete(ctx context.Context, tx Tx, tenant models.Tenant, masterFlowID string) error {
	if !tenant.Scoped() {
		return ErrMissingTenantScope
	}
	return s.stage(tx, func() error {
		mf, cf, err := s.lookup(tenant, masterFlowID)
		if err != nil {
			return err
		}
		now := time.Now()
		mf.DeletedAt = &now
		cf.DeletedAt = &now
		return nil
	})
}

func clonePhaseData(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for k, v := range in {
		out[k] = maps.Clone(v)
	}
	return out
}
