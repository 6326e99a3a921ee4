package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"cloudshift/backend/internal/logging"
	"cloudshift/backend/pkg/models"
)

func TestPostgresFlowStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, Schema); err != nil {
		t.Fatal(err)
	}

	store := NewPostgresFlowStore(pool, logging.NewNop())
	tenant := models.Tenant{ClientID: "acme", EngagementID: "eng-1", UserID: "u1"}

	t.Run("CreateAndGet", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		mf, cf, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.FlowTypeDiscovery, mf.FlowType)
		assert.Equal(t, "emea", mf.Metadata["region"])
		assert.Equal(t, models.PhasePending, cf.PhaseStatus["scan_sources"])
		assert.Equal(t, id, cf.MasterFlowID)
	})

	t.Run("ChildWithoutMasterViolatesForeignKey", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		err = store.CreateChildFlow(ctx, tx, &models.ChildFlow{
			ID: uuid.NewString(), MasterFlowID: uuid.NewString(),
			ClientID: tenant.ClientID, EngagementID: tenant.EngagementID,
			PhaseStatus: map[string]models.PhaseStatus{"p1": models.PhasePending},
		})
		assert.Error(t, err)
	})

	t.Run("RollbackDiscardsBothRecords", func(t *testing.T) {
		masterID := uuid.NewString()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.CreateMasterFlow(ctx, tx, &models.MasterFlow{
			ID: masterID, FlowType: models.FlowTypeDiscovery, Status: models.FlowStatusRunning,
			ClientID: tenant.ClientID, EngagementID: tenant.EngagementID,
		}))
		require.NoError(t, tx.Rollback(ctx))

		_, _, err = store.GetByMasterFlowID(ctx, tenant, masterID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		other := models.Tenant{ClientID: "globex", EngagementID: "eng-1"}
		_, _, err := store.GetByMasterFlowID(ctx, other, id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.ClaimPhase(ctx, other, id, "scan_sources"), ErrNotFound)

		_, _, err = store.GetByMasterFlowID(ctx, models.Tenant{ClientID: "acme"}, id)
		assert.ErrorIs(t, err, ErrMissingTenantScope)
	})

	t.Run("ClaimPhaseCompareAndSet", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		require.NoError(t, store.ClaimPhase(ctx, tenant, id, "scan_sources"))
		mf, cf, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseInProgress, cf.PhaseStatus["scan_sources"])
		assert.Equal(t, models.FlowStatusRunning, mf.Status)
		assert.Equal(t, "scan_sources", mf.CurrentPhase)

		assert.ErrorIs(t, store.ClaimPhase(ctx, tenant, id, "scan_sources"), ErrPhaseAlreadyRunning)
		assert.ErrorIs(t, store.ClaimPhase(ctx, tenant, id, "unknown_phase"), ErrNotFound)
	})

	t.Run("UpdatePhaseStatusPersistsPayload", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.UpdatePhaseStatus(ctx, tx, tenant, id, "scan_sources", models.PhaseCompleted, map[string]any{"assets": float64(3)}))
		require.NoError(t, store.UpdateMasterStatus(ctx, tx, tenant, id, models.FlowStatusRunning, "classify_assets", ""))
		require.NoError(t, tx.Commit(ctx))

		mf, cf, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseCompleted, cf.PhaseStatus["scan_sources"])
		assert.Equal(t, map[string]any{"assets": float64(3)}, cf.PhaseData["scan_sources"])
		assert.Equal(t, "classify_assets", mf.CurrentPhase)
	})

	t.Run("FailureReasonRoundTrip", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.UpdateMasterStatus(ctx, tx, tenant, id, models.FlowStatusFailed, "scan_sources", "handler error: boom"))
		require.NoError(t, tx.Commit(ctx))

		mf, _, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.FlowStatusFailed, mf.Status)
		require.NotNil(t, mf.FailureReason)
		assert.Equal(t, "handler error: boom", *mf.FailureReason)

		// Reclaiming the failed phase clears the reason.
		tx, err = store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.UpdatePhaseStatus(ctx, tx, tenant, id, "scan_sources", models.PhaseFailed, nil))
		require.NoError(t, tx.Commit(ctx))
		require.NoError(t, store.ClaimPhase(ctx, tenant, id, "scan_sources"))
		mf, _, err = store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Nil(t, mf.FailureReason)
	})

	t.Run("ResetPhasesDropsOnlyNamedPayloads", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.UpdatePhaseStatus(ctx, tx, tenant, id, "scan_sources", models.PhaseCompleted, map[string]any{"assets": float64(3)}))
		require.NoError(t, store.UpdatePhaseStatus(ctx, tx, tenant, id, "classify_assets", models.PhaseCompleted, map[string]any{"classes": float64(2)}))
		require.NoError(t, tx.Commit(ctx))

		tx, err = store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.ResetPhases(ctx, tx, tenant, id, []string{"classify_assets"}))
		require.NoError(t, tx.Commit(ctx))

		_, cf, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.PhasePending, cf.PhaseStatus["classify_assets"])
		assert.NotContains(t, cf.PhaseData, "classify_assets")
		assert.Equal(t, models.PhaseCompleted, cf.PhaseStatus["scan_sources"])
		assert.Equal(t, map[string]any{"assets": float64(3)}, cf.PhaseData["scan_sources"])
	})

	t.Run("ResetPhasesRejectsRunningPhase", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		// Claimed between the caller's status read and its reset
		// transaction; the reset must not flip it back to pending.
		require.NoError(t, store.ClaimPhase(ctx, tenant, id, "classify_assets"))

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		err = store.ResetPhases(ctx, tx, tenant, id, []string{"classify_assets"})
		assert.ErrorIs(t, err, ErrPhaseAlreadyRunning)
		require.NoError(t, tx.Rollback(ctx))

		_, cf, err := store.GetByMasterFlowID(ctx, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseInProgress, cf.PhaseStatus["classify_assets"])
	})

	t.Run("SoftDeleteHidesFlow", func(t *testing.T) {
		id := seedFlow(t, store, tenant)

		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SoftDelete(ctx, tx, tenant, id))
		require.NoError(t, tx.Commit(ctx))

		_, _, err = store.GetByMasterFlowID(ctx, tenant, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
