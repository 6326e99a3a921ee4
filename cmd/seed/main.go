// Seed prepares a database for local development: it applies the flow
// schema and creates one demo discovery flow in a pending state so the UI
// has something to poll.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cloudshift/backend/internal/config"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/internal/phases"
	"cloudshift/backend/internal/registry"
	"cloudshift/backend/internal/repository"
	"cloudshift/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	configPath := flag.String("config", "", "Path to config file")
	withDemo := flag.Bool("demo", false, "Also create a demo discovery flow")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, repository.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Schema applied")

	if !*withDemo {
		logger.Info("Seeding complete!")
		return
	}

	reg := registry.New()
	if err := phases.RegisterBuiltin(reg); err != nil {
		log.Fatalf("Failed to register flow types: %v", err)
	}
	reg.Freeze()

	store := repository.NewPostgresFlowStore(pool, logger)
	tenant := models.Tenant{ClientID: "demo-client", EngagementID: "demo-engagement", UserID: "seed-script"}

	descriptors, err := reg.Phases(models.FlowTypeDiscovery)
	if err != nil {
		log.Fatalf("Failed to read discovery phases: %v", err)
	}

	mf := &models.MasterFlow{
		ID:           uuid.New().String(),
		FlowType:     models.FlowTypeDiscovery,
		Status:       models.FlowStatusPaused,
		CurrentPhase: descriptors[0].Name,
		ClientID:     tenant.ClientID,
		EngagementID: tenant.EngagementID,
		CreatedBy:    tenant.UserID,
		Metadata:     map[string]any{"source": "seed"},
	}
	phaseStatus := make(map[string]models.PhaseStatus, len(descriptors))
	for _, d := range descriptors {
		phaseStatus[d.Name] = models.PhasePending
	}
	cf := &models.ChildFlow{
		ID:           uuid.New().String(),
		MasterFlowID: mf.ID,
		ClientID:     tenant.ClientID,
		EngagementID: tenant.EngagementID,
		PhaseStatus:  phaseStatus,
		PhaseData:    map[string]map[string]any{},
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := store.CreateMasterFlow(ctx, tx, mf); err != nil {
		tx.Rollback(ctx)
		log.Fatalf("Failed to create demo master flow: %v", err)
	}
	if err := store.CreateChildFlow(ctx, tx, cf); err != nil {
		tx.Rollback(ctx)
		log.Fatalf("Failed to create demo child flow: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit demo flow: %v", err)
	}

	logger.Info("Seeded demo flow", "master_flow_id", mf.ID, "client_id", tenant.ClientID)
	logger.Info("Seeding complete!")
}
