// Package agents talks to the inference sidecar that hosts the stateful AI
// workers driving phase execution. Sessions are expensive to open, so they
// are created once per (tenant, kind) and cached by the agent pool.
package agents

import (
	"context"

	"cloudshift/backend/pkg/models"
)

// Agent is a ready-to-use worker bound to a tenant session.
type Agent interface {
	// Kind returns the worker kind this agent was created for.
	Kind() string
	// Complete runs a task against the agent's session and returns the
	// structured result.
	Complete(ctx context.Context, task string, payload map[string]any) (map[string]any, error)
	// Close releases the remote session and any resources it holds.
	Close(ctx context.Context) error
}

// Factory constructs agents. Construction is the expensive cold-start step
// the pool amortizes.
type Factory interface {
	New(ctx context.Context, tenant models.Tenant, kind string) (Agent, error)
}
