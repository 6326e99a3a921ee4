// Package registry holds the static flow-type catalog: for each flow type,
// the ordered phases, their handlers, and flow-type policy flags. The
// registry is populated once at process start and is read-only afterwards;
// phase sequencing is an auditable contract, never request data.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudshift/backend/internal/agents"
	"cloudshift/backend/pkg/models"
)

var (
	ErrUnknownFlowType = errors.New("unknown flow type")
	ErrUnknownPhase    = errors.New("unknown phase")
	ErrFrozen          = errors.New("registry is frozen")
)

// Input is the fully serializable handler input. Handlers may run in a
// separate execution context, so no live references beyond the workers map
// are passed through.
type Input struct {
	Tenant       models.Tenant
	MasterFlowID string
	Phase        string
	// Config is the flow-type-specific payload supplied to create or
	// retrigger. The core passes it through unvalidated beyond shape.
	Config map[string]any
	// UserInput carries the resume payload for phases that waited on it.
	UserInput map[string]any
	// PriorPhases holds the committed result payloads of completed
	// upstream phases.
	PriorPhases map[string]map[string]any
	// Workers holds one pooled agent per kind declared by the phase.
	Workers map[string]agents.Agent
}

// HandlerFunc executes the business logic of one phase.
type HandlerFunc func(ctx context.Context, in Input) (map[string]any, error)

// PhaseDescriptor describes one ordered step of a flow type's pipeline.
type PhaseDescriptor struct {
	Name              string
	Handler           HandlerFunc
	EstimatedDuration time.Duration
	// RequiresInput marks phases that must wait for an explicit resume
	// with user-supplied data before they run.
	RequiresInput bool
	// WorkerKinds lists the agent kinds the phase needs from the pool.
	WorkerKinds []string
}

// FlowTypeConfig is the static configuration of one flow type. Phase order
// is total and immutable at runtime.
type FlowTypeConfig struct {
	FlowType models.FlowType
	Phases   []PhaseDescriptor
	// AllowRetriggerCompleted permits re-running phases of a flow that
	// already completed. Irreversible flow types set this to false.
	AllowRetriggerCompleted bool
}

// Registry maps flow types to their configuration.
type Registry struct {
	configs map[models.FlowType]FlowTypeConfig
	frozen  bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{configs: make(map[models.FlowType]FlowTypeConfig)}
}

// Register adds a flow type configuration. It fails once the registry has
// been frozen or when the config is malformed.
func (r *Registry) Register(cfg FlowTypeConfig) error {
	if r.frozen {
		return ErrFrozen
	}
	if cfg.FlowType == "" || len(cfg.Phases) == 0 {
		return fmt.Errorf("flow type config for %q must name at least one phase", cfg.FlowType)
	}
	seen := make(map[string]bool, len(cfg.Phases))
	for _, p := range cfg.Phases {
		if p.Name == "" || p.Handler == nil {
			return fmt.Errorf("flow type %q: every phase needs a name and a handler", cfg.FlowType)
		}
		if seen[p.Name] {
			return fmt.Errorf("flow type %q: duplicate phase %q", cfg.FlowType, p.Name)
		}
		seen[p.Name] = true
	}
	if _, exists := r.configs[cfg.FlowType]; exists {
		return fmt.Errorf("flow type %q already registered", cfg.FlowType)
	}
	r.configs[cfg.FlowType] = cfg
	return nil
}

// Freeze marks the registry read-only. Call after startup registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Config returns the configuration for a flow type.
func (r *Registry) Config(ft models.FlowType) (FlowTypeConfig, error) {
	cfg, ok := r.configs[ft]
	if !ok {
		return FlowTypeConfig{}, fmt.Errorf("%w: %s", ErrUnknownFlowType, ft)
	}
	return cfg, nil
}

// Phases returns the ordered phase descriptors for a flow type.
func (r *Registry) Phases(ft models.FlowType) ([]PhaseDescriptor, error) {
	cfg, err := r.Config(ft)
	if err != nil {
		return nil, err
	}
	return cfg.Phases, nil
}

// Phase returns a single phase descriptor.
func (r *Registry) Phase(ft models.FlowType, name string) (PhaseDescriptor, error) {
	cfg, err := r.Config(ft)
	if err != nil {
		return PhaseDescriptor{}, err
	}
	for _, p := range cfg.Phases {
		if p.Name == name {
			return p, nil
		}
	}
	return PhaseDescriptor{}, fmt.Errorf("%w: %s/%s", ErrUnknownPhase, ft, name)
}

// Handler resolves the handler bound to (flow type, phase).
func (r *Registry) Handler(ft models.FlowType, name string) (HandlerFunc, error) {
	p, err := r.Phase(ft, name)
	if err != nil {
		return nil, err
	}
	return p.Handler, nil
}

// NextPhase returns the phase following name in the flow type's order.
// ok is false when name is the last phase.
func (r *Registry) NextPhase(ft models.FlowType, name string) (PhaseDescriptor, bool, error) {
	cfg, err := r.Config(ft)
	if err != nil {
		return PhaseDescriptor{}, false, err
	}
	for i, p := range cfg.Phases {
		if p.Name == name {
			if i+1 < len(cfg.Phases) {
				return cfg.Phases[i+1], true, nil
			}
			return PhaseDescriptor{}, false, nil
		}
	}
	return PhaseDescriptor{}, false, fmt.Errorf("%w: %s/%s", ErrUnknownPhase, ft, name)
}

// Downstream returns name and every phase after it, in order. Retrigger
// resets exactly this set.
func (r *Registry) Downstream(ft models.FlowType, name string) ([]string, error) {
	cfg, err := r.Config(ft)
	if err != nil {
		return nil, err
	}
	for i, p := range cfg.Phases {
		if p.Name == name {
			out := make([]string, 0, len(cfg.Phases)-i)
			for _, q := range cfg.Phases[i:] {
				out = append(out, q.Name)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPhase, ft, name)
}

// Upstream returns the names of phases strictly before name, in order.
func (r *Registry) Upstream(ft models.FlowType, name string) ([]string, error) {
	cfg, err := r.Config(ft)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range cfg.Phases {
		if p.Name == name {
			return out, nil
		}
		out = append(out, p.Name)
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPhase, ft, name)
}
