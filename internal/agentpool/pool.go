// Package agentpool caches one live agent per (tenant, worker kind) so the
// cold-start cost of a sidecar session is paid once per tenant, not once
// per phase. Entries are evicted after an idle threshold.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloudshift/backend/internal/agents"
	"cloudshift/backend/internal/logging"
	"cloudshift/backend/pkg/models"
)

// ErrWorkerCreationFailed wraps agent construction failures. No stale entry
// remains after it is returned; callers must back off before retrying.
var ErrWorkerCreationFailed = errors.New("worker creation failed")

// entry tracks one cached agent. ready is closed once construction settles;
// agent/err are immutable after that. lastUsed and leases are guarded by
// the pool mutex; leases counts the phases currently holding the agent.
type entry struct {
	ready    chan struct{}
	agent    agents.Agent
	err      error
	lastUsed time.Time
	leases   int
}

// Pool hands out tenant-bound agents, constructing each on first use.
// Construction for distinct keys never serializes; concurrent first-requests
// for the same key await the single construction.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory agents.Factory
	idleTTL time.Duration
	logger  *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pool. idleTTL bounds how long an unused agent stays cached.
func New(factory agents.Factory, idleTTL time.Duration, logger *logging.Logger) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		factory: factory,
		idleTTL: idleTTL,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Acquire returns the cached agent for (tenant, kind), constructing it on
// first use. The agent is leased to the caller and stays owned by the pool:
// callers must not close it and must Release it when the phase is done.
func (p *Pool) Acquire(ctx context.Context, tenant models.Tenant, kind string) (agents.Agent, error) {
	if !tenant.Scoped() {
		return nil, fmt.Errorf("%w: unscoped tenant", ErrWorkerCreationFailed)
	}
	key := tenant.PoolKey(kind)

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		p.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			// The creator already removed the entry; surface its error.
			return nil, e.err
		}
		p.lease(key)
		return e.agent, nil
	}

	e = &entry{ready: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	agent, err := p.factory.New(ctx, tenant, kind)

	p.mu.Lock()
	if err != nil {
		delete(p.entries, key)
		e.err = fmt.Errorf("%w: %s: %v", ErrWorkerCreationFailed, key, err)
	} else {
		e.agent = agent
		e.lastUsed = time.Now()
		e.leases = 1
	}
	p.mu.Unlock()
	close(e.ready)

	if e.err != nil {
		return nil, e.err
	}
	p.logger.Info("agent created", "key", key, "kind", kind)
	return agent, nil
}

func (p *Pool) lease(key string) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		e.leases++
	}
	p.mu.Unlock()
}

// Release returns a leased agent to the pool. The idle clock starts once
// the last lease is gone.
func (p *Pool) Release(tenant models.Tenant, kind string) {
	p.mu.Lock()
	if e, ok := p.entries[tenant.PoolKey(kind)]; ok && e.leases > 0 {
		e.leases--
		e.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// EvictIdle removes and disposes entries unused for longer than threshold.
// Leased entries are never evicted, however long their handler runs. It
// returns the number of evicted agents.
func (p *Pool) EvictIdle(ctx context.Context, threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	p.mu.Lock()
	var victims []agents.Agent
	for key, e := range p.entries {
		select {
		case <-e.ready:
		default:
			continue // still constructing
		}
		if e.err == nil && e.leases == 0 && e.lastUsed.Before(cutoff) {
			victims = append(victims, e.agent)
			delete(p.entries, key)
			p.logger.Debug("evicting idle agent", "key", key)
		}
	}
	p.mu.Unlock()

	for _, a := range victims {
		if err := a.Close(ctx); err != nil {
			p.logger.Warn("failed to close evicted agent", "kind", a.Kind(), "error", err)
		}
	}
	return len(victims)
}

// StartJanitor runs periodic idle eviction until Close is called.
func (p *Pool) StartJanitor(interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.EvictIdle(context.Background(), p.idleTTL)
			}
		}
	}()
}

// Size returns the number of live entries. Used by health reporting.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the janitor and disposes every cached agent.
func (p *Pool) Close(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	remaining := make([]agents.Agent, 0, len(p.entries))
	for key, e := range p.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				remaining = append(remaining, e.agent)
			}
		default:
		}
		delete(p.entries, key)
	}
	p.mu.Unlock()

	for _, a := range remaining {
		if err := a.Close(ctx); err != nil {
			p.logger.Warn("failed to close agent on shutdown", "kind", a.Kind(), "error", err)
		}
	}
}
