// Package density maintains per-pattern confidence state that governs how
// much diagnostic trace the engine retains. Patterns that keep proving
// themselves earn lighter tracing; any anomaly sends them back to full.
package density

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Tracker holds pattern density state per tenant. All mutation goes through
// Apply, which serializes read-modify-write per signature; the engine batches
// observations during evaluation and applies them in one pass afterwards.
type Tracker struct {
	mu     sync.Mutex
	cfg    domain.DensityConfig
	repo   domain.Repository // nil disables persistence
	states map[string]map[string]*domain.PatternDensity
	loaded map[string]bool
}

// NewTracker creates a tracker backed by the given repository.
func NewTracker(cfg domain.DensityConfig, repo domain.Repository) *Tracker {
	if cfg.Growth <= 0 {
		cfg = domain.DefaultDensityConfig()
	}
	return &Tracker{
		cfg:    cfg,
		repo:   repo,
		states: make(map[string]map[string]*domain.PatternDensity),
		loaded: make(map[string]bool),
	}
}

// Observation is the outcome feedback for one signature over one batch.
type Observation struct {
	PlanID      string
	ComponentID string
	VariantID   string

	// Executions is how many individuals exercised the pattern.
	Executions int64

	// Anomalies counts data-quality findings attributed to the pattern.
	Anomalies int64

	// Corrections counts user corrections reported against the pattern.
	Corrections int64
}

// Signature returns the deterministic signature for the observation's key.
func (o Observation) Signature() string {
	return domain.DensitySignature(o.PlanID, o.ComponentID, o.VariantID)
}

// ResolveMode returns the trace verbosity for a signature. A never-seen
// signature always gets full_trace, regardless of how other signatures in
// the batch are behaving.
func (t *Tracker) ResolveMode(ctx context.Context, tenantID, signature string) domain.ExecutionMode {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureLoaded(ctx, tenantID)

	state, ok := t.states[tenantID][signature]
	if !ok {
		return domain.ModeFullTrace
	}
	return state.Mode
}

// Apply folds a batch's observations into the density state in a single
// synchronized pass and persists the updated signatures.
func (t *Tracker) Apply(ctx context.Context, tenantID string, observations []Observation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureLoaded(ctx, tenantID)
	tenant := t.states[tenantID]
	if tenant == nil {
		tenant = make(map[string]*domain.PatternDensity)
		t.states[tenantID] = tenant
	}

	now := time.Now().UTC()
	for _, obs := range observations {
		if obs.Executions <= 0 {
			continue
		}
		sig := obs.Signature()

		state, ok := tenant[sig]
		if !ok {
			state = &domain.PatternDensity{
				Signature:   sig,
				TenantID:    tenantID,
				PlanID:      obs.PlanID,
				ComponentID: obs.ComponentID,
				VariantID:   obs.VariantID,
				Mode:        domain.ModeFullTrace,
			}
			tenant[sig] = state
		}

		state.TotalExecutions += obs.Executions
		state.LastAnomalyRate = float64(obs.Anomalies) / float64(obs.Executions)
		state.UpdatedAt = now

		if obs.Anomalies == 0 && obs.Corrections == 0 {
			state.CleanStreak += obs.Executions
			state.Confidence = min(1.0, state.Confidence+t.cfg.Growth)
			state.Mode = t.modeFor(state)
		} else {
			// Decayed-but-nonzero penalty; the pattern re-earns trust from
			// wherever it lands, and the next run is fully traced.
			state.CleanStreak = 0
			state.Confidence *= t.cfg.PenaltyFactor
			state.Mode = domain.ModeFullTrace
		}

		if t.repo != nil {
			if err := t.repo.SaveDensity(ctx, tenantID, state); err != nil {
				return fmt.Errorf("failed to persist density %s: %w", sig, err)
			}
		}
	}

	return nil
}

// modeFor maps confidence and sample size onto an execution mode.
func (t *Tracker) modeFor(s *domain.PatternDensity) domain.ExecutionMode {
	switch {
	case s.Confidence >= t.cfg.SilentThreshold && s.TotalExecutions >= t.cfg.MinSamples:
		return domain.ModeSilent
	case s.Confidence >= t.cfg.LightThreshold:
		return domain.ModeLightTrace
	default:
		return domain.ModeFullTrace
	}
}

// List returns the tenant's density state, for inspection.
func (t *Tracker) List(ctx context.Context, tenantID string) ([]*domain.PatternDensity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureLoaded(ctx, tenantID)

	out := make([]*domain.PatternDensity, 0, len(t.states[tenantID]))
	for _, s := range t.states[tenantID] {
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

// Clear wipes all density state for a tenant, forcing every pattern back to
// full_trace on the next run. The store is cleared before memory: if the
// delete fails, in-memory state stays intact instead of reporting cleared
// while persisted confidence would resurrect on the next start.
func (t *Tracker) Clear(ctx context.Context, tenantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.repo != nil {
		if err := t.repo.ClearDensity(ctx, tenantID); err != nil {
			return fmt.Errorf("failed to clear density for tenant %s: %w", tenantID, err)
		}
	}

	delete(t.states, tenantID)
	t.loaded[tenantID] = true // nothing to reload

	slog.Info("density state cleared", "tenant_id", tenantID)
	return nil
}

// ensureLoaded lazily hydrates a tenant's state from the repository.
// Callers hold t.mu.
func (t *Tracker) ensureLoaded(ctx context.Context, tenantID string) {
	if t.loaded[tenantID] || t.repo == nil {
		if t.states[tenantID] == nil {
			t.states[tenantID] = make(map[string]*domain.PatternDensity)
		}
		t.loaded[tenantID] = true
		return
	}

	persisted, err := t.repo.ListDensities(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to load density state, starting cold",
			"tenant_id", tenantID,
			"error", err,
		)
		persisted = nil
	}

	tenant := make(map[string]*domain.PatternDensity, len(persisted))
	for _, s := range persisted {
		tenant[s.Signature] = s
	}
	t.states[tenantID] = tenant
	t.loaded[tenantID] = true
}
