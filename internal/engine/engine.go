// Package engine composes the resolver, evaluators, and density tracker
// into a batch calculation run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/talon/internal/components"
	"github.com/opensource-finance/talon/internal/density"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
	"github.com/opensource-finance/talon/internal/plan"
)

var (
	// ErrAlreadyRunning rejects a duplicate run request for a key that is
	// already in flight.
	ErrAlreadyRunning = errors.New("calculation already running for this key")

	// ErrNoIndividuals means the plan has no eligible individuals.
	ErrNoIndividuals = errors.New("no eligible individuals for plan")

	// ErrPeriodNotFound means the period has no imported fact rows at all;
	// such periods are treated as nonexistent.
	ErrPeriodNotFound = errors.New("period has no fact rows")

	// ErrPlanDisabled means the plan exists but is switched off.
	ErrPlanDisabled = errors.New("plan is disabled")
)

var tracer = otel.Tracer("talon-engine")

// Engine is the calculation orchestrator.
type Engine struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	tracker *density.Tracker
	cfg     domain.EngineConfig
	version string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an orchestrator. cache and bus may be nil; the tracker is
// required.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, tracker *density.Tracker, cfg domain.EngineConfig, version string) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	return &Engine{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		tracker:  tracker,
		cfg:      cfg,
		version:  version,
		inflight: make(map[string]struct{}),
	}
}

// Run executes one calculation batch for (tenant, period, plan).
//
// At most one run per key is in flight at a time; a duplicate request gets
// ErrAlreadyRunning. A successful run persists the batch atomically, marks
// the prior current batch superseded, and feeds the density tracker.
func (e *Engine) Run(ctx context.Context, tenantID, periodID, planID string) (*domain.RunSummary, error) {
	start := time.Now()

	key := tenantID + "|" + periodID + "|" + planID
	if !e.acquire(key) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	defer e.release(key)

	ctx, span := tracer.Start(ctx, "engine.Run")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("period.id", periodID),
		attribute.String("plan.id", planID),
	)
	defer span.End()

	// Load phase: plan bundle, population, fact rows.
	p, err := e.loadPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrPlanDisabled, planID)
	}

	resolver, err := metrics.NewResolver(p.Rules)
	if err != nil {
		// Malformed input bindings are plan-wide: fail fast.
		return nil, fmt.Errorf("plan %s has invalid input bindings: %w", planID, err)
	}

	var eligibility cel.Program
	if p.Eligibility != "" {
		eligibility, err = plan.CompileEligibility(p.Eligibility)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", planID, err)
		}
	}

	individuals, err := e.repo.ListAssignedIndividuals(ctx, tenantID, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list individuals: %w", err)
	}
	individuals, err = filterEligible(individuals, eligibility)
	if err != nil {
		return nil, err
	}
	if len(individuals) == 0 {
		return nil, fmt.Errorf("%w: plan %s period %s", ErrNoIndividuals, planID, periodID)
	}
	sort.Slice(individuals, func(i, j int) bool { return individuals[i].ID < individuals[j].ID })

	rows, err := e.repo.ListFactRows(ctx, tenantID, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fact rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPeriodNotFound, periodID)
	}
	byIndividual, byOrgUnit := partitionRows(rows)

	loadMs := time.Since(start).Milliseconds()
	evalStart := time.Now()

	// Evaluation phase: individuals are independent; run them on a bounded
	// worker pool. Density observations are collected here and applied in a
	// single pass afterwards.
	batchID := uuid.New().String()
	results := make([]*domain.CalculationResult, len(individuals))
	obsParts := make([][]density.Observation, len(individuals))
	errs := make([]error, len(individuals))

	sem := make(chan struct{}, e.cfg.MaxWorkers)
	var wg sync.WaitGroup
	for i, ind := range individuals {
		wg.Add(1)
		go func(idx int, ind *domain.Individual) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			in := &metrics.Input{
				IndividualID:   ind.ID,
				OrgUnitID:      ind.OrgUnitID,
				IndividualRows: byIndividual[ind.ID],
				OrgUnitRows:    byOrgUnit[ind.OrgUnitID],
			}
			results[idx], obsParts[idx], errs[idx] = e.evaluateIndividual(ctx, tenantID, batchID, p, ind, resolver, in)
		}(i, ind)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	evalMs := time.Since(evalStart).Milliseconds()

	summary := aggregate(batchID, tenantID, periodID, planID, results)
	summary.Metadata = domain.RunMetadata{
		TraceID:       span.SpanContext().TraceID().String(),
		LoadMs:        loadMs,
		EvalMs:        evalMs,
		EngineVersion: e.version,
	}

	// Persist phase: the batch write is the atomic commit point. The run is
	// cancellable up to here; once written, only a superseding re-run can
	// replace it.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled before commit: %w", err)
	}

	prior, err := e.repo.CurrentBatch(ctx, tenantID, periodID, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query current batch: %w", err)
	}

	persistStart := time.Now()
	batch := &domain.CalculationBatch{
		ID:              batchID,
		TenantID:        tenantID,
		PeriodID:        periodID,
		PlanID:          planID,
		State:           domain.StateOfficial,
		IndividualCount: summary.IndividualCount,
		TotalPayout:     summary.TotalPayout,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := e.persistBatch(ctx, tenantID, batch, results); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	summary.Metadata.PersistMs = time.Since(persistStart).Milliseconds()

	// Density feedback: one synchronized pass per batch.
	observations := mergeObservations(obsParts)
	if err := e.tracker.Apply(ctx, tenantID, observations); err != nil {
		slog.Error("failed to apply density observations",
			"batch_id", batchID,
			"error", err,
		)
	}

	summary.Metadata.TotalMs = time.Since(start).Milliseconds()

	e.publishEvents(ctx, tenantID, batch, prior, summary)

	slog.Info("calculation batch completed",
		"batch_id", batchID,
		"tenant_id", tenantID,
		"period_id", periodID,
		"plan_id", planID,
		"individuals", summary.IndividualCount,
		"payable", summary.PayableCount,
		"total_payout", summary.TotalPayout.String(),
		"anomalies", len(summary.Anomalies),
		"duration_ms", summary.Metadata.TotalMs,
	)

	return summary, nil
}

// evaluateIndividual resolves the variant and metrics for one individual and
// runs every enabled component of the selected variant.
func (e *Engine) evaluateIndividual(ctx context.Context, tenantID, batchID string, p *domain.Plan, ind *domain.Individual, resolver *metrics.Resolver, in *metrics.Input) (*domain.CalculationResult, []density.Observation, error) {
	result := &domain.CalculationResult{
		ID:           uuid.New().String(),
		BatchID:      batchID,
		TenantID:     tenantID,
		IndividualID: ind.ID,
		OrgUnitID:    ind.OrgUnitID,
		TotalPayout:  decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}

	variant, err := plan.ResolveVariant(ind.Role, p.Variants)
	if err != nil {
		// No variant or an ambiguous match excludes the individual, not the
		// batch. The reason stays on the result for the manifest.
		result.Excluded = true
		result.ExcludedReason = err.Error()
		result.Log = append(result.Log, fmt.Sprintf("variant resolution failed: %v", err))
		return result, nil, nil
	}
	result.VariantID = variant.ID
	result.VariantName = variant.Name

	resolved := resolver.Resolve(in)
	for _, a := range resolved.Anomalies {
		result.Anomalies = append(result.Anomalies, fmt.Sprintf("metric %s: %s", a.Metric, a.Message))
	}

	var obs []density.Observation
	total := decimal.Zero
	fullTrace := false

	for i := range variant.Components {
		comp := &variant.Components[i]
		if !comp.Enabled {
			continue
		}

		sig := domain.DensitySignature(p.ID, comp.ID, variant.ID)
		mode := e.tracker.ResolveMode(ctx, tenantID, sig)
		if mode == domain.ModeFullTrace {
			fullTrace = true
		}

		out, err := components.Evaluate(comp, resolved, mode)
		if err != nil {
			// Reaching here means a malformed component slipped past ingest
			// validation; that is plan-wide, so the run fails fast.
			return nil, nil, fmt.Errorf("component %s: %w", comp.ID, err)
		}

		contribution := domain.ComponentContribution{
			ComponentID: comp.ID,
			Name:        comp.Name,
			Payout:      out.Payout,
			Metrics:     out.Metrics,
			Outcome:     out.Label,
			Trace:       out.Trace,
		}
		result.Components = append(result.Components, contribution)
		total = total.Add(out.Payout)

		obs = append(obs, density.Observation{
			PlanID:      p.ID,
			ComponentID: comp.ID,
			VariantID:   variant.ID,
			Executions:  1,
			Anomalies:   countAttributed(resolved.Anomalies, out.Metrics),
		})
	}

	result.TotalPayout = total

	// The per-row derivation trail is only retained while at least one of
	// the individual's patterns still demands full trace.
	if fullTrace {
		result.Log = append(result.Log, fmt.Sprintf("variant %q selected for role %q", variant.Name, ind.Role))
		result.Log = append(result.Log, resolved.Log...)
	}

	return result, obs, nil
}

// countAttributed counts anomalies on metrics the component consumed.
func countAttributed(anomalies []metrics.Anomaly, consumed map[string]decimal.Decimal) int64 {
	var n int64
	for _, a := range anomalies {
		if _, ok := consumed[a.Metric]; ok {
			n++
		}
	}
	return n
}

// aggregate folds per-individual results into the batch summary.
func aggregate(batchID, tenantID, periodID, planID string, results []*domain.CalculationResult) *domain.RunSummary {
	summary := &domain.RunSummary{
		BatchID:         batchID,
		TenantID:        tenantID,
		PeriodID:        periodID,
		PlanID:          planID,
		IndividualCount: len(results),
		TotalPayout:     decimal.Zero,
		ComponentTotals: make(map[string]decimal.Decimal),
		Results:         results,
	}

	for _, r := range results {
		summary.TotalPayout = summary.TotalPayout.Add(r.TotalPayout)
		if !r.TotalPayout.IsZero() {
			summary.PayableCount++
		}
		for _, c := range r.Components {
			summary.ComponentTotals[c.Name] = summary.ComponentTotals[c.Name].Add(c.Payout)
		}
		for _, a := range r.Anomalies {
			summary.Anomalies = append(summary.Anomalies, fmt.Sprintf("individual %s: %s", r.IndividualID, a))
		}
		if r.Excluded {
			summary.Anomalies = append(summary.Anomalies, fmt.Sprintf("individual %s excluded: %s", r.IndividualID, r.ExcludedReason))
		}
	}

	return summary
}

// persistBatch writes the batch with a timeout and retry-with-backoff; the
// repository performs the write and the supersede mark in one transaction.
func (e *Engine) persistBatch(ctx context.Context, tenantID string, batch *domain.CalculationBatch, results []*domain.CalculationResult) error {
	attempts := e.cfg.PersistRetries + 1
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		writeCtx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
		lastErr = e.repo.SaveBatch(writeCtx, tenantID, batch, results)
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, domain.ErrBatchLocked) {
			// The key is held by an approved or paid batch; retrying
			// cannot change that.
			return lastErr
		}

		slog.Warn("batch write failed, retrying",
			"batch_id", batch.ID,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return lastErr
}

func (e *Engine) publishEvents(ctx context.Context, tenantID string, batch *domain.CalculationBatch, prior *domain.CalculationBatch, summary *domain.RunSummary) {
	if e.bus == nil {
		return
	}

	payload := []byte(fmt.Sprintf(`{"batchId":%q,"planId":%q,"periodId":%q,"totalPayout":%q,"individualCount":%d}`,
		batch.ID, batch.PlanID, batch.PeriodID, batch.TotalPayout.String(), batch.IndividualCount))

	if err := e.bus.Publish(ctx, tenantID, domain.TopicRunCompleted, payload); err != nil {
		slog.Error("failed to publish run completion", "batch_id", batch.ID, "error", err)
	}

	// Only an OFFICIAL prior is actually superseded by the write; a
	// REJECTED prior stays in place.
	if prior != nil && prior.State == domain.StateOfficial {
		superseded := []byte(fmt.Sprintf(`{"batchId":%q,"supersededBy":%q}`, prior.ID, batch.ID))
		if err := e.bus.Publish(ctx, tenantID, domain.TopicBatchSuperseded, superseded); err != nil {
			slog.Error("failed to publish supersede event", "batch_id", prior.ID, "error", err)
		}
	}

	if len(summary.Anomalies) > 0 {
		anomaly := []byte(fmt.Sprintf(`{"batchId":%q,"anomalyCount":%d}`, batch.ID, len(summary.Anomalies)))
		if err := e.bus.Publish(ctx, tenantID, domain.TopicAnomaly, anomaly); err != nil {
			slog.Error("failed to publish anomaly event", "batch_id", batch.ID, "error", err)
		}
	}
}

// ReportCorrection feeds a user correction against a pattern back into the
// density tracker, forcing the pattern to full trace on its next run.
func (e *Engine) ReportCorrection(ctx context.Context, tenantID, planID, componentID, variantID string) error {
	return e.tracker.Apply(ctx, tenantID, []density.Observation{{
		PlanID:      planID,
		ComponentID: componentID,
		VariantID:   variantID,
		Executions:  1,
		Corrections: 1,
	}})
}

// loadPlan fetches the plan bundle, preferring the cache.
func (e *Engine) loadPlan(ctx context.Context, tenantID, planID string) (*domain.Plan, error) {
	if e.cache != nil {
		if p, err := e.cache.GetPlan(ctx, tenantID, planID); err == nil && p != nil {
			return p, nil
		}
	}

	p, err := e.repo.GetPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}

	if e.cache != nil {
		ttl := e.cfg.PlanCacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		if err := e.cache.SetPlan(ctx, tenantID, p, ttl); err != nil {
			slog.Debug("failed to cache plan", "plan_id", planID, "error", err)
		}
	}

	return p, nil
}

// filterEligible applies the plan's optional CEL eligibility predicate.
func filterEligible(individuals []*domain.Individual, program cel.Program) ([]*domain.Individual, error) {
	if program == nil {
		return individuals, nil
	}

	eligible := individuals[:0:0]
	for _, ind := range individuals {
		out, _, err := program.Eval(map[string]any{
			"individual": map[string]any{
				"id":      ind.ID,
				"name":    ind.Name,
				"role":    ind.Role,
				"orgUnit": ind.OrgUnitID,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("eligibility evaluation failed for %s: %w", ind.ID, err)
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			eligible = append(eligible, ind)
		}
	}
	return eligible, nil
}

// partitionRows splits period rows into individual-scoped and org-unit-level
// groups, preserving the repository's stable order within each group.
func partitionRows(rows []*domain.FactRow) (byIndividual map[string][]*domain.FactRow, byOrgUnit map[string][]*domain.FactRow) {
	byIndividual = make(map[string][]*domain.FactRow)
	byOrgUnit = make(map[string][]*domain.FactRow)
	for _, row := range rows {
		if row.IndividualID != "" {
			byIndividual[row.IndividualID] = append(byIndividual[row.IndividualID], row)
		} else if row.OrgUnitID != "" {
			byOrgUnit[row.OrgUnitID] = append(byOrgUnit[row.OrgUnitID], row)
		}
	}
	return byIndividual, byOrgUnit
}

func (e *Engine) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.inflight[key]; running {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// mergeObservations folds per-individual observation fragments into one
// observation per signature.
func mergeObservations(parts [][]density.Observation) []density.Observation {
	merged := make(map[string]*density.Observation)
	var order []string
	for _, part := range parts {
		for _, o := range part {
			sig := o.Signature()
			if existing, ok := merged[sig]; ok {
				existing.Executions += o.Executions
				existing.Anomalies += o.Anomalies
				existing.Corrections += o.Corrections
			} else {
				copied := o
				merged[sig] = &copied
				order = append(order, sig)
			}
		}
	}

	out := make([]density.Observation, 0, len(merged))
	for _, sig := range order {
		out = append(out, *merged[sig])
	}
	return out
}
