package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/talon/internal/density"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/engine"
	"github.com/opensource-finance/talon/internal/lifecycle"
	"github.com/opensource-finance/talon/internal/plan"
	"github.com/opensource-finance/talon/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	tracker *density.Tracker
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, tracker *density.Tracker, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		tracker: tracker,
		version: version,
	}
}

// FactRowInput is one fact row in an ingest request.
type FactRowInput struct {
	ID           string         `json:"id,omitempty"`
	IndividualID string         `json:"individualId,omitempty"`
	OrgUnitID    string         `json:"orgUnitId,omitempty"`
	PeriodID     string         `json:"periodId"`
	FactType     string         `json:"factType"`
	Fields       map[string]any `json:"fields"`
}

// IngestFactsRequest is the request body for POST /facts.
type IngestFactsRequest struct {
	Rows []FactRowInput `json:"rows"`
}

// IngestFacts handles POST /facts: commits a batch of fact rows.
func (h *Handler) IngestFacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req IngestFactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows must not be empty",
		})
		return
	}

	now := time.Now().UTC()
	rows := make([]*domain.FactRow, 0, len(req.Rows))
	for i, in := range req.Rows {
		if in.PeriodID == "" || in.FactType == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "periodId and factType are required on every row",
			})
			return
		}
		if in.IndividualID == "" && in.OrgUnitID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "each row needs individualId or orgUnitId",
			})
			return
		}
		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, &domain.FactRow{
			ID:           id,
			TenantID:     tenantID,
			IndividualID: in.IndividualID,
			OrgUnitID:    in.OrgUnitID,
			PeriodID:     in.PeriodID,
			FactType:     in.FactType,
			Fields:       in.Fields,
			// Nanosecond offsets keep the request's row order stable when the
			// whole batch lands within one clock tick.
			CommittedAt: now.Add(time.Duration(i) * time.Nanosecond),
		})
	}

	if err := h.repo.SaveFactRows(ctx, tenantID, rows); err != nil {
		slog.Error("failed to save fact rows", "tenant_id", tenantID, "count", len(rows), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save fact rows",
		})
		return
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"committed": len(rows),
		"ids":       ids,
	})
}

// GetFactRow retrieves a fact row by ID.
func (h *Handler) GetFactRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	rowID := chi.URLParam(r, "id")

	row, err := h.repo.GetFactRow(ctx, tenantID, rowID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "fact row not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// CreatePlan handles POST /plans: validates and stores a plan bundle.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var p domain.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.TenantID = tenantID
	if p.Version == "" {
		p.Version = "1.0.0"
	}

	// Reject malformed bundles at ingest so runs never see them.
	if err := plan.Validate(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SavePlan(ctx, tenantID, &p); err != nil {
		slog.Error("failed to save plan", "plan_id", p.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save plan",
		})
		return
	}

	// Drop any stale cached copy so the next run reloads from the store.
	if h.cache != nil {
		if err := h.cache.Delete(ctx, tenantID, "plan:"+p.ID); err != nil {
			slog.Warn("failed to invalidate cached plan", "plan_id", p.ID, "error", err)
		}
	}

	slog.Info("plan saved", "tenant_id", tenantID, "plan_id", p.ID, "name", p.Name)
	writeJSON(w, http.StatusCreated, &p)
}

// ListPlans returns all plans for the tenant.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	plans, err := h.repo.ListPlans(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list plans", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list plans",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetPlan retrieves a plan by ID.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	planID := chi.URLParam(r, "id")

	p, err := h.repo.GetPlan(ctx, tenantID, planID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "plan not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateIndividual handles POST /individuals.
func (h *Handler) CreateIndividual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var ind domain.Individual
	if err := json.NewDecoder(r.Body).Decode(&ind); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if ind.ID == "" {
		ind.ID = uuid.New().String()
	}
	ind.TenantID = tenantID
	if ind.CreatedAt.IsZero() {
		ind.CreatedAt = time.Now().UTC()
	}

	if err := h.repo.SaveIndividual(ctx, tenantID, &ind); err != nil {
		slog.Error("failed to save individual", "individual_id", ind.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save individual",
		})
		return
	}
	writeJSON(w, http.StatusCreated, &ind)
}

// AssignRequest is the request body for POST /plans/{id}/assignments.
type AssignRequest struct {
	IndividualID string `json:"individualId"`
}

// AssignIndividual attaches an individual to a plan.
func (h *Handler) AssignIndividual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	planID := chi.URLParam(r, "id")

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.IndividualID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "individualId is required",
		})
		return
	}

	if _, err := h.repo.GetPlan(ctx, tenantID, planID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "plan not found",
		})
		return
	}
	if _, err := h.repo.GetIndividual(ctx, tenantID, req.IndividualID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "individual not found",
		})
		return
	}

	if err := h.repo.AssignIndividual(ctx, tenantID, planID, req.IndividualID); err != nil {
		slog.Error("failed to assign individual", "plan_id", planID, "individual_id", req.IndividualID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to assign individual",
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"planId":       planID,
		"individualId": req.IndividualID,
	})
}

// CalculationRequest is the request body for POST /calculations.
type CalculationRequest struct {
	PeriodID string `json:"periodId"`
	PlanID   string `json:"planId"`
}

// Calculate handles POST /calculations: runs a calculation synchronously and
// returns the full run summary.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PeriodID == "" || req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "periodId and planId are required",
		})
		return
	}

	summary, err := h.engine.Run(ctx, tenantID, req.PeriodID, req.PlanID)
	if err != nil {
		writeRunError(w, req.PlanID, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CalculateAsync handles POST /calculations/async: queues a run request on the
// event bus and returns immediately. A worker picks it up and publishes
// run.completed or run.failed.
func (h *Handler) CalculateAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PeriodID == "" || req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "periodId and planId are required",
		})
		return
	}
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	payload, _ := json.Marshal(worker.RunRequestMessage{
		TenantID: tenantID,
		PeriodID: req.PeriodID,
		PlanID:   req.PlanID,
		TraceID:  traceID,
	})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicRunRequested, payload); err != nil {
		slog.Error("failed to queue run request", "plan_id", req.PlanID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue run request",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"periodId": req.PeriodID,
		"planId":   req.PlanID,
		"traceId":  traceID,
	})
}

// writeRunError maps engine sentinel errors onto HTTP statuses.
func writeRunError(w http.ResponseWriter, planID string, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, domain.ErrBatchLocked):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, engine.ErrPeriodNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, engine.ErrPlanDisabled), errors.Is(err, engine.ErrNoIndividuals):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("calculation run failed", "plan_id", planID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "calculation run failed",
		})
	}
}

// GetBatch retrieves a calculation batch by ID.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	batchID := chi.URLParam(r, "id")

	batch, err := h.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// GetBatchResults retrieves all per-individual results for a batch.
func (h *Handler) GetBatchResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	batchID := chi.URLParam(r, "id")

	if _, err := h.repo.GetBatch(ctx, tenantID, batchID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch not found",
		})
		return
	}

	results, err := h.repo.GetResults(ctx, tenantID, batchID)
	if err != nil {
		slog.Error("failed to get batch results", "batch_id", batchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get batch results",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batchId": batchID,
		"results": results,
		"count":   len(results),
	})
}

// ListPlanBatches lists batches for a plan, newest first. Superseded batches
// are hidden unless ?includeSuperseded=true.
func (h *Handler) ListPlanBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	planID := chi.URLParam(r, "id")
	includeSuperseded := r.URL.Query().Get("includeSuperseded") == "true"

	batches, err := h.repo.ListBatches(ctx, tenantID, planID, includeSuperseded)
	if err != nil {
		slog.Error("failed to list batches", "plan_id", planID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list batches",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// StateRequest is the request body for POST /batches/{id}/state.
type StateRequest struct {
	State domain.BatchState `json:"state"`
}

// TransitionBatchState advances a batch through its lifecycle, rejecting
// illegal moves.
func (h *Handler) TransitionBatchState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	batchID := chi.URLParam(r, "id")

	var req StateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	batch, err := h.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch not found",
		})
		return
	}

	if err := lifecycle.Transition(batch.State, req.State); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.UpdateBatchState(ctx, tenantID, batchID, req.State); err != nil {
		slog.Error("failed to update batch state", "batch_id", batchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update batch state",
		})
		return
	}

	slog.Info("batch state changed", "tenant_id", tenantID, "batch_id", batchID,
		"from", batch.State, "to", req.State)
	writeJSON(w, http.StatusOK, map[string]string{
		"batchId": batchID,
		"from":    string(batch.State),
		"to":      string(req.State),
	})
}

// ListDensities returns the tenant's pattern density states.
func (h *Handler) ListDensities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	states, err := h.tracker.List(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list density states", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list density states",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": states,
		"count":    len(states),
	})
}

// ClearDensities resets all pattern confidence for the tenant. Every pattern
// returns to full_trace on its next execution.
func (h *Handler) ClearDensities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := h.tracker.Clear(ctx, tenantID); err != nil {
		slog.Error("failed to clear density states", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to clear density states",
		})
		return
	}
	slog.Info("density states cleared", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cleared",
	})
}

// CorrectionRequest is the request body for POST /density/corrections.
type CorrectionRequest struct {
	PlanID      string `json:"planId"`
	ComponentID string `json:"componentId"`
	VariantID   string `json:"variantId"`
}

// ReportCorrection records a post-publication correction against a pattern,
// collapsing its confidence.
func (h *Handler) ReportCorrection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PlanID == "" || req.ComponentID == "" || req.VariantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "planId, componentId, and variantId are required",
		})
		return
	}

	if err := h.engine.ReportCorrection(ctx, tenantID, req.PlanID, req.ComponentID, req.VariantID); err != nil {
		slog.Error("failed to record correction", "plan_id", req.PlanID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record correction",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "recorded",
		"signature": domain.DensitySignature(req.PlanID, req.ComponentID, req.VariantID),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
