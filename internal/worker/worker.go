// Package worker provides async run processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/engine"
)

// Worker executes calculation runs requested over the EventBus.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Required: both bus
	// implementations key delivery by tenant, so there is no shared
	// subject a worker could watch instead.
	TenantIDs []string
}

// ErrNoTenants means Start was called without any tenant to subscribe.
var ErrNoTenants = errors.New("worker requires at least one tenant ID")

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing run requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return ErrNoTenants
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRun(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicRunRequested,
	)

	return nil
}

// RunRequestMessage is the message payload for a calculation run request.
type RunRequestMessage struct {
	TenantID string `json:"tenantId"`
	PeriodID string `json:"periodId"`
	PlanID   string `json:"planId"`
	TraceID  string `json:"traceId,omitempty"`
}

// RunFailedMessage is published when a requested run fails.
type RunFailedMessage struct {
	TenantID string `json:"tenantId"`
	PeriodID string `json:"periodId"`
	PlanID   string `json:"planId"`
	Error    string `json:"error"`
}

// processRun executes one requested calculation run.
func (w *Worker) processRun(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req RunRequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	slog.Debug("processing run request",
		"tenant_id", tenantID,
		"period_id", req.PeriodID,
		"plan_id", req.PlanID,
	)

	summary, err := w.engine.Run(ctx, tenantID, req.PeriodID, req.PlanID)
	if err != nil {
		// A duplicate request is not a failure; the in-flight run will
		// publish its own completion.
		if errors.Is(err, engine.ErrAlreadyRunning) {
			slog.Info("run request dropped, already in flight",
				"tenant_id", tenantID,
				"period_id", req.PeriodID,
				"plan_id", req.PlanID,
			)
			return nil
		}

		slog.Error("run failed",
			"tenant_id", tenantID,
			"period_id", req.PeriodID,
			"plan_id", req.PlanID,
			"error", err,
		)

		failed, _ := json.Marshal(RunFailedMessage{
			TenantID: tenantID,
			PeriodID: req.PeriodID,
			PlanID:   req.PlanID,
			Error:    err.Error(),
		})
		if pubErr := w.bus.Publish(ctx, tenantID, domain.TopicRunFailed, failed); pubErr != nil {
			slog.Error("failed to publish run failure",
				"plan_id", req.PlanID,
				"error", pubErr,
			)
		}
		return err
	}

	slog.Info("run request completed",
		"batch_id", summary.BatchID,
		"tenant_id", tenantID,
		"period_id", req.PeriodID,
		"plan_id", req.PlanID,
		"total_payout", summary.TotalPayout.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
