// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrBatchLocked means the (tenant, period, plan) key already has a batch
// in an approval-or-later state. Such batches are audit-relevant and are
// never superseded by a re-run.
var ErrBatchLocked = errors.New("existing batch has advanced past OFFICIAL")

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Fact row operations. Rows are immutable once saved.
	SaveFactRows(ctx context.Context, tenantID string, rows []*FactRow) error
	GetFactRow(ctx context.Context, tenantID string, rowID string) (*FactRow, error)
	// ListFactRows returns every row for the period in stable
	// (committed_at, id) order so summation is deterministic.
	ListFactRows(ctx context.Context, tenantID string, periodID string) ([]*FactRow, error)

	// Plan operations
	SavePlan(ctx context.Context, tenantID string, plan *Plan) error
	GetPlan(ctx context.Context, tenantID string, planID string) (*Plan, error)
	ListPlans(ctx context.Context, tenantID string) ([]*Plan, error)

	// Individual and assignment operations
	SaveIndividual(ctx context.Context, tenantID string, ind *Individual) error
	GetIndividual(ctx context.Context, tenantID string, indID string) (*Individual, error)
	AssignIndividual(ctx context.Context, tenantID string, planID string, indID string) error
	ListAssignedIndividuals(ctx context.Context, tenantID string, planID string) ([]*Individual, error)

	// Batch and result operations. SaveBatch writes the batch, its results,
	// and the supersede mark on the prior OFFICIAL batch in one transaction:
	// either the whole batch becomes visible or none of it does. Returns
	// ErrBatchLocked when a batch for the key sits in an approval-or-later
	// state; REJECTED batches are left untouched and do not block a re-run.
	SaveBatch(ctx context.Context, tenantID string, batch *CalculationBatch, results []*CalculationResult) error
	GetBatch(ctx context.Context, tenantID string, batchID string) (*CalculationBatch, error)
	ListBatches(ctx context.Context, tenantID string, planID string, includeSuperseded bool) ([]*CalculationBatch, error)
	// CurrentBatch returns the non-superseded batch for the key, if any.
	CurrentBatch(ctx context.Context, tenantID string, periodID string, planID string) (*CalculationBatch, error)
	GetResults(ctx context.Context, tenantID string, batchID string) ([]*CalculationResult, error)
	UpdateBatchState(ctx context.Context, tenantID string, batchID string, state BatchState) error

	// Pattern density operations
	SaveDensity(ctx context.Context, tenantID string, d *PatternDensity) error
	GetDensity(ctx context.Context, tenantID string, signature string) (*PatternDensity, error)
	ListDensities(ctx context.Context, tenantID string) ([]*PatternDensity, error)
	ClearDensity(ctx context.Context, tenantID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
