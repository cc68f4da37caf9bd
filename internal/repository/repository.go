// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveFactRows stores a batch of fact rows in one transaction.
func (r *SQLRepository) SaveFactRows(ctx context.Context, tenantID string, rows []*domain.FactRow) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO fact_rows (
			id, tenant_id, individual_id, org_unit_id, period_id,
			fact_type, fields, committed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	for _, row := range rows {
		fields, _ := json.Marshal(row.Fields)
		if _, err := tx.ExecContext(ctx, query,
			row.ID, tenantID, row.IndividualID, row.OrgUnitID, row.PeriodID,
			row.FactType, string(fields), row.CommittedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetFactRow retrieves a fact row by ID with tenant isolation.
func (r *SQLRepository) GetFactRow(ctx context.Context, tenantID string, rowID string) (*domain.FactRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, individual_id, org_unit_id, period_id,
			   fact_type, fields, committed_at
		FROM fact_rows
		WHERE tenant_id = ? AND id = ?
	`

	row, err := scanFactRow(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return row, err
}

// ListFactRows retrieves every row for a period in (committed_at, id) order.
// The stable order keeps decimal summation deterministic across runs.
func (r *SQLRepository) ListFactRows(ctx context.Context, tenantID string, periodID string) ([]*domain.FactRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, individual_id, org_unit_id, period_id,
			   fact_type, fields, committed_at
		FROM fact_rows
		WHERE tenant_id = ? AND period_id = ?
		ORDER BY committed_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FactRow
	for rows.Next() {
		fr, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFactRow(s rowScanner) (*domain.FactRow, error) {
	var fr domain.FactRow
	var fields string

	if err := s.Scan(
		&fr.ID, &fr.TenantID, &fr.IndividualID, &fr.OrgUnitID, &fr.PeriodID,
		&fr.FactType, &fields, &fr.CommittedAt,
	); err != nil {
		return nil, err
	}

	if fields != "" {
		json.Unmarshal([]byte(fields), &fr.Fields)
	}

	return &fr, nil
}

// SavePlan stores a plan bundle with tenant isolation. Variants and rules are
// serialized whole; the database never needs to query inside them.
func (r *SQLRepository) SavePlan(ctx context.Context, tenantID string, p *domain.Plan) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	variants, _ := json.Marshal(p.Variants)
	rules, _ := json.Marshal(p.Rules)

	enabled := 0
	if p.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO plans (
			id, tenant_id, name, description, version, eligibility,
			variants, rules, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			eligibility = excluded.eligibility,
			variants = excluded.variants,
			rules = excluded.rules,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Name, p.Description, p.Version, p.Eligibility,
		string(variants), string(rules), enabled,
		now, now,
	)
	return err
}

// GetPlan retrieves a plan bundle with tenant isolation.
func (r *SQLRepository) GetPlan(ctx context.Context, tenantID string, planID string) (*domain.Plan, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, eligibility,
			   variants, rules, enabled, created_at, updated_at
		FROM plans
		WHERE tenant_id = ? AND id = ?
	`

	p, err := scanPlan(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPlans retrieves all plans for a tenant.
func (r *SQLRepository) ListPlans(ctx context.Context, tenantID string) ([]*domain.Plan, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, eligibility,
			   variants, rules, enabled, created_at, updated_at
		FROM plans
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	return plans, rows.Err()
}

func scanPlan(s rowScanner) (*domain.Plan, error) {
	var p domain.Plan
	var variants, rules string
	var enabled int

	if err := s.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Version, &p.Eligibility,
		&variants, &rules, &enabled, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(variants), &p.Variants); err != nil {
		return nil, fmt.Errorf("failed to parse plan variants: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse plan rules: %w", err)
	}

	return &p, nil
}

// SaveIndividual stores an individual with tenant isolation.
func (r *SQLRepository) SaveIndividual(ctx context.Context, tenantID string, ind *domain.Individual) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	createdAt := ind.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO individuals (id, tenant_id, name, org_unit_id, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			org_unit_id = excluded.org_unit_id,
			role = excluded.role
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ind.ID, tenantID, ind.Name, ind.OrgUnitID, ind.Role, createdAt,
	)
	return err
}

// GetIndividual retrieves an individual by ID with tenant isolation.
func (r *SQLRepository) GetIndividual(ctx context.Context, tenantID string, indID string) (*domain.Individual, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, org_unit_id, role, created_at
		FROM individuals
		WHERE tenant_id = ? AND id = ?
	`

	var ind domain.Individual
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, indID).Scan(
		&ind.ID, &ind.TenantID, &ind.Name, &ind.OrgUnitID, &ind.Role, &ind.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &ind, nil
}

// AssignIndividual attaches an individual to a plan. Re-assignment is a no-op.
func (r *SQLRepository) AssignIndividual(ctx context.Context, tenantID string, planID string, indID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO plan_assignments (tenant_id, plan_id, individual_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, plan_id, individual_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, planID, indID, time.Now().UTC())
	return err
}

// ListAssignedIndividuals retrieves every individual assigned to a plan.
func (r *SQLRepository) ListAssignedIndividuals(ctx context.Context, tenantID string, planID string) ([]*domain.Individual, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT i.id, i.tenant_id, i.name, i.org_unit_id, i.role, i.created_at
		FROM individuals i
		JOIN plan_assignments a
		  ON a.tenant_id = i.tenant_id AND a.individual_id = i.id
		WHERE i.tenant_id = ? AND a.plan_id = ?
		ORDER BY i.id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var individuals []*domain.Individual
	for rows.Next() {
		var ind domain.Individual
		if err := rows.Scan(
			&ind.ID, &ind.TenantID, &ind.Name, &ind.OrgUnitID, &ind.Role, &ind.CreatedAt,
		); err != nil {
			return nil, err
		}
		individuals = append(individuals, &ind)
	}

	return individuals, rows.Err()
}

// SaveBatch writes the batch, its results, and the supersede mark on the
// prior OFFICIAL batch in one transaction. Either the whole batch becomes
// visible or none of it does. A batch that has entered the approval chain
// (PENDING_APPROVAL through PUBLISHED) locks the key: SUPERSEDED is only
// reachable from OFFICIAL, and governance states must never be silently
// destroyed by a re-run.
func (r *SQLRepository) SaveBatch(ctx context.Context, tenantID string, batch *domain.CalculationBatch, results []*domain.CalculationResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lockCheck := r.rebind(`
		SELECT COUNT(*)
		FROM batches
		WHERE tenant_id = ? AND period_id = ? AND plan_id = ?
		  AND state IN (?, ?, ?, ?, ?, ?)
	`)
	var locked int
	if err := tx.QueryRowContext(ctx, lockCheck,
		tenantID, batch.PeriodID, batch.PlanID,
		domain.StatePendingApproval, domain.StateApproved, domain.StatePosted,
		domain.StateClosed, domain.StatePaid, domain.StatePublished,
	).Scan(&locked); err != nil {
		return err
	}
	if locked > 0 {
		return fmt.Errorf("%w: period %s plan %s", domain.ErrBatchLocked, batch.PeriodID, batch.PlanID)
	}

	supersede := r.rebind(`
		UPDATE batches
		SET state = ?, superseded_by = ?, updated_at = ?
		WHERE tenant_id = ? AND period_id = ? AND plan_id = ? AND state = ?
	`)
	if _, err := tx.ExecContext(ctx, supersede,
		domain.StateSuperseded, batch.ID, time.Now().UTC(),
		tenantID, batch.PeriodID, batch.PlanID, domain.StateOfficial,
	); err != nil {
		return err
	}

	insertBatch := r.rebind(`
		INSERT INTO batches (
			id, tenant_id, period_id, plan_id, state,
			individual_count, total_payout, superseded_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insertBatch,
		batch.ID, tenantID, batch.PeriodID, batch.PlanID, batch.State,
		batch.IndividualCount, batch.TotalPayout.String(), batch.SupersededBy,
		batch.CreatedAt, batch.UpdatedAt,
	); err != nil {
		return err
	}

	insertResult := r.rebind(`
		INSERT INTO results (
			id, batch_id, tenant_id, individual_id, variant_id, variant_name,
			org_unit_id, total_payout, components, anomalies, excluded,
			excluded_reason, log, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, res := range results {
		components, _ := json.Marshal(res.Components)
		anomalies, _ := json.Marshal(res.Anomalies)
		log, _ := json.Marshal(res.Log)

		excluded := 0
		if res.Excluded {
			excluded = 1
		}

		if _, err := tx.ExecContext(ctx, insertResult,
			res.ID, batch.ID, tenantID, res.IndividualID, res.VariantID, res.VariantName,
			res.OrgUnitID, res.TotalPayout.String(), string(components), string(anomalies),
			excluded, res.ExcludedReason, string(log), res.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetBatch retrieves a batch by ID with tenant isolation.
func (r *SQLRepository) GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.CalculationBatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, period_id, plan_id, state,
			   individual_count, total_payout, superseded_by, created_at, updated_at
		FROM batches
		WHERE tenant_id = ? AND id = ?
	`

	b, err := scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBatches retrieves batches for a plan, newest first. Superseded batches
// are only included on request; they are retained for audit.
func (r *SQLRepository) ListBatches(ctx context.Context, tenantID string, planID string, includeSuperseded bool) ([]*domain.CalculationBatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, period_id, plan_id, state,
			   individual_count, total_payout, superseded_by, created_at, updated_at
		FROM batches
		WHERE tenant_id = ? AND plan_id = ?
	`
	if !includeSuperseded {
		query += ` AND state != '` + string(domain.StateSuperseded) + `'`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.CalculationBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}

// CurrentBatch returns the non-superseded batch for the key, or nil.
func (r *SQLRepository) CurrentBatch(ctx context.Context, tenantID string, periodID string, planID string) (*domain.CalculationBatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, period_id, plan_id, state,
			   individual_count, total_payout, superseded_by, created_at, updated_at
		FROM batches
		WHERE tenant_id = ? AND period_id = ? AND plan_id = ? AND state != ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	b, err := scanBatch(r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, periodID, planID, domain.StateSuperseded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanBatch(s rowScanner) (*domain.CalculationBatch, error) {
	var b domain.CalculationBatch
	var total string

	if err := s.Scan(
		&b.ID, &b.TenantID, &b.PeriodID, &b.PlanID, &b.State,
		&b.IndividualCount, &total, &b.SupersededBy, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	payout, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch payout %q: %w", total, err)
	}
	b.TotalPayout = payout

	return &b, nil
}

// GetResults retrieves every result of a batch in stable individual order.
func (r *SQLRepository) GetResults(ctx context.Context, tenantID string, batchID string) ([]*domain.CalculationResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, batch_id, tenant_id, individual_id, variant_id, variant_name,
			   org_unit_id, total_payout, components, anomalies, excluded,
			   excluded_reason, log, created_at
		FROM results
		WHERE tenant_id = ? AND batch_id = ?
		ORDER BY individual_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.CalculationResult
	for rows.Next() {
		var res domain.CalculationResult
		var total, components, anomalies, log string
		var excluded int

		if err := rows.Scan(
			&res.ID, &res.BatchID, &res.TenantID, &res.IndividualID,
			&res.VariantID, &res.VariantName, &res.OrgUnitID, &total,
			&components, &anomalies, &excluded, &res.ExcludedReason,
			&log, &res.CreatedAt,
		); err != nil {
			return nil, err
		}

		payout, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("failed to parse result payout %q: %w", total, err)
		}
		res.TotalPayout = payout
		res.Excluded = excluded == 1

		json.Unmarshal([]byte(components), &res.Components)
		json.Unmarshal([]byte(anomalies), &res.Anomalies)
		json.Unmarshal([]byte(log), &res.Log)

		results = append(results, &res)
	}

	return results, rows.Err()
}

// UpdateBatchState persists a lifecycle transition. Legality is checked by
// the caller against the lifecycle rules; the repository only records it.
func (r *SQLRepository) UpdateBatchState(ctx context.Context, tenantID string, batchID string, state domain.BatchState) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE batches
		SET state = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), state, time.Now().UTC(), tenantID, batchID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveDensity upserts the confidence state for one pattern signature.
func (r *SQLRepository) SaveDensity(ctx context.Context, tenantID string, d *domain.PatternDensity) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO pattern_density (
			signature, tenant_id, plan_id, component_id, variant_id,
			confidence, mode, total_executions, clean_streak,
			last_anomaly_rate, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature, tenant_id) DO UPDATE SET
			confidence = excluded.confidence,
			mode = excluded.mode,
			total_executions = excluded.total_executions,
			clean_streak = excluded.clean_streak,
			last_anomaly_rate = excluded.last_anomaly_rate,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.Signature, tenantID, d.PlanID, d.ComponentID, d.VariantID,
		d.Confidence, d.Mode, d.TotalExecutions, d.CleanStreak,
		d.LastAnomalyRate, d.UpdatedAt,
	)
	return err
}

// GetDensity retrieves one pattern's confidence state.
func (r *SQLRepository) GetDensity(ctx context.Context, tenantID string, signature string) (*domain.PatternDensity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT signature, tenant_id, plan_id, component_id, variant_id,
			   confidence, mode, total_executions, clean_streak,
			   last_anomaly_rate, updated_at
		FROM pattern_density
		WHERE tenant_id = ? AND signature = ?
	`

	var d domain.PatternDensity
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, signature).Scan(
		&d.Signature, &d.TenantID, &d.PlanID, &d.ComponentID, &d.VariantID,
		&d.Confidence, &d.Mode, &d.TotalExecutions, &d.CleanStreak,
		&d.LastAnomalyRate, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// ListDensities retrieves all pattern states for a tenant.
func (r *SQLRepository) ListDensities(ctx context.Context, tenantID string) ([]*domain.PatternDensity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT signature, tenant_id, plan_id, component_id, variant_id,
			   confidence, mode, total_executions, clean_streak,
			   last_anomaly_rate, updated_at
		FROM pattern_density
		WHERE tenant_id = ?
		ORDER BY plan_id, component_id, variant_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var densities []*domain.PatternDensity
	for rows.Next() {
		var d domain.PatternDensity
		if err := rows.Scan(
			&d.Signature, &d.TenantID, &d.PlanID, &d.ComponentID, &d.VariantID,
			&d.Confidence, &d.Mode, &d.TotalExecutions, &d.CleanStreak,
			&d.LastAnomalyRate, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		densities = append(densities, &d)
	}

	return densities, rows.Err()
}

// ClearDensity removes all pattern state for a tenant. The next run starts
// every pattern back at full trace.
func (r *SQLRepository) ClearDensity(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM pattern_density WHERE tenant_id = ?`), tenantID)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
