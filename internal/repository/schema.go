package repository

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL.
//
// Monetary amounts are stored as TEXT holding exact decimal strings; REAL
// columns would reintroduce the float drift the calculation avoids.

const schemaFactRows = `
CREATE TABLE IF NOT EXISTS fact_rows (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    individual_id TEXT NOT NULL DEFAULT '',
    org_unit_id TEXT NOT NULL DEFAULT '',
    period_id TEXT NOT NULL,
    fact_type TEXT NOT NULL,
    fields TEXT NOT NULL,
    committed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fact_rows_tenant ON fact_rows(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fact_rows_period ON fact_rows(tenant_id, period_id);
CREATE INDEX IF NOT EXISTS idx_fact_rows_individual ON fact_rows(tenant_id, period_id, individual_id);
`

const schemaPlans = `
CREATE TABLE IF NOT EXISTS plans (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    eligibility TEXT,
    variants TEXT NOT NULL,
    rules TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_plans_tenant ON plans(tenant_id);
CREATE INDEX IF NOT EXISTS idx_plans_enabled ON plans(tenant_id, enabled);
`

const schemaIndividuals = `
CREATE TABLE IF NOT EXISTS individuals (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    org_unit_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_individuals_tenant ON individuals(tenant_id);

CREATE TABLE IF NOT EXISTS plan_assignments (
    tenant_id TEXT NOT NULL,
    plan_id TEXT NOT NULL,
    individual_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, plan_id, individual_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_plan ON plan_assignments(tenant_id, plan_id);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    period_id TEXT NOT NULL,
    plan_id TEXT NOT NULL,
    state TEXT NOT NULL,
    individual_count INTEGER NOT NULL DEFAULT 0,
    total_payout TEXT NOT NULL DEFAULT '0',
    superseded_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_tenant ON batches(tenant_id);
CREATE INDEX IF NOT EXISTS idx_batches_key ON batches(tenant_id, period_id, plan_id);
CREATE INDEX IF NOT EXISTS idx_batches_state ON batches(tenant_id, state);
`

const schemaResults = `
CREATE TABLE IF NOT EXISTS results (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    individual_id TEXT NOT NULL,
    variant_id TEXT,
    variant_name TEXT,
    org_unit_id TEXT,
    total_payout TEXT NOT NULL DEFAULT '0',
    components TEXT NOT NULL,
    anomalies TEXT,
    excluded INTEGER NOT NULL DEFAULT 0,
    excluded_reason TEXT,
    log TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_batch ON results(tenant_id, batch_id);
CREATE INDEX IF NOT EXISTS idx_results_individual ON results(tenant_id, individual_id);
`

const schemaPatternDensity = `
CREATE TABLE IF NOT EXISTS pattern_density (
    signature TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    plan_id TEXT NOT NULL,
    component_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    mode TEXT NOT NULL,
    total_executions INTEGER NOT NULL DEFAULT 0,
    clean_streak INTEGER NOT NULL DEFAULT 0,
    last_anomaly_rate REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (signature, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_density_tenant ON pattern_density(tenant_id);
CREATE INDEX IF NOT EXISTS idx_density_plan ON pattern_density(tenant_id, plan_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFactRows,
		schemaPlans,
		schemaIndividuals,
		schemaBatches,
		schemaResults,
		schemaPatternDensity,
	}
}
