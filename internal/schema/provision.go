package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status is the outcome of a provisioning attempt.
type Status string

const (
	StatusReady  Status = "ready"
	StatusFailed Status = "failed"
)

// Engine creates and drops tenant schemas. All DDL for one tenant runs in a
// single low-level transaction on the raw *sql.DB handle; GORM's transaction
// helpers are not used because the statements are dynamic DDL.
type Engine struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewEngine creates a provisioning engine bound to the given database handle.
func NewEngine(db *gorm.DB, log *zap.Logger) *Engine {
	return &Engine{db: db, log: log}
}

// baseDDL returns the statements that create a tenant's base table set.
// Every statement is idempotent so a retry after partial failure re-runs
// cleanly. The tenant_id columns plus RLS policies are defense in depth on
// top of the schema isolation itself.
func baseDDL(ident SafeIdent) []string {
	s := ident.String()
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.projects (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			name VARCHAR(200) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			github_repo_url TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			created_by UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_projects_created_by ON %s.projects (created_by)`, s),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.project_members (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES %s.projects (id) ON DELETE CASCADE,
			user_id UUID NOT NULL,
			role VARCHAR(20) NOT NULL,
			added_by UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (project_id, user_id)
		)`, s, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_project_members_user ON %s.project_members (user_id)`, s),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.audit_logs (
			id BIGSERIAL PRIMARY KEY,
			tenant_id UUID NOT NULL,
			actor_id UUID,
			action VARCHAR(100) NOT NULL,
			resource_type VARCHAR(50) NOT NULL DEFAULT '',
			resource_id VARCHAR(100) NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON %s.audit_logs (created_at)`, s),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.documents (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES %s.projects (id) ON DELETE CASCADE,
			title VARCHAR(255) NOT NULL,
			source_type VARCHAR(30) NOT NULL DEFAULT 'upload',
			storage_key TEXT NOT NULL DEFAULT '',
			parsed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_documents_project ON %s.documents (project_id)`, s),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.agent_runs (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES %s.projects (id) ON DELETE CASCADE,
			agent_type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'queued',
			started_by UUID NOT NULL,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s, s),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_agent_runs_project ON %s.agent_runs (project_id, status)`, s),
	}

	// Row-level security on every table carrying a tenant_id column. The
	// policy keys on the app.current_tenant session setting; the service
	// connects as the schema owner, which bypasses RLS, so these policies
	// are dormant defense in depth for any future lower-privileged access
	// path. CREATE POLICY has no IF NOT EXISTS, so drop-then-create keeps
	// re-provisioning idempotent.
	for _, table := range []string{"projects", "project_members", "audit_logs", "documents", "agent_runs"} {
		stmts = append(stmts,
			fmt.Sprintf(`ALTER TABLE %s.%s ENABLE ROW LEVEL SECURITY`, s, table),
			fmt.Sprintf(`DROP POLICY IF EXISTS tenant_isolation ON %s.%s`, s, table),
			fmt.Sprintf(`CREATE POLICY tenant_isolation ON %s.%s
				USING (tenant_id = current_setting('app.current_tenant', true)::uuid)`, s, table),
		)
	}

	return stmts
}

// Provision creates the isolated schema for a tenant. It validates the
// derived schema name before issuing any statement, runs all DDL in one
// transaction, and on failure attempts a best-effort DROP SCHEMA CASCADE so
// no half-created schema is left behind. Re-provisioning an existing tenant
// succeeds without error.
func (e *Engine) Provision(ctx context.Context, tenantID uuid.UUID, slug string) (Status, error) {
	ident, err := NewSafeIdent(SchemaNameForSlug(slug))
	if err != nil {
		return StatusFailed, fmt.Errorf("cannot provision tenant %s: %w", tenantID, err)
	}

	start := time.Now()
	sqlDB, err := e.db.DB()
	if err != nil {
		return StatusFailed, fmt.Errorf("acquiring raw connection: %w", err)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return StatusFailed, fmt.Errorf("beginning provisioning transaction: %w", err)
	}

	for _, stmt := range baseDDL(ident) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			e.cleanup(ctx, ident)
			return StatusFailed, fmt.Errorf("provisioning schema %s: %w", ident, err)
		}
	}

	if err := tx.Commit(); err != nil {
		e.cleanup(ctx, ident)
		return StatusFailed, fmt.Errorf("committing provisioning transaction: %w", err)
	}

	e.log.Info("Tenant schema provisioned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("schema", ident.String()),
		zap.Duration("took", time.Since(start)))

	return StatusReady, nil
}

// cleanup drops a partially-created schema after a failed provisioning
// attempt. Best effort: a failure here is logged, not returned, because the
// original provisioning error is the one the caller needs.
func (e *Engine) cleanup(ctx context.Context, ident SafeIdent) {
	sqlDB, err := e.db.DB()
	if err != nil {
		e.log.Error("Cleanup skipped, no raw connection", zap.Error(err))
		return
	}
	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, ident)); err != nil {
		e.log.Error("Failed to drop partially-created schema",
			zap.String("schema", ident.String()),
			zap.Error(err))
	}
}

// Drop removes a tenant's schema and everything in it. Used by the tenant
// deletion flow after the registry row is gone.
func (e *Engine) Drop(ctx context.Context, slug string) error {
	ident, err := NewSafeIdent(SchemaNameForSlug(slug))
	if err != nil {
		return fmt.Errorf("cannot drop tenant schema: %w", err)
	}

	sqlDB, err := e.db.DB()
	if err != nil {
		return fmt.Errorf("acquiring raw connection: %w", err)
	}

	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, ident)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", ident, err)
	}

	e.log.Info("Tenant schema dropped", zap.String("schema", ident.String()))
	return nil
}
