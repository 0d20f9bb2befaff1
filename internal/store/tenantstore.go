// Package store holds the data access layer for tenant-private tables.
// Every query is schema-qualified with a schema.SafeIdent; values travel as
// bound parameters, identifiers never do.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"qualisys/internal/schema"
)

// ErrNotFound is returned when a tenant-schema row does not exist.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err means a missing row rather than an
// infrastructure failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Project is a row in <schema>.projects.
type Project struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	GithubRepoURL string    `json:"github_repo_url"`
	Status        string    `json:"status"`
	CreatedBy     uuid.UUID `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProjectMember is a row in <schema>.project_members.
type ProjectMember struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	AddedBy   uuid.UUID `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentRun is a row in <schema>.agent_runs.
type AgentRun struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	AgentType  string    `json:"agent_type"`
	Status     string    `json:"status"`
	StartedBy  uuid.UUID `json:"started_by"`
	TokensUsed int64     `json:"tokens_used"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEntry is a row in <schema>.audit_logs.
type AuditEntry struct {
	ActorID      *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Detail       string
}

// TenantStore runs queries against a tenant's private schema.
type TenantStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewTenantStore creates a tenant-schema data access layer.
func NewTenantStore(db *gorm.DB, log *zap.Logger) *TenantStore {
	return &TenantStore{db: db, log: log}
}

// CreateProject inserts a project into the tenant schema.
func (s *TenantStore) CreateProject(ctx context.Context, sch schema.SafeIdent, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s.projects (id, tenant_id, name, description, github_repo_url, status, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, sch)
	if err := s.db.WithContext(ctx).Exec(query,
		p.ID, p.TenantID, p.Name, p.Description, p.GithubRepoURL, p.Status, p.CreatedBy).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// ListProjects returns every project in the tenant schema.
func (s *TenantStore) ListProjects(ctx context.Context, sch schema.SafeIdent) ([]Project, error) {
	var projects []Project
	query := fmt.Sprintf(
		`SELECT id, tenant_id, name, description, github_repo_url, status, created_by, created_at, updated_at
		 FROM %s.projects ORDER BY created_at DESC`, sch)
	if err := s.db.WithContext(ctx).Raw(query).Scan(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// GetProject fetches one project by id.
func (s *TenantStore) GetProject(ctx context.Context, sch schema.SafeIdent, id uuid.UUID) (*Project, error) {
	var projects []Project
	query := fmt.Sprintf(
		`SELECT id, tenant_id, name, description, github_repo_url, status, created_by, created_at, updated_at
		 FROM %s.projects WHERE id = ?`, sch)
	if err := s.db.WithContext(ctx).Raw(query, id).Scan(&projects).Error; err != nil {
		return nil, fmt.Errorf("fetching project: %w", err)
	}
	if len(projects) == 0 {
		return nil, ErrNotFound
	}
	return &projects[0], nil
}

// DeleteProject removes a project; dependent rows cascade.
func (s *TenantStore) DeleteProject(ctx context.Context, sch schema.SafeIdent, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s.projects WHERE id = ?`, sch)
	result := s.db.WithContext(ctx).Exec(query, id)
	if result.Error != nil {
		return fmt.Errorf("deleting project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddProjectMember assigns a user to a project.
func (s *TenantStore) AddProjectMember(ctx context.Context, sch schema.SafeIdent, m *ProjectMember) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s.project_members (id, tenant_id, project_id, user_id, role, added_by)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`, sch)
	if err := s.db.WithContext(ctx).Exec(query,
		m.ID, m.TenantID, m.ProjectID, m.UserID, m.Role, m.AddedBy).Error; err != nil {
		return fmt.Errorf("adding project member: %w", err)
	}
	return nil
}

// HasProjectMember reports whether user has an explicit assignment row for
// the project. A query failure is returned as an error, never collapsed
// into "no".
func (s *TenantStore) HasProjectMember(ctx context.Context, sch schema.SafeIdent, projectID, userID uuid.UUID) (bool, error) {
	var count int64
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s.project_members WHERE project_id = ? AND user_id = ?`, sch)
	if err := s.db.WithContext(ctx).Raw(query, projectID, userID).Scan(&count).Error; err != nil {
		return false, fmt.Errorf("project membership lookup: %w", err)
	}
	return count > 0, nil
}

// ListProjectMembers returns the explicit assignment rows for a project.
func (s *TenantStore) ListProjectMembers(ctx context.Context, sch schema.SafeIdent, projectID uuid.UUID) ([]ProjectMember, error) {
	var members []ProjectMember
	query := fmt.Sprintf(
		`SELECT id, tenant_id, project_id, user_id, role, added_by, created_at
		 FROM %s.project_members WHERE project_id = ? ORDER BY created_at`, sch)
	if err := s.db.WithContext(ctx).Raw(query, projectID).Scan(&members).Error; err != nil {
		return nil, fmt.Errorf("listing project members: %w", err)
	}
	return members, nil
}

// CreateRun inserts an agent run row.
func (s *TenantStore) CreateRun(ctx context.Context, sch schema.SafeIdent, r *AgentRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s.agent_runs (id, tenant_id, project_id, agent_type, status, started_by)
		 VALUES (?, ?, ?, ?, ?, ?)`, sch)
	if err := s.db.WithContext(ctx).Exec(query,
		r.ID, r.TenantID, r.ProjectID, r.AgentType, r.Status, r.StartedBy).Error; err != nil {
		return fmt.Errorf("creating agent run: %w", err)
	}
	return nil
}

// GetRun fetches one agent run by id.
func (s *TenantStore) GetRun(ctx context.Context, sch schema.SafeIdent, id uuid.UUID) (*AgentRun, error) {
	var runs []AgentRun
	query := fmt.Sprintf(
		`SELECT id, tenant_id, project_id, agent_type, status, started_by, tokens_used, error, created_at, updated_at
		 FROM %s.agent_runs WHERE id = ?`, sch)
	if err := s.db.WithContext(ctx).Raw(query, id).Scan(&runs).Error; err != nil {
		return nil, fmt.Errorf("fetching agent run: %w", err)
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// UpdateRunStatus transitions a run and records the failure message, if any.
func (s *TenantStore) UpdateRunStatus(ctx context.Context, sch schema.SafeIdent, id uuid.UUID, status, errMsg string) error {
	query := fmt.Sprintf(
		`UPDATE %s.agent_runs SET status = ?, error = ?, updated_at = now() WHERE id = ?`, sch)
	if err := s.db.WithContext(ctx).Exec(query, status, errMsg, id).Error; err != nil {
		return fmt.Errorf("updating agent run: %w", err)
	}
	return nil
}

// AddRunTokens accumulates the token usage reported by the agent.
func (s *TenantStore) AddRunTokens(ctx context.Context, sch schema.SafeIdent, id uuid.UUID, tokens int64) error {
	query := fmt.Sprintf(
		`UPDATE %s.agent_runs SET tokens_used = tokens_used + ?, updated_at = now() WHERE id = ?`, sch)
	if err := s.db.WithContext(ctx).Exec(query, tokens, id).Error; err != nil {
		return fmt.Errorf("updating run token usage: %w", err)
	}
	return nil
}

// WriteAudit records an audit entry. Best effort: a failed audit write is
// logged and swallowed so it can never fail the operation it records.
func (s *TenantStore) WriteAudit(ctx context.Context, sch schema.SafeIdent, tenantID uuid.UUID, entry AuditEntry) {
	detail := entry.Detail
	if detail == "" {
		detail = "{}"
	}
	query := fmt.Sprintf(
		`INSERT INTO %s.audit_logs (tenant_id, actor_id, action, resource_type, resource_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`, sch)
	if err := s.db.WithContext(ctx).Exec(query,
		tenantID, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, detail).Error; err != nil {
		s.log.Warn("Audit write failed",
			zap.String("schema", sch.String()),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}
