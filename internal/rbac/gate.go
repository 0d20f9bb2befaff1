// Package rbac implements the two-tier access gate: org-level role checks
// against tenant membership, and project-level narrowing for roles without
// blanket access.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"qualisys/internal/model"
	"qualisys/internal/schema"
)

// Sentinel errors for the org-role tier. Each maps to a distinct client
// error: the UX for "you were removed" is not the UX for "you were never
// here".
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrNotAMember     = errors.New("not a member of this organization")
	ErrAccessRevoked  = errors.New("organization access has been revoked")
)

// ErrProjectAccessDenied is the project-tier denial, distinct from every
// org-tier error.
var ErrProjectAccessDenied = errors.New("project access denied")

// RoleError means the caller is an active member but holds the wrong role.
type RoleError struct {
	Role    string
	Allowed []string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("insufficient role %q, requires one of: %s", e.Role, strings.Join(e.Allowed, ", "))
}

// Directory resolves tenants and memberships from the global registry.
// *store.Registry satisfies it; tests substitute fakes.
type Directory interface {
	TenantBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	Membership(ctx context.Context, tenantID, userID uuid.UUID) (*model.TenantMembership, error)
}

// ProjectMembers resolves explicit project assignments inside a tenant
// schema. *store.TenantStore satisfies it.
type ProjectMembers interface {
	HasProjectMember(ctx context.Context, sch schema.SafeIdent, projectID, userID uuid.UUID) (bool, error)
}

// NotFound reports whether err is the directory's row-missing error. The
// gate must not treat infrastructure failures as missing rows.
type NotFound interface {
	NotFound(err error) bool
}

// Gate performs both tiers of the access check.
type Gate struct {
	dir      Directory
	notFound func(error) bool
}

// NewGate creates a gate over the given directory. notFound distinguishes
// the directory's missing-row error from infrastructure failure.
func NewGate(dir Directory, notFound func(error) bool) *Gate {
	return &Gate{dir: dir, notFound: notFound}
}

// RequireRole validates that user is an active member of the tenant named
// by slug and holds one of the allowed roles. On success it returns the
// tenant and membership so the caller does not repeat the lookups.
func (g *Gate) RequireRole(ctx context.Context, slug string, userID uuid.UUID, allowed ...string) (*model.Tenant, *model.TenantMembership, error) {
	tenant, err := g.dir.TenantBySlug(ctx, slug)
	if err != nil {
		if g.notFound(err) {
			return nil, nil, ErrTenantNotFound
		}
		return nil, nil, fmt.Errorf("resolving tenant %q: %w", slug, err)
	}

	membership, err := g.dir.Membership(ctx, tenant.ID, userID)
	if err != nil {
		if g.notFound(err) {
			return nil, nil, ErrNotAMember
		}
		return nil, nil, fmt.Errorf("resolving membership: %w", err)
	}

	if !membership.IsActive {
		return nil, nil, ErrAccessRevoked
	}

	for _, role := range allowed {
		if membership.Role == role {
			return tenant, membership, nil
		}
	}

	return nil, nil, &RoleError{Role: membership.Role, Allowed: allowed}
}

// CheckProjectAccess decides project-level access for an already-validated
// membership. Owner and Admin bypass the assignment table entirely; every
// other role needs an explicit project_members row. A lookup failure
// surfaces as an error, never as a denial.
func (g *Gate) CheckProjectAccess(ctx context.Context, members ProjectMembers, sch schema.SafeIdent, projectID uuid.UUID, membership *model.TenantMembership) error {
	if membership.Role == model.RoleOwner || membership.Role == model.RoleAdmin {
		return nil
	}

	assigned, err := members.HasProjectMember(ctx, sch, projectID, membership.UserID)
	if err != nil {
		return fmt.Errorf("checking project access: %w", err)
	}
	if !assigned {
		return ErrProjectAccessDenied
	}
	return nil
}
