package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"qualisys/internal/model"
	"qualisys/internal/schema"
)

var errMissing = errors.New("missing")

type fakeDirectory struct {
	tenant     *model.Tenant
	membership *model.TenantMembership
	tenantErr  error
	memberErr  error
}

func (f *fakeDirectory) TenantBySlug(_ context.Context, _ string) (*model.Tenant, error) {
	if f.tenantErr != nil {
		return nil, f.tenantErr
	}
	return f.tenant, nil
}

func (f *fakeDirectory) Membership(_ context.Context, _, _ uuid.UUID) (*model.TenantMembership, error) {
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return f.membership, nil
}

type fakeProjectMembers struct {
	assigned bool
	err      error
}

func (f *fakeProjectMembers) HasProjectMember(_ context.Context, _ schema.SafeIdent, _, _ uuid.UUID) (bool, error) {
	return f.assigned, f.err
}

func isMissing(err error) bool { return errors.Is(err, errMissing) }

func newTestGate(dir *fakeDirectory) *Gate {
	return NewGate(dir, isMissing)
}

func TestRequireRoleUnknownTenant(t *testing.T) {
	gate := newTestGate(&fakeDirectory{tenantErr: errMissing})

	_, _, err := gate.RequireRole(context.Background(), "ghost", uuid.New(), model.RoleOwner)
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestRequireRoleNeverAMember(t *testing.T) {
	gate := newTestGate(&fakeDirectory{
		tenant:    &model.Tenant{ID: uuid.New(), Slug: "acme-corp"},
		memberErr: errMissing,
	})

	_, _, err := gate.RequireRole(context.Background(), "acme-corp", uuid.New(), model.RoleViewer)
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("err = %v, want ErrNotAMember", err)
	}
}

func TestRequireRoleRevokedMembershipIsDistinct(t *testing.T) {
	gate := newTestGate(&fakeDirectory{
		tenant:     &model.Tenant{ID: uuid.New(), Slug: "acme-corp"},
		membership: &model.TenantMembership{Role: model.RoleDeveloper, IsActive: false},
	})

	_, _, err := gate.RequireRole(context.Background(), "acme-corp", uuid.New(), model.RoleDeveloper)
	if !errors.Is(err, ErrAccessRevoked) {
		t.Fatalf("err = %v, want ErrAccessRevoked", err)
	}
	if errors.Is(err, ErrNotAMember) {
		t.Fatal("revoked membership must not look like a missing one")
	}
}

func TestRequireRoleWrongRole(t *testing.T) {
	gate := newTestGate(&fakeDirectory{
		tenant:     &model.Tenant{ID: uuid.New(), Slug: "acme-corp"},
		membership: &model.TenantMembership{Role: model.RoleViewer, IsActive: true},
	})

	_, _, err := gate.RequireRole(context.Background(), "acme-corp", uuid.New(), model.RoleOwner, model.RoleAdmin)
	var roleErr *RoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("err = %v, want *RoleError", err)
	}
	if roleErr.Role != model.RoleViewer || len(roleErr.Allowed) != 2 {
		t.Errorf("RoleError = %+v, want viewer with two allowed roles", roleErr)
	}
}

func TestRequireRoleSuccessReturnsMembership(t *testing.T) {
	tenant := &model.Tenant{ID: uuid.New(), Slug: "acme-corp"}
	membership := &model.TenantMembership{TenantID: tenant.ID, Role: model.RoleAdmin, IsActive: true}
	gate := newTestGate(&fakeDirectory{tenant: tenant, membership: membership})

	gotTenant, gotMembership, err := gate.RequireRole(context.Background(), "acme-corp", uuid.New(), model.RoleOwner, model.RoleAdmin)
	if err != nil {
		t.Fatalf("RequireRole: %v", err)
	}
	if gotTenant != tenant || gotMembership != membership {
		t.Error("RequireRole did not return the resolved tenant and membership")
	}
}

func TestRequireRoleInfrastructureErrorIsNotNotFound(t *testing.T) {
	boom := errors.New("connection refused")
	gate := newTestGate(&fakeDirectory{tenantErr: boom})

	_, _, err := gate.RequireRole(context.Background(), "acme-corp", uuid.New(), model.RoleOwner)
	if errors.Is(err, ErrTenantNotFound) {
		t.Fatal("infrastructure failure reported as tenant-not-found")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped infrastructure error", err)
	}
}

func TestCheckProjectAccessOwnerAndAdminBypass(t *testing.T) {
	gate := newTestGate(&fakeDirectory{})
	members := &fakeProjectMembers{assigned: false}
	sch := schema.SafeIdent("tenant_acme_corp")

	for _, role := range []string{model.RoleOwner, model.RoleAdmin} {
		membership := &model.TenantMembership{UserID: uuid.New(), Role: role, IsActive: true}
		if err := gate.CheckProjectAccess(context.Background(), members, sch, uuid.New(), membership); err != nil {
			t.Errorf("role %s: CheckProjectAccess = %v, want nil", role, err)
		}
	}
}

func TestCheckProjectAccessViewerWithoutAssignmentDenied(t *testing.T) {
	gate := newTestGate(&fakeDirectory{})
	membership := &model.TenantMembership{UserID: uuid.New(), Role: model.RoleViewer, IsActive: true}
	sch := schema.SafeIdent("tenant_acme_corp")

	err := gate.CheckProjectAccess(context.Background(), &fakeProjectMembers{assigned: false}, sch, uuid.New(), membership)
	if !errors.Is(err, ErrProjectAccessDenied) {
		t.Fatalf("err = %v, want ErrProjectAccessDenied", err)
	}

	if err := gate.CheckProjectAccess(context.Background(), &fakeProjectMembers{assigned: true}, sch, uuid.New(), membership); err != nil {
		t.Fatalf("assigned viewer denied: %v", err)
	}
}

func TestCheckProjectAccessLookupFailureIsNotDenial(t *testing.T) {
	gate := newTestGate(&fakeDirectory{})
	membership := &model.TenantMembership{UserID: uuid.New(), Role: model.RoleDeveloper, IsActive: true}
	boom := errors.New("connection reset")

	err := gate.CheckProjectAccess(context.Background(), &fakeProjectMembers{err: boom}, schema.SafeIdent("tenant_acme_corp"), uuid.New(), membership)
	if errors.Is(err, ErrProjectAccessDenied) {
		t.Fatal("lookup failure reported as access denial")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}
}
