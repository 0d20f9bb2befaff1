package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/rbac"
	"qualisys/internal/schema"
	"qualisys/internal/store"
	"qualisys/pkg/config"
	"qualisys/pkg/jwtutil"
)

func newRegistryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Tenant{}, &model.TenantMembership{}, &model.Invitation{}); err != nil {
		t.Fatalf("migrating registry models: %v", err)
	}
	return db
}

func newOrgFixture(t *testing.T) (*OrgHandler, *store.Registry, *gorm.DB) {
	t.Helper()
	db := newRegistryDB(t)
	registry := store.NewRegistry(db)
	gate := rbac.NewGate(registry, store.IsNotFound)
	tenants := store.NewTenantStore(db, zap.NewNop())
	engine := schema.NewEngine(db, zap.NewNop())
	jwtCfg := &config.JWTConfig{SigningKey: "test-signing-key", ExpirationHours: 1, CookieName: "access_token"}
	h := NewOrgHandler(registry, tenants, engine, gate, jwtutil.NewJWTUtil(jwtCfg), jwtCfg)
	return h, registry, db
}

func seedOwnedTenant(t *testing.T, db *gorm.DB, slug string) (*model.User, *model.Tenant) {
	t.Helper()
	user := model.User{Email: "owner@acme.test", Password: "irrelevant", FullName: "Owner"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	tenant := model.Tenant{Name: "Acme", Slug: slug, PlanTier: "free", ProvisioningStatus: model.ProvisioningReady}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("seeding tenant: %v", err)
	}
	membership := model.TenantMembership{TenantID: tenant.ID, UserID: user.ID, Role: model.RoleOwner, IsActive: true}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("seeding membership: %v", err)
	}
	return &user, &tenant
}

func TestDeleteOrgFreesSlugForReuse(t *testing.T) {
	h, registry, db := newOrgFixture(t)
	user, _ := seedOwnedTenant(t, db, "acme-corp")

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/orgs/:slug")
	c.SetParamNames("slug")
	c.SetParamValues("acme-corp")
	c.Set("tenant_context", &middleware.TenantContext{UserID: user.ID, Email: user.Email})

	if err := h.DeleteOrg(c); err != nil {
		t.Fatalf("DeleteOrg: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if _, err := registry.TenantBySlug(c.Request().Context(), "acme-corp"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("TenantBySlug after delete = %v, want ErrNotFound", err)
	}

	// The registry row must be physically gone; a row merely marked deleted
	// would keep holding the slug's unique index and block re-creation.
	var zombies int64
	if err := db.Unscoped().Model(&model.Tenant{}).Where("slug = ?", "acme-corp").Count(&zombies).Error; err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if zombies != 0 {
		t.Fatalf("found %d tenant rows for the deleted slug, want 0", zombies)
	}

	recreated := model.Tenant{Name: "Acme Again", Slug: "acme-corp", PlanTier: "free", ProvisioningStatus: model.ProvisioningReady}
	if err := db.Create(&recreated).Error; err != nil {
		t.Fatalf("re-creating organization with the freed slug: %v", err)
	}
}

func TestDeleteOrgRequiresOwner(t *testing.T) {
	h, _, db := newOrgFixture(t)
	_, tenant := seedOwnedTenant(t, db, "acme-corp")

	viewer := model.User{Email: "viewer@acme.test", Password: "irrelevant"}
	if err := db.Create(&viewer).Error; err != nil {
		t.Fatalf("seeding viewer: %v", err)
	}
	membership := model.TenantMembership{TenantID: tenant.ID, UserID: viewer.ID, Role: model.RoleViewer, IsActive: true}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("seeding viewer membership: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/orgs/:slug")
	c.SetParamNames("slug")
	c.SetParamValues("acme-corp")
	c.Set("tenant_context", &middleware.TenantContext{UserID: viewer.ID, Email: viewer.Email})

	if err := h.DeleteOrg(c); err != nil {
		t.Fatalf("DeleteOrg: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
