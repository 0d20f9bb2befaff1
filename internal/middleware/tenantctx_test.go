package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"qualisys/pkg/config"
	"qualisys/pkg/jwtutil"
)

const testCookieName = "access_token"

func testJWT() *jwtutil.JWTUtil {
	return jwtutil.NewJWTUtil(&config.JWTConfig{
		SigningKey:      "test-signing-key",
		ExpirationHours: 1,
		CookieName:      testCookieName,
	})
}

// captureHandler records the tenant context the handler observed.
func captureHandler(got **TenantContext) echo.HandlerFunc {
	return func(c echo.Context) error {
		if tc, ok := TenantFromEcho(c); ok {
			*got = tc
		}
		return c.NoContent(http.StatusOK)
	}
}

func newContextEcho(jwt *jwtutil.JWTUtil, got **TenantContext) *echo.Echo {
	e := echo.New()
	e.Use(TenantContextMiddleware(jwt, testCookieName))
	e.GET("/api/orgs", captureHandler(got))
	e.GET("/health", captureHandler(got))
	return e
}

func TestTenantContextFromCookie(t *testing.T) {
	jwt := testJWT()
	userID := uuid.New()
	token, err := jwt.GenerateTokenWithTenant("qa@acme.example", userID, "acme-corp", "admin")
	if err != nil {
		t.Fatalf("GenerateTokenWithTenant: %v", err)
	}

	var got *TenantContext
	e := newContextEcho(jwt, &got)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("tenant context was not set")
	}
	if got.UserID != userID || got.TenantSlug != "acme-corp" || got.Role != "admin" {
		t.Errorf("context = %+v, want user %s in acme-corp as admin", got, userID)
	}
}

func TestTenantContextBearerFallback(t *testing.T) {
	jwt := testJWT()
	token, err := jwt.GenerateTokenWithTenant("svc@acme.example", uuid.New(), "acme-corp", "developer")
	if err != nil {
		t.Fatalf("GenerateTokenWithTenant: %v", err)
	}

	var got *TenantContext
	e := newContextEcho(jwt, &got)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.TenantSlug != "acme-corp" {
		t.Fatalf("bearer fallback did not populate the context: %+v", got)
	}
}

func TestTenantContextCookieWinsOverHeader(t *testing.T) {
	jwt := testJWT()
	cookieToken, _ := jwt.GenerateTokenWithTenant("a@acme.example", uuid.New(), "acme-corp", "owner")
	headerToken, _ := jwt.GenerateTokenWithTenant("b@other.example", uuid.New(), "other-org", "owner")

	var got *TenantContext
	e := newContextEcho(jwt, &got)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: cookieToken})
	req.Header.Set("Authorization", "Bearer "+headerToken)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.TenantSlug != "acme-corp" {
		t.Fatalf("context = %+v, want the cookie credential's tenant", got)
	}
}

func TestTenantContextInvalidTokenIsSilent(t *testing.T) {
	jwt := testJWT()

	var got *TenantContext
	e := newContextEcho(jwt, &got)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// The middleware does not reject; the handler runs without a context.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (middleware must not raise)", rec.Code)
	}
	if got != nil {
		t.Errorf("context = %+v, want unset", got)
	}
}

func TestTenantContextSkipsExemptPaths(t *testing.T) {
	jwt := testJWT()
	token, _ := jwt.GenerateTokenWithTenant("qa@acme.example", uuid.New(), "acme-corp", "admin")

	var got *TenantContext
	e := newContextEcho(jwt, &got)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got != nil {
		t.Errorf("context = %+v on an exempt path, want unset", got)
	}
}

func TestRequireTenantContextRejectsUnauthenticated(t *testing.T) {
	e := echo.New()
	e.Use(TenantContextMiddleware(testJWT(), testCookieName))
	protected := e.Group("/api")
	protected.Use(RequireTenantContext)
	protected.GET("/orgs", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestConcurrentRequestsDoNotShareContext(t *testing.T) {
	jwt := testJWT()

	e := echo.New()
	e.Use(TenantContextMiddleware(jwt, testCookieName))
	e.GET("/api/whoami", func(c echo.Context) error {
		tc, ok := TenantFromEcho(c)
		if !ok {
			return c.NoContent(http.StatusUnauthorized)
		}
		return c.String(http.StatusOK, tc.TenantSlug)
	})

	slugs := []string{"acme-corp", "globex", "initech", "umbrella"}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		slug := slugs[i%len(slugs)]
		token, err := jwt.GenerateTokenWithTenant("qa@"+slug+".example", uuid.New(), slug, "viewer")
		if err != nil {
			t.Fatalf("GenerateTokenWithTenant: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
			req.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Body.String() != slug {
				t.Errorf("request for %q observed tenant %q", slug, rec.Body.String())
			}
		}()
	}
	wg.Wait()
}
