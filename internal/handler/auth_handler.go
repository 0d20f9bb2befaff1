package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/store"
	"qualisys/pkg/config"
	"qualisys/pkg/jwtutil"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// AuthHandler serves signup, login and profile endpoints.
type AuthHandler struct {
	registry *store.Registry
	jwt      *jwtutil.JWTUtil
	jwtCfg   *config.JWTConfig
}

// NewAuthHandler creates the authentication handler.
func NewAuthHandler(registry *store.Registry, jwt *jwtutil.JWTUtil, jwtCfg *config.JWTConfig) *AuthHandler {
	return &AuthHandler{registry: registry, jwt: jwt, jwtCfg: jwtCfg}
}

// Register creates a new global user account.
func (h *AuthHandler) Register(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		prometheus.RecordAuthError("invalid_registration")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email and a password of at least 8 characters are required"})
	}

	if _, err := h.registry.UserByEmail(c.Request().Context(), req.Email); err == nil {
		prometheus.RecordAuthError("email_taken")
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error("User lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("Password hashing failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	user := model.User{
		Email:    req.Email,
		Password: string(hashed),
		FullName: req.FullName,
	}
	if err := h.registry.DB().WithContext(c.Request().Context()).Create(&user).Error; err != nil {
		log.Error("Failed to create user", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}

	log.Info("User registered", zap.String("email", user.Email), zap.String("user_id", user.ID.String()))
	return c.JSON(http.StatusCreated, echo.Map{
		"message": "registration successful",
		"user": echo.Map{
			"id":        user.ID,
			"email":     user.Email,
			"full_name": user.FullName,
		},
	})
}

// Login verifies credentials and issues a token scoped to the user's
// default tenant, if they have one. The token travels both in the response
// body and in an HTTP-only cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	defer prometheus.TrackDBOperation("query")(time.Now())
	user, err := h.registry.UserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		// Indistinguishable from a wrong password on purpose.
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	// Scope the token to the user's default tenant when they have an
	// active membership there.
	var tenantSlug, role string
	if user.DefaultTenantID != nil {
		if membership, err := h.registry.Membership(c.Request().Context(), *user.DefaultTenantID, user.ID); err == nil && membership.IsActive {
			var tenant model.Tenant
			if lookupErr := h.registry.DB().WithContext(c.Request().Context()).First(&tenant, "id = ?", *user.DefaultTenantID).Error; lookupErr == nil {
				tenantSlug = tenant.Slug
				role = membership.Role
			}
		}
	}

	token, err := h.jwt.GenerateTokenWithTenant(user.Email, user.ID, tenantSlug, role)
	if err != nil {
		log.Error("Failed to generate token", zap.Error(err))
		prometheus.RecordAuthError("token_generation_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}

	c.SetCookie(&http.Cookie{
		Name:     h.jwtCfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(time.Duration(h.jwtCfg.ExpirationHours) * time.Hour),
	})

	log.Info("User logged in",
		zap.String("email", user.Email),
		zap.String("tenant_slug", tenantSlug))

	response := echo.Map{
		"token": token,
		"user": echo.Map{
			"id":        user.ID,
			"email":     user.Email,
			"full_name": user.FullName,
		},
	}
	if tenantSlug != "" {
		response["tenant"] = echo.Map{"slug": tenantSlug, "role": role}
	}
	return c.JSON(http.StatusOK, response)
}

// Profile returns the authenticated user's account.
func (h *AuthHandler) Profile(c echo.Context) error {
	tc, ok := middleware.TenantFromEcho(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	user, err := h.registry.UserByID(c.Request().Context(), tc.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		logger.FromContext(c).Error("Profile lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, user)
}
