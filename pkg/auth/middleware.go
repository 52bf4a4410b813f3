// Package auth resolves the tenant/store scope of an HTTP request.
//
// Requests carry an HS256 bearer token whose claims name the tenant and,
// optionally, the store. With AUTH_DISABLED set (local development) the scope
// is read from the X-Tenant-ID and X-Store-ID headers instead.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/scope"
)

var Module = fx.Module("auth",
	fx.Provide(NewMiddleware),
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderStoreID  = "X-Store-ID"

	scopeContextKey = "tenant_scope"
)

// Claims are the JWT claims a caller presents.
type Claims struct {
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id,omitempty"`
	jwt.RegisteredClaims
}

// GetScope returns the scope stored by RequireTenant.
func GetScope(c echo.Context) (scope.Scope, error) {
	s, ok := c.Get(scopeContextKey).(scope.Scope)
	if !ok || !s.Valid() {
		return scope.Scope{}, apperror.ErrMissingScope
	}
	return s, nil
}

// Middleware authenticates requests and attaches the tenant scope.
type Middleware struct {
	secret   []byte
	issuer   string
	disabled bool
	log      *slog.Logger
}

// NewMiddleware creates the auth middleware from config.
func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	log = log.With(logger.Scope("auth"))
	if cfg.Auth.Disabled {
		log.Warn("authentication disabled, tenant taken from request headers")
	}
	return &Middleware{
		secret:   []byte(cfg.Auth.JWTSecret),
		issuer:   cfg.Auth.Issuer,
		disabled: cfg.Auth.Disabled,
		log:      log,
	}
}

// RequireTenant returns middleware that rejects requests without a tenant scope.
func (m *Middleware) RequireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := m.resolve(c)
			if err != nil {
				m.log.Warn("authentication failed",
					slog.String("path", c.Path()),
					logger.Error(err),
				)
				return err
			}

			c.Set(scopeContextKey, s)
			req := c.Request()
			c.SetRequest(req.WithContext(scope.WithContext(req.Context(), s)))

			return next(c)
		}
	}
}

func (m *Middleware) resolve(c echo.Context) (scope.Scope, error) {
	h := c.Request().Header

	if m.disabled {
		s := scope.Scope{TenantID: strings.TrimSpace(h.Get(HeaderTenantID)), StoreID: strings.TrimSpace(h.Get(HeaderStoreID))}
		if !s.Valid() {
			return scope.Scope{}, apperror.ErrMissingScope
		}
		return s, nil
	}

	raw := h.Get(echo.HeaderAuthorization)
	if raw == "" {
		return scope.Scope{}, apperror.ErrUnauthorized
	}
	token, found := strings.CutPrefix(raw, "Bearer ")
	if !found || token == "" {
		return scope.Scope{}, apperror.ErrInvalidToken
	}

	claims, err := m.Parse(token)
	if err != nil {
		return scope.Scope{}, apperror.ErrInvalidToken.WithInternal(err)
	}

	s := scope.Scope{TenantID: claims.TenantID, StoreID: claims.StoreID}
	// a tenant-wide token may narrow itself to one store
	if s.StoreID == "" {
		s.StoreID = strings.TrimSpace(h.Get(HeaderStoreID))
	}
	if !s.Valid() {
		return scope.Scope{}, apperror.ErrMissingScope
	}
	return s, nil
}

// Parse verifies an HS256 token and returns its claims.
func (m *Middleware) Parse(token string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Issue signs a token for s valid for ttl. Used by the CLIs and tests.
func (m *Middleware) Issue(s scope.Scope, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		TenantID: s.TenantID,
		StoreID:  s.StoreID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
