package rbac

import (
	"context"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/lorekeep/lorekeep/internal/platform/httpx"
)

type principalContextKey struct{}

// ContextWithPrincipal stores the acting principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the acting principal. The zero value stands
// for an anonymous visitor.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey{}).(Principal)
	return p
}

// Middleware wires capability checks into HTTP handlers. Concurrent requests
// share one snapshot load through singleflight; nothing is cached beyond the
// in-flight call, so a mutation is visible to the next evaluation.
type Middleware struct {
	service *Service
	logger  *slog.Logger
	group   singleflight.Group
}

// NewMiddleware constructs a Middleware.
func NewMiddleware(service *Service, logger *slog.Logger) *Middleware {
	return &Middleware{service: service, logger: logger}
}

// RequirePermission gates a route on an unscoped capability.
func (m *Middleware) RequirePermission(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.authorize(w, r, next, capability, 0)
		})
	}
}

// RequireCategoryPermission gates a route on a capability scoped to the
// category named by the URL parameter.
func (m *Middleware) RequireCategoryPermission(capability, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := chi.URLParam(r, param)
			categoryID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid category id")
				return
			}
			m.authorize(w, r, next, capability, categoryID)
		})
	}
}

func (m *Middleware) authorize(w http.ResponseWriter, r *http.Request, next http.Handler, capability string, categoryID int64) {
	snap, err := m.snapshot(r.Context())
	if err != nil {
		if m.logger != nil {
			m.logger.Error("rbac snapshot", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "authorization unavailable")
		return
	}
	p := PrincipalFromContext(r.Context())
	if !m.service.Resolve(snap, p, capability, categoryID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing required permission")
		return
	}
	next.ServeHTTP(w, r)
}

func (m *Middleware) snapshot(ctx context.Context) (*Snapshot, error) {
	v, err, _ := m.group.Do("snapshot", func() (any, error) {
		return m.service.Snapshot(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}
