package app

import (
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lorekeep/lorekeep/internal/articles"
	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/categories"
	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
	"github.com/lorekeep/lorekeep/internal/users"
	"github.com/lorekeep/lorekeep/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager

	AuthHandler       *auth.Handler
	RolesHandler      *rbac.Handler
	UsersHandler      *users.Handler
	CategoriesHandler *categories.Handler
	ArticlesHandler   *articles.Handler
	JobHandler        *jobs.Handler

	Principal      *auth.PrincipalMiddleware
	RBACMiddleware *rbac.Middleware
}

// NewRouter constructs the chi.Router with Lorekeep defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	r.Use(params.Principal.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	// Content surface. Per-category authorization happens inside the
	// article service, so these routes carry no capability middleware.
	params.ArticlesHandler.MountRoutes(r)
	params.CategoriesHandler.MountPublicRoutes(r)

	r.Route("/admin", func(admin chi.Router) {
		admin.Group(func(g chi.Router) {
			g.Use(params.RBACMiddleware.RequirePermission(rbac.CapManageRoles))
			params.RolesHandler.MountRoutes(g)
		})
		admin.Group(func(g chi.Router) {
			g.Use(params.RBACMiddleware.RequirePermission(rbac.CapManageUsers))
			params.UsersHandler.MountRoutes(g)
		})
		admin.Group(func(g chi.Router) {
			g.Use(params.RBACMiddleware.RequirePermission(rbac.CapManageCategories))
			params.CategoriesHandler.MountAdminRoutes(g)
		})
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
