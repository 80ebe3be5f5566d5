package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/app"
	"github.com/lorekeep/lorekeep/internal/articles"
	"github.com/lorekeep/lorekeep/internal/auth"
	"github.com/lorekeep/lorekeep/internal/categories"
	"github.com/lorekeep/lorekeep/internal/platform/cache"
	"github.com/lorekeep/lorekeep/internal/platform/db"
	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
	"github.com/lorekeep/lorekeep/internal/users"
	"github.com/lorekeep/lorekeep/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "lorekeep_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)

	rbacRepo := rbac.NewRepository(dbpool)
	registry, err := loadRegistry(ctx, rbacRepo, logger)
	if err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	rbacService := rbac.NewService(rbacRepo, registry, auditLogger, logger)
	rbacMiddleware := rbac.NewMiddleware(rbacService, logger)
	rolesHandler := rbac.NewHandler(logger, rbacService)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)
	principal := auth.NewPrincipalMiddleware(logger, authRepo, authService, rbacService)

	userRepo := users.NewRepository(dbpool)
	userService := users.NewService(userRepo, rbacService, auditLogger, logger)
	usersHandler := users.NewHandler(logger, userService)

	categoryRepo := categories.NewRepository(dbpool)
	categoryService := categories.NewService(categoryRepo, rbacService, auditLogger, logger)
	categoriesHandler := categories.NewHandler(logger, categoryService)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	articleRepo := articles.NewRepository(dbpool)
	articleService := articles.NewService(articleRepo, categoryRepo, rbacService, jobClient, auditLogger, logger)
	articlesHandler := articles.NewHandler(logger, articleService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		AuthHandler:       authHandler,
		RolesHandler:      rolesHandler,
		UsersHandler:      usersHandler,
		CategoriesHandler: categoriesHandler,
		ArticlesHandler:   articlesHandler,
		JobHandler:        jobHandler,
		Principal:         principal,
		RBACMiddleware:    rbacMiddleware,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadRegistry reads the capability catalog from the database, falling back
// to the built-in defaults when the permissions table is empty.
func loadRegistry(ctx context.Context, repo *rbac.Repository, logger *slog.Logger) (*rbac.Registry, error) {
	perms, err := repo.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		logger.Warn("permissions table empty, using built-in catalog")
		return rbac.NewRegistry(rbac.DefaultPermissions()), nil
	}
	return rbac.NewRegistry(perms), nil
}
