package categories

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"log/slog"

	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// ErrInvalidCategory indicates a malformed category submission.
var ErrInvalidCategory = errors.New("categories: invalid category input")

// Input carries the mutable fields of a category.
type Input struct {
	Slug        string
	Name        string
	Description string
	Hidden      bool
}

// Service orchestrates category management and per-category overrides.
type Service struct {
	store  Store
	rbac   *rbac.Service
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, rbacService *rbac.Service, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{store: store, rbac: rbacService, audit: audit, logger: logger}
}

// List returns categories visible to the principal. Hidden categories appear
// only for principals holding the category management capability.
func (s *Service) List(ctx context.Context, p rbac.Principal) ([]Category, error) {
	includeHidden, err := s.rbac.HasPermission(ctx, p, rbac.CapManageCategories, 0)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, includeHidden)
}

// Get fetches one category.
func (s *Service) Get(ctx context.Context, id int64) (Category, error) {
	return s.store.GetByID(ctx, id)
}

// GetBySlug fetches one category by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Category, error) {
	return s.store.GetBySlug(ctx, slug)
}

// Create inserts a category.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in Input) (Category, error) {
	c, err := fromInput(in)
	if err != nil {
		return Category{}, err
	}
	created, err := s.store.Create(ctx, c)
	if err != nil {
		return Category{}, err
	}
	s.record(ctx, actor, "category.create", created.ID, map[string]any{"slug": created.Slug})
	return created, nil
}

// Update edits a category.
func (s *Service) Update(ctx context.Context, actor rbac.Principal, id int64, in Input) (Category, error) {
	c, err := fromInput(in)
	if err != nil {
		return Category{}, err
	}
	c.ID = id
	updated, err := s.store.Update(ctx, c)
	if err != nil {
		return Category{}, err
	}
	s.record(ctx, actor, "category.update", id, map[string]any{"slug": updated.Slug})
	return updated, nil
}

// Delete removes a category. Its override rows go with it; articles in the
// category keep existing and fall back to global role sets.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, "category.delete", id, nil)
	return nil
}

// Overrides returns the override rows for one category.
func (s *Service) Overrides(ctx context.Context, id int64) ([]rbac.Override, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.rbac.ListCategoryOverrides(ctx, id)
}

// ReplaceOverrides rebuilds the category's override rows from the submission.
func (s *Service) ReplaceOverrides(ctx context.Context, actor rbac.Principal, id int64, submissions map[int64]rbac.OverrideSets) error {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return err
	}
	return s.rbac.ReplaceOverrides(ctx, actor, id, submissions)
}

func fromInput(in Input) (Category, error) {
	if in.Name == "" {
		return Category{}, fmt.Errorf("%w: name required", ErrInvalidCategory)
	}
	slug := in.Slug
	if slug == "" {
		slug = shared.Slugify(in.Name)
	}
	if !shared.ValidSlug(slug) {
		return Category{}, fmt.Errorf("%w: slug %q", ErrInvalidCategory, slug)
	}
	return Category{
		Slug:        slug,
		Name:        in.Name,
		Description: in.Description,
		Hidden:      in.Hidden,
	}, nil
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "category",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
