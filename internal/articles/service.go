package articles

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/lorekeep/lorekeep/internal/categories"
	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
	"github.com/lorekeep/lorekeep/jobs"
)

var (
	// ErrInvalidArticle indicates a malformed article submission.
	ErrInvalidArticle = errors.New("articles: invalid article input")
	// ErrInvalidRating indicates a vote outside the accepted range.
	ErrInvalidRating = errors.New("articles: rating must be between 1 and 5")
)

// Enqueuer submits background reindex work. Satisfied by jobs.Client.
type Enqueuer interface {
	EnqueueSearchReindex(ctx context.Context, payload jobs.SearchReindexPayload) (*asynq.TaskInfo, error)
}

// Input carries the mutable fields of an article.
type Input struct {
	CategoryID int64
	Slug       string
	Title      string
	Body       string
}

// Service orchestrates article reads and writes under category-scoped
// capability checks.
type Service struct {
	store    Store
	catStore categories.Store
	rbac     *rbac.Service
	enqueuer Enqueuer
	audit    *shared.AuditLogger
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, catStore categories.Store, rbacService *rbac.Service, enqueuer Enqueuer, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		catStore: catStore,
		rbac:     rbacService,
		enqueuer: enqueuer,
		audit:    audit,
		logger:   logger,
	}
}

// List returns one page of articles the principal may view. Hidden categories
// are filtered out unless the principal manages categories, and each category
// is individually gated on the view capability.
func (s *Service) List(ctx context.Context, p rbac.Principal, categoryID int64, page, perPage int) ([]Article, shared.Pagination, error) {
	visible, err := s.visibleCategoryIDs(ctx, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if categoryID != 0 {
		if _, ok := visible[categoryID]; !ok {
			return nil, shared.Pagination{}, shared.ErrNotFound
		}
		visible = map[int64]struct{}{categoryID: {}}
	}

	ids := make([]int64, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	total, err := s.store.Count(ctx, ids)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	pagination := shared.NewPagination(page, perPage, int(total))
	out, err := s.store.List(ctx, ids, pagination.PerPage, (pagination.Page-1)*pagination.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return out, pagination, nil
}

// Get fetches one article if the principal may view its category.
func (s *Service) Get(ctx context.Context, p rbac.Principal, id int64) (Article, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Article{}, err
	}
	if err := s.requireCapability(ctx, p, rbac.CapViewArticles, a.CategoryID); err != nil {
		return Article{}, err
	}
	return a, nil
}

// Create inserts an article. The actor needs the create capability within the
// target category; a reindex job picks the new article up afterwards.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in Input) (Article, error) {
	a, err := s.fromInput(ctx, in)
	if err != nil {
		return Article{}, err
	}
	if err := s.requireCapability(ctx, actor, rbac.CapCreateArticles, a.CategoryID); err != nil {
		return Article{}, err
	}
	a.AuthorID = actor.UserID
	created, err := s.store.Create(ctx, a)
	if err != nil {
		return Article{}, err
	}
	s.enqueueReindex(ctx, created.ID)
	s.record(ctx, actor, "article.create", created.ID, map[string]any{"slug": created.Slug})
	return created, nil
}

// Update edits an article. Moving it across categories needs the edit
// capability in both the source and the target category.
func (s *Service) Update(ctx context.Context, actor rbac.Principal, id int64, in Input) (Article, error) {
	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Article{}, err
	}
	if err := s.requireCapability(ctx, actor, rbac.CapEditArticles, stored.CategoryID); err != nil {
		return Article{}, err
	}
	a, err := s.fromInput(ctx, in)
	if err != nil {
		return Article{}, err
	}
	if a.CategoryID != stored.CategoryID {
		if err := s.requireCapability(ctx, actor, rbac.CapEditArticles, a.CategoryID); err != nil {
			return Article{}, err
		}
	}
	a.ID = stored.ID
	a.AuthorID = stored.AuthorID
	updated, err := s.store.Update(ctx, a)
	if err != nil {
		return Article{}, err
	}
	s.enqueueReindex(ctx, id)
	s.record(ctx, actor, "article.update", id, map[string]any{"slug": updated.Slug})
	return updated, nil
}

// Delete removes an article under the delete capability of its category.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireCapability(ctx, actor, rbac.CapDeleteArticles, stored.CategoryID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, "article.delete", id, map[string]any{"slug": stored.Slug})
	return nil
}

// Rate records the actor's vote under the rate capability of the article's
// category. Voting twice replaces the earlier vote.
func (s *Service) Rate(ctx context.Context, actor rbac.Principal, id int64, value int) (Article, error) {
	if value < 1 || value > 5 {
		return Article{}, ErrInvalidRating
	}
	if !actor.Authenticated {
		return Article{}, shared.ErrInsufficientPrivilege
	}
	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Article{}, err
	}
	if err := s.requireCapability(ctx, actor, rbac.CapRateArticles, stored.CategoryID); err != nil {
		return Article{}, err
	}
	return s.store.Rate(ctx, id, actor.UserID, value)
}

func (s *Service) requireCapability(ctx context.Context, p rbac.Principal, capability string, categoryID int64) error {
	ok, err := s.rbac.HasPermission(ctx, p, capability, categoryID)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrInsufficientPrivilege
	}
	return nil
}

func (s *Service) visibleCategoryIDs(ctx context.Context, p rbac.Principal) (map[int64]struct{}, error) {
	cats, err := s.catStore.List(ctx, true)
	if err != nil {
		return nil, err
	}
	snap, err := s.rbac.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	managesCategories := s.rbac.Resolve(snap, p, rbac.CapManageCategories, 0)

	visible := make(map[int64]struct{}, len(cats))
	for _, c := range cats {
		if c.Hidden && !managesCategories {
			continue
		}
		if !s.rbac.Resolve(snap, p, rbac.CapViewArticles, c.ID) {
			continue
		}
		visible[c.ID] = struct{}{}
	}
	return visible, nil
}

func (s *Service) fromInput(ctx context.Context, in Input) (Article, error) {
	if in.Title == "" {
		return Article{}, fmt.Errorf("%w: title required", ErrInvalidArticle)
	}
	if in.CategoryID == 0 {
		return Article{}, fmt.Errorf("%w: category required", ErrInvalidArticle)
	}
	if _, err := s.catStore.GetByID(ctx, in.CategoryID); err != nil {
		return Article{}, err
	}
	slug := in.Slug
	if slug == "" {
		slug = shared.Slugify(in.Title)
	}
	if !shared.ValidSlug(slug) {
		return Article{}, fmt.Errorf("%w: slug %q", ErrInvalidArticle, slug)
	}
	return Article{
		CategoryID: in.CategoryID,
		Slug:       slug,
		Title:      in.Title,
		Body:       in.Body,
	}, nil
}

func (s *Service) enqueueReindex(ctx context.Context, articleID int64) {
	if s.enqueuer == nil {
		return
	}
	if _, err := s.enqueuer.EnqueueSearchReindex(ctx, jobs.SearchReindexPayload{ArticleID: articleID}); err != nil && s.logger != nil {
		s.logger.Warn("enqueue reindex", slog.Int64("article_id", articleID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "article",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
