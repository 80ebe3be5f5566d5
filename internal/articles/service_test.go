package articles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/categories"
	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
	"github.com/lorekeep/lorekeep/jobs"
)

type fakeArticleStore struct {
	articles map[int64]Article
	nextID   int64
	ratings  map[[2]int64]int
}

func newFakeArticleStore(articles ...Article) *fakeArticleStore {
	s := &fakeArticleStore{
		articles: make(map[int64]Article),
		ratings:  make(map[[2]int64]int),
		nextID:   1,
	}
	for _, a := range articles {
		s.articles[a.ID] = a
		if a.ID >= s.nextID {
			s.nextID = a.ID + 1
		}
	}
	return s
}

func (s *fakeArticleStore) List(ctx context.Context, categoryIDs []int64, limit, offset int) ([]Article, error) {
	allowed := make(map[int64]struct{}, len(categoryIDs))
	for _, id := range categoryIDs {
		allowed[id] = struct{}{}
	}
	var out []Article
	for _, a := range s.articles {
		if _, ok := allowed[a.CategoryID]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeArticleStore) Count(ctx context.Context, categoryIDs []int64) (int64, error) {
	out, _ := s.List(ctx, categoryIDs, 0, 0)
	return int64(len(out)), nil
}

func (s *fakeArticleStore) GetByID(ctx context.Context, id int64) (Article, error) {
	a, ok := s.articles[id]
	if !ok {
		return Article{}, shared.ErrNotFound
	}
	return a, nil
}

func (s *fakeArticleStore) Create(ctx context.Context, a Article) (Article, error) {
	a.ID = s.nextID
	s.nextID++
	s.articles[a.ID] = a
	return a, nil
}

func (s *fakeArticleStore) Update(ctx context.Context, a Article) (Article, error) {
	if _, ok := s.articles[a.ID]; !ok {
		return Article{}, shared.ErrNotFound
	}
	s.articles[a.ID] = a
	return a, nil
}

func (s *fakeArticleStore) Delete(ctx context.Context, id int64) error {
	if _, ok := s.articles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.articles, id)
	return nil
}

func (s *fakeArticleStore) Rate(ctx context.Context, articleID, userID int64, value int) (Article, error) {
	a, ok := s.articles[articleID]
	if !ok {
		return Article{}, shared.ErrNotFound
	}
	s.ratings[[2]int64{articleID, userID}] = value
	sum, votes := 0, 0
	for key, v := range s.ratings {
		if key[0] == articleID {
			sum += v
			votes++
		}
	}
	a.Rating = float64(sum) / float64(votes)
	a.Votes = votes
	s.articles[articleID] = a
	return a, nil
}

type fakeCategoryStore struct {
	categories map[int64]categories.Category
}

func (s *fakeCategoryStore) List(ctx context.Context, includeHidden bool) ([]categories.Category, error) {
	var out []categories.Category
	for _, c := range s.categories {
		if c.Hidden && !includeHidden {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeCategoryStore) GetByID(ctx context.Context, id int64) (categories.Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return categories.Category{}, shared.ErrNotFound
	}
	return c, nil
}

func (s *fakeCategoryStore) GetBySlug(ctx context.Context, slug string) (categories.Category, error) {
	for _, c := range s.categories {
		if c.Slug == slug {
			return c, nil
		}
	}
	return categories.Category{}, shared.ErrNotFound
}

func (s *fakeCategoryStore) Create(ctx context.Context, c categories.Category) (categories.Category, error) {
	return categories.Category{}, errors.New("not implemented")
}

func (s *fakeCategoryStore) Update(ctx context.Context, c categories.Category) (categories.Category, error) {
	return categories.Category{}, errors.New("not implemented")
}

func (s *fakeCategoryStore) Delete(ctx context.Context, id int64) error {
	return errors.New("not implemented")
}

type fakeRoleStore struct {
	roles     []rbac.Role
	overrides []rbac.Override
}

func (s *fakeRoleStore) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return rbac.DefaultPermissions(), nil
}

func (s *fakeRoleStore) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.roles, nil
}

func (s *fakeRoleStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	for _, r := range s.roles {
		if r.ID == id {
			return r, nil
		}
	}
	return rbac.Role{}, shared.ErrNotFound
}

func (s *fakeRoleStore) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	return rbac.Role{}, errors.New("not implemented")
}

func (s *fakeRoleStore) UpdateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	return rbac.Role{}, errors.New("not implemented")
}

func (s *fakeRoleStore) DeleteRole(ctx context.Context, id int64) error {
	return errors.New("not implemented")
}

func (s *fakeRoleStore) ReorderRoles(ctx context.Context, orderedIDs []int64) error {
	return errors.New("not implemented")
}

func (s *fakeRoleStore) ListOverrides(ctx context.Context) ([]rbac.Override, error) {
	return s.overrides, nil
}

func (s *fakeRoleStore) ListCategoryOverrides(ctx context.Context, categoryID int64) ([]rbac.Override, error) {
	var out []rbac.Override
	for _, o := range s.overrides {
		if o.CategoryID == categoryID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeRoleStore) ReplaceOverrides(ctx context.Context, categoryID int64, submissions map[int64]rbac.OverrideSets) error {
	return errors.New("not implemented")
}

func (s *fakeRoleStore) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return nil, nil
}

func (s *fakeRoleStore) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return errors.New("not implemented")
}

type recordingEnqueuer struct {
	payloads []jobs.SearchReindexPayload
}

func (e *recordingEnqueuer) EnqueueSearchReindex(ctx context.Context, payload jobs.SearchReindexPayload) (*asynq.TaskInfo, error) {
	e.payloads = append(e.payloads, payload)
	return &asynq.TaskInfo{}, nil
}

// Fixture categories: 1 public, 2 hidden, 3 public but with an override that
// strips the everyone role of its grants inside it.
func newFixture() (*Service, *fakeArticleStore, *recordingEnqueuer) {
	roleStore := &fakeRoleStore{
		roles: []rbac.Role{
			{ID: 1, Slug: rbac.SlugEveryone, Rank: rbac.RankSentinel, Allowed: rbac.NewCapabilitySet(rbac.CapViewArticles)},
			{ID: 2, Slug: rbac.SlugRegistered, Rank: rbac.RankSentinel, Allowed: rbac.NewCapabilitySet(rbac.CapRateArticles)},
			{ID: 3, Slug: "librarian", Rank: 1, Allowed: rbac.NewCapabilitySet(rbac.CapManageCategories, rbac.CapCreateArticles, rbac.CapEditArticles, rbac.CapDeleteArticles)},
			{ID: 4, Slug: "contributor", Rank: 2, Allowed: rbac.NewCapabilitySet(rbac.CapCreateArticles, rbac.CapEditArticles)},
		},
		overrides: []rbac.Override{
			{ID: 1, RoleID: 1, CategoryID: 3},
			{ID: 2, RoleID: 4, CategoryID: 3, Denied: rbac.NewCapabilitySet(rbac.CapEditArticles)},
		},
	}
	catStore := &fakeCategoryStore{categories: map[int64]categories.Category{
		1: {ID: 1, Slug: "lore", Name: "Lore"},
		2: {ID: 2, Slug: "drafts", Name: "Drafts", Hidden: true},
		3: {ID: 3, Slug: "vault", Name: "Vault"},
	}}
	articleStore := newFakeArticleStore(
		Article{ID: 1, CategoryID: 1, Slug: "welcome", Title: "Welcome", AuthorID: 1},
		Article{ID: 2, CategoryID: 2, Slug: "draft", Title: "Draft", AuthorID: 1},
		Article{ID: 3, CategoryID: 3, Slug: "secret", Title: "Secret", AuthorID: 1},
	)
	enqueuer := &recordingEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rbacService := rbac.NewService(roleStore, rbac.DefaultRegistry(), nil, logger)
	svc := NewService(articleStore, catStore, rbacService, enqueuer, nil, logger)
	return svc, articleStore, enqueuer
}

var (
	anonymous   = rbac.Principal{}
	member      = rbac.Principal{UserID: 10, Authenticated: true}
	contributor = rbac.Principal{UserID: 11, Authenticated: true, RoleIDs: []int64{4}}
	librarian   = rbac.Principal{UserID: 12, Authenticated: true, RoleIDs: []int64{3}}
)

func TestListFiltersCategories(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()

	// Members see the public category only: drafts is hidden and the
	// vault override wipes the everyone grants.
	out, _, err := svc.List(ctx, member, 0, 1, 20)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "welcome", out[0].Slug)

	// Librarians see hidden categories, but the vault override strips
	// view from everyone for them too.
	out, _, err = svc.List(ctx, librarian, 0, 1, 20)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestListScopedToDeniedCategory(t *testing.T) {
	svc, _, _ := newFixture()

	_, _, err := svc.List(context.Background(), member, 2, 1, 20)
	assert.ErrorIs(t, err, shared.ErrNotFound, "hidden categories look nonexistent")
}

func TestGetDeniedByOverride(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()

	a, err := svc.Get(ctx, member, 1)
	require.NoError(t, err)
	assert.Equal(t, "welcome", a.Slug)

	_, err = svc.Get(ctx, member, 3)
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege, "vault override replaced the everyone sets")
}

func TestCreateRequiresCategoryCapability(t *testing.T) {
	svc, _, enqueuer := newFixture()
	ctx := context.Background()

	_, err := svc.Create(ctx, member, Input{CategoryID: 1, Title: "Nope"})
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)

	created, err := svc.Create(ctx, contributor, Input{CategoryID: 1, Title: "A Tale"})
	require.NoError(t, err)
	assert.Equal(t, "a-tale", created.Slug)
	assert.Equal(t, contributor.UserID, created.AuthorID)
	require.Len(t, enqueuer.payloads, 1)
	assert.Equal(t, created.ID, enqueuer.payloads[0].ArticleID)
}

func TestUpdateCrossCategoryNeedsBothSides(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()

	// Contributor may edit in category 1 but the vault override denies
	// edit there, so the move is refused.
	_, err := svc.Update(ctx, contributor, 1, Input{CategoryID: 3, Title: "Welcome"})
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)

	updated, err := svc.Update(ctx, contributor, 1, Input{CategoryID: 1, Title: "Welcome Back"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Back", updated.Title)
}

func TestDeleteRequiresCapability(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()

	err := svc.Delete(ctx, contributor, 1)
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege, "contributor lacks delete")

	require.NoError(t, svc.Delete(ctx, librarian, 1))
	_, err = store.GetByID(ctx, 1)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRate(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()

	_, err := svc.Rate(ctx, member, 1, 6)
	assert.ErrorIs(t, err, ErrInvalidRating)

	_, err = svc.Rate(ctx, anonymous, 1, 4)
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege, "rating needs the registered role")

	a, err := svc.Rate(ctx, member, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Votes)
	assert.InDelta(t, 4.0, a.Rating, 0.001)

	// A second vote by the same user replaces the first.
	a, err = svc.Rate(ctx, member, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Votes)
	assert.InDelta(t, 2.0, a.Rating, 0.001)
}
