package categories

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

type fakeCategoryStore struct {
	categories map[int64]Category
	nextID     int64
	deleted    []int64
}

func newFakeCategoryStore(categories ...Category) *fakeCategoryStore {
	s := &fakeCategoryStore{categories: make(map[int64]Category), nextID: 1}
	for _, c := range categories {
		s.categories[c.ID] = c
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
	}
	return s
}

func (s *fakeCategoryStore) List(ctx context.Context, includeHidden bool) ([]Category, error) {
	var out []Category
	for _, c := range s.categories {
		if c.Hidden && !includeHidden {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeCategoryStore) GetByID(ctx context.Context, id int64) (Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return Category{}, shared.ErrNotFound
	}
	return c, nil
}

func (s *fakeCategoryStore) GetBySlug(ctx context.Context, slug string) (Category, error) {
	for _, c := range s.categories {
		if c.Slug == slug {
			return c, nil
		}
	}
	return Category{}, shared.ErrNotFound
}

func (s *fakeCategoryStore) Create(ctx context.Context, c Category) (Category, error) {
	c.ID = s.nextID
	s.nextID++
	s.categories[c.ID] = c
	return c, nil
}

func (s *fakeCategoryStore) Update(ctx context.Context, c Category) (Category, error) {
	if _, ok := s.categories[c.ID]; !ok {
		return Category{}, shared.ErrNotFound
	}
	s.categories[c.ID] = c
	return c, nil
}

func (s *fakeCategoryStore) Delete(ctx context.Context, id int64) error {
	if _, ok := s.categories[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.categories, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeRoleStore struct {
	roles        []rbac.Role
	replaceCalls int
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
	return nil, nil
}

func (s *fakeRoleStore) ListCategoryOverrides(ctx context.Context, categoryID int64) ([]rbac.Override, error) {
	return nil, nil
}

func (s *fakeRoleStore) ReplaceOverrides(ctx context.Context, categoryID int64, submissions map[int64]rbac.OverrideSets) error {
	s.replaceCalls++
	return nil
}

func (s *fakeRoleStore) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return nil, nil
}

func (s *fakeRoleStore) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return errors.New("not implemented")
}

func newFixture() (*Service, *fakeCategoryStore, *fakeRoleStore) {
	roleStore := &fakeRoleStore{
		roles: []rbac.Role{
			{ID: 1, Slug: rbac.SlugEveryone, Rank: rbac.RankSentinel},
			{ID: 2, Slug: rbac.SlugRegistered, Rank: rbac.RankSentinel},
			{ID: 3, Slug: "librarian", Rank: 1, Allowed: rbac.NewCapabilitySet(rbac.CapManageCategories)},
			{ID: 4, Slug: "member", Rank: 2},
		},
	}
	catStore := newFakeCategoryStore(
		Category{ID: 1, Slug: "lore", Name: "Lore"},
		Category{ID: 2, Slug: "drafts", Name: "Drafts", Hidden: true},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rbacService := rbac.NewService(roleStore, rbac.DefaultRegistry(), nil, logger)
	return NewService(catStore, rbacService, nil, logger), catStore, roleStore
}

func TestListHidesHiddenCategories(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()

	member := rbac.Principal{UserID: 10, Authenticated: true, RoleIDs: []int64{4}}
	out, err := svc.List(ctx, member)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lore", out[0].Slug)

	librarian := rbac.Principal{UserID: 11, Authenticated: true, RoleIDs: []int64{3}}
	out, err = svc.List(ctx, librarian)
	require.NoError(t, err)
	assert.Len(t, out, 2, "category managers see hidden categories")
}

func TestCreateDerivesSlug(t *testing.T) {
	svc, _, _ := newFixture()

	actor := rbac.Principal{UserID: 11, Authenticated: true, RoleIDs: []int64{3}}
	created, err := svc.Create(context.Background(), actor, Input{Name: "Ancient Maps"})
	require.NoError(t, err)
	assert.Equal(t, "ancient-maps", created.Slug)

	_, err = svc.Create(context.Background(), actor, Input{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestReplaceOverridesChecksCategory(t *testing.T) {
	svc, _, roleStore := newFixture()
	ctx := context.Background()
	actor := rbac.Principal{UserID: 11, Authenticated: true, RoleIDs: []int64{3}}

	err := svc.ReplaceOverrides(ctx, actor, 99, map[int64]rbac.OverrideSets{})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, roleStore.replaceCalls)

	require.NoError(t, svc.ReplaceOverrides(ctx, actor, 1, map[int64]rbac.OverrideSets{
		4: {Denied: []string{rbac.CapCreateArticles}},
	}))
	assert.Equal(t, 1, roleStore.replaceCalls)
}

func TestDeleteCategory(t *testing.T) {
	svc, catStore, _ := newFixture()
	ctx := context.Background()
	actor := rbac.Principal{UserID: 11, Authenticated: true, RoleIDs: []int64{3}}

	require.NoError(t, svc.Delete(ctx, actor, 2))
	assert.Equal(t, []int64{2}, catStore.deleted)

	err := svc.Delete(ctx, actor, 99)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
