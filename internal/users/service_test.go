package users

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

type fakeUserStore struct {
	users  map[int64]User
	nextID int64

	passwords map[int64]string
}

func newFakeUserStore(users ...User) *fakeUserStore {
	s := &fakeUserStore{
		users:     make(map[int64]User),
		passwords: make(map[int64]string),
		nextID:    1,
	}
	for _, u := range users {
		s.users[u.ID] = u
		if u.ID >= s.nextID {
			s.nextID = u.ID + 1
		}
	}
	return s
}

func (s *fakeUserStore) List(ctx context.Context, limit, offset int) ([]User, error) {
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *fakeUserStore) Count(ctx context.Context) (int64, error) {
	return int64(len(s.users)), nil
}

func (s *fakeUserStore) GetByID(ctx context.Context, id int64) (User, error) {
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

func (s *fakeUserStore) Create(ctx context.Context, user User, passwordHash string) (User, error) {
	user.ID = s.nextID
	s.nextID++
	s.users[user.ID] = user
	s.passwords[user.ID] = passwordHash
	return user, nil
}

func (s *fakeUserStore) Update(ctx context.Context, user User) (User, error) {
	stored, ok := s.users[user.ID]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	user.RoleIDs = stored.RoleIDs
	s.users[user.ID] = user
	return user, nil
}

func (s *fakeUserStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	if _, ok := s.users[id]; !ok {
		return shared.ErrNotFound
	}
	s.passwords[id] = passwordHash
	return nil
}

func (s *fakeUserStore) Delete(ctx context.Context, id int64) error {
	if _, ok := s.users[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// fakeRoleStore backs the rbac service with fixed roles and mutable
// assignments.
type fakeRoleStore struct {
	roles     []rbac.Role
	userRoles map[int64][]int64
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
	return errors.New("not implemented")
}

func (s *fakeRoleStore) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.userRoles[userID], nil
}

func (s *fakeRoleStore) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	s.userRoles[userID] = append([]int64(nil), roleIDs...)
	return nil
}

func newFixture() (*Service, *fakeUserStore, *fakeRoleStore) {
	roleStore := &fakeRoleStore{
		roles: []rbac.Role{
			{ID: 1, Slug: rbac.SlugEveryone, Rank: rbac.RankSentinel},
			{ID: 2, Slug: rbac.SlugRegistered, Rank: rbac.RankSentinel},
			{ID: 3, Slug: "admin", Rank: 1, Allowed: rbac.NewCapabilitySet(rbac.CapManageUsers, rbac.CapManageRoles)},
			{ID: 4, Slug: "usermgr", Rank: 2, Allowed: rbac.NewCapabilitySet(rbac.CapManageUsers)},
			{ID: 5, Slug: "member", Rank: 3},
		},
		userRoles: map[int64][]int64{
			10:  {5},
			101: {3},
			102: {4},
			103: {4},
		},
	}
	userStore := newFakeUserStore(
		User{ID: 10, Username: "target", Email: "target@example.com", IsActive: true, RoleIDs: []int64{5}},
		User{ID: 101, Username: "admin", Email: "admin@example.com", IsActive: true, RoleIDs: []int64{3}},
		User{ID: 102, Username: "usermgr", Email: "usermgr@example.com", IsActive: true, RoleIDs: []int64{4}},
		User{ID: 103, Username: "peer", Email: "peer@example.com", IsActive: true, RoleIDs: []int64{4}},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rbacService := rbac.NewService(roleStore, rbac.DefaultRegistry(), nil, logger)
	return NewService(userStore, rbacService, nil, logger), userStore, roleStore
}

var (
	adminActor   = rbac.Principal{UserID: 101, Authenticated: true, RoleIDs: []int64{3}}
	usermgrActor = rbac.Principal{UserID: 102, Authenticated: true, RoleIDs: []int64{4}}
	rootActor    = rbac.Principal{UserID: 100, Authenticated: true, Superuser: true}
)

func TestUpdateGuardBlocksPeers(t *testing.T) {
	svc, _, _ := newFixture()

	// 102 and 103 share the same rank; neither may manage the other.
	peerActor := rbac.Principal{UserID: 102, Authenticated: true, RoleIDs: []int64{4}}
	_, err := svc.Update(context.Background(), peerActor, 103, UpdateInput{
		Username: "peer",
		Email:    "peer@example.com",
		IsActive: true,
		RoleIDs:  []int64{4},
	})
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)
}

func TestUpdateGuardBlocksUpward(t *testing.T) {
	svc, _, _ := newFixture()

	_, err := svc.Update(context.Background(), usermgrActor, 101, UpdateInput{
		Username: "admin",
		Email:    "admin@example.com",
		IsActive: true,
		RoleIDs:  []int64{3},
	})
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)
}

func TestUpdateSuperuserFieldReverted(t *testing.T) {
	svc, store, _ := newFixture()

	// A non-superuser admin flips the flag; the flag reverts silently and
	// the rest of the edit commits.
	updated, err := svc.Update(context.Background(), adminActor, 10, UpdateInput{
		Username:    "target",
		Email:       "renamed@example.com",
		IsSuperuser: true,
		IsActive:    true,
		RoleIDs:     []int64{5},
	})
	require.NoError(t, err)
	assert.False(t, updated.IsSuperuser)
	assert.Equal(t, "renamed@example.com", updated.Email)

	stored, err := store.GetByID(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, stored.IsSuperuser)
	assert.Equal(t, "renamed@example.com", stored.Email)
}

func TestUpdateSuperuserFieldAppliedBySuperuser(t *testing.T) {
	svc, store, _ := newFixture()

	updated, err := svc.Update(context.Background(), rootActor, 10, UpdateInput{
		Username:    "target",
		Email:       "target@example.com",
		IsSuperuser: true,
		IsActive:    true,
		RoleIDs:     []int64{5},
	})
	require.NoError(t, err)
	assert.True(t, updated.IsSuperuser)

	stored, err := store.GetByID(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, stored.IsSuperuser)
}

func TestUpdateRoleChangeReverted(t *testing.T) {
	svc, store, roleStore := newFixture()

	// usermgr may manage the target but lacks manage_roles, so the role
	// change reverts while the username change commits.
	updated, err := svc.Update(context.Background(), usermgrActor, 10, UpdateInput{
		Username: "renamed",
		Email:    "target@example.com",
		IsActive: true,
		RoleIDs:  []int64{3},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Username)
	assert.Equal(t, []int64{5}, roleStore.userRoles[10], "assignments untouched")

	stored, err := store.GetByID(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Username)
}

func TestUpdateRoleChangeApplied(t *testing.T) {
	svc, _, roleStore := newFixture()

	updated, err := svc.Update(context.Background(), adminActor, 10, UpdateInput{
		Username: "target",
		Email:    "target@example.com",
		IsActive: true,
		RoleIDs:  []int64{4},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, updated.RoleIDs)
	assert.Equal(t, []int64{4}, roleStore.userRoles[10])
}

func TestCreateDropsGuardedFields(t *testing.T) {
	svc, _, roleStore := newFixture()

	created, err := svc.Create(context.Background(), usermgrActor, CreateInput{
		Username:    "newcomer",
		Email:       "new@example.com",
		Password:    "long enough",
		IsSuperuser: true,
		IsActive:    true,
		RoleIDs:     []int64{5},
	})
	require.NoError(t, err)
	assert.False(t, created.IsSuperuser, "flag dropped without a superuser actor")
	assert.Empty(t, roleStore.userRoles[created.ID], "assignments dropped without manage_roles")
}

func TestCreateInvalidUsername(t *testing.T) {
	svc, _, _ := newFixture()

	_, err := svc.Create(context.Background(), adminActor, CreateInput{
		Username: "no spaces allowed",
		Email:    "x@example.com",
		Password: "long enough",
	})
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestCreateBot(t *testing.T) {
	svc, store, _ := newFixture()

	bot, err := svc.CreateBot(context.Background(), adminActor, "indexer-bot")
	require.NoError(t, err)
	assert.True(t, bot.IsBot)
	assert.NotEmpty(t, bot.APIKey)

	stored, err := store.GetByID(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsBot)
}

func TestSetPassword(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()

	// Self-service works regardless of rank.
	selfActor := rbac.Principal{UserID: 10, Authenticated: true, RoleIDs: []int64{5}}
	require.NoError(t, svc.SetPassword(ctx, selfActor, 10, "fresh password"))
	assert.NotEmpty(t, store.passwords[10])

	// Changing someone else's password goes through the guard.
	err := svc.SetPassword(ctx, selfActor, 102, "fresh password")
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)
	require.NoError(t, svc.SetPassword(ctx, adminActor, 10, "fresh password"))
}

func TestDeleteGuard(t *testing.T) {
	svc, store, _ := newFixture()
	ctx := context.Background()

	err := svc.Delete(ctx, usermgrActor, 101)
	assert.ErrorIs(t, err, shared.ErrInsufficientPrivilege)

	require.NoError(t, svc.Delete(ctx, adminActor, 10))
	_, err = store.GetByID(ctx, 10)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
