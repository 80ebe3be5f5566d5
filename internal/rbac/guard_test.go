package rbac

import "testing"

func guardSnapshot() *Snapshot {
	return NewSnapshot([]Role{
		{ID: 1, Slug: SlugEveryone, Rank: RankSentinel},
		{ID: 2, Slug: SlugRegistered, Rank: RankSentinel},
		{ID: 3, Slug: "admin", Rank: 1},
		{ID: 4, Slug: "moderator", Rank: 2},
		{ID: 5, Slug: "member", Rank: 3},
	}, nil)
}

func TestCanManageUser(t *testing.T) {
	snap := guardSnapshot()

	admin := Principal{UserID: 1, Authenticated: true, RoleIDs: []int64{3}}
	moderator := Principal{UserID: 2, Authenticated: true, RoleIDs: []int64{4}}
	peerModerator := Principal{UserID: 3, Authenticated: true, RoleIDs: []int64{4}}
	member := Principal{UserID: 4, Authenticated: true, RoleIDs: []int64{5}}
	roleless := Principal{UserID: 5, Authenticated: true}
	root := Principal{UserID: 6, Authenticated: true, Superuser: true}

	cases := []struct {
		name   string
		actor  Principal
		target Principal
		want   bool
	}{
		{"admin manages moderator", admin, moderator, true},
		{"moderator manages member", moderator, member, true},
		{"member cannot manage moderator", member, moderator, false},
		{"peers cannot manage each other", moderator, peerModerator, false},
		{"nobody manages themselves via rank", admin, admin, false},
		{"roleless actor manages nobody", roleless, member, false},
		{"ranked actor manages roleless target", member, roleless, true},
		{"superuser manages anyone", root, admin, true},
		{"superuser manages superuser", root, root, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := snap.CanManageUser(tc.actor, tc.target); got != tc.want {
				t.Fatalf("CanManageUser = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanManageRole(t *testing.T) {
	snap := guardSnapshot()

	admin := Principal{UserID: 1, Authenticated: true, RoleIDs: []int64{3}}
	moderator := Principal{UserID: 2, Authenticated: true, RoleIDs: []int64{4}}
	roleless := Principal{UserID: 3, Authenticated: true}
	root := Principal{UserID: 4, Authenticated: true, Superuser: true}

	adminRole, _ := snap.Role(3)
	moderatorRole, _ := snap.Role(4)
	memberRole, _ := snap.Role(5)
	everyoneRole, _ := snap.Role(1)

	cases := []struct {
		name  string
		actor Principal
		role  Role
		want  bool
	}{
		{"admin manages lower role", admin, moderatorRole, true},
		{"moderator manages member role", moderator, memberRole, true},
		{"moderator cannot manage own role", moderator, moderatorRole, false},
		{"moderator cannot manage admin role", moderator, adminRole, false},
		{"ranked actor manages unranked protected role", moderator, everyoneRole, true},
		{"roleless actor manages nothing", roleless, memberRole, false},
		{"superuser manages everything", root, adminRole, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := snap.CanManageRole(tc.actor, tc.role); got != tc.want {
				t.Fatalf("CanManageRole = %v, want %v", got, tc.want)
			}
		})
	}
}
