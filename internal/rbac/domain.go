package rbac

import (
	"math"
	"sort"
)

// Capability codenames recognised by the engine. The catalog is closed:
// rows are created by the seeder at deploy time and never mutated at runtime.
const (
	CapViewArticles     = "view_articles"
	CapCreateArticles   = "create_articles"
	CapEditArticles     = "edit_articles"
	CapDeleteArticles   = "delete_articles"
	CapRateArticles     = "rate_articles"
	CapManageFiles      = "manage_files"
	CapManageForum      = "manage_forum"
	CapModerateComments = "moderate_comments"
	CapManageRoles      = "manage_roles"
	CapManageUsers      = "manage_users"
	CapManageCategories = "manage_categories"
)

// Reserved role slugs. Both roles are system-protected: they can never be
// deleted and their slug is read-only.
const (
	SlugEveryone   = "everyone"
	SlugRegistered = "registered"
)

// RankSentinel is the operation index of a principal holding no ranked role.
// It is strictly greater than any configured rank, so such principals never
// outrank anyone. The two protected roles carry this rank and therefore do
// not participate in the privilege ordering.
const RankSentinel = math.MaxInt32

// Permission is an immutable named capability.
type Permission struct {
	Codename    string `json:"codename"`
	Description string `json:"description"`
}

// Registry is the closed catalog of capability codenames.
type Registry struct {
	perms map[string]Permission
}

// NewRegistry builds a Registry from a permission list.
func NewRegistry(perms []Permission) *Registry {
	m := make(map[string]Permission, len(perms))
	for _, p := range perms {
		m[p.Codename] = p
	}
	return &Registry{perms: m}
}

// DefaultRegistry returns the registry with the built-in capability catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultPermissions())
}

// DefaultPermissions lists the built-in capability catalog.
func DefaultPermissions() []Permission {
	return []Permission{
		{Codename: CapViewArticles, Description: "View articles"},
		{Codename: CapCreateArticles, Description: "Create articles"},
		{Codename: CapEditArticles, Description: "Edit articles"},
		{Codename: CapDeleteArticles, Description: "Delete articles"},
		{Codename: CapRateArticles, Description: "Rate articles"},
		{Codename: CapManageFiles, Description: "Upload and manage files"},
		{Codename: CapManageForum, Description: "Manage forum threads"},
		{Codename: CapModerateComments, Description: "Moderate comments"},
		{Codename: CapManageRoles, Description: "Manage roles and assignments"},
		{Codename: CapManageUsers, Description: "Manage user accounts"},
		{Codename: CapManageCategories, Description: "Manage content categories"},
	}
}

// Known reports whether the codename exists in the catalog.
func (r *Registry) Known(codename string) bool {
	_, ok := r.perms[codename]
	return ok
}

// List returns the catalog sorted by codename.
func (r *Registry) List() []Permission {
	out := make([]Permission, 0, len(r.perms))
	for _, p := range r.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}

// CapabilitySet is a set of capability codenames.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from codenames.
func NewCapabilitySet(codenames ...string) CapabilitySet {
	s := make(CapabilitySet, len(codenames))
	for _, c := range codenames {
		s[c] = struct{}{}
	}
	return s
}

// Has reports set membership.
func (s CapabilitySet) Has(codename string) bool {
	_, ok := s[codename]
	return ok
}

// Codenames returns the members sorted.
func (s CapabilitySet) Codenames() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Intersects reports whether the two sets share a member.
func (s CapabilitySet) Intersects(other CapabilitySet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for c := range small {
		if large.Has(c) {
			return true
		}
	}
	return false
}

// Role is a named privilege bundle with a global allow/deny set and a rank.
// Lower rank means more privileged; ranks are unique across ranked roles.
type Role struct {
	ID       int64         `json:"id"`
	Slug     string        `json:"slug"`
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Rank     int           `json:"rank"`
	IsStaff  bool          `json:"is_staff"`
	Allowed  CapabilitySet `json:"-"`
	Denied   CapabilitySet `json:"-"`
}

// Protected reports whether the role is one of the reserved system roles.
func (r Role) Protected() bool {
	return r.Slug == SlugEveryone || r.Slug == SlugRegistered
}

// Ranked reports whether the role participates in the privilege ordering.
func (r Role) Ranked() bool {
	return r.Rank < RankSentinel
}

// Override is a full substitute of one role's capability sets, scoped to one
// content category. It replaces the role's global sets inside that category;
// it never merges with them. At most one override exists per (role, category).
type Override struct {
	ID         int64
	RoleID     int64
	CategoryID int64
	Allowed    CapabilitySet
	Denied     CapabilitySet
}

// OverrideSets is the submitted allow/deny pair for one role in a
// ReplaceOverrides call.
type OverrideSets struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// Principal describes the acting user for an evaluation. Anonymous visitors
// are represented by the zero value: unauthenticated, no roles.
type Principal struct {
	UserID        int64
	Authenticated bool
	Superuser     bool
	RoleIDs       []int64
}
