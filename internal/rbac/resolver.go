package rbac

import (
	"log/slog"
)

type overrideKey struct {
	roleID     int64
	categoryID int64
}

// Snapshot is an immutable view of the role and override stores, read once
// per evaluation. Resolution never touches ambient state: handlers load a
// snapshot of the committed rows and pass it in, which keeps the engine pure
// and safe under any number of concurrent readers.
type Snapshot struct {
	roles     map[int64]Role
	slugs     map[string]int64
	overrides map[overrideKey]Override
}

// NewSnapshot indexes roles and overrides for evaluation.
func NewSnapshot(roles []Role, overrides []Override) *Snapshot {
	s := &Snapshot{
		roles:     make(map[int64]Role, len(roles)),
		slugs:     make(map[string]int64, len(roles)),
		overrides: make(map[overrideKey]Override, len(overrides)),
	}
	for _, r := range roles {
		s.roles[r.ID] = r
		s.slugs[r.Slug] = r.ID
	}
	for _, o := range overrides {
		s.overrides[overrideKey{roleID: o.RoleID, categoryID: o.CategoryID}] = o
	}
	return s
}

// Role returns the role with the given ID.
func (s *Snapshot) Role(id int64) (Role, bool) {
	r, ok := s.roles[id]
	return r, ok
}

// RoleBySlug returns the role with the given slug.
func (s *Snapshot) RoleBySlug(slug string) (Role, bool) {
	id, ok := s.slugs[slug]
	if !ok {
		return Role{}, false
	}
	return s.roles[id], true
}

// Roles returns all roles in the snapshot.
func (s *Snapshot) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out
}

// Override returns the override for (role, category) if one exists.
func (s *Snapshot) Override(roleID, categoryID int64) (Override, bool) {
	o, ok := s.overrides[overrideKey{roleID: roleID, categoryID: categoryID}]
	return o, ok
}

// EffectiveRoles computes the principal's effective role set: explicit
// assignments plus the virtual memberships `everyone` (always) and
// `registered` (once authenticated). Implicit roles are never stored as
// assignment rows.
func (s *Snapshot) EffectiveRoles(p Principal) []Role {
	seen := make(map[int64]struct{}, len(p.RoleIDs)+2)
	out := make([]Role, 0, len(p.RoleIDs)+2)

	appendRole := func(id int64) {
		if _, dup := seen[id]; dup {
			return
		}
		if r, ok := s.roles[id]; ok {
			seen[id] = struct{}{}
			out = append(out, r)
		}
	}

	for _, id := range p.RoleIDs {
		appendRole(id)
	}
	if id, ok := s.slugs[SlugEveryone]; ok {
		appendRole(id)
	}
	if p.Authenticated {
		if id, ok := s.slugs[SlugRegistered]; ok {
			appendRole(id)
		}
	}
	return out
}

// OperationIndex derives the principal's privilege level: the minimum rank
// among its effective ranked roles, or RankSentinel when it holds none.
func (s *Snapshot) OperationIndex(p Principal) int {
	idx := RankSentinel
	for _, r := range s.EffectiveRoles(p) {
		if r.Ranked() && r.Rank < idx {
			idx = r.Rank
		}
	}
	return idx
}

// Resolver evaluates capability checks against a snapshot.
type Resolver struct {
	registry *Registry
	logger   *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(registry *Registry, logger *slog.Logger) *Resolver {
	return &Resolver{registry: registry, logger: logger}
}

// HasPermission decides whether the principal holds the capability, optionally
// scoped to a content category (categoryID 0 means unscoped).
//
// Per role, the effective sets are the role's global allow/deny sets unless a
// category override exists for (role, category), in which case the override's
// sets wholly replace them. Results combine as deny-overrides-allow: any
// effective denial wins over any number of grants, and no matching rule at
// all resolves to deny.
//
// An unknown codename is a configuration defect on the caller's side: it is
// logged and denied, never surfaced as a request error.
func (r *Resolver) HasPermission(snap *Snapshot, p Principal, capability string, categoryID int64) bool {
	if !r.registry.Known(capability) {
		if r.logger != nil {
			r.logger.Error("unknown capability codename", slog.String("capability", capability))
		}
		return false
	}

	granted := false
	for _, role := range snap.EffectiveRoles(p) {
		allowed, denied := role.Allowed, role.Denied
		if categoryID != 0 {
			if o, ok := snap.Override(role.ID, categoryID); ok {
				allowed, denied = o.Allowed, o.Denied
			}
		}
		if denied.Has(capability) {
			return false
		}
		if allowed.Has(capability) {
			granted = true
		}
	}
	return granted
}
