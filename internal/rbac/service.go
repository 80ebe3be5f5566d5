package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lorekeep/lorekeep/internal/shared"
)

var (
	// ErrUnknownCapability indicates a codename outside the registry.
	ErrUnknownCapability = errors.New("rbac: unknown capability codename")
	// ErrConflictingSets indicates a capability listed as both allowed and denied.
	ErrConflictingSets = errors.New("rbac: capability both allowed and denied")
	// ErrImplicitAssignment indicates an attempt to explicitly assign a protected role.
	ErrImplicitAssignment = errors.New("rbac: protected roles are implicit and cannot be assigned")
	// ErrInvalidRole indicates a malformed role submission.
	ErrInvalidRole = errors.New("rbac: invalid role input")
)

// RoleInput carries the mutable fields of a role.
type RoleInput struct {
	Slug     string
	Name     string
	Category string
	IsStaff  bool
	Allowed  []string
	Denied   []string
}

// Service orchestrates RBAC reads and guarded mutations.
type Service struct {
	store    Store
	registry *Registry
	resolver *Resolver
	audit    *shared.AuditLogger
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, registry *Registry, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		resolver: NewResolver(registry, logger),
		audit:    audit,
		logger:   logger,
	}
}

// Registry exposes the capability catalog.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Snapshot loads the committed role and override state for evaluation.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac: load roles: %w", err)
	}
	overrides, err := s.store.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac: load overrides: %w", err)
	}
	return NewSnapshot(roles, overrides), nil
}

// PrincipalFor builds the evaluation principal for an authenticated user.
func (s *Service) PrincipalFor(ctx context.Context, userID int64, superuser bool) (Principal, error) {
	roleIDs, err := s.store.UserRoleIDs(ctx, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("rbac: load assignments: %w", err)
	}
	return Principal{UserID: userID, Authenticated: true, Superuser: superuser, RoleIDs: roleIDs}, nil
}

// HasPermission resolves a capability check against the current committed state.
func (s *Service) HasPermission(ctx context.Context, p Principal, capability string, categoryID int64) (bool, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return s.resolver.HasPermission(snap, p, capability, categoryID), nil
}

// Resolve evaluates against an already-loaded snapshot.
func (s *Service) Resolve(snap *Snapshot, p Principal, capability string, categoryID int64) bool {
	return s.resolver.HasPermission(snap, p, capability, categoryID)
}

// ListPermissions returns the persisted capability catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ListRoles returns all roles ordered by rank.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a new role at the end of the privilege ordering.
func (s *Service) CreateRole(ctx context.Context, actor Principal, in RoleInput) (Role, error) {
	role, err := s.roleFromInput(in)
	if err != nil {
		return Role{}, err
	}
	if role.Protected() {
		return Role{}, fmt.Errorf("rbac: slug %q is reserved: %w", role.Slug, shared.ErrProtectedResource)
	}
	created, err := s.store.CreateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actor, "role.create", "role", created.ID, map[string]any{"slug": created.Slug})
	return created, nil
}

// UpdateRole edits a role under the authority guard. The slug of a protected
// role is read-only for every actor.
func (s *Service) UpdateRole(ctx context.Context, actor Principal, id int64, in RoleInput) (Role, error) {
	stored, err := s.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Role{}, err
	}
	if !snap.CanManageRole(actor, stored) {
		return Role{}, shared.ErrInsufficientPrivilege
	}

	role, err := s.roleFromInput(in)
	if err != nil {
		return Role{}, err
	}
	if stored.Protected() && role.Slug != stored.Slug {
		return Role{}, fmt.Errorf("rbac: slug of %q is read-only: %w", stored.Slug, shared.ErrProtectedResource)
	}
	if !stored.Protected() && role.Protected() {
		return Role{}, fmt.Errorf("rbac: slug %q is reserved: %w", role.Slug, shared.ErrProtectedResource)
	}
	role.ID = stored.ID
	role.Rank = stored.Rank

	updated, err := s.store.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actor, "role.update", "role", updated.ID, map[string]any{"slug": updated.Slug})
	return updated, nil
}

// DeleteRole removes a role. Protected roles are never deletable, superuser
// included; dependent overrides and assignments are cleaned up with the row.
func (s *Service) DeleteRole(ctx context.Context, actor Principal, id int64) error {
	stored, err := s.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if stored.Protected() {
		return fmt.Errorf("rbac: role %q cannot be deleted: %w", stored.Slug, shared.ErrProtectedResource)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.CanManageRole(actor, stored) {
		return shared.ErrInsufficientPrivilege
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, "role.delete", "role", id, map[string]any{"slug": stored.Slug})
	return nil
}

// ReorderRoles renumbers the ranked roles to the submitted ordering (most
// privileged first). The list must name every ranked role exactly once, and
// the actor must outrank every role whose position actually changes.
func (s *Service) ReorderRoles(ctx context.Context, actor Principal, orderedIDs []int64) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	ranked := 0
	for _, r := range snap.Roles() {
		if r.Ranked() {
			ranked++
		}
	}
	if len(orderedIDs) != ranked {
		return fmt.Errorf("rbac: reorder must list all %d ranked roles, got %d", ranked, len(orderedIDs))
	}

	seen := make(map[int64]struct{}, len(orderedIDs))
	for i, id := range orderedIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rbac: duplicate role %d in reorder", id)
		}
		seen[id] = struct{}{}
		role, ok := snap.Role(id)
		if !ok {
			return fmt.Errorf("rbac: reorder role %d: %w", id, shared.ErrNotFound)
		}
		if !role.Ranked() {
			return fmt.Errorf("rbac: role %q has no rank: %w", role.Slug, shared.ErrProtectedResource)
		}
		if role.Rank != i+1 && !snap.CanManageRole(actor, role) {
			return shared.ErrInsufficientPrivilege
		}
	}

	if err := s.store.ReorderRoles(ctx, orderedIDs); err != nil {
		return err
	}
	s.record(ctx, actor, "role.reorder", "role", 0, map[string]any{"order": orderedIDs})
	return nil
}

// ListCategoryOverrides returns the override rows for one category.
func (s *Service) ListCategoryOverrides(ctx context.Context, categoryID int64) ([]Override, error) {
	return s.store.ListCategoryOverrides(ctx, categoryID)
}

// ReplaceOverrides atomically clears and rebuilds a category's override rows.
// Roles absent from submissions fall back to their global sets within the
// category. Two concurrent edits of the same category race last-writer-wins;
// administrative edits are human-paced, so the race is documented rather than
// locked away.
func (s *Service) ReplaceOverrides(ctx context.Context, actor Principal, categoryID int64, submissions map[int64]OverrideSets) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	for roleID, sets := range submissions {
		if _, ok := snap.Role(roleID); !ok {
			return fmt.Errorf("rbac: override role %d: %w", roleID, shared.ErrNotFound)
		}
		if err := s.validateSets(sets.Allowed, sets.Denied); err != nil {
			return err
		}
	}
	if err := s.store.ReplaceOverrides(ctx, categoryID, submissions); err != nil {
		return err
	}
	s.record(ctx, actor, "category.overrides.replace", "category", categoryID, map[string]any{"roles": len(submissions)})
	return nil
}

// UserRoleIDs returns a user's explicit assignments.
func (s *Service) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.store.UserRoleIDs(ctx, userID)
}

// SetUserRoles replaces a user's explicit assignment set. Protected roles are
// virtual memberships and may never be stored as assignment rows. Capability
// and rank enforcement for the actor happens in the user management layer,
// which owns the field-revert semantics.
func (s *Service) SetUserRoles(ctx context.Context, actor Principal, userID int64, roleIDs []int64) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, id := range roleIDs {
		role, ok := snap.Role(id)
		if !ok {
			return fmt.Errorf("rbac: assign role %d: %w", id, shared.ErrNotFound)
		}
		if role.Protected() {
			return fmt.Errorf("rbac: assign %q: %w", role.Slug, ErrImplicitAssignment)
		}
	}
	if err := s.store.SetUserRoles(ctx, userID, roleIDs); err != nil {
		return err
	}
	s.record(ctx, actor, "user.roles.set", "user", userID, map[string]any{"roles": roleIDs})
	return nil
}

func (s *Service) roleFromInput(in RoleInput) (Role, error) {
	if in.Name == "" {
		return Role{}, fmt.Errorf("%w: name required", ErrInvalidRole)
	}
	slug := in.Slug
	if slug == "" {
		slug = shared.Slugify(in.Name)
	}
	if !shared.ValidSlug(slug) {
		return Role{}, fmt.Errorf("%w: slug %q", ErrInvalidRole, slug)
	}
	if err := s.validateSets(in.Allowed, in.Denied); err != nil {
		return Role{}, err
	}
	return Role{
		Slug:     slug,
		Name:     in.Name,
		Category: in.Category,
		IsStaff:  in.IsStaff,
		Allowed:  NewCapabilitySet(in.Allowed...),
		Denied:   NewCapabilitySet(in.Denied...),
	}, nil
}

func (s *Service) validateSets(allowed, denied []string) error {
	for _, codename := range allowed {
		if !s.registry.Known(codename) {
			return fmt.Errorf("%w: %s", ErrUnknownCapability, codename)
		}
	}
	deniedSet := NewCapabilitySet(denied...)
	for _, codename := range denied {
		if !s.registry.Known(codename) {
			return fmt.Errorf("%w: %s", ErrUnknownCapability, codename)
		}
	}
	for _, codename := range allowed {
		if deniedSet.Has(codename) {
			return fmt.Errorf("%w: %s", ErrConflictingSets, codename)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor Principal, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
