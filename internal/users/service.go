package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lorekeep/lorekeep/internal/rbac"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// ErrInvalidUsername indicates a username outside the accepted alphabet.
var ErrInvalidUsername = errors.New("users: username must match [A-Za-z0-9_-]+")

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CreateInput carries the fields for a new human account.
type CreateInput struct {
	Username    string
	Email       string
	Password    string
	IsSuperuser bool
	IsActive    bool
	RoleIDs     []int64
}

// UpdateInput carries the editable fields of an account.
type UpdateInput struct {
	Username    string
	Email       string
	IsSuperuser bool
	IsActive    bool
	RoleIDs     []int64
}

// Service orchestrates user management under the authority guard.
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

// List returns one page of users.
func (s *Service) List(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(page, perPage, int(total))
	out, err := s.store.List(ctx, p.PerPage, (p.Page-1)*p.PerPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return out, p, nil
}

// Get fetches a user by ID.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.store.GetByID(ctx, id)
}

// Create registers a human account. A superuser flag from a non-superuser
// actor and a role set from an actor without the role management capability
// are silently dropped; the rest of the submission commits.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in CreateInput) (User, error) {
	if !usernameRe.MatchString(in.Username) {
		return User{}, ErrInvalidUsername
	}

	user := User{
		Username:    in.Username,
		Email:       in.Email,
		IsSuperuser: in.IsSuperuser,
		IsActive:    in.IsActive,
	}
	roleIDs := in.RoleIDs
	if user.IsSuperuser && !actor.Superuser {
		user.IsSuperuser = false
		s.warn("superuser flag dropped", actor, 0)
	}
	if len(roleIDs) > 0 {
		ok, err := s.rbac.HasPermission(ctx, actor, rbac.CapManageRoles, 0)
		if err != nil {
			return User{}, err
		}
		if !ok {
			roleIDs = nil
			s.warn("role assignment dropped", actor, 0)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	created, err := s.store.Create(ctx, user, string(hash))
	if err != nil {
		return User{}, err
	}
	if len(roleIDs) > 0 {
		if err := s.rbac.SetUserRoles(ctx, actor, created.ID, roleIDs); err != nil {
			return User{}, err
		}
		created.RoleIDs = roleIDs
	}
	s.record(ctx, actor, "user.create", created.ID, map[string]any{"username": created.Username})
	return created, nil
}

// CreateBot registers a bot account with a generated API key. The key is
// stored and returned once; it never appears in listings.
func (s *Service) CreateBot(ctx context.Context, actor rbac.Principal, username string) (User, error) {
	if !usernameRe.MatchString(username) {
		return User{}, ErrInvalidUsername
	}
	user := User{
		Username: username,
		Email:    username + "@bots.invalid",
		IsBot:    true,
		IsActive: true,
		APIKey:   uuid.NewString(),
	}
	created, err := s.store.Create(ctx, user, "")
	if err != nil {
		return User{}, err
	}
	created.APIKey = user.APIKey
	s.record(ctx, actor, "user.create_bot", created.ID, map[string]any{"username": created.Username})
	return created, nil
}

// Update edits an account. The actor must pass the authority guard against
// the target. Two fields are guarded individually: flipping is_superuser
// requires a superuser actor, and changing the role set requires the role
// management capability. A guarded field that fails its check reverts to the
// stored value while the rest of the edit commits.
func (s *Service) Update(ctx context.Context, actor rbac.Principal, id int64, in UpdateInput) (User, error) {
	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !usernameRe.MatchString(in.Username) {
		return User{}, ErrInvalidUsername
	}

	target, err := s.rbac.PrincipalFor(ctx, stored.ID, stored.IsSuperuser)
	if err != nil {
		return User{}, err
	}
	snap, err := s.rbac.Snapshot(ctx)
	if err != nil {
		return User{}, err
	}
	if !snap.CanManageUser(actor, target) {
		return User{}, shared.ErrInsufficientPrivilege
	}

	next := stored
	next.Username = in.Username
	next.Email = in.Email
	next.IsActive = in.IsActive

	next.IsSuperuser = in.IsSuperuser
	if in.IsSuperuser != stored.IsSuperuser && !actor.Superuser {
		next.IsSuperuser = stored.IsSuperuser
		s.warn("superuser change reverted", actor, id)
	}

	roleIDs := in.RoleIDs
	rolesChanged := !sameIDSet(roleIDs, stored.RoleIDs)
	if rolesChanged && !s.rbac.Resolve(snap, actor, rbac.CapManageRoles, 0) {
		roleIDs = stored.RoleIDs
		rolesChanged = false
		s.warn("role change reverted", actor, id)
	}

	updated, err := s.store.Update(ctx, next)
	if err != nil {
		return User{}, err
	}
	if rolesChanged {
		if err := s.rbac.SetUserRoles(ctx, actor, id, roleIDs); err != nil {
			return User{}, err
		}
		updated.RoleIDs = roleIDs
	}
	s.record(ctx, actor, "user.update", id, map[string]any{"username": updated.Username})
	return updated, nil
}

// SetPassword replaces a user's password. Users may change their own;
// changing someone else's requires passing the authority guard.
func (s *Service) SetPassword(ctx context.Context, actor rbac.Principal, id int64, password string) error {
	if actor.UserID != id {
		stored, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		target, err := s.rbac.PrincipalFor(ctx, stored.ID, stored.IsSuperuser)
		if err != nil {
			return err
		}
		snap, err := s.rbac.Snapshot(ctx)
		if err != nil {
			return err
		}
		if !snap.CanManageUser(actor, target) {
			return shared.ErrInsufficientPrivilege
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, id, string(hash)); err != nil {
		return err
	}
	s.record(ctx, actor, "user.set_password", id, nil)
	return nil
}

// Delete removes an account under the authority guard.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	target, err := s.rbac.PrincipalFor(ctx, stored.ID, stored.IsSuperuser)
	if err != nil {
		return err
	}
	snap, err := s.rbac.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.CanManageUser(actor, target) {
		return shared.ErrInsufficientPrivilege
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, "user.delete", id, map[string]any{"username": stored.Username})
	return nil
}

func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func (s *Service) warn(msg string, actor rbac.Principal, targetID int64) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, slog.Int64("actor_id", actor.UserID), slog.Int64("target_id", targetID))
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
