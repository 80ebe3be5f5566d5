package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/internal/platform/db"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// Store defines persistence for roles, overrides and assignments.
type Store interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ReorderRoles(ctx context.Context, orderedIDs []int64) error
	ListOverrides(ctx context.Context) ([]Override, error)
	ListCategoryOverrides(ctx context.Context, categoryID int64) ([]Override, error)
	ReplaceOverrides(ctx context.Context, categoryID int64, submissions map[int64]OverrideSets) error
	UserRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListPermissions returns the capability catalog ordered by codename.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT codename, description FROM permissions ORDER BY codename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Codename, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ListRoles returns all roles with their global capability sets, most
// privileged first.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, category, rank, is_staff FROM roles ORDER BY rank, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	index := make(map[int64]int)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Slug, &role.Name, &role.Category, &role.Rank, &role.IsStaff); err != nil {
			return nil, err
		}
		role.Allowed = CapabilitySet{}
		role.Denied = CapabilitySet{}
		index[role.ID] = len(roles)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	permRows, err := r.pool.Query(ctx, `SELECT role_id, codename, is_denied FROM role_permissions`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	for permRows.Next() {
		var roleID int64
		var codename string
		var isDenied bool
		if err := permRows.Scan(&roleID, &codename, &isDenied); err != nil {
			return nil, err
		}
		i, ok := index[roleID]
		if !ok {
			continue
		}
		if isDenied {
			roles[i].Denied[codename] = struct{}{}
		} else {
			roles[i].Allowed[codename] = struct{}{}
		}
	}
	return roles, permRows.Err()
}

// GetRole fetches one role with its capability sets.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role := Role{Allowed: CapabilitySet{}, Denied: CapabilitySet{}}
	err := r.pool.QueryRow(ctx, `SELECT id, slug, name, category, rank, is_staff FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Slug, &role.Name, &role.Category, &role.Rank, &role.IsStaff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT codename, is_denied FROM role_permissions WHERE role_id = $1`, id)
	if err != nil {
		return Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var codename string
		var isDenied bool
		if err := rows.Scan(&codename, &isDenied); err != nil {
			return Role{}, err
		}
		if isDenied {
			role.Denied[codename] = struct{}{}
		} else {
			role.Allowed[codename] = struct{}{}
		}
	}
	return role, rows.Err()
}

// CreateRole inserts a role and its capability rows in one transaction.
// Ranked roles are appended at the end of the ordering (least privileged).
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rank := role.Rank
		if rank <= 0 {
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(rank), 0) + 1 FROM roles WHERE rank < $1`, RankSentinel).Scan(&rank); err != nil {
				return err
			}
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO roles (slug, name, category, rank, is_staff) VALUES ($1, $2, $3, $4, $5) RETURNING id, rank`,
			role.Slug, role.Name, role.Category, rank, role.IsStaff,
		).Scan(&role.ID, &role.Rank); err != nil {
			return mapUniqueViolation(err)
		}
		return insertRolePermissions(ctx, tx, role.ID, role.Allowed, role.Denied)
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole rewrites the role row and rebuilds its capability rows. Rank is
// untouched; ordering changes only through ReorderRoles.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE roles SET slug = $2, name = $3, category = $4, is_staff = $5 WHERE id = $1`,
			role.ID, role.Slug, role.Name, role.Category, role.IsStaff,
		)
		if err != nil {
			return mapUniqueViolation(err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		return insertRolePermissions(ctx, tx, role.ID, role.Allowed, role.Denied)
	})
	if err != nil {
		return Role{}, err
	}
	return r.GetRole(ctx, role.ID)
}

// DeleteRole removes a role with cascading cleanup of its overrides,
// capability rows and assignments, so no override can reference a deleted role.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_override_permissions WHERE override_id IN (SELECT id FROM role_overrides WHERE role_id = $1)`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_overrides WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// reorderShift keeps shifted ranks clear of both the live range and the
// sentinel while renumbering.
const reorderShift = 1 << 20

// ReorderRoles renumbers the ranked roles to match orderedIDs (most privileged
// first) as one atomic transaction, so ranks stay unique for every reader.
func (r *Repository) ReorderRoles(ctx context.Context, orderedIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE roles SET rank = rank + $1 WHERE rank < $2`, reorderShift, RankSentinel); err != nil {
			return err
		}
		for i, id := range orderedIDs {
			tag, err := tx.Exec(ctx, `UPDATE roles SET rank = $2 WHERE id = $1`, id, i+1)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("reorder role %d: %w", id, shared.ErrNotFound)
			}
		}
		// Any ranked role left in the shifted range means the submitted
		// ordering was incomplete; abort rather than commit duplicate risk.
		var stragglers int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE rank >= $1 AND rank < $2`, reorderShift, RankSentinel).Scan(&stragglers); err != nil {
			return err
		}
		if stragglers > 0 {
			return fmt.Errorf("reorder omitted %d ranked roles", stragglers)
		}
		return nil
	})
}

// ListOverrides returns every override with its capability sets.
func (r *Repository) ListOverrides(ctx context.Context) ([]Override, error) {
	return r.queryOverrides(ctx, `SELECT id, role_id, category_id FROM role_overrides`)
}

// ListCategoryOverrides returns overrides scoped to one category.
func (r *Repository) ListCategoryOverrides(ctx context.Context, categoryID int64) ([]Override, error) {
	return r.queryOverrides(ctx, `SELECT id, role_id, category_id FROM role_overrides WHERE category_id = $1`, categoryID)
}

func (r *Repository) queryOverrides(ctx context.Context, query string, args ...any) ([]Override, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []Override
	index := make(map[int64]int)
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ID, &o.RoleID, &o.CategoryID); err != nil {
			return nil, err
		}
		o.Allowed = CapabilitySet{}
		o.Denied = CapabilitySet{}
		index[o.ID] = len(overrides)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return nil, nil
	}

	permRows, err := r.pool.Query(ctx, `SELECT override_id, codename, is_denied FROM role_override_permissions`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	for permRows.Next() {
		var overrideID int64
		var codename string
		var isDenied bool
		if err := permRows.Scan(&overrideID, &codename, &isDenied); err != nil {
			return nil, err
		}
		i, ok := index[overrideID]
		if !ok {
			continue
		}
		if isDenied {
			overrides[i].Denied[codename] = struct{}{}
		} else {
			overrides[i].Allowed[codename] = struct{}{}
		}
	}
	return overrides, permRows.Err()
}

// ReplaceOverrides clears every override row for the category and rebuilds
// one row per submission, all inside a single transaction. A role absent from
// submissions ends up with no override and falls back to its global sets.
func (r *Repository) ReplaceOverrides(ctx context.Context, categoryID int64, submissions map[int64]OverrideSets) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_override_permissions WHERE override_id IN (SELECT id FROM role_overrides WHERE category_id = $1)`, categoryID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_overrides WHERE category_id = $1`, categoryID); err != nil {
			return err
		}
		for roleID, sets := range submissions {
			var overrideID int64
			if err := tx.QueryRow(ctx,
				`INSERT INTO role_overrides (role_id, category_id) VALUES ($1, $2) RETURNING id`,
				roleID, categoryID,
			).Scan(&overrideID); err != nil {
				return mapUniqueViolation(err)
			}
			for _, codename := range sets.Allowed {
				if _, err := tx.Exec(ctx,
					`INSERT INTO role_override_permissions (override_id, codename, is_denied) VALUES ($1, $2, FALSE)`,
					overrideID, codename); err != nil {
					return err
				}
			}
			for _, codename := range sets.Denied {
				if _, err := tx.Exec(ctx,
					`INSERT INTO role_override_permissions (override_id, codename, is_denied) VALUES ($1, $2, TRUE)`,
					overrideID, codename); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// UserRoleIDs returns the explicitly assigned role IDs for a user. Implicit
// roles never appear here.
func (r *Repository) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetUserRoles replaces a user's assignment set in one transaction.
func (r *Repository) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, roleID); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRolePermissions(ctx context.Context, tx pgx.Tx, roleID int64, allowed, denied CapabilitySet) error {
	for _, codename := range allowed.Codenames() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, codename, is_denied) VALUES ($1, $2, FALSE)`, roleID, codename); err != nil {
			return err
		}
	}
	for _, codename := range denied.Codenames() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, codename, is_denied) VALUES ($1, $2, TRUE)`, roleID, codename); err != nil {
			return err
		}
	}
	return nil
}

func mapUniqueViolation(err error) error {
	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
}
