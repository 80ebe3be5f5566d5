package categories

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/internal/platform/db"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// Store defines persistence for categories.
type Store interface {
	List(ctx context.Context, includeHidden bool) ([]Category, error)
	GetByID(ctx context.Context, id int64) (Category, error)
	GetBySlug(ctx context.Context, slug string) (Category, error)
	Create(ctx context.Context, c Category) (Category, error)
	Update(ctx context.Context, c Category) (Category, error)
	Delete(ctx context.Context, id int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const categoryColumns = `id, slug, name, description, hidden, created_at, updated_at`

// List returns categories ordered by name, optionally without hidden ones.
func (r *Repository) List(ctx context.Context, includeHidden bool) ([]Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories ORDER BY name`
	if !includeHidden {
		query = `SELECT ` + categoryColumns + ` FROM categories WHERE NOT hidden ORDER BY name`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByID fetches one category.
func (r *Repository) GetByID(ctx context.Context, id int64) (Category, error) {
	return scanCategory(r.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = $1`, id))
}

// GetBySlug fetches one category by slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (Category, error) {
	return scanCategory(r.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE slug = $1`, slug))
}

// Create inserts a category.
func (r *Repository) Create(ctx context.Context, c Category) (Category, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO categories (slug, name, description, hidden, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		c.Slug, c.Name, c.Description, c.Hidden,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Category{}, mapUniqueViolation(err)
	}
	return c, nil
}

// Update rewrites the category row.
func (r *Repository) Update(ctx context.Context, c Category) (Category, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE categories SET slug = $2, name = $3, description = $4, hidden = $5, updated_at = NOW() WHERE id = $1`,
		c.ID, c.Slug, c.Name, c.Description, c.Hidden,
	)
	if err != nil {
		return Category{}, mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return Category{}, shared.ErrNotFound
	}
	return r.GetByID(ctx, c.ID)
}

// Delete removes a category with its override rows, so no override can
// reference a deleted category.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_override_permissions WHERE override_id IN (SELECT id FROM role_overrides WHERE category_id = $1)`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_overrides WHERE category_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

func scanCategory(row pgx.Row) (Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Description, &c.Hidden, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Category{}, shared.ErrNotFound
		}
		return Category{}, err
	}
	return c, nil
}

func mapUniqueViolation(err error) error {
	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
}
