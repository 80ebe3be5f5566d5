package articles

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/internal/platform/db"
	"github.com/lorekeep/lorekeep/internal/shared"
)

// Store defines persistence for articles.
type Store interface {
	List(ctx context.Context, categoryIDs []int64, limit, offset int) ([]Article, error)
	Count(ctx context.Context, categoryIDs []int64) (int64, error)
	GetByID(ctx context.Context, id int64) (Article, error)
	Create(ctx context.Context, a Article) (Article, error)
	Update(ctx context.Context, a Article) (Article, error)
	Delete(ctx context.Context, id int64) error
	Rate(ctx context.Context, articleID, userID int64, value int) (Article, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const articleColumns = `id, category_id, slug, title, body, author_id, rating, votes, created_at, updated_at`

// List returns a page of articles restricted to the given categories, newest
// first. An empty category list yields no rows; visibility filtering happens
// in the service.
func (r *Repository) List(ctx context.Context, categoryIDs []int64, limit, offset int) ([]Article, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE category_id = ANY($1) ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		categoryIDs, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of articles within the given categories.
func (r *Repository) Count(ctx context.Context, categoryIDs []int64) (int64, error) {
	if len(categoryIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM articles WHERE category_id = ANY($1)`, categoryIDs).Scan(&n)
	return n, err
}

// GetByID fetches one article.
func (r *Repository) GetByID(ctx context.Context, id int64) (Article, error) {
	return scanArticle(r.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
}

// Create inserts an article.
func (r *Repository) Create(ctx context.Context, a Article) (Article, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO articles (category_id, slug, title, body, author_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id, rating, votes, created_at, updated_at`,
		a.CategoryID, a.Slug, a.Title, a.Body, a.AuthorID,
	).Scan(&a.ID, &a.Rating, &a.Votes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Article{}, mapUniqueViolation(err)
	}
	return a, nil
}

// Update rewrites the article's editable fields.
func (r *Repository) Update(ctx context.Context, a Article) (Article, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE articles SET category_id = $2, slug = $3, title = $4, body = $5, updated_at = NOW() WHERE id = $1`,
		a.ID, a.CategoryID, a.Slug, a.Title, a.Body,
	)
	if err != nil {
		return Article{}, mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return Article{}, shared.ErrNotFound
	}
	return r.GetByID(ctx, a.ID)
}

// Delete removes an article with its rating rows.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM article_ratings WHERE article_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM articles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// Rate upserts the user's vote and refreshes the cached aggregate in one
// transaction.
func (r *Repository) Rate(ctx context.Context, articleID, userID int64, value int) (Article, error) {
	var updated Article
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO article_ratings (article_id, user_id, value)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (article_id, user_id) DO UPDATE SET value = EXCLUDED.value`,
			articleID, userID, value); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`UPDATE articles SET
				rating = (SELECT AVG(value)::float8 FROM article_ratings WHERE article_id = $1),
				votes = (SELECT COUNT(*) FROM article_ratings WHERE article_id = $1)
			 WHERE id = $1 RETURNING `+articleColumns, articleID)
		a, err := scanArticle(row)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return Article{}, err
	}
	return updated, nil
}

func scanArticle(row pgx.Row) (Article, error) {
	var a Article
	err := row.Scan(&a.ID, &a.CategoryID, &a.Slug, &a.Title, &a.Body, &a.AuthorID, &a.Rating, &a.Votes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Article{}, shared.ErrNotFound
		}
		return Article{}, err
	}
	return a, nil
}

func mapUniqueViolation(err error) error {
	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
}
