package articles

import "time"

// Article is a wiki page scoped to one category. Capability checks for
// viewing and editing always evaluate against the article's category.
type Article struct {
	ID         int64     `json:"id"`
	CategoryID int64     `json:"category_id"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	AuthorID   int64     `json:"author_id"`
	Rating     float64   `json:"rating"`
	Votes      int       `json:"votes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
