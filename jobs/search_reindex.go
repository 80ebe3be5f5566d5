package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// TaskSearchReindex refreshes the article search index.
	TaskSearchReindex = "articles:reindex"
)

// SearchReindexPayload scopes a reindex run. ArticleID zero means a full
// rebuild.
type SearchReindexPayload struct {
	ArticleID int64 `json:"article_id"`
}

// NewSearchReindexTask builds a reindex task.
func NewSearchReindexTask(payload SearchReindexPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSearchReindex, body, asynq.Queue(QueueDefault)), nil
}

// SearchReindexJob rebuilds article search vectors in the background, so
// writes stay fast on the request path.
type SearchReindexJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// NewSearchReindexJob initialises the reindex handler.
func NewSearchReindexJob(pool *pgxpool.Pool, logger *slog.Logger) *SearchReindexJob {
	return &SearchReindexJob{Pool: pool, Logger: logger}
}

// Handle executes the reindex.
func (j *SearchReindexJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("search reindex: handler not configured")
	}
	var payload SearchReindexPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := time.Now()
	query := `UPDATE articles SET search_vector = to_tsvector('english', title || ' ' || body)`
	args := []any{}
	if payload.ArticleID != 0 {
		query += ` WHERE id = $1`
		args = append(args, payload.ArticleID)
	}
	tag, err := j.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("search reindex complete",
			slog.Int64("article_id", payload.ArticleID),
			slog.Int64("rows", tag.RowsAffected()),
			slog.Duration("took", time.Since(start)),
		)
	}
	return nil
}
