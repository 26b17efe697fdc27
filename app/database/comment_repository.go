package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var _ CommentStore = (*CommentRepository)(nil)

type CommentRepository struct {
	q       Querier
	dialect Dialect
}

func NewCommentRepository(db *DB) *CommentRepository {
	return &CommentRepository{q: db.DB, dialect: db.Dialect}
}

// InsertIfAbsent inserts the comment unless (video, external id) already
// exists. It reports whether a row was written.
func (r *CommentRepository) InsertIfAbsent(ctx context.Context, c Comment) (bool, error) {
	source := c.Source
	if source == "" {
		source = CommentSourceSync
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO comments (video_id, external_id, text, author_name, author_channel_id, like_count, published_at, source, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (video_id, external_id) DO NOTHING
	`, c.VideoID, c.ExternalID, c.Text, c.AuthorName, c.AuthorChannelID, c.LikeCount,
		nullTime(c.PublishedAt), string(source), c.Reason, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert comment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inserted rows: %w", err)
	}

	return affected > 0, nil
}

func (r *CommentRepository) CountByVideo(ctx context.Context, videoID int64) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE video_id = $1`, videoID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count comments: %w", err)
	}
	return count, nil
}

func (r *CommentRepository) ListByVideo(ctx context.Context, videoID int64) ([]Comment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, video_id, external_id, text, author_name, author_channel_id, like_count,
		       published_at, source, reason, created_at
		FROM comments
		WHERE video_id = $1
		ORDER BY id
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var source string
		var published sql.NullTime
		err := rows.Scan(&c.ID, &c.VideoID, &c.ExternalID, &c.Text, &c.AuthorName, &c.AuthorChannelID,
			&c.LikeCount, &published, &source, &c.Reason, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		c.Source = CommentSource(source)
		c.PublishedAt = timePtr(published)
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating comment rows: %w", err)
	}

	return comments, nil
}
