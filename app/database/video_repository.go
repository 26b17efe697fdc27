package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ VideoStore = (*VideoRepository)(nil)

type VideoRepository struct {
	q       Querier
	dialect Dialect
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{q: db.DB, dialect: db.Dialect}
}

const videoColumns = `id, channel_id, external_id, title, thumbnail_url, published_at, cache_stale, created_at, updated_at`

func scanVideo(row interface{ Scan(...any) error }) (*Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.ChannelID, &v.ExternalID, &v.Title, &v.ThumbnailURL,
		&v.PublishedAt, &v.CacheStale, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.PublishedAt = v.PublishedAt.UTC()
	return &v, nil
}

func (r *VideoRepository) get(ctx context.Context, channelID int64, externalID string) (*Video, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE channel_id = $1 AND external_id = $2`,
		channelID, externalID)

	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return v, nil
}

// GetByExternalID resolves a provider video id regardless of channel.
// Returns nil, nil when the video has not been ingested.
func (r *VideoRepository) GetByExternalID(ctx context.Context, externalID string) (*Video, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE external_id = $1 ORDER BY id LIMIT 1`, externalID)

	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return v, nil
}

// Upsert writes a video by (channel, external id). Provider fields always
// overwrite the stored ones.
func (r *VideoRepository) Upsert(ctx context.Context, in VideoUpsert) (UpsertResult, error) {
	existing, err := r.get(ctx, in.ChannelID, in.ExternalID)
	if err != nil {
		return UpsertResult{}, err
	}

	result := UpsertResult{Created: existing == nil, Changed: existing == nil}
	if existing != nil {
		result.Changed = existing.Title != in.Title ||
			existing.ThumbnailURL != in.ThumbnailURL ||
			!existing.PublishedAt.Equal(in.PublishedAt)
	}

	now := time.Now().UTC()
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO videos (channel_id, external_id, title, thumbnail_url, published_at, cache_stale, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (channel_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			thumbnail_url = EXCLUDED.thumbnail_url,
			published_at = EXCLUDED.published_at,
			cache_stale = (videos.cache_stale OR EXCLUDED.cache_stale),
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, in.ChannelID, in.ExternalID, in.Title, in.ThumbnailURL, in.PublishedAt.UTC(),
		in.MarkStale && result.Changed, now).Scan(&result.ID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert video: %w", err)
	}

	return result, nil
}

func (r *VideoRepository) ListStale(ctx context.Context, channelID int64) ([]Video, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE channel_id = $1 AND cache_stale = $2
		ORDER BY published_at DESC
	`, channelID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale videos: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video row: %w", err)
		}
		videos = append(videos, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating video rows: %w", err)
	}

	return videos, nil
}

func (r *VideoRepository) ClearStale(ctx context.Context, channelID int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE videos SET cache_stale = FALSE WHERE channel_id = $1 AND cache_stale = $2`, channelID, true)
	if err != nil {
		return fmt.Errorf("failed to clear stale videos: %w", err)
	}
	return nil
}

func (r *VideoRepository) CountByChannel(ctx context.Context, channelID int64) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE channel_id = $1`, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return count, nil
}

// ListAgentPending returns the ids of videos not yet handed to the analysis
// queue, oldest first.
func (r *VideoRepository) ListAgentPending(ctx context.Context, channelID int64) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT external_id FROM videos
		WHERE channel_id = $1 AND agent_queued = $2
		ORDER BY published_at, id
	`, channelID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos pending analysis: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan video id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating video ids: %w", err)
	}

	return ids, nil
}

func (r *VideoRepository) MarkAgentQueued(ctx context.Context, channelID int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE videos SET agent_queued = $1 WHERE channel_id = $2 AND agent_queued = $3`, true, channelID, false)
	if err != nil {
		return fmt.Errorf("failed to mark videos queued for analysis: %w", err)
	}
	return nil
}
