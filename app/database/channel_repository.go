package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ ChannelStore = (*ChannelRepository)(nil)

type ChannelRepository struct {
	q       Querier
	dialect Dialect
}

func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{q: db.DB, dialect: db.Dialect}
}

const channelColumns = `id, external_id, user_id, title, handle, thumbnail_url, uploads_playlist_id,
	watermark, last_synced_at, last_refreshed_at, COALESCE(resume_page_token, ''), pending_watermark,
	cache_stale, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var ch Channel
	var userID sql.NullInt64
	var watermark, lastSynced, lastRefreshed, pending sql.NullTime

	err := row.Scan(&ch.ID, &ch.ExternalID, &userID, &ch.Title, &ch.Handle, &ch.ThumbnailURL,
		&ch.UploadsPlaylistID, &watermark, &lastSynced, &lastRefreshed, &ch.ResumePageToken,
		&pending, &ch.CacheStale, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		id := userID.Int64
		ch.UserID = &id
	}
	ch.Watermark = timePtr(watermark)
	ch.LastSyncedAt = timePtr(lastSynced)
	ch.LastRefreshedAt = timePtr(lastRefreshed)
	ch.PendingWatermark = timePtr(pending)

	return &ch, nil
}

// GetByExternalID returns nil, nil when the channel is unknown.
func (r *ChannelRepository) GetByExternalID(ctx context.Context, externalID string) (*Channel, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE external_id = $1`, externalID)

	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	return ch, nil
}

func (r *ChannelRepository) List(ctx context.Context) ([]Channel, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		channels = append(channels, *ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}

	return channels, nil
}

func (r *ChannelRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count channels: %w", err)
	}
	return count, nil
}

// Upsert writes provider metadata by external id. Changed reports whether
// any cache-relevant field differs from the stored row.
func (r *ChannelRepository) Upsert(ctx context.Context, in ChannelUpsert) (UpsertResult, error) {
	existing, err := r.GetByExternalID(ctx, in.ExternalID)
	if err != nil {
		return UpsertResult{}, err
	}

	result := UpsertResult{Created: existing == nil, Changed: existing == nil}
	if existing != nil {
		result.Changed = existing.Title != in.Title ||
			existing.Handle != in.Handle ||
			existing.ThumbnailURL != in.ThumbnailURL ||
			(in.UserID != nil && (existing.UserID == nil || *existing.UserID != *in.UserID))
	}

	var userID sql.NullInt64
	if in.UserID != nil {
		userID = sql.NullInt64{Int64: *in.UserID, Valid: true}
	}

	now := time.Now().UTC()
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO channels (external_id, user_id, title, handle, thumbnail_url, uploads_playlist_id, cache_stale, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (external_id) DO UPDATE SET
			user_id = COALESCE(EXCLUDED.user_id, channels.user_id),
			title = EXCLUDED.title,
			handle = EXCLUDED.handle,
			thumbnail_url = EXCLUDED.thumbnail_url,
			uploads_playlist_id = CASE WHEN EXCLUDED.uploads_playlist_id = '' THEN channels.uploads_playlist_id ELSE EXCLUDED.uploads_playlist_id END,
			cache_stale = (channels.cache_stale OR EXCLUDED.cache_stale),
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, in.ExternalID, userID, in.Title, in.Handle, in.ThumbnailURL, in.UploadsPlaylistID,
		in.MarkStale && result.Changed, now).Scan(&result.ID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert channel: %w", err)
	}

	return result, nil
}

// SaveCursor records the committed boundary of an in-progress pass.
func (r *ChannelRepository) SaveCursor(ctx context.Context, channelID int64, nextPageToken string, pending *time.Time) error {
	var token sql.NullString
	if nextPageToken != "" {
		token = sql.NullString{String: nextPageToken, Valid: true}
	}

	_, err := r.q.ExecContext(ctx, `
		UPDATE channels
		SET resume_page_token = $1, pending_watermark = $2, updated_at = $3
		WHERE id = $4
	`, token, nullTime(pending), time.Now().UTC(), channelID)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}

	return nil
}

// CompletePass advances the watermark and clears the resume cursor.
func (r *ChannelRepository) CompletePass(ctx context.Context, channelID int64, watermark *time.Time, syncedAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE channels
		SET watermark = $1, last_synced_at = $2, resume_page_token = NULL, pending_watermark = NULL, updated_at = $2
		WHERE id = $3
	`, nullTime(watermark), syncedAt.UTC(), channelID)
	if err != nil {
		return fmt.Errorf("failed to complete sync pass: %w", err)
	}

	return nil
}

func (r *ChannelRepository) MarkRefreshed(ctx context.Context, channelID int64, refreshedAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE channels SET last_refreshed_at = $1, updated_at = $1 WHERE id = $2
	`, refreshedAt.UTC(), channelID)
	if err != nil {
		return fmt.Errorf("failed to mark channel refreshed: %w", err)
	}

	return nil
}

func (r *ChannelRepository) ClearCacheStale(ctx context.Context, channelID int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE channels SET cache_stale = FALSE WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("failed to clear channel cache flag: %w", err)
	}

	return nil
}
