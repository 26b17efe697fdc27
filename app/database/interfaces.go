package database

import (
	"context"
	"time"
)

type ChannelStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*Channel, error)
	List(ctx context.Context) ([]Channel, error)
	Count(ctx context.Context) (int, error)

	Upsert(ctx context.Context, in ChannelUpsert) (UpsertResult, error)
	SaveCursor(ctx context.Context, channelID int64, nextPageToken string, pending *time.Time) error
	CompletePass(ctx context.Context, channelID int64, watermark *time.Time, syncedAt time.Time) error
	MarkRefreshed(ctx context.Context, channelID int64, refreshedAt time.Time) error
	ClearCacheStale(ctx context.Context, channelID int64) error
}

type VideoStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*Video, error)
	Upsert(ctx context.Context, in VideoUpsert) (UpsertResult, error)
	ListStale(ctx context.Context, channelID int64) ([]Video, error)
	ClearStale(ctx context.Context, channelID int64) error
	CountByChannel(ctx context.Context, channelID int64) (int, error)
	ListAgentPending(ctx context.Context, channelID int64) ([]string, error)
	MarkAgentQueued(ctx context.Context, channelID int64) error
}

type CommentStore interface {
	InsertIfAbsent(ctx context.Context, c Comment) (bool, error)
	CountByVideo(ctx context.Context, videoID int64) (int, error)
	ListByVideo(ctx context.Context, videoID int64) ([]Comment, error)
}

type OutboxStore interface {
	Append(ctx context.Context, rec OutboxRecord) (int64, error)
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	Ack(ctx context.Context, ids []int64) error
	Fail(ctx context.Context, id int64, retryAt time.Time, reason string) error
	Count(ctx context.Context) (int, error)
}
