package database

import (
	"time"
)

type Channel struct {
	ID                int64
	ExternalID        string
	UserID            *int64
	Title             string
	Handle            string
	ThumbnailURL      string
	UploadsPlaylistID string
	Watermark         *time.Time // newest publish time covered by a completed pass
	LastSyncedAt      *time.Time
	LastRefreshedAt   *time.Time
	ResumePageToken   string     // next page of an interrupted pass
	PendingWatermark  *time.Time // newest publish time committed by the interrupted pass
	CacheStale        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ChannelUpsert struct {
	ExternalID        string
	UserID            *int64
	Title             string
	Handle            string
	ThumbnailURL      string
	UploadsPlaylistID string
	MarkStale         bool
}

type Video struct {
	ID           int64
	ChannelID    int64
	ExternalID   string
	Title        string
	ThumbnailURL string
	PublishedAt  time.Time
	CacheStale   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type VideoUpsert struct {
	ChannelID    int64
	ExternalID   string
	Title        string
	ThumbnailURL string
	PublishedAt  time.Time
	MarkStale    bool
}

type UpsertResult struct {
	ID      int64
	Created bool
	Changed bool
}

type CommentSource string

const (
	CommentSourceSync       CommentSource = "sync"
	CommentSourceFiltered   CommentSource = "filtered"
	CommentSourceSuggestion CommentSource = "suggestion"
)

type Comment struct {
	ID              int64
	VideoID         int64
	ExternalID      string
	Text            string
	AuthorName      string
	AuthorChannelID string
	LikeCount       int64
	PublishedAt     *time.Time
	Source          CommentSource
	Reason          string
	CreatedAt       time.Time
}

type OutboxRecord struct {
	ID        int64
	Kind      string
	EntityKey string
	Watermark int64
	Payload   []byte
	Attempts  int
	LastError string
}
