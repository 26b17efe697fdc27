package api

import (
	"context"
	"time"

	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/ingest"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/tasks"
)

type ChannelReader interface {
	GetByExternalID(ctx context.Context, externalID string) (*database.Channel, error)
	List(ctx context.Context) ([]database.Channel, error)
	Count(ctx context.Context) (int, error)
}

type CommentIngestor interface {
	Ingest(ctx context.Context, channelExternalID, externalVideoID string, items []ingest.Item) (ingest.Result, error)
}

type QuotaReporter interface {
	Snapshot() []quota.State
	NextReset() time.Time
}

type BacklogCounter interface {
	Pending(ctx context.Context) (int, error)
}

type HealthChecker interface {
	Health(ctx context.Context) map[string]any
}

type Handler struct {
	configCache *channels.ConfigCache
	channels    ChannelReader
	ingestor    CommentIngestor
	scheduler   tasks.TaskSchedulerInterface
	quota       QuotaReporter
	outbox      BacklogCounter
	database    HealthChecker
	cache       HealthChecker
}

// SyncRequest is the body of POST /api/channels/:channel_id/sync.
type SyncRequest struct {
	Mode   string `json:"mode"`
	UserID *int64 `json:"user_id"`
}

// CallbackComment is one classified comment in a filter callback.
type CallbackComment struct {
	CommentID    string `json:"comment_id"`
	TextOriginal string `json:"text_original"`
	AuthorName   string `json:"author_name"`
	LikeCount    int64  `json:"like_count"`
	PublishedAt  string `json:"published_at"`
	Reason       string `json:"reason,omitempty"`
}

type FilteredCommentsCallback struct {
	ChannelID          string            `json:"channelId"`
	VideoID            string            `json:"videoId"`
	AnalysisTimestamp  string            `json:"analysisTimestamp"`
	FilteredComments   []CallbackComment `json:"filteredComments"`
	ContentSuggestions []CallbackComment `json:"contentSuggestions"`
}
