package youtube

import "time"

const (
	CostChannelsList       = 1
	CostPlaylistItemsList  = 1
	CostCommentThreadsList = 1
)

type ChannelInfo struct {
	ExternalID        string
	Title             string
	Handle            string
	ThumbnailURL      string
	UploadsPlaylistID string
}

type Item struct {
	ExternalID   string
	Title        string
	ThumbnailURL string
	PublishedAt  time.Time
}

// Page is one page of a channel's uploads, newest first. ChannelTitle comes
// from the item snippets and is empty for an empty page.
type Page struct {
	Items         []Item
	NextPageToken string
	PlaylistID    string
	ChannelTitle  string
}

type CommentItem struct {
	ExternalID      string
	Text            string
	AuthorName      string
	AuthorChannelID string
	LikeCount       int64
	PublishedAt     time.Time
}
