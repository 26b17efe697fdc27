package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lysyi3m/tube-comb/app/quota"
	"golang.org/x/text/unicode/norm"
	yt "google.golang.org/api/youtube/v3"
)

type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	PageSize       int64
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		CallTimeout:    15 * time.Second,
		PageSize:       50,
	}
}

type Fetcher struct {
	api     API
	opts    Options
	uploads sync.Map
}

func NewFetcher(api API, opts Options) *Fetcher {
	defaults := DefaultOptions()
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaults.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaults.CallTimeout
	}
	if opts.PageSize <= 0 || opts.PageSize > 50 {
		opts.PageSize = defaults.PageSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Fetcher{api: api, opts: opts}
}

func (f *Fetcher) FetchChannel(ctx context.Context, cred quota.Credential, channelID string) (*ChannelInfo, error) {
	var ch *yt.Channel
	err := f.retry(ctx, "channels.list", func(callCtx context.Context) error {
		var err error
		ch, err = f.api.Channel(callCtx, cred.Key, channelID)
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &ChannelInfo{ExternalID: ch.Id}
	if info.ExternalID == "" {
		info.ExternalID = channelID
	}
	if ch.Snippet != nil {
		info.Title = norm.NFC.String(ch.Snippet.Title)
		info.Handle = ch.Snippet.CustomUrl
		info.ThumbnailURL = bestThumbnail(ch.Snippet.Thumbnails)
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		info.UploadsPlaylistID = ch.ContentDetails.RelatedPlaylists.Uploads
	}
	if info.UploadsPlaylistID != "" {
		f.uploads.Store(channelID, info.UploadsPlaylistID)
	}

	return info, nil
}

// FetchPage returns one page of the channel's uploads starting at pageToken.
// Page tokens are opaque and replayable with another credential.
func (f *Fetcher) FetchPage(ctx context.Context, cred quota.Credential, channelID, pageToken string) (*Page, error) {
	playlistID, err := f.uploadsPlaylist(channelID)
	if err != nil {
		return nil, err
	}

	var resp *yt.PlaylistItemListResponse
	err = f.retry(ctx, "playlistItems.list", func(callCtx context.Context) error {
		var err error
		resp, err = f.api.PlaylistItems(callCtx, cred.Key, playlistID, pageToken, f.opts.PageSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{NextPageToken: resp.NextPageToken, PlaylistID: playlistID}
	for _, pi := range resp.Items {
		if page.ChannelTitle == "" && pi != nil && pi.Snippet != nil {
			page.ChannelTitle = norm.NFC.String(pi.Snippet.ChannelTitle)
		}
		item, ok := toItem(pi)
		if !ok {
			continue
		}
		page.Items = append(page.Items, item)
	}

	return page, nil
}

func (f *Fetcher) FetchComments(ctx context.Context, cred quota.Credential, videoID string, limit int) ([]CommentItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	var resp *yt.CommentThreadListResponse
	err := f.retry(ctx, "commentThreads.list", func(callCtx context.Context) error {
		var err error
		resp, err = f.api.CommentThreads(callCtx, cred.Key, videoID, int64(min(limit, 100)))
		return err
	})
	if err != nil {
		return nil, err
	}

	comments := make([]CommentItem, 0, len(resp.Items))
	for _, thread := range resp.Items {
		if thread.Snippet == nil || thread.Snippet.TopLevelComment == nil || thread.Snippet.TopLevelComment.Snippet == nil {
			continue
		}
		top := thread.Snippet.TopLevelComment
		c := CommentItem{
			ExternalID:  top.Id,
			Text:        norm.NFC.String(top.Snippet.TextOriginal),
			AuthorName:  top.Snippet.AuthorDisplayName,
			LikeCount:   top.Snippet.LikeCount,
			PublishedAt: parseTime(top.Snippet.PublishedAt),
		}
		if top.Snippet.AuthorChannelId != nil {
			c.AuthorChannelID = top.Snippet.AuthorChannelId.Value
		}
		if c.ExternalID == "" {
			continue
		}
		comments = append(comments, c)
		if len(comments) >= limit {
			break
		}
	}

	return comments, nil
}

func (f *Fetcher) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.InitialBackoff
	policy.MaxInterval = f.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.opts.MaxRetries)), ctx)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		fe := Classify(op, err)
		if fe.Kind != KindTransient {
			return backoff.Permanent(fe)
		}
		return fe
	}

	notify := func(err error, delay time.Duration) {
		slog.Warn("Retrying YouTube API call", "op", op, "delay", delay.String(), "error", err)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}

	var fe *FetchError
	if errors.As(err, &fe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return Classify(op, err)
}

func (f *Fetcher) uploadsPlaylist(channelID string) (string, error) {
	if v, ok := f.uploads.Load(channelID); ok {
		return v.(string), nil
	}

	// Uploads playlists mirror the channel id with a UU prefix.
	if strings.HasPrefix(channelID, "UC") && len(channelID) > 2 {
		return "UU" + channelID[2:], nil
	}

	return "", &FetchError{
		Kind: KindPermanent,
		Op:   "playlistItems.list",
		Err:  fmt.Errorf("%w: %s", ErrUploadsUnknown, channelID),
	}
}

func toItem(pi *yt.PlaylistItem) (Item, bool) {
	if pi == nil {
		return Item{}, false
	}

	var item Item
	if pi.ContentDetails != nil {
		item.ExternalID = pi.ContentDetails.VideoId
		item.PublishedAt = parseTime(pi.ContentDetails.VideoPublishedAt)
	}
	if pi.Snippet != nil {
		if item.ExternalID == "" && pi.Snippet.ResourceId != nil {
			item.ExternalID = pi.Snippet.ResourceId.VideoId
		}
		if item.PublishedAt.IsZero() {
			item.PublishedAt = parseTime(pi.Snippet.PublishedAt)
		}
		item.Title = norm.NFC.String(pi.Snippet.Title)
		item.ThumbnailURL = bestThumbnail(pi.Snippet.Thumbnails)
	}

	if item.ExternalID == "" || item.PublishedAt.IsZero() {
		return Item{}, false
	}

	return item, true
}

func bestThumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, thumb := range []*yt.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if thumb != nil && thumb.Url != "" {
			return thumb.Url
		}
	}
	return ""
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
