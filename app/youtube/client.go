package youtube

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// API is the subset of the YouTube Data API the fetcher uses. Every call is
// made with the API key of the credential it was acquired for.
type API interface {
	Channel(ctx context.Context, apiKey, channelID string) (*yt.Channel, error)
	PlaylistItems(ctx context.Context, apiKey, playlistID, pageToken string, maxResults int64) (*yt.PlaylistItemListResponse, error)
	CommentThreads(ctx context.Context, apiKey, videoID string, maxResults int64) (*yt.CommentThreadListResponse, error)
}

var _ API = (*Client)(nil)

// Client wraps one shared youtube.Service. The key travels per request in the
// X-Goog-Api-Key header so rotating credentials needs no extra services.
type Client struct {
	svc *yt.Service
}

func NewClient(ctx context.Context, httpClient *http.Client, userAgent string, opts ...option.ClientOption) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}
	svc.UserAgent = userAgent

	return &Client{svc: svc}, nil
}

func (c *Client) Channel(ctx context.Context, apiKey, channelID string) (*yt.Channel, error) {
	call := c.svc.Channels.List([]string{"snippet", "contentDetails"}).
		Id(channelID).
		Context(ctx)
	call.Header().Set("X-Goog-Api-Key", apiKey)

	resp, err := call.Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	return resp.Items[0], nil
}

func (c *Client) PlaylistItems(ctx context.Context, apiKey, playlistID, pageToken string, maxResults int64) (*yt.PlaylistItemListResponse, error) {
	call := c.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(maxResults).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	call.Header().Set("X-Goog-Api-Key", apiKey)

	return call.Do()
}

func (c *Client) CommentThreads(ctx context.Context, apiKey, videoID string, maxResults int64) (*yt.CommentThreadListResponse, error) {
	call := c.svc.CommentThreads.List([]string{"snippet"}).
		VideoId(videoID).
		Order("time").
		TextFormat("plainText").
		MaxResults(maxResults).
		Context(ctx)
	call.Header().Set("X-Goog-Api-Key", apiKey)

	return call.Do()
}
