package youtube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"
)

const defaultFeedURL = "https://www.youtube.com/feeds/videos.xml"

// FeedChecker reads a channel's public Atom feed. The feed costs no API
// quota and lists only the most recent uploads.
type FeedChecker struct {
	httpClient *http.Client
	userAgent  string
	baseURL    string
	parser     *gofeed.Parser
}

func NewFeedChecker(httpClient *http.Client, userAgent string) *FeedChecker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FeedChecker{
		httpClient: httpClient,
		userAgent:  userAgent,
		baseURL:    defaultFeedURL,
		parser:     gofeed.NewParser(),
	}
}

// LatestUpload returns the newest publish time in the channel feed, or the
// zero time for an empty feed.
func (c *FeedChecker) LatestUpload(ctx context.Context, channelID string) (time.Time, error) {
	data, err := c.fetch(ctx, c.baseURL+"?channel_id="+url.QueryEscape(channelID))
	if err != nil {
		return time.Time{}, err
	}

	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse feed: %w", err)
	}

	var latest time.Time
	for _, item := range feed.Items {
		if item == nil || item.PublishedParsed == nil {
			continue
		}
		if item.PublishedParsed.After(latest) {
			latest = item.PublishedParsed.UTC()
		}
	}

	return latest, nil
}

func (c *FeedChecker) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}
