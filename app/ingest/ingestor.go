package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lysyi3m/tube-comb/app/database"
)

var (
	ErrUnknownVideo    = errors.New("unknown video")
	ErrInvalidItem     = errors.New("invalid comment item")
	ErrChannelMismatch = errors.New("video belongs to another channel")
)

type Item struct {
	ExternalID  string
	Text        string
	AuthorName  string
	LikeCount   int64
	PublishedAt time.Time
	Source      database.CommentSource
	Reason      string
}

type Result struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

// Ingestor stores externally classified comments. It shares the
// (video, comment id) key with the sync path, so replays insert nothing.
type Ingestor struct {
	db *database.DB
}

func NewIngestor(db *database.DB) *Ingestor {
	return &Ingestor{db: db}
}

// Ingest stores items for the video. A non-empty channelExternalID must be
// the channel the video was synced under.
func (i *Ingestor) Ingest(ctx context.Context, channelExternalID, externalVideoID string, items []Item) (Result, error) {
	result := Result{Received: len(items)}

	for n, item := range items {
		if strings.TrimSpace(item.ExternalID) == "" {
			return result, fmt.Errorf("%w: item %d has no comment id", ErrInvalidItem, n)
		}
	}

	err := i.db.InTx(ctx, func(tx *database.Tx) error {
		video, err := tx.Videos.GetByExternalID(ctx, externalVideoID)
		if err != nil {
			return err
		}
		if video == nil {
			return fmt.Errorf("%w: %s", ErrUnknownVideo, externalVideoID)
		}

		if channelExternalID != "" {
			ch, err := tx.Channels.GetByExternalID(ctx, channelExternalID)
			if err != nil {
				return err
			}
			if ch == nil || ch.ID != video.ChannelID {
				return fmt.Errorf("%w: %s is not in %s", ErrChannelMismatch, externalVideoID, channelExternalID)
			}
		}

		for _, item := range items {
			source := item.Source
			if source == "" {
				source = database.CommentSourceFiltered
			}

			var published *time.Time
			if !item.PublishedAt.IsZero() {
				t := item.PublishedAt.UTC()
				published = &t
			}

			ok, err := tx.Comments.InsertIfAbsent(ctx, database.Comment{
				VideoID:     video.ID,
				ExternalID:  item.ExternalID,
				Text:        norm.NFC.String(item.Text),
				AuthorName:  item.AuthorName,
				LikeCount:   item.LikeCount,
				PublishedAt: published,
				Source:      source,
				Reason:      item.Reason,
			})
			if err != nil {
				return err
			}
			if ok {
				result.Inserted++
			}
		}

		return nil
	})
	if err != nil {
		return Result{Received: len(items)}, err
	}

	slog.Info("Ingested filtered comments", "video", externalVideoID, "received", result.Received, "inserted", result.Inserted)

	return result, nil
}
