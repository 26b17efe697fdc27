package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

const (
	watermarkField = "watermark"
	userIDField    = "userId"

	// Seen markers outlive any redelivery of the same outbox row.
	agentTaskSeenTTL = 7 * 24 * time.Hour
)

// Writer turns facts into cache entries. It never reads the authoritative
// store; whatever it writes came from a committed fact.
type Writer struct {
	store Store
}

func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Apply writes the fact unless the cache already holds a fact with an equal
// or newer watermark for the same entity. Re-applying is a no-op.
func (w *Writer) Apply(ctx context.Context, f Fact) (bool, error) {
	if f.Kind == KindAgentTask {
		return w.pushAgentTask(ctx, f)
	}

	entry, err := entryFor(f)
	if err != nil {
		return false, err
	}

	applied, err := w.store.CompareAndSet(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("failed to apply %s fact to %s: %w", f.Kind, entry.Key, err)
	}

	if !applied {
		slog.Debug("Skipped stale cache fact", "key", entry.Key, "watermark", f.Watermark)
	}

	return applied, nil
}

func entryFor(f Fact) (Entry, error) {
	if err := f.Validate(); err != nil {
		return Entry{}, err
	}

	e := Entry{
		Key:       f.EntityKey(),
		Watermark: formatWatermark(f.Watermark),
	}

	switch f.Kind {
	case KindChannel:
		c := f.Channel
		e.Fields = []Field{
			{"id", c.ExternalID},
			{"title", c.Title},
			{"handle", c.Handle},
			{"thumbnail", c.ThumbnailURL},
		}
		if c.UserID != nil {
			owner := strconv.FormatInt(*c.UserID, 10)
			e.Fields = append(e.Fields, Field{userIDField, owner})
			e.IndexKind = IndexSet
			e.IndexKey = UserChannelsKey(*c.UserID)
			e.Member = c.ExternalID
			e.Owner = &Owner{
				Field:     userIDField,
				Value:     owner,
				KeyPrefix: userChannelsPrefix,
				KeySuffix: userChannelsSuffix,
			}
		}
	case KindVideo:
		v := f.Video
		e.Fields = []Field{
			{"id", v.ExternalID},
			{"title", v.Title},
			{"thumbnail", v.ThumbnailURL},
			{"publishedAt", v.PublishedAt.UTC().Format(time.RFC3339)},
			{"channelId", v.ChannelExternalID},
		}
		e.IndexKind = IndexZSet
		e.IndexKey = ChannelVideosKey(v.ChannelExternalID)
		e.Member = v.ExternalID
		e.Score = float64(v.PublishedAt.Unix())
	}

	return e, nil
}

// pushAgentTask pushes the task payload once per task id.
func (w *Writer) pushAgentTask(ctx context.Context, f Fact) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}

	payload, err := json.Marshal(f.AgentTask)
	if err != nil {
		return false, fmt.Errorf("failed to encode agent task: %w", err)
	}

	pushed, err := w.store.PushOnce(ctx, QueuedTask{
		Queue:   AgentQueueKey,
		SeenKey: f.EntityKey(),
		Payload: string(payload),
		TTL:     agentTaskSeenTTL,
	})
	if err != nil {
		return false, fmt.Errorf("failed to push agent task %s: %w", f.AgentTask.TaskID, err)
	}

	if pushed {
		slog.Info("Queued videos for analysis", "channel", f.AgentTask.ChannelID, "task", f.AgentTask.TaskID, "videos", len(f.AgentTask.VideoIDs))
	}

	return pushed, nil
}

// formatWatermark pads to the width of the largest int64 so lexical and
// numeric order agree.
func formatWatermark(wm int64) string {
	return fmt.Sprintf("%019d", wm)
}

func ParseWatermark(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
