package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/tube-comb/app/syncer"
	"github.com/lysyi3m/tube-comb/app/youtube"
)

type SyncChannelTask struct {
	Task
	Request syncer.Request
	syncer  Syncer
}

func NewSyncChannelTask(channelName string, req syncer.Request, s Syncer) *SyncChannelTask {
	return &SyncChannelTask{
		Task:    NewChannelTask(TaskTypeSyncChannel, channelName, req.ChannelExternalID),
		Request: req,
		syncer:  s,
	}
}

func (t *SyncChannelTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	res, err := t.syncer.Sync(ctx, t.Request)

	switch {
	case err == nil:
		slog.Info("Task completed",
			"type", string(t.Type),
			"channel", t.ChannelName,
			"mode", res.Mode,
			"pages", res.PagesFetched,
			"videos", res.VideosSeen,
			"facts", res.Facts,
			"duration", t.GetDuration())
		return nil

	case errors.Is(err, syncer.ErrSessionDeferred):
		// The next tick picks it up again once a credential frees up.
		slog.Warn("Sync deferred, no quota available", "channel", t.ChannelName, "pages", res.PagesFetched, "resume_token", res.ResumeToken)
		return nil

	case errors.Is(err, syncer.ErrSessionInProgress):
		slog.Debug("Sync already running, skipping", "channel", t.ChannelName)
		return nil

	case errors.Is(err, youtube.ErrPermanentFetch):
		return fmt.Errorf("%w: sync of %s failed: %w", ErrNoRetry, t.Request.ChannelExternalID, err)

	default:
		return fmt.Errorf("sync of %s failed: %w", t.Request.ChannelExternalID, err)
	}
}
