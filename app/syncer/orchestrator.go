package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/tube-comb/app/cache"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/dispatch"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/youtube"
)

// Fetcher is the provider surface a session needs.
type Fetcher interface {
	FetchChannel(ctx context.Context, cred quota.Credential, channelID string) (*youtube.ChannelInfo, error)
	FetchPage(ctx context.Context, cred quota.Credential, channelID, pageToken string) (*youtube.Page, error)
	FetchComments(ctx context.Context, cred quota.Credential, videoID string, limit int) ([]youtube.CommentItem, error)
}

type Orchestrator struct {
	channels   *database.ChannelRepository
	videos     *database.VideoRepository
	fetcher    Fetcher
	pool       quota.CredentialPool
	dispatcher *dispatch.Dispatcher
	limits     Limits
	feed       FeedChecker
	newTaskID  func() string
	now        func() time.Time

	running sync.Map
}

// FeedChecker reports the newest upload time a channel's public feed shows
// without spending API quota. A zero time means the feed had no entries.
type FeedChecker interface {
	LatestUpload(ctx context.Context, channelID string) (time.Time, error)
}

func NewOrchestrator(db *database.DB, fetcher Fetcher, pool quota.CredentialPool, dispatcher *dispatch.Dispatcher, limits Limits) *Orchestrator {
	return &Orchestrator{
		channels:   database.NewChannelRepository(db),
		videos:     database.NewVideoRepository(db),
		fetcher:    fetcher,
		pool:       pool,
		dispatcher: dispatcher,
		limits:     limits,
		newTaskID:  uuid.NewString,
		now:        time.Now,
	}
}

// SetFeedChecker enables skipping follow-up passes whose feed shows nothing
// newer than the watermark.
func (o *Orchestrator) SetFeedChecker(fc FeedChecker) {
	o.feed = fc
}

// session is the mutable state of one Sync call.
type session struct {
	req     Request
	mode    Mode
	channel *database.Channel
	result  Result

	token     string
	resumed   bool
	info      *youtube.ChannelInfo
	watermark *time.Time // stored watermark at session start
	pending   *time.Time // newest publish time committed by this pass
	limit     int
	seen      int
}

// Sync runs one session for a channel. Sessions for the same channel never
// overlap; a second request while one is running fails with
// ErrSessionInProgress.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (Result, error) {
	if _, busy := o.running.LoadOrStore(req.ChannelExternalID, struct{}{}); busy {
		return Result{ChannelExternalID: req.ChannelExternalID, State: StateFailed, Err: ErrSessionInProgress}, ErrSessionInProgress
	}
	defer o.running.Delete(req.ChannelExternalID)

	start := time.Now()
	s := &session{req: req, result: Result{ChannelExternalID: req.ChannelExternalID, State: StateSelectingMode}}

	err := o.run(ctx, s)
	o.finish(ctx, s, err)

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "Sync session finished",
		"channel", req.ChannelExternalID,
		"mode", s.result.Mode,
		"state", s.result.State,
		"pages", s.result.PagesFetched,
		"videos", s.result.VideosSeen,
		"changed", s.result.VideosChanged,
		"comments", s.result.CommentsInserted,
		"facts", s.result.Facts,
		"agent_tasks", s.result.AgentTasks,
		"skipped", s.result.Skipped,
		"duration", time.Since(start),
		"error", err)

	return s.result, err
}

func (o *Orchestrator) run(ctx context.Context, s *session) error {
	existing, err := o.channels.GetByExternalID(ctx, s.req.ChannelExternalID)
	if err != nil {
		return err
	}

	s.mode = selectMode(existing, s.req.Trigger)
	s.result.Mode = s.mode
	s.limit = o.limitFor(s.mode)

	if existing != nil {
		s.watermark = existing.Watermark
		if s.mode != ModeRefreshOnly && existing.ResumePageToken != "" {
			s.token = existing.ResumePageToken
			s.pending = existing.PendingWatermark
			s.resumed = true
			slog.Info("Resuming interrupted sync pass", "channel", existing.ExternalID, "mode", s.mode)
		}
	}

	if o.nothingNew(ctx, s, existing) {
		s.result.Skipped = true
		return o.channels.CompletePass(ctx, existing.ID, existing.Watermark, o.now())
	}

	// The first page goes before channels.list so a one-page pass costs a
	// single call when quota is scarce.
	page, err := o.nextPage(ctx, s)
	if err != nil {
		return err
	}

	info, err := o.channelInfo(ctx, s, existing, page)
	if err != nil {
		return err
	}

	s.result.State = StateReconciling
	if err := o.reconcileChannel(ctx, s, info); err != nil {
		return err
	}

	for {
		items, done := o.selectItems(s, page)

		comments, err := o.fetchNewComments(ctx, items)
		if err != nil {
			return err
		}

		s.result.State = StateReconciling
		if err := o.reconcilePage(ctx, s, items, comments, page.NextPageToken, done); err != nil {
			return err
		}
		s.result.State = StateDispatching

		if done {
			return nil
		}
		s.token = page.NextPageToken

		if err := ctx.Err(); err != nil {
			return err
		}
		if page, err = o.nextPage(ctx, s); err != nil {
			return err
		}
	}
}

// nextPage fetches the page at s.token. A rejected resume token restarts
// the pass from the first page. A channel whose uploads playlist cannot be
// derived is resolved through channels.list first.
func (o *Orchestrator) nextPage(ctx context.Context, s *session) (*youtube.Page, error) {
	s.result.State = StateFetching

	for {
		page, err := o.fetchPage(ctx, s)
		switch {
		case err == nil:
			s.result.PagesFetched++
			return page, nil
		case s.resumed && isInvalidPageToken(err):
			slog.Warn("Resume token rejected, restarting pass from first page", "channel", s.req.ChannelExternalID, "error", err)
			s.token = ""
			s.resumed = false
		case s.info == nil && errors.Is(err, youtube.ErrUploadsUnknown):
			info, err := o.fetchChannel(ctx, s)
			if err != nil {
				return nil, err
			}
			s.info = info
		default:
			return nil, err
		}
	}
}

func (o *Orchestrator) fetchChannel(ctx context.Context, s *session) (*youtube.ChannelInfo, error) {
	var info *youtube.ChannelInfo
	err := o.call(ctx, "channels.list", youtube.CostChannelsList, func(cred quota.Credential) error {
		var err error
		info, err = o.fetcher.FetchChannel(ctx, cred, s.req.ChannelExternalID)
		return err
	})
	return info, err
}

// channelInfo returns fresh metadata from channels.list. When no credential
// is left, or the call keeps failing transiently, it keeps what is stored
// (for a new channel, the title from the page) and the next pass refreshes
// it.
func (o *Orchestrator) channelInfo(ctx context.Context, s *session, existing *database.Channel, page *youtube.Page) (*youtube.ChannelInfo, error) {
	if s.info != nil {
		return s.info, nil
	}

	info, err := o.fetchChannel(ctx, s)
	switch {
	case err == nil:
		s.info = info
		return info, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case !errors.Is(err, ErrSessionDeferred) && !errors.Is(err, youtube.ErrTransientFetch):
		return nil, err
	}

	slog.Warn("Channel metadata not refreshed, keeping known values", "channel", s.req.ChannelExternalID, "error", err)

	if existing != nil {
		return &youtube.ChannelInfo{
			ExternalID:        existing.ExternalID,
			Title:             existing.Title,
			Handle:            existing.Handle,
			ThumbnailURL:      existing.ThumbnailURL,
			UploadsPlaylistID: existing.UploadsPlaylistID,
		}, nil
	}
	return &youtube.ChannelInfo{
		ExternalID:        s.req.ChannelExternalID,
		Title:             page.ChannelTitle,
		UploadsPlaylistID: page.PlaylistID,
	}, nil
}

// nothingNew reports whether a follow-up pass can be skipped because the
// channel feed shows no upload after the watermark. Any doubt runs the pass.
func (o *Orchestrator) nothingNew(ctx context.Context, s *session, existing *database.Channel) bool {
	if o.feed == nil || s.mode != ModeFollowUp || s.resumed || s.watermark == nil || existing.CacheStale {
		return false
	}

	stale, err := o.videos.ListStale(ctx, existing.ID)
	if err != nil || len(stale) > 0 {
		return false
	}

	latest, err := o.feed.LatestUpload(ctx, existing.ExternalID)
	if err != nil {
		slog.Debug("Feed check failed, running full pass", "channel", existing.ExternalID, "error", err)
		return false
	}
	if latest.IsZero() || latest.After(*s.watermark) {
		return false
	}

	slog.Debug("Feed shows no new uploads, skipping pass", "channel", existing.ExternalID, "latest", latest)
	return true
}

func selectMode(existing *database.Channel, trigger Trigger) Mode {
	switch {
	case existing == nil:
		return ModeFirstSync
	case trigger == TriggerRefresh:
		return ModeRefreshOnly
	case existing.LastSyncedAt == nil:
		return ModeFirstSync
	default:
		return ModeFollowUp
	}
}

func (o *Orchestrator) limitFor(mode Mode) int {
	if mode == ModeFirstSync {
		return o.limits.MaxVideosInitial
	}
	return o.limits.MaxVideosPerRun
}

func (o *Orchestrator) fetchPage(ctx context.Context, s *session) (*youtube.Page, error) {
	var page *youtube.Page
	err := o.call(ctx, "playlistItems.list", youtube.CostPlaylistItemsList, func(cred quota.Credential) error {
		var err error
		page, err = o.fetcher.FetchPage(ctx, cred, s.req.ChannelExternalID, s.token)
		return err
	})
	return page, err
}

// selectItems trims a page to what this pass should write and reports
// whether the pass ends with it.
func (o *Orchestrator) selectItems(s *session, page *youtube.Page) ([]youtube.Item, bool) {
	items := page.Items
	done := page.NextPageToken == ""

	if s.mode == ModeFollowUp && s.watermark != nil {
		for i, item := range items {
			if !item.PublishedAt.After(*s.watermark) {
				items = items[:i]
				done = true
				break
			}
		}
	}

	if s.limit > 0 && s.seen+len(items) >= s.limit {
		capped := !done || s.seen+len(items) > s.limit
		if s.seen+len(items) > s.limit {
			items = items[:s.limit-s.seen]
		}
		if capped {
			s.result.CapReached = true
			slog.Warn("Video limit reached, ending pass", "channel", s.req.ChannelExternalID, "mode", s.mode, "limit", s.limit)
		}
		done = true
	}

	// Without a limit a refresh rescans only the newest page.
	if s.mode == ModeRefreshOnly && s.limit == 0 {
		done = true
	}

	s.seen += len(items)
	return items, done
}

// fetchNewComments loads comments for items not stored yet. It runs outside
// the page transaction; the unique key settles races with other writers.
func (o *Orchestrator) fetchNewComments(ctx context.Context, items []youtube.Item) (map[string][]youtube.CommentItem, error) {
	limit := o.limits.CommentsPerVideo
	if limit <= 0 {
		return nil, nil
	}

	comments := make(map[string][]youtube.CommentItem)
	for _, item := range items {
		existing, err := o.videos.GetByExternalID(ctx, item.ExternalID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}

		var batch []youtube.CommentItem
		err = o.call(ctx, "commentThreads.list", youtube.CostCommentThreadsList, func(cred quota.Credential) error {
			var err error
			batch, err = o.fetcher.FetchComments(ctx, cred, item.ExternalID, limit)
			return err
		})
		switch {
		case err == nil:
			comments[item.ExternalID] = batch
		case errors.Is(err, ErrSessionDeferred), ctx.Err() != nil:
			return nil, err
		default:
			slog.Warn("Skipping comments for video", "video", item.ExternalID, "error", err)
		}
	}

	return comments, nil
}

func (o *Orchestrator) reconcileChannel(ctx context.Context, s *session, info *youtube.ChannelInfo) error {
	facts := 0

	err := o.dispatcher.InTx(ctx, func(tx *database.Tx, b *dispatch.Batch) error {
		res, err := tx.Channels.Upsert(ctx, database.ChannelUpsert{
			ExternalID:        s.req.ChannelExternalID,
			UserID:            s.req.UserID,
			Title:             info.Title,
			Handle:            info.Handle,
			ThumbnailURL:      info.ThumbnailURL,
			UploadsPlaylistID: info.UploadsPlaylistID,
			MarkStale:         s.mode == ModeRefreshOnly,
		})
		if err != nil {
			return err
		}

		ch, err := tx.Channels.GetByExternalID(ctx, s.req.ChannelExternalID)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("channel %s vanished after upsert", s.req.ChannelExternalID)
		}
		s.channel = ch

		if s.mode == ModeRefreshOnly {
			return nil
		}

		if res.Changed || ch.CacheStale {
			if err := b.Enqueue(ctx, channelFact(ch, o.now())); err != nil {
				return err
			}
			if err := tx.Channels.ClearCacheStale(ctx, ch.ID); err != nil {
				return err
			}
		}

		// Rows a refresh changed are published now.
		stale, err := tx.Videos.ListStale(ctx, ch.ID)
		if err != nil {
			return err
		}
		for _, v := range stale {
			if err := b.Enqueue(ctx, videoFact(ch, v, o.now())); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			if err := tx.Videos.ClearStale(ctx, ch.ID); err != nil {
				return err
			}
		}

		facts = b.Len()
		return nil
	})
	if err != nil {
		return err
	}

	s.result.Facts += facts
	return nil
}

func (o *Orchestrator) reconcilePage(ctx context.Context, s *session, items []youtube.Item, comments map[string][]youtube.CommentItem, next string, done bool) error {
	var seen, changed, inserted, facts, agentTasks int
	pending := s.pending

	err := o.dispatcher.InTx(ctx, func(tx *database.Tx, b *dispatch.Batch) error {
		for _, item := range items {
			res, err := tx.Videos.Upsert(ctx, database.VideoUpsert{
				ChannelID:    s.channel.ID,
				ExternalID:   item.ExternalID,
				Title:        item.Title,
				ThumbnailURL: item.ThumbnailURL,
				PublishedAt:  item.PublishedAt,
				MarkStale:    s.mode == ModeRefreshOnly,
			})
			if err != nil {
				return err
			}
			seen++

			if res.Changed {
				changed++
				if s.mode != ModeRefreshOnly {
					f := cache.NewVideoFact(cache.VideoFact{
						ExternalID:        item.ExternalID,
						ChannelExternalID: s.channel.ExternalID,
						Title:             item.Title,
						ThumbnailURL:      item.ThumbnailURL,
						PublishedAt:       item.PublishedAt,
					}, o.now())
					if err := b.Enqueue(ctx, f); err != nil {
						return err
					}
				}
			}

			for _, c := range comments[item.ExternalID] {
				ok, err := tx.Comments.InsertIfAbsent(ctx, database.Comment{
					VideoID:         res.ID,
					ExternalID:      c.ExternalID,
					Text:            c.Text,
					AuthorName:      c.AuthorName,
					AuthorChannelID: c.AuthorChannelID,
					LikeCount:       c.LikeCount,
					PublishedAt:     timeOrNil(c.PublishedAt),
					Source:          database.CommentSourceSync,
				})
				if err != nil {
					return err
				}
				if ok {
					inserted++
				}
			}

			if pending == nil || item.PublishedAt.After(*pending) {
				t := item.PublishedAt
				pending = &t
			}
		}

		facts = b.Len()

		if s.mode != ModeRefreshOnly {
			queued, err := o.handOffToAgent(ctx, tx, b, s.channel)
			if err != nil {
				return err
			}
			agentTasks = queued
		}

		now := o.now()
		switch {
		case s.mode == ModeRefreshOnly:
			if done {
				return tx.Channels.MarkRefreshed(ctx, s.channel.ID, now)
			}
			return nil
		case done:
			return tx.Channels.CompletePass(ctx, s.channel.ID, latest(s.watermark, pending), now)
		default:
			return tx.Channels.SaveCursor(ctx, s.channel.ID, next, pending)
		}
	})
	if err != nil {
		return err
	}

	s.pending = pending
	s.result.VideosSeen += seen
	s.result.VideosChanged += changed
	s.result.CommentsInserted += inserted
	s.result.Facts += facts
	s.result.AgentTasks += agentTasks

	return nil
}

// handOffToAgent queues every stored video of the channel the analysis
// agent has not seen yet, including ones a refresh discovered.
func (o *Orchestrator) handOffToAgent(ctx context.Context, tx *database.Tx, b *dispatch.Batch, ch *database.Channel) (int, error) {
	ids, err := tx.Videos.ListAgentPending(ctx, ch.ID)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	f := cache.NewAgentTaskFact(cache.AgentTaskFact{
		TaskID:    o.newTaskID(),
		ChannelID: ch.ExternalID,
		VideoIDs:  ids,
		CreatedAt: o.now(),
	})
	if err := b.Enqueue(ctx, f); err != nil {
		return 0, err
	}
	if err := tx.Videos.MarkAgentQueued(ctx, ch.ID); err != nil {
		return 0, err
	}

	return 1, nil
}

// finish fills terminal state from what is actually committed.
func (o *Orchestrator) finish(ctx context.Context, s *session, err error) {
	if err == nil {
		s.result.State = StateDone
	} else {
		s.result.State = StateFailed
		s.result.Err = err
	}

	// A cancelled ctx must not prevent reporting the committed boundary.
	readCtx := context.WithoutCancel(ctx)
	ch, rerr := o.channels.GetByExternalID(readCtx, s.req.ChannelExternalID)
	if rerr != nil {
		slog.Error("Failed to read channel after sync", "channel", s.req.ChannelExternalID, "error", rerr)
		return
	}
	if ch != nil {
		s.result.Watermark = ch.Watermark
		s.result.ResumeToken = ch.ResumePageToken
	}
}

func channelFact(ch *database.Channel, at time.Time) cache.Fact {
	return cache.NewChannelFact(cache.ChannelFact{
		ExternalID:   ch.ExternalID,
		UserID:       ch.UserID,
		Title:        ch.Title,
		Handle:       ch.Handle,
		ThumbnailURL: ch.ThumbnailURL,
	}, at)
}

func videoFact(ch *database.Channel, v database.Video, at time.Time) cache.Fact {
	return cache.NewVideoFact(cache.VideoFact{
		ExternalID:        v.ExternalID,
		ChannelExternalID: ch.ExternalID,
		Title:             v.Title,
		ThumbnailURL:      v.ThumbnailURL,
		PublishedAt:       v.PublishedAt,
	}, at)
}

func isInvalidPageToken(err error) bool {
	var fe *youtube.FetchError
	return errors.As(err, &fe) && fe.Reason == "invalidPageToken"
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
