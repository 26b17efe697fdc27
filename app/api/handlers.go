package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/ingest"
	"github.com/lysyi3m/tube-comb/app/syncer"
	"github.com/lysyi3m/tube-comb/app/tasks"
)

type Deps struct {
	ConfigCache *channels.ConfigCache
	Channels    ChannelReader
	Ingestor    CommentIngestor
	Scheduler   tasks.TaskSchedulerInterface
	Quota       QuotaReporter
	Outbox      BacklogCounter
	Database    HealthChecker
	Cache       HealthChecker // optional
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		configCache: deps.ConfigCache,
		channels:    deps.Channels,
		ingestor:    deps.Ingestor,
		scheduler:   deps.Scheduler,
		quota:       deps.Quota,
		outbox:      deps.Outbox,
		database:    deps.Database,
		cache:       deps.Cache,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK

	health := map[string]any{
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"loaded_configurations": h.configCache.GetConfigCount(),
		"scheduler":             h.scheduler.Stats(),
	}

	db := h.database.Health(ctx)
	health["database"] = db
	if db["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}

	if h.cache != nil {
		cache := h.cache.Health(ctx)
		health["cache"] = cache
		if cache["status"] != "healthy" {
			status = http.StatusServiceUnavailable
		}
	}

	if backlog, err := h.outbox.Pending(ctx); err == nil {
		health["outbox_backlog"] = backlog
	}

	if count, err := h.channels.Count(ctx); err == nil {
		health["channels"] = count
	}

	c.JSON(status, health)
}

func (h *Handler) APIListChannels(c *gin.Context) {
	stored, err := h.channels.List(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_channels", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	list := make([]map[string]any, 0, len(stored))
	for _, ch := range stored {
		info := map[string]any{
			"channel_id":        ch.ExternalID,
			"title":             ch.Title,
			"handle":            ch.Handle,
			"user_id":           ch.UserID,
			"watermark":         ch.Watermark,
			"last_synced_at":    ch.LastSyncedAt,
			"last_refreshed_at": ch.LastRefreshedAt,
			"resume_page_token": ch.ResumePageToken,
			"cache_stale":       ch.CacheStale,
			"updated_at":        ch.UpdatedAt,
		}

		if config, ok := h.configCache.FindByChannelID(ch.ExternalID); ok {
			info["name"] = config.Name
			info["enabled"] = config.Settings.Enabled
			info["sync_interval"] = config.Settings.GetSyncInterval().String()
		}

		list = append(list, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"channels": list,
		"total":    len(list),
	})
}

func (h *Handler) APIGetQuota(c *gin.Context) {
	states := h.quota.Snapshot()

	total := 0
	for _, st := range states {
		total += st.Remaining
	}

	c.JSON(http.StatusOK, gin.H{
		"credentials":     states,
		"total_remaining": total,
		"next_reset":      h.quota.NextReset().Format(time.RFC3339),
	})
}

func (h *Handler) APITriggerSync(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing channel_id parameter"})
		return
	}

	var body SyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	var trigger syncer.Trigger
	switch body.Mode {
	case "", string(syncer.TriggerScheduled):
		trigger = syncer.TriggerScheduled
	case string(syncer.TriggerRefresh):
		trigger = syncer.TriggerRefresh
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown mode", "details": "mode must be 'scheduled' or 'refresh'"})
		return
	}

	name := channelID
	userID := body.UserID
	if config, ok := h.configCache.FindByChannelID(channelID); ok {
		name = config.Name
		if userID == nil {
			userID = config.UserID
		}
	}

	req := syncer.Request{
		ChannelExternalID: channelID,
		UserID:            userID,
		Trigger:           trigger,
	}

	taskID, err := h.scheduler.EnqueueSync(name, req)
	if err != nil {
		slog.Error("Error enqueueing sync task", "channel", channelID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue sync task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"task": gin.H{
			"id":         taskID,
			"type":       tasks.TaskTypeSyncChannel,
			"channel_id": channelID,
			"trigger":    trigger,
		},
	})
}

func (h *Handler) APIFilteredComments(c *gin.Context) {
	var payload FilteredCommentsCallback
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if strings.TrimSpace(payload.VideoID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing videoId"})
		return
	}

	items := make([]ingest.Item, 0, len(payload.FilteredComments)+len(payload.ContentSuggestions))
	for _, cc := range payload.FilteredComments {
		items = append(items, callbackItem(cc, database.CommentSourceFiltered))
	}
	for _, cc := range payload.ContentSuggestions {
		items = append(items, callbackItem(cc, database.CommentSourceSuggestion))
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), strings.TrimSpace(payload.ChannelID), payload.VideoID, items)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrUnknownVideo):
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found", "video_id": payload.VideoID})
		return
	case errors.Is(err, ingest.ErrChannelMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "Video belongs to another channel", "video_id": payload.VideoID, "channel_id": payload.ChannelID})
		return
	case errors.Is(err, ingest.ErrInvalidItem):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid comment item", "details": err.Error()})
		return
	default:
		slog.Error("Database error", "operation", "ingest_comments", "video", payload.VideoID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"video_id": payload.VideoID,
		"received": res.Received,
		"inserted": res.Inserted,
	})
}

func callbackItem(cc CallbackComment, source database.CommentSource) ingest.Item {
	item := ingest.Item{
		ExternalID: cc.CommentID,
		Text:       cc.TextOriginal,
		AuthorName: cc.AuthorName,
		LikeCount:  cc.LikeCount,
		Source:     source,
		Reason:     cc.Reason,
	}
	if cc.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, cc.PublishedAt); err == nil {
			item.PublishedAt = t
		}
	}
	return item
}
