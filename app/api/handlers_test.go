package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/ingest"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/syncer"
	"github.com/lysyi3m/tube-comb/app/tasks"
)

const testAPIKey = "secret"

type mockChannels struct {
	channels []database.Channel
	err      error
}

func (m *mockChannels) GetByExternalID(_ context.Context, externalID string) (*database.Channel, error) {
	for i := range m.channels {
		if m.channels[i].ExternalID == externalID {
			return &m.channels[i], nil
		}
	}
	return nil, m.err
}

func (m *mockChannels) List(context.Context) ([]database.Channel, error) {
	return m.channels, m.err
}

func (m *mockChannels) Count(context.Context) (int, error) {
	return len(m.channels), m.err
}

type mockIngestor struct {
	channelID string
	videoID   string
	items     []ingest.Item
	result    ingest.Result
	err       error
}

func (m *mockIngestor) Ingest(_ context.Context, channelID, videoID string, items []ingest.Item) (ingest.Result, error) {
	m.channelID = channelID
	m.videoID = videoID
	m.items = items
	return m.result, m.err
}

type mockScheduler struct {
	names    []string
	requests []syncer.Request
	err      error
}

func (m *mockScheduler) Start() {}
func (m *mockScheduler) Stop()  {}

func (m *mockScheduler) EnqueueTask(tasks.TaskInterface) error {
	return m.err
}

func (m *mockScheduler) EnqueueSync(name string, req syncer.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.names = append(m.names, name)
	m.requests = append(m.requests, req)
	return fmt.Sprintf("task-%d", len(m.requests)), nil
}

func (m *mockScheduler) Stats() tasks.Stats {
	return tasks.Stats{Workers: 2, QueueCapacity: 10}
}

type mockBacklog struct {
	pending int
}

func (m *mockBacklog) Pending(context.Context) (int, error) {
	return m.pending, nil
}

type mockHealth struct {
	status string
}

func (m *mockHealth) Health(context.Context) map[string]any {
	return map[string]any{"status": m.status}
}

type testEnv struct {
	router    *gin.Engine
	channels  *mockChannels
	ingestor  *mockIngestor
	scheduler *mockScheduler
	database  *mockHealth
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	config := "channel_id: UCtech\nuser_id: 7\n"
	if err := os.WriteFile(filepath.Join(dir, "tech.yml"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	cc := channels.NewConfigCache(dir)
	if err := cc.Run(); err != nil {
		t.Fatal(err)
	}

	ledger := quota.NewLedger([]string{"key-1", "key-2"}, 100, quota.PacificEpoch())
	if _, err := ledger.Charge("key-1", 30); err != nil {
		t.Fatal(err)
	}

	watermark := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{
		channels: &mockChannels{channels: []database.Channel{
			{ExternalID: "UCtech", Title: "Tech", Watermark: &watermark},
			{ExternalID: "UCother", Title: "Other", ResumePageToken: "page-2"},
		}},
		ingestor:  &mockIngestor{},
		scheduler: &mockScheduler{},
		database:  &mockHealth{status: "healthy"},
	}

	handler := NewHandler(Deps{
		ConfigCache: cc,
		Channels:    env.channels,
		Ingestor:    env.ingestor,
		Scheduler:   env.scheduler,
		Quota:       ledger,
		Outbox:      &mockBacklog{pending: 4},
		Database:    env.database,
	})
	env.router = NewServer(handler, testAPIKey)
	return env
}

func (e *testEnv) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authorized {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthReportsBacklogAndConfigs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := decode(t, w)
	if body["outbox_backlog"] != float64(4) {
		t.Errorf("Expected outbox_backlog 4, got %v", body["outbox_backlog"])
	}
	if body["loaded_configurations"] != float64(1) {
		t.Errorf("Expected 1 loaded configuration, got %v", body["loaded_configurations"])
	}
	if body["channels"] != float64(2) {
		t.Errorf("Expected 2 channels, got %v", body["channels"])
	}
}

func TestHealthUnhealthyDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.database.status = "unhealthy"

	w := env.do(http.MethodGet, "/health", "", false)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/channels", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without key, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 with bearer key, got %d", w.Code)
	}
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(Deps{ConfigCache: channels.NewConfigCache(t.TempDir())})
	router := NewServer(handler, "")

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListChannels(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/channels", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := decode(t, w)
	if body["total"] != float64(2) {
		t.Errorf("Expected total 2, got %v", body["total"])
	}

	list := body["channels"].([]any)
	first := list[0].(map[string]any)
	if first["name"] != "tech" {
		t.Errorf("Expected config name 'tech', got %v", first["name"])
	}
	if first["watermark"] != "2024-05-01T00:00:00Z" {
		t.Errorf("Expected watermark 2024-05-01T00:00:00Z, got %v", first["watermark"])
	}
	second := list[1].(map[string]any)
	if second["resume_page_token"] != "page-2" {
		t.Errorf("Expected resume token page-2, got %v", second["resume_page_token"])
	}
	if _, ok := second["name"]; ok {
		t.Error("Expected no config name for an unconfigured channel")
	}
}

func TestListChannelsDatabaseError(t *testing.T) {
	env := newTestEnv(t)
	env.channels.err = errors.New("db down")

	w := env.do(http.MethodGet, "/api/channels", "", true)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestGetQuota(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/quota", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := decode(t, w)
	if body["total_remaining"] != float64(170) {
		t.Errorf("Expected total_remaining 170, got %v", body["total_remaining"])
	}
	if creds := body["credentials"].([]any); len(creds) != 2 {
		t.Errorf("Expected 2 credentials, got %d", len(creds))
	}
}

func TestTriggerSyncUsesConfigDefaults(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/channels/UCtech/sync", `{"mode":"refresh"}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	if len(env.scheduler.requests) != 1 {
		t.Fatalf("Expected 1 enqueued sync, got %d", len(env.scheduler.requests))
	}
	req := env.scheduler.requests[0]
	if req.Trigger != syncer.TriggerRefresh {
		t.Errorf("Expected refresh trigger, got %s", req.Trigger)
	}
	if req.UserID == nil || *req.UserID != 7 {
		t.Errorf("Expected user id 7 from config, got %v", req.UserID)
	}
	if env.scheduler.names[0] != "tech" {
		t.Errorf("Expected task name 'tech', got %s", env.scheduler.names[0])
	}

	task := decode(t, w)["task"].(map[string]any)
	if task["id"] != "task-1" {
		t.Errorf("Expected task id task-1, got %v", task["id"])
	}
}

func TestTriggerSyncUnconfiguredChannel(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/channels/UCnew/sync", `{"user_id":42}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	req := env.scheduler.requests[0]
	if req.Trigger != syncer.TriggerScheduled {
		t.Errorf("Expected scheduled trigger, got %s", req.Trigger)
	}
	if req.UserID == nil || *req.UserID != 42 {
		t.Errorf("Expected user id 42, got %v", req.UserID)
	}
	if env.scheduler.names[0] != "UCnew" {
		t.Errorf("Expected task name 'UCnew', got %s", env.scheduler.names[0])
	}
}

func TestTriggerSyncWithoutBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/channels/UCtech/sync", "", true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	if env.scheduler.requests[0].Trigger != syncer.TriggerScheduled {
		t.Errorf("Expected scheduled trigger, got %s", env.scheduler.requests[0].Trigger)
	}
}

func TestTriggerSyncRejectsUnknownMode(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/channels/UCtech/sync", `{"mode":"backfill"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if len(env.scheduler.requests) != 0 {
		t.Errorf("Expected no enqueued sync, got %d", len(env.scheduler.requests))
	}
}

func TestTriggerSyncQueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.err = errors.New("task queue is full")

	w := env.do(http.MethodPost, "/api/channels/UCtech/sync", `{}`, true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

const callbackBody = `{
  "channelId": "UCtech",
  "videoId": "vid1",
  "analysisTimestamp": "2024-05-02T10:00:00Z",
  "filteredComments": [
    {"comment_id": "c1", "text_original": "buy now", "author_name": "bot", "like_count": 0, "published_at": "2024-05-01T12:00:00Z", "reason": "spam"}
  ],
  "contentSuggestions": [
    {"comment_id": "c2", "text_original": "do a part two", "author_name": "fan", "like_count": 12, "published_at": "not a date"}
  ]
}`

func TestFilteredCommentsCallback(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.result = ingest.Result{Received: 2, Inserted: 2}

	w := env.do(http.MethodPost, "/api/callbacks/filtered-comments", callbackBody, true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if env.ingestor.videoID != "vid1" {
		t.Errorf("Expected video vid1, got %s", env.ingestor.videoID)
	}
	if env.ingestor.channelID != "UCtech" {
		t.Errorf("Expected channel UCtech, got %s", env.ingestor.channelID)
	}
	if len(env.ingestor.items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(env.ingestor.items))
	}

	filtered := env.ingestor.items[0]
	if filtered.Source != database.CommentSourceFiltered {
		t.Errorf("Expected source filtered, got %s", filtered.Source)
	}
	if filtered.Reason != "spam" {
		t.Errorf("Expected reason spam, got %s", filtered.Reason)
	}
	if !filtered.PublishedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published_at 2024-05-01T12:00:00Z, got %v", filtered.PublishedAt)
	}

	suggestion := env.ingestor.items[1]
	if suggestion.Source != database.CommentSourceSuggestion {
		t.Errorf("Expected source suggestion, got %s", suggestion.Source)
	}
	if suggestion.LikeCount != 12 {
		t.Errorf("Expected like count 12, got %d", suggestion.LikeCount)
	}
	if !suggestion.PublishedAt.IsZero() {
		t.Errorf("Expected zero published_at for an unparsable date, got %v", suggestion.PublishedAt)
	}

	body := decode(t, w)
	if body["received"] != float64(2) || body["inserted"] != float64(2) {
		t.Errorf("Expected received 2 and inserted 2, got %v and %v", body["received"], body["inserted"])
	}
}

func TestFilteredCommentsCallbackErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		expected int
	}{
		{"malformed json", `{"videoId":`, nil, http.StatusBadRequest},
		{"missing video", `{"channelId":"UCtech"}`, nil, http.StatusBadRequest},
		{"unknown video", callbackBody, fmt.Errorf("%w: vid1", ingest.ErrUnknownVideo), http.StatusNotFound},
		{"channel mismatch", callbackBody, fmt.Errorf("%w: vid1 is not in UCtech", ingest.ErrChannelMismatch), http.StatusConflict},
		{"invalid item", callbackBody, fmt.Errorf("%w: item 0 has no comment id", ingest.ErrInvalidItem), http.StatusBadRequest},
		{"database error", callbackBody, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ingestor.err = tt.err

			w := env.do(http.MethodPost, "/api/callbacks/filtered-comments", tt.body, true)
			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}
