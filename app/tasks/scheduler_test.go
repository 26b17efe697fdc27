package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/dispatch"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/syncer"
	"github.com/lysyi3m/tube-comb/app/youtube"
)

type mockSyncer struct {
	mu       sync.Mutex
	requests []syncer.Request
	result   syncer.Result
	err      error
}

func (m *mockSyncer) Sync(_ context.Context, req syncer.Request) (syncer.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.result, m.err
}

type mockRelay struct {
	results []dispatch.DrainResult
	calls   int
	err     error
}

func (m *mockRelay) Drain(_ context.Context, limit int) (dispatch.DrainResult, error) {
	if m.err != nil {
		return dispatch.DrainResult{}, m.err
	}
	if m.calls >= len(m.results) {
		m.calls++
		return dispatch.DrainResult{}, nil
	}
	res := m.results[m.calls]
	m.calls++
	return res, nil
}

type mockChannelLookup struct {
	channels map[string]*database.Channel
	err      error
}

func (m *mockChannelLookup) GetByExternalID(_ context.Context, externalID string) (*database.Channel, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.channels[externalID], nil
}

type mockQuotaSaver struct {
	saved []quota.State
	err   error
}

func (m *mockQuotaSaver) SaveQuota(_ context.Context, states []quota.State) error {
	if m.err != nil {
		return m.err
	}
	m.saved = states
	return nil
}

type failingTask struct {
	Task
	err   error
	calls int
}

func (f *failingTask) Execute(context.Context) error {
	f.calls++
	return f.err
}

func newConfigCache(t *testing.T, configs map[string]string) *channels.ConfigCache {
	t.Helper()
	dir := t.TempDir()
	for name, content := range configs {
		if err := os.WriteFile(filepath.Join(dir, name+".yml"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cc := channels.NewConfigCache(dir)
	if err := cc.Run(); err != nil {
		t.Fatal(err)
	}
	return cc
}

func newTestScheduler(t *testing.T, cc *channels.ConfigCache, lookup ChannelLookup, opts Options) *Scheduler {
	t.Helper()
	ledger := quota.NewLedger([]string{"key-1"}, 100, quota.PacificEpoch())
	s := NewScheduler(cc, lookup, &mockSyncer{}, &mockRelay{}, ledger, &mockQuotaSaver{}, opts)
	t.Cleanup(s.Stop)
	return s
}

func drainQueue(s *Scheduler) []TaskInterface {
	var out []TaskInterface
	for {
		select {
		case task := <-s.taskQueue:
			out = append(out, task)
		default:
			return out
		}
	}
}

func TestEnqueueTaskQueueFull(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{QueueSize: 1})

	if err := s.EnqueueTask(&failingTask{Task: NewTask(TaskTypeRelayOutbox)}); err != nil {
		t.Fatalf("Expected first enqueue to succeed, got %v", err)
	}
	if err := s.EnqueueTask(&failingTask{Task: NewTask(TaskTypeRelayOutbox)}); err == nil {
		t.Error("Expected error on full queue")
	}
}

func TestEnqueueSyncReturnsTaskID(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	id, err := s.EnqueueSync("tech", syncer.Request{ChannelExternalID: "UCtech", Trigger: syncer.TriggerRefresh})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("Expected non-empty task id")
	}

	queued := drainQueue(s)
	if len(queued) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(queued))
	}
	task, ok := queued[0].(*SyncChannelTask)
	if !ok {
		t.Fatalf("Expected *SyncChannelTask, got %T", queued[0])
	}
	if task.Request.Trigger != syncer.TriggerRefresh {
		t.Errorf("Expected refresh trigger, got %s", task.Request.Trigger)
	}
}

func TestEnqueueTasksSchedulesDueChannels(t *testing.T) {
	cc := newConfigCache(t, map[string]string{
		"fresh":       "channel_id: UCfresh\nsettings:\n  sync_interval: 3600\n",
		"stale":       "channel_id: UCstale\nsettings:\n  sync_interval: 60\n",
		"interrupted": "channel_id: UCinterrupted\nsettings:\n  sync_interval: 3600\n",
		"unknown":     "channel_id: UCunknown\n",
		"disabled":    "channel_id: UCdisabled\nsettings:\n  enabled: false\n",
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Minute)
	lookup := &mockChannelLookup{channels: map[string]*database.Channel{
		"UCfresh":       {ExternalID: "UCfresh", LastSyncedAt: &recent},
		"UCstale":       {ExternalID: "UCstale", LastSyncedAt: &recent},
		"UCinterrupted": {ExternalID: "UCinterrupted", LastSyncedAt: &recent, ResumePageToken: "page-3"},
	}}

	s := newTestScheduler(t, cc, lookup, Options{})
	s.now = func() time.Time { return now }

	s.enqueueTasks()

	synced := map[string]bool{}
	var relays, persists int
	for _, task := range drainQueue(s) {
		switch task.GetType() {
		case TaskTypeSyncChannel:
			synced[task.(*SyncChannelTask).Request.ChannelExternalID] = true
		case TaskTypeRelayOutbox:
			relays++
		case TaskTypePersistQuota:
			persists++
		}
	}

	for _, id := range []string{"UCstale", "UCinterrupted", "UCunknown"} {
		if !synced[id] {
			t.Errorf("Expected %s to be scheduled", id)
		}
	}
	for _, id := range []string{"UCfresh", "UCdisabled"} {
		if synced[id] {
			t.Errorf("Expected %s not to be scheduled", id)
		}
	}
	if relays != 1 {
		t.Errorf("Expected 1 relay task, got %d", relays)
	}
	if persists != 1 {
		t.Errorf("Expected 1 persist task, got %d", persists)
	}
}

func TestEnqueueTasksSkipsAlreadyQueued(t *testing.T) {
	cc := newConfigCache(t, map[string]string{
		"tech": "channel_id: UCtech\n",
	})
	s := newTestScheduler(t, cc, &mockChannelLookup{}, Options{})

	s.enqueueTasks()
	s.enqueueTasks()

	queued := drainQueue(s)
	if len(queued) != 3 {
		t.Errorf("Expected 3 queued tasks, got %d", len(queued))
	}
	if stats := s.Stats(); stats.Scheduled != 3 {
		t.Errorf("Expected 3 scheduled keys, got %d", stats.Scheduled)
	}
}

func TestEnqueueTasksSkipsChannelOnLookupError(t *testing.T) {
	cc := newConfigCache(t, map[string]string{
		"tech": "channel_id: UCtech\n",
	})
	s := newTestScheduler(t, cc, &mockChannelLookup{err: errors.New("db down")}, Options{})

	s.enqueueTasks()

	for _, task := range drainQueue(s) {
		if task.GetType() == TaskTypeSyncChannel {
			t.Error("Expected no sync task when lookup fails")
		}
	}
}

func TestExecuteTaskForgetsCompletedTask(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	task := &failingTask{Task: NewTask(TaskTypeRelayOutbox)}
	s.enqueueOnce(task)
	drainQueue(s)

	s.executeTask(0, task)

	if task.calls != 1 {
		t.Errorf("Expected 1 call, got %d", task.calls)
	}
	if stats := s.Stats(); stats.Scheduled != 0 {
		t.Errorf("Expected no scheduled keys, got %d", stats.Scheduled)
	}
}

func TestExecuteTaskDoesNotRetryNoRetryErrors(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	task := &failingTask{
		Task: NewChannelTask(TaskTypeSyncChannel, "tech", "UCtech"),
		err:  fmt.Errorf("%w: channel gone", ErrNoRetry),
	}
	s.enqueueOnce(task)
	drainQueue(s)

	s.executeTask(0, task)

	if task.GetRetryCount() != 0 {
		t.Errorf("Expected retry count 0, got %d", task.GetRetryCount())
	}
	if stats := s.Stats(); stats.Scheduled != 0 {
		t.Errorf("Expected no scheduled keys, got %d", stats.Scheduled)
	}
}

func TestExecuteTaskSchedulesRetry(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	task := &failingTask{
		Task: NewChannelTask(TaskTypeSyncChannel, "tech", "UCtech"),
		err:  errors.New("temporary"),
	}
	s.enqueueOnce(task)
	drainQueue(s)

	s.executeTask(0, task)

	if task.GetRetryCount() != 1 {
		t.Errorf("Expected retry count 1, got %d", task.GetRetryCount())
	}
	if stats := s.Stats(); stats.Scheduled != 1 {
		t.Errorf("Expected task to stay scheduled while retrying, got %d", stats.Scheduled)
	}
}

func TestExecuteTaskGivesUpAfterMaxRetries(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	task := &failingTask{
		Task: NewChannelTask(TaskTypeSyncChannel, "tech", "UCtech"),
		err:  errors.New("temporary"),
	}
	task.RetryCount = task.MaxRetries

	s.executeTask(0, task)

	if task.GetRetryCount() != task.MaxRetries {
		t.Errorf("Expected retry count to stay at %d, got %d", task.MaxRetries, task.GetRetryCount())
	}
}

func TestRetryDelayFor(t *testing.T) {
	tests := []struct {
		retries  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := retryDelayFor(tt.retries); got != tt.expected {
			t.Errorf("retryDelayFor(%d): expected %v, got %v", tt.retries, tt.expected, got)
		}
	}
}

func TestChannelTasksKeyedByChannelID(t *testing.T) {
	s := newTestScheduler(t, channels.NewConfigCache(t.TempDir()), &mockChannelLookup{}, Options{})

	first := NewSyncChannelTask("tech", syncer.Request{ChannelExternalID: "UCtech"}, s.syncer)
	alias := NewSyncChannelTask("tech-alias", syncer.Request{ChannelExternalID: "UCtech"}, s.syncer)
	other := NewSyncChannelTask("news", syncer.Request{ChannelExternalID: "UCnews"}, s.syncer)

	if first.GetKey() != "sync_channel:UCtech" {
		t.Errorf("Expected key sync_channel:UCtech, got %s", first.GetKey())
	}
	if first.GetID() == alias.GetID() {
		t.Error("Expected distinct task ids")
	}

	s.enqueueOnce(first)
	s.enqueueOnce(alias)
	s.enqueueOnce(other)

	if stats := s.Stats(); stats.Scheduled != 2 || stats.QueueLength != 2 {
		t.Errorf("Expected 2 scheduled tasks, got %d scheduled and %d queued", stats.Scheduled, stats.QueueLength)
	}
}

func TestTaskRetryDelayFollowsRetryCount(t *testing.T) {
	task := NewTask(TaskTypeRelayOutbox)
	if task.Key != string(TaskTypeRelayOutbox) {
		t.Errorf("Expected maintenance key %s, got %s", TaskTypeRelayOutbox, task.Key)
	}

	task.IncrementRetryCount()
	task.IncrementRetryCount()
	if got := task.RetryDelay(); got != 2*time.Second {
		t.Errorf("Expected 2s after two retries, got %v", got)
	}
}

func TestSyncChannelTaskErrorHandling(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		wantRetry bool
	}{
		{"success", nil, false, false},
		{"deferred", fmt.Errorf("%w: playlistItems.list", syncer.ErrSessionDeferred), false, false},
		{"in progress", syncer.ErrSessionInProgress, false, false},
		{"permanent", &youtube.FetchError{Kind: youtube.KindPermanent, Op: "channels.list"}, true, false},
		{"transient", &youtube.FetchError{Kind: youtube.KindTransient, Op: "playlistItems.list"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSyncer{err: tt.err}
			task := NewSyncChannelTask("tech", syncer.Request{ChannelExternalID: "UCtech"}, s)

			err := task.Execute(context.Background())

			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil && errors.Is(err, ErrNoRetry) == tt.wantRetry {
				t.Errorf("Expected retryable %v, got %v", tt.wantRetry, !errors.Is(err, ErrNoRetry))
			}
			if len(s.requests) != 1 || s.requests[0].ChannelExternalID != "UCtech" {
				t.Errorf("Expected one request for UCtech, got %+v", s.requests)
			}
		})
	}
}

func TestSyncChannelTaskCancelledContext(t *testing.T) {
	s := &mockSyncer{}
	task := NewSyncChannelTask("tech", syncer.Request{ChannelExternalID: "UCtech"}, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := task.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(s.requests) != 0 {
		t.Errorf("Expected no sync calls, got %d", len(s.requests))
	}
}

func TestRelayOutboxTaskDrainsUntilShortBatch(t *testing.T) {
	relay := &mockRelay{results: []dispatch.DrainResult{
		{Claimed: 10, Delivered: 10},
		{Claimed: 10, Delivered: 10},
		{Claimed: 3, Delivered: 3},
	}}
	task := NewRelayOutboxTask(relay, 10)

	if err := task.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if relay.calls != 3 {
		t.Errorf("Expected 3 drain calls, got %d", relay.calls)
	}
}

func TestRelayOutboxTaskStopsOnFailures(t *testing.T) {
	relay := &mockRelay{results: []dispatch.DrainResult{
		{Claimed: 10, Delivered: 4, Failed: 6},
		{Claimed: 10, Delivered: 10},
	}}
	task := NewRelayOutboxTask(relay, 10)

	if err := task.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if relay.calls != 1 {
		t.Errorf("Expected 1 drain call, got %d", relay.calls)
	}
}

func TestRelayOutboxTaskReturnsDrainError(t *testing.T) {
	task := NewRelayOutboxTask(&mockRelay{err: errors.New("db down")}, 10)

	if err := task.Execute(context.Background()); err == nil {
		t.Error("Expected error from drain")
	}
}

func TestPersistQuotaTaskSavesSnapshot(t *testing.T) {
	ledger := quota.NewLedger([]string{"key-1", "key-2"}, 100, quota.PacificEpoch())
	if _, err := ledger.Charge("key-1", 40); err != nil {
		t.Fatal(err)
	}
	store := &mockQuotaSaver{}

	if err := NewPersistQuotaTask(ledger, store).Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(store.saved) != 2 {
		t.Fatalf("Expected 2 saved states, got %d", len(store.saved))
	}
	remaining := map[string]int{}
	for _, st := range store.saved {
		remaining[st.CredentialID] = st.Remaining
	}
	if remaining["key-1"] != 60 {
		t.Errorf("Expected key-1 remaining 60, got %d", remaining["key-1"])
	}
	if remaining["key-2"] != 100 {
		t.Errorf("Expected key-2 remaining 100, got %d", remaining["key-2"])
	}
}

func TestPersistQuotaTaskReturnsStoreError(t *testing.T) {
	ledger := quota.NewLedger([]string{"key-1"}, 100, quota.PacificEpoch())
	task := NewPersistQuotaTask(ledger, &mockQuotaSaver{err: errors.New("redis down")})

	if err := task.Execute(context.Background()); err == nil {
		t.Error("Expected error from store")
	}
}
