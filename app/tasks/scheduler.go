package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/syncer"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Options struct {
	Interval    time.Duration
	WorkerCount int
	QueueSize   int
	TaskTimeout time.Duration
	OutboxBatch int
}

func DefaultOptions() Options {
	return Options{
		Interval:    30 * time.Second,
		WorkerCount: 5,
		QueueSize:   300,
		TaskTimeout: 5 * time.Minute,
		OutboxBatch: 100,
	}
}

type Stats struct {
	Workers       int `json:"workers"`
	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
	Scheduled     int `json:"scheduled"`
}

type Scheduler struct {
	configCache *channels.ConfigCache
	channels    ChannelLookup
	syncer      Syncer
	relay       Relay
	ledger      QuotaLedger
	quotaStore  QuotaSaver
	opts        Options
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface

	mu     sync.Mutex
	queued map[string]bool
}

func NewScheduler(configCache *channels.ConfigCache, channelLookup ChannelLookup, s Syncer,
	relay Relay, ledger QuotaLedger, quotaStore QuotaSaver, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	defaults := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = defaults.WorkerCount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaults.TaskTimeout
	}
	if opts.OutboxBatch <= 0 {
		opts.OutboxBatch = defaults.OutboxBatch
	}

	return &Scheduler{
		configCache: configCache,
		channels:    channelLookup,
		syncer:      s,
		relay:       relay,
		ledger:      ledger,
		quotaStore:  quotaStore,
		opts:        opts,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, opts.QueueSize),
		queued:      make(map[string]bool),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.enqueueTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	close(s.taskQueue)
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// EnqueueSync queues an on-demand session and returns the task id.
func (s *Scheduler) EnqueueSync(name string, req syncer.Request) (string, error) {
	task := NewSyncChannelTask(name, req, s.syncer)
	if err := s.EnqueueTask(task); err != nil {
		return "", err
	}
	slog.Info("Sync task enqueued", "channel", name, "trigger", req.Trigger, "id", task.GetID())
	return task.GetID(), nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	scheduled := len(s.queued)
	s.mu.Unlock()

	return Stats{
		Workers:       s.opts.WorkerCount,
		QueueLength:   len(s.taskQueue),
		QueueCapacity: cap(s.taskQueue),
		Scheduled:     scheduled,
	}
}

func (s *Scheduler) enqueueTasks() {
	configs := s.configCache.GetEnabledConfigs()
	if len(configs) == 0 {
		slog.Debug("No enabled channel configurations found")
	} else {
		slog.Debug("Processing enabled channel configurations for task scheduling", "count", len(configs))
	}

	now := s.now().UTC()
	for name, config := range configs {
		if !s.isDue(config, now) {
			continue
		}

		req := syncer.Request{
			ChannelExternalID: config.ChannelID,
			UserID:            config.UserID,
			Trigger:           syncer.TriggerScheduled,
		}
		s.enqueueOnce(NewSyncChannelTask(name, req, s.syncer))
	}

	if s.relay != nil {
		s.enqueueOnce(NewRelayOutboxTask(s.relay, s.opts.OutboxBatch))
	}
	if s.ledger != nil && s.quotaStore != nil {
		s.enqueueOnce(NewPersistQuotaTask(s.ledger, s.quotaStore))
	}
}

func (s *Scheduler) isDue(config *channels.Config, now time.Time) bool {
	stored, err := s.channels.GetByExternalID(s.ctx, config.ChannelID)
	if err != nil {
		slog.Warn("Failed to get channel from database, skipping", "channel", config.Name, "error", err)
		return false
	}
	if stored == nil {
		return true
	}
	// An interrupted pass resumes on the next tick regardless of interval.
	if stored.ResumePageToken != "" {
		return true
	}
	if !config.IsDue(stored.LastSyncedAt, now) {
		slog.Debug("Channel not due for sync yet", "channel", config.Name, "last_synced_at", stored.LastSyncedAt)
		return false
	}
	return true
}

func (s *Scheduler) enqueueOnce(task TaskInterface) {
	key := task.GetKey()

	s.mu.Lock()
	if s.queued[key] {
		s.mu.Unlock()
		slog.Debug("Task already queued, skipping", "type", string(task.GetType()), "key", key, "channel", task.GetChannelName())
		return
	}
	s.queued[key] = true
	s.mu.Unlock()

	if err := s.EnqueueTask(task); err != nil {
		s.forget(task)
		slog.Warn("Failed to enqueue task", "type", string(task.GetType()), "channel", task.GetChannelName(), "error", err)
	}
}

func (s *Scheduler) forget(task TaskInterface) {
	s.mu.Lock()
	delete(s.queued, task.GetKey())
	s.mu.Unlock()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task, ok := <-s.taskQueue:
			if !ok {
				return
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.opts.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		s.forget(task)
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if errors.Is(err, ErrNoRetry) || !task.CanRetry() {
		s.forget(task)
		slog.Error("Task failed, giving up", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := task.RetryDelay()

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "channel", task.GetChannelName(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(retryDelay):
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			return
		}
		if retryErr := s.EnqueueTask(task); retryErr != nil {
			s.forget(task)
			slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
		}
	}()
}
