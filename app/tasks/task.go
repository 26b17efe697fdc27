package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeSyncChannel  TaskType = "sync_channel"
	TaskTypeRelayOutbox  TaskType = "relay_outbox"
	TaskTypePersistQuota TaskType = "persist_quota"
)

const (
	DefaultMaxRetries = 3
	maxRetryDelay     = 30 * time.Second
)

// ErrNoRetry marks a task failure that another attempt cannot fix.
var ErrNoRetry = errors.New("task failure is not retryable")

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetKey() string
	GetChannelName() string
	GetRetryCount() int
	GetMaxRetries() int
	IncrementRetryCount()
	CanRetry() bool
	RetryDelay() time.Duration
	Start()
	GetDuration() time.Duration
}

// Task is the bookkeeping shared by every task. Key identifies the work: the
// scheduler holds at most one queued task per key, so two configs naming the
// same YouTube channel share one sync.
type Task struct {
	ID          string
	Type        TaskType
	Key         string
	ChannelName string
	ChannelID   string
	RetryCount  int
	MaxRetries  int
	StartedAt   *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetKey() string {
	return t.Key
}

func (t *Task) GetChannelName() string {
	return t.ChannelName
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) IncrementRetryCount() {
	t.RetryCount++
}

func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// RetryDelay doubles from one second per retry, capped at 30 seconds.
func (t *Task) RetryDelay() time.Duration {
	return retryDelayFor(t.RetryCount)
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

// NewTask builds a maintenance task; one runs per type at a time.
func NewTask(taskType TaskType) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Key:        string(taskType),
		MaxRetries: DefaultMaxRetries,
	}
}

// NewChannelTask builds a task for one YouTube channel, keyed by the
// channel id rather than the config name.
func NewChannelTask(taskType TaskType, channelName, channelID string) Task {
	t := NewTask(taskType)
	t.Key = string(taskType) + ":" + channelID
	t.ChannelName = channelName
	t.ChannelID = channelID
	return t
}

func retryDelayFor(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := time.Duration(1<<uint(retryCount-1)) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
