package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Kind string

const (
	KindChannel   Kind = "channel"
	KindVideo     Kind = "video"
	KindAgentTask Kind = "agent_task"
)

// AgentQueueKey is the list the analysis agent pops tasks from.
const AgentQueueKey = "profiling_agent:tasks:queue"

var ErrInvalidFact = errors.New("invalid cache fact")

type ChannelFact struct {
	ExternalID   string `json:"id"`
	UserID       *int64 `json:"user_id,omitempty"`
	Title        string `json:"title"`
	Handle       string `json:"handle"`
	ThumbnailURL string `json:"thumbnail"`
}

type VideoFact struct {
	ExternalID        string    `json:"id"`
	ChannelExternalID string    `json:"channel_id"`
	Title             string    `json:"title"`
	ThumbnailURL      string    `json:"thumbnail"`
	PublishedAt       time.Time `json:"published_at"`
}

// AgentTaskFact hands newly stored videos to the analysis agent. Its JSON
// form is the queue payload.
type AgentTaskFact struct {
	TaskID    string    `json:"taskId"`
	ChannelID string    `json:"channelId"`
	VideoIDs  []string  `json:"videoIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fact says that the cache-relevant fields of one channel or video are now
// as given, or carries an agent task. Exactly one payload is set, matching
// Kind. Watermark orders facts about the same entity.
type Fact struct {
	Kind      Kind           `json:"kind"`
	Watermark int64          `json:"watermark"`
	Channel   *ChannelFact   `json:"channel,omitempty"`
	Video     *VideoFact     `json:"video,omitempty"`
	AgentTask *AgentTaskFact `json:"agent_task,omitempty"`
}

func NewChannelFact(c ChannelFact, observedAt time.Time) Fact {
	return Fact{Kind: KindChannel, Watermark: observedAt.UnixNano(), Channel: &c}
}

func NewVideoFact(v VideoFact, observedAt time.Time) Fact {
	v.PublishedAt = v.PublishedAt.UTC()
	return Fact{Kind: KindVideo, Watermark: observedAt.UnixNano(), Video: &v}
}

func NewAgentTaskFact(a AgentTaskFact) Fact {
	a.CreatedAt = a.CreatedAt.UTC()
	return Fact{Kind: KindAgentTask, Watermark: a.CreatedAt.UnixNano(), AgentTask: &a}
}

// EntityKey is the cache hash key the fact targets.
func (f Fact) EntityKey() string {
	switch f.Kind {
	case KindChannel:
		if f.Channel != nil {
			return ChannelKey(f.Channel.ExternalID)
		}
	case KindVideo:
		if f.Video != nil {
			return VideoKey(f.Video.ExternalID)
		}
	case KindAgentTask:
		if f.AgentTask != nil {
			return AgentTaskKey(f.AgentTask.TaskID)
		}
	}
	return ""
}

func (f Fact) Validate() error {
	if f.Watermark < 0 {
		return fmt.Errorf("%w: negative watermark %d", ErrInvalidFact, f.Watermark)
	}

	switch f.Kind {
	case KindChannel, KindVideo, KindAgentTask:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFact, f.Kind)
	}

	payloads := 0
	for _, set := range []bool{f.Channel != nil, f.Video != nil, f.AgentTask != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: %s fact must carry exactly one payload", ErrInvalidFact, f.Kind)
	}

	switch f.Kind {
	case KindChannel:
		if f.Channel == nil {
			return fmt.Errorf("%w: channel fact is missing its channel", ErrInvalidFact)
		}
		if f.Channel.ExternalID == "" {
			return fmt.Errorf("%w: channel id is empty", ErrInvalidFact)
		}
	case KindVideo:
		if f.Video == nil {
			return fmt.Errorf("%w: video fact is missing its video", ErrInvalidFact)
		}
		if f.Video.ExternalID == "" || f.Video.ChannelExternalID == "" {
			return fmt.Errorf("%w: video and channel ids are required", ErrInvalidFact)
		}
	case KindAgentTask:
		a := f.AgentTask
		if a == nil {
			return fmt.Errorf("%w: agent task fact is missing its task", ErrInvalidFact)
		}
		if a.TaskID == "" || a.ChannelID == "" || len(a.VideoIDs) == 0 {
			return fmt.Errorf("%w: agent task needs an id, a channel and videos", ErrInvalidFact)
		}
	}

	return nil
}

func (f Fact) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fact: %w", err)
	}
	return data, nil
}

func DecodeFact(data []byte) (Fact, error) {
	var f Fact
	if err := json.Unmarshal(data, &f); err != nil {
		return Fact{}, fmt.Errorf("failed to decode fact: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fact{}, err
	}
	return f, nil
}

func ChannelKey(externalID string) string {
	return "channel:" + externalID
}

func VideoKey(externalID string) string {
	return "video:" + externalID
}

func ChannelVideosKey(channelExternalID string) string {
	return "channel:" + channelExternalID + ":videos"
}

const (
	userChannelsPrefix = "user:"
	userChannelsSuffix = ":channels"
)

func UserChannelsKey(userID int64) string {
	return userChannelsPrefix + strconv.FormatInt(userID, 10) + userChannelsSuffix
}

// AgentTaskKey marks a task id as already pushed to the agent queue.
func AgentTaskKey(taskID string) string {
	return "profiling_agent:tasks:seen:" + taskID
}

func QuotaKey(credentialID string) string {
	return "quota:" + credentialID
}
