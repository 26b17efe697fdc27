package syncer

import (
	"errors"
	"time"
)

var (
	// ErrSessionDeferred means every credential is exhausted or cooling
	// down. Nothing past the last committed page was lost.
	ErrSessionDeferred = errors.New("sync session deferred: no credential available")

	ErrSessionInProgress = errors.New("sync session already running for channel")
)

type Mode string

const (
	ModeFirstSync   Mode = "FIRST_SYNC"
	ModeFollowUp    Mode = "FOLLOW_UP"
	ModeRefreshOnly Mode = "REFRESH_ONLY"
)

type State string

const (
	StateSelectingMode State = "SELECTING_MODE"
	StateFetching      State = "FETCHING"
	StateReconciling   State = "RECONCILING"
	StateDispatching   State = "DISPATCHING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRefresh   Trigger = "refresh"
)

type Request struct {
	ChannelExternalID string
	UserID            *int64
	Trigger           Trigger
}

// Result describes one session. On failure it still reports the watermark
// and resume cursor the session left behind.
type Result struct {
	ChannelExternalID string
	Mode              Mode
	State             State
	PagesFetched      int
	VideosSeen        int
	VideosChanged     int
	CommentsInserted  int
	Facts             int // cache-change facts, not agent tasks
	AgentTasks        int
	CapReached        bool
	Skipped           bool // follow-up skipped after the feed check
	Watermark         *time.Time
	ResumeToken       string
	Err               error
}

// Limits bound how much one session imports. Zero means unlimited.
type Limits struct {
	MaxVideosInitial int
	MaxVideosPerRun  int
	CommentsPerVideo int
}
