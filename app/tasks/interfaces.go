package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/dispatch"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/syncer"
)

// TaskSchedulerInterface is what main and the API use to drive background
// work.
//
//	scheduler := NewScheduler(configCache, channelStore, orchestrator, dispatcher, ledger, quotaStore, opts)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueSync(name, syncer.Request{...})
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	EnqueueSync(name string, req syncer.Request) (string, error)
	Stats() Stats
}

type Syncer interface {
	Sync(ctx context.Context, req syncer.Request) (syncer.Result, error)
}

type Relay interface {
	Drain(ctx context.Context, limit int) (dispatch.DrainResult, error)
}

type QuotaLedger interface {
	Snapshot() []quota.State
	ResetElapsed(now time.Time) int
}

type QuotaSaver interface {
	SaveQuota(ctx context.Context, states []quota.State) error
}

type ChannelLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*database.Channel, error)
}
