package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type PersistQuotaTask struct {
	Task
	ledger QuotaLedger
	store  QuotaSaver
}

func NewPersistQuotaTask(ledger QuotaLedger, store QuotaSaver) *PersistQuotaTask {
	return &PersistQuotaTask{
		Task:   NewTask(TaskTypePersistQuota),
		ledger: ledger,
		store:  store,
	}
}

func (t *PersistQuotaTask) Execute(ctx context.Context) error {
	if reset := t.ledger.ResetElapsed(time.Now()); reset > 0 {
		slog.Info("Quota epoch rolled over", "credentials", reset)
	}

	states := t.ledger.Snapshot()
	if err := t.store.SaveQuota(ctx, states); err != nil {
		return fmt.Errorf("failed to persist quota: %w", err)
	}

	slog.Debug("Task completed", "type", string(t.Type), "credentials", len(states), "duration", t.GetDuration())
	return nil
}
