package tasks

import (
	"context"
	"fmt"
	"log/slog"
)

// maxRelayRounds bounds one task run so a large backlog cannot starve the
// workers.
const maxRelayRounds = 10

type RelayOutboxTask struct {
	Task
	relay     Relay
	batchSize int
}

func NewRelayOutboxTask(relay Relay, batchSize int) *RelayOutboxTask {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RelayOutboxTask{
		Task:      NewTask(TaskTypeRelayOutbox),
		relay:     relay,
		batchSize: batchSize,
	}
}

func (t *RelayOutboxTask) Execute(ctx context.Context) error {
	var claimed, delivered, failed, dropped int

	for round := 0; round < maxRelayRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := t.relay.Drain(ctx, t.batchSize)
		if err != nil {
			return fmt.Errorf("failed to drain outbox: %w", err)
		}

		claimed += res.Claimed
		delivered += res.Delivered
		failed += res.Failed
		dropped += res.Dropped

		if res.Claimed < t.batchSize || res.Failed > 0 {
			break
		}
	}

	if claimed > 0 {
		slog.Info("Task completed",
			"type", string(t.Type),
			"claimed", claimed,
			"delivered", delivered,
			"failed", failed,
			"dropped", dropped,
			"duration", t.GetDuration())
	}

	return nil
}
