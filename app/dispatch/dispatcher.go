package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/tube-comb/app/cache"
	"github.com/lysyi3m/tube-comb/app/database"
)

var ErrBatchClosed = errors.New("batch is no longer open")

// Applier delivers one fact to the cache.
type Applier interface {
	Apply(ctx context.Context, f cache.Fact) (bool, error)
}

type Options struct {
	Lease     time.Duration // how long a claimed row stays invisible to other relays
	RetryBase time.Duration
	RetryMax  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Lease:     30 * time.Second,
		RetryBase: time.Second,
		RetryMax:  5 * time.Minute,
	}
}

// Dispatcher couples cache facts to database transactions through the
// cache_outbox table. Facts reach the Applier only after their transaction
// commits, and anything not acknowledged is picked up again by Drain.
type Dispatcher struct {
	db      *database.DB
	outbox  database.OutboxStore
	applier Applier
	opts    Options
	now     func() time.Time
}

func NewDispatcher(db *database.DB, applier Applier, opts Options) *Dispatcher {
	return &Dispatcher{
		db:      db,
		outbox:  database.NewOutboxRepository(db),
		applier: applier,
		opts:    opts,
		now:     time.Now,
	}
}

// Begin opens a batch bound to tx. The caller must Release it after commit
// or Discard it after rollback.
func (d *Dispatcher) Begin(tx *database.Tx) *Batch {
	return &Batch{d: d, tx: tx, state: batchOpen}
}

// InTx runs fn inside a transaction with a fresh batch, then releases the
// batch if the transaction committed and discards it otherwise. Delivery
// errors are logged, not returned; the rows stay in the outbox for Drain.
func (d *Dispatcher) InTx(ctx context.Context, fn func(tx *database.Tx, b *Batch) error) error {
	var batch *Batch

	err := d.db.InTx(ctx, func(tx *database.Tx) error {
		batch = d.Begin(tx)
		return fn(tx, batch)
	})
	if err != nil {
		if batch != nil {
			batch.Discard()
		}
		return err
	}

	if _, err := batch.Release(ctx); err != nil {
		slog.Warn("Cache delivery deferred to relay", "error", err)
	}

	return nil
}

type DrainResult struct {
	Claimed   int
	Delivered int
	Failed    int
	Dropped   int
}

// Drain redelivers up to limit outbox rows that were committed but never
// acknowledged.
func (d *Dispatcher) Drain(ctx context.Context, limit int) (DrainResult, error) {
	var result DrainResult

	records, err := d.outbox.Claim(ctx, limit, d.opts.Lease)
	if err != nil {
		return result, err
	}
	result.Claimed = len(records)

	var delivered []int64
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			break
		}

		f, err := cache.DecodeFact(rec.Payload)
		if err != nil {
			slog.Error("Dropping undecodable outbox record", "id", rec.ID, "key", rec.EntityKey, "error", err)
			delivered = append(delivered, rec.ID)
			result.Dropped++
			continue
		}

		if _, err := d.applier.Apply(ctx, f); err != nil {
			result.Failed++
			retryAt := d.now().Add(d.retryDelay(rec.Attempts))
			if ferr := d.outbox.Fail(ctx, rec.ID, retryAt, err.Error()); ferr != nil {
				slog.Error("Failed to reschedule outbox record", "id", rec.ID, "error", ferr)
			}
			continue
		}

		delivered = append(delivered, rec.ID)
		result.Delivered++
	}

	if err := d.ack(ctx, delivered); err != nil {
		return result, err
	}

	return result, nil
}

func (d *Dispatcher) Pending(ctx context.Context) (int, error) {
	return d.outbox.Count(ctx)
}

func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.opts.RetryBase
	for i := 1; i < attempts && delay < d.opts.RetryMax; i++ {
		delay *= 2
	}
	return min(delay, d.opts.RetryMax)
}

func (d *Dispatcher) ack(ctx context.Context, ids []int64) error {
	if err := d.outbox.Ack(ctx, ids); err != nil {
		return fmt.Errorf("failed to acknowledge delivered facts: %w", err)
	}
	return nil
}
