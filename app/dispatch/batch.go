package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lysyi3m/tube-comb/app/cache"
	"github.com/lysyi3m/tube-comb/app/database"
)

type batchState int

const (
	batchOpen batchState = iota
	batchReleased
	batchDiscarded
)

type queued struct {
	outboxID int64
	fact     cache.Fact
}

// Batch buffers the facts written by one transaction.
type Batch struct {
	d  *Dispatcher
	tx *database.Tx

	mu    sync.Mutex
	state batchState
	facts []queued
}

// Enqueue persists f to the outbox through the batch's transaction and
// buffers it for release.
func (b *Batch) Enqueue(ctx context.Context, f cache.Fact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != batchOpen {
		return ErrBatchClosed
	}

	payload, err := f.Encode()
	if err != nil {
		return err
	}

	id, err := b.tx.Outbox.Append(ctx, database.OutboxRecord{
		Kind:      string(f.Kind),
		EntityKey: f.EntityKey(),
		Watermark: f.Watermark,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	b.facts = append(b.facts, queued{outboxID: id, fact: f})
	return nil
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.facts)
}

// Release delivers the buffered facts and acknowledges the ones the cache
// accepted. It must be called once, after commit. Facts that fail stay in
// the outbox.
func (b *Batch) Release(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.state != batchOpen {
		b.mu.Unlock()
		return 0, ErrBatchClosed
	}
	b.state = batchReleased
	facts := b.facts
	b.facts = nil
	b.mu.Unlock()

	var errs []error
	var delivered []int64
	for _, q := range facts {
		if _, err := b.d.applier.Apply(ctx, q.fact); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = append(delivered, q.outboxID)
	}

	if err := b.d.ack(ctx, delivered); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return len(delivered), fmt.Errorf("%d of %d facts not delivered: %w", len(facts)-len(delivered), len(facts), errors.Join(errs...))
	}

	return len(delivered), nil
}

// Discard drops the buffered facts. Their outbox rows vanish with the
// rolled back transaction.
func (b *Batch) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == batchOpen {
		b.state = batchDiscarded
	}
	b.facts = nil
}
