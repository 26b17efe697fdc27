package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

var _ OutboxStore = (*OutboxRepository)(nil)

// OutboxRepository persists cache-change facts until the cache acknowledges
// them. Rows are leased rather than locked so delivery can happen outside
// the claiming transaction.
type OutboxRepository struct {
	q       Querier
	dialect Dialect
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{q: db.DB, dialect: db.Dialect}
}

func (r *OutboxRepository) Append(ctx context.Context, rec OutboxRecord) (int64, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO cache_outbox (kind, entity_key, watermark, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, rec.Kind, rec.EntityKey, rec.Watermark, string(rec.Payload), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append outbox record: %w", err)
	}
	return id, nil
}

// Claim leases up to limit undelivered records, oldest first.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	now := time.Now()

	lock := ""
	if r.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	rows, err := r.q.QueryContext(ctx, `
		UPDATE cache_outbox
		SET locked_until = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM cache_outbox
			WHERE locked_until < $2
			ORDER BY id
			LIMIT $3`+lock+`
		)
		RETURNING id, kind, entity_key, watermark, payload, attempts, last_error
	`, now.Add(lease).UnixMilli(), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox records: %w", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.EntityKey, &rec.Watermark, &payload, &rec.Attempts, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, nil
}

// Ack deletes delivered records. Unknown ids are ignored.
func (r *OutboxRepository) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var err error
	if r.dialect == DialectPostgres {
		_, err = r.q.ExecContext(ctx, `DELETE FROM cache_outbox WHERE id = ANY($1)`, pq.Array(ids))
	} else {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		_, err = r.q.ExecContext(ctx, `DELETE FROM cache_outbox WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to ack outbox records: %w", err)
	}

	return nil
}

// Fail releases the lease and schedules the record for another attempt.
func (r *OutboxRepository) Fail(ctx context.Context, id int64, retryAt time.Time, reason string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE cache_outbox SET locked_until = $1, last_error = $2 WHERE id = $3
	`, retryAt.UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to release outbox record: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox records: %w", err)
	}
	return count, nil
}
