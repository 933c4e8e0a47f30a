package notify

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the notification tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply notification schema: %w", err)
	}
	return nil
}

const queueColumns = `id, notification_id, instance_id, event_id, event_type, trigger_type, channel,
	recipient_id, recipient_addr, subject, content, priority, status, scheduled_at, retry_count,
	max_retries, retry_interval, next_retry_at, last_error, webhook_url, webhook_headers,
	claimed_at, version, created_at, updated_at`

// PgQueue is a PostgreSQL Queue. Claims use FOR UPDATE SKIP LOCKED so
// several dispatcher processes can share one table.
type PgQueue struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgQueue creates a queue on pool.
func NewPgQueue(pool *pgxpool.Pool) *PgQueue {
	return &PgQueue{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue implements Queue.
func (q *PgQueue) Enqueue(ctx context.Context, items ...*model.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := q.now()
	batch := &pgx.Batch{}
	for _, it := range items {
		stored := it.Clone()
		prepareNew(stored, now)
		headers, err := json.Marshal(stored.WebhookHeaders)
		if err != nil {
			return 0, fmt.Errorf("marshal webhook headers: %w", err)
		}
		batch.Queue(`
			INSERT INTO notification_queue (`+queueColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
			ON CONFLICT (id) DO NOTHING`,
			stored.ID, stored.NotificationID, stored.InstanceID, stored.EventID, string(stored.EventType),
			string(stored.TriggerType), string(stored.Channel), stored.RecipientID, stored.RecipientAddr,
			stored.Subject, stored.Content, stored.Priority, stored.Status, stored.ScheduledAt,
			stored.RetryCount, stored.MaxRetries, stored.RetryInterval, stored.NextRetryAt,
			stored.LastError, stored.WebhookURL, headers, stored.ClaimedAt, stored.Version,
			stored.CreatedAt, stored.UpdatedAt,
		)
	}

	results := q.pool.SendBatch(ctx, batch)
	defer results.Close()
	added := 0
	for range items {
		tag, err := results.Exec()
		if err != nil {
			return added, fmt.Errorf("enqueue notification: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Dequeue implements Queue.
func (q *PgQueue) Dequeue(ctx context.Context, ch model.Channel, batch int, now time.Time) (_ []*model.QueueItem, err error) {
	ctx, span := observability.StartSpan(ctx, "store.claim_notifications", observability.AttrChannel.String(string(ch)))
	defer func() { observability.EndSpanWithError(span, err) }()

	items, err := q.queryItems(ctx, `
		UPDATE notification_queue
		SET status = 'processing', claimed_at = $3, version = version + 1, updated_at = $3
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND channel = $1 AND next_retry_at IS NULL AND scheduled_at <= $3
			ORDER BY scheduled_at, priority DESC, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		string(ch), batch, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return claimBefore(items[i], items[j]) })
	return items, nil
}

// DequeueRetries implements Queue.
func (q *PgQueue) DequeueRetries(ctx context.Context, batch int, now time.Time) ([]*model.QueueItem, error) {
	items, err := q.queryItems(ctx, `
		UPDATE notification_queue
		SET status = 'processing', claimed_at = $2, version = version + 1, updated_at = $2
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $2
			ORDER BY next_retry_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		batch, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim notification retries: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return retryBefore(items[i], items[j]) })
	return items, nil
}

// Complete implements Queue.
func (q *PgQueue) Complete(ctx context.Context, item *model.QueueItem) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = $3, retry_count = $4, next_retry_at = $5, last_error = $6,
			claimed_at = NULL, version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2 AND status = 'processing'`,
		item.ID, item.Version, item.Status, item.RetryCount, item.NextRetryAt, item.LastError, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("complete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.Get(ctx, item.ID); err != nil {
			return err
		}
		return itemConflict(item.ID)
	}
	item.Version++
	return nil
}

// Get implements Queue.
func (q *PgQueue) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM notification_queue WHERE id = $1`, id)
	it, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, itemNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return it, nil
}

// List implements Queue.
func (q *PgQueue) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueItem, int, error) {
	where := " WHERE 1=1"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Channel != "" {
		add("channel = $%d", string(filter.Channel))
	}
	if filter.InstanceID != "" {
		add("instance_id = $%d", filter.InstanceID)
	}

	var total int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM notification_queue`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := `SELECT ` + queueColumns + ` FROM notification_queue` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	items, err := q.queryItems(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return items, total, nil
}

// ReclaimStale implements Queue.
func (q *PgQueue) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = 'pending', claimed_at = NULL, version = version + 1, updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1`,
		olderThan, q.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge implements Queue.
func (q *PgQueue) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM notification_queue
		WHERE status IN ('success', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PgQueue) queryItems(ctx context.Context, query string, args ...any) ([]*model.QueueItem, error) {
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var it model.QueueItem
	var eventType, triggerType, channel string
	var headers []byte
	err := row.Scan(
		&it.ID, &it.NotificationID, &it.InstanceID, &it.EventID, &eventType, &triggerType, &channel,
		&it.RecipientID, &it.RecipientAddr, &it.Subject, &it.Content, &it.Priority, &it.Status,
		&it.ScheduledAt, &it.RetryCount, &it.MaxRetries, &it.RetryInterval, &it.NextRetryAt,
		&it.LastError, &it.WebhookURL, &headers, &it.ClaimedAt, &it.Version, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.EventType = model.EventType(eventType)
	it.TriggerType = model.TriggerType(triggerType)
	it.Channel = model.Channel(channel)
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &it.WebhookHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal webhook headers: %w", err)
		}
	}
	return &it, nil
}
