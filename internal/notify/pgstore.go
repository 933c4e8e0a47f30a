package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/workorder/model"
)

// PgConfigStore keeps configs as JSONB documents with the searchable fields
// copied into columns.
type PgConfigStore struct {
	pool *pgxpool.Pool
}

// NewPgConfigStore creates a store on pool.
func NewPgConfigStore(pool *pgxpool.Pool) *PgConfigStore {
	return &PgConfigStore{pool: pool}
}

// Create implements ConfigStore.
func (s *PgConfigStore) Create(ctx context.Context, cfg *model.NotificationConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal notification config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_configs (id, name, namespace, status, is_default, body, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cfg.ID, cfg.Name, cfg.Namespace, cfg.Status, cfg.IsDefault, body, cfg.Version, cfg.CreatedAt, cfg.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("notification config %q already exists", cfg.ID))
	}
	if err != nil {
		return fmt.Errorf("insert notification config: %w", err)
	}
	return nil
}

// Get implements ConfigStore.
func (s *PgConfigStore) Get(ctx context.Context, id string) (*model.NotificationConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT body, version, created_at, updated_at FROM notification_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, configNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification config: %w", err)
	}
	return cfg, nil
}

// List implements ConfigStore. The event type filter is applied after the
// status and namespace filters run in the database.
func (s *PgConfigStore) List(ctx context.Context, filter ConfigFilter) ([]*model.NotificationConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body, version, created_at, updated_at FROM notification_configs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR namespace = $2)
		ORDER BY id`,
		filter.Status, filter.Namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list notification configs: %w", err)
	}
	defer rows.Close()

	var out []*model.NotificationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification config: %w", err)
		}
		if filter.matches(cfg) {
			out = append(out, cfg)
		}
	}
	return out, rows.Err()
}

// Update implements ConfigStore.
func (s *PgConfigStore) Update(ctx context.Context, cfg *model.NotificationConfig, expectedVersion int) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal notification config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_configs
		SET name = $3, namespace = $4, status = $5, is_default = $6, body = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $2`,
		cfg.ID, expectedVersion, cfg.Name, cfg.Namespace, cfg.Status, cfg.IsDefault, body, cfg.Version, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notification config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, cfg.ID); err != nil {
			return err
		}
		return model.NewConflictError(fmt.Sprintf("notification config %q is not at version %d", cfg.ID, expectedVersion))
	}
	return nil
}

// Delete implements ConfigStore.
func (s *PgConfigStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return configNotFound(id)
	}
	return nil
}

func scanConfig(row pgx.Row) (*model.NotificationConfig, error) {
	var body []byte
	var cfg model.NotificationConfig
	var version int
	if err := row.Scan(&body, &version, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	createdAt, updatedAt := cfg.CreatedAt, cfg.UpdatedAt
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal notification config: %w", err)
	}
	cfg.Version = version
	cfg.CreatedAt = createdAt
	cfg.UpdatedAt = updatedAt
	return &cfg, nil
}

const logColumns = `id, queue_item_id, notification_id, instance_id, channel, recipient_id, recipient_addr,
	subject, content, status, error_message, send_at, delivered_at, retry_count, final`

// PgLogStore appends delivery logs to notification_logs.
type PgLogStore struct {
	pool *pgxpool.Pool
}

// NewPgLogStore creates a log store on pool.
func NewPgLogStore(pool *pgxpool.Pool) *PgLogStore {
	return &PgLogStore{pool: pool}
}

// Append implements LogStore.
func (s *PgLogStore) Append(ctx context.Context, e *model.NotificationLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.QueueItemID, e.NotificationID, e.InstanceID, string(e.Channel), e.RecipientID, e.RecipientAddr,
		e.Subject, e.Content, e.Status, e.ErrorMessage, e.SendAt, e.DeliveredAt, e.RetryCount, e.Final,
	)
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// List implements LogStore.
func (s *PgLogStore) List(ctx context.Context, filter model.LogFilter) ([]*model.NotificationLog, int, error) {
	where := " WHERE 1=1"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.QueueItemID != "" {
		add("queue_item_id = $%d", filter.QueueItemID)
	}
	if filter.NotificationID != "" {
		add("notification_id = $%d", filter.NotificationID)
	}
	if filter.InstanceID != "" {
		add("instance_id = $%d", filter.InstanceID)
	}
	if filter.Channel != "" {
		add("channel = $%d", string(filter.Channel))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notification_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notification logs: %w", err)
	}

	query := `SELECT ` + logColumns + ` FROM notification_logs` + where + ` ORDER BY position`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notification logs: %w", err)
	}
	defer rows.Close()

	var out []*model.NotificationLog
	for rows.Next() {
		var e model.NotificationLog
		var ch string
		if err := rows.Scan(
			&e.ID, &e.QueueItemID, &e.NotificationID, &e.InstanceID, &ch, &e.RecipientID, &e.RecipientAddr,
			&e.Subject, &e.Content, &e.Status, &e.ErrorMessage, &e.SendAt, &e.DeliveredAt, &e.RetryCount, &e.Final,
		); err != nil {
			return nil, 0, fmt.Errorf("scan notification log: %w", err)
		}
		e.Channel = model.Channel(ch)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
