package workorder

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

//go:embed schema.sql
var schemaSQL string

const instanceColumns = `id, process_id, namespace, title, current_step, status, form_data,
	operator_id, assignee_id, priority, tags, due_date, completed_at, deleted_at,
	overdue_notified_at, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the instance tables when they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply workorder schema: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts the instance and its first timeline entry in one
// transaction.
func (s *PgStore) Create(ctx context.Context, inst *model.WorkorderInstance, created model.TimelineEntry) error {
	formJSON, err := json.Marshal(inst.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO workorder_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.ProcessID, inst.Namespace, inst.Title, inst.CurrentStep, string(inst.Status), formJSON,
		inst.OperatorID, inst.AssigneeID, inst.Priority, tagsOrEmpty(inst.Tags), inst.DueDate,
		inst.CompletedAt, inst.DeletedAt, inst.OverdueAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workorder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("workorder %q already exists", inst.ID))
	}
	if err := insertTimeline(ctx, tx, created); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves an instance by id.
func (s *PgStore) Get(ctx context.Context, id string) (*model.WorkorderInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workorder_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query workorder: %w", err)
	}
	return inst, nil
}

// List returns one page of matching instances and the total match count.
func (s *PgStore) List(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkorderInstance, int, error) {
	where := " WHERE 1=1"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if filter.ProcessID != "" {
		add("process_id = $%d", filter.ProcessID)
	}
	if filter.Namespace != "" {
		add("namespace = $%d", filter.Namespace)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.AssigneeID != "" {
		add("assignee_id = $%d", filter.AssigneeID)
	}
	if filter.OperatorID != "" {
		add("operator_id = $%d", filter.OperatorID)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workorder_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workorders: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workorder_instances` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	list, err := s.queryInstances(ctx, query, args...)
	return list, total, err
}

// ApplyTransition updates the instance under a version CAS and appends the
// flow and timeline entries in the same transaction.
func (s *PgStore) ApplyTransition(ctx context.Context, inst *model.WorkorderInstance, expectedVersion int, flow *model.FlowLogEntry, timeline model.TimelineEntry) (err error) {
	ctx, span := observability.StartSpan(ctx, "store.apply_transition", observability.AttrInstanceID.String(inst.ID))
	defer func() { observability.EndSpanWithError(span, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateInstance(ctx, tx, inst, expectedVersion); err != nil {
		return err
	}

	// The row lock taken by the update serialises seq allocation.
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM workorder_flow_log WHERE instance_id = $1`,
		inst.ID,
	).Scan(&flow.Seq); err != nil {
		return fmt.Errorf("next flow seq: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO workorder_flow_log (
			id, instance_id, seq, from_step, to_step, action, actor_id, assignee_id, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		flow.ID, flow.InstanceID, flow.Seq, flow.FromStep, flow.ToStep, string(flow.Action),
		flow.ActorID, flow.AssigneeID, flow.Comment, flow.Timestamp,
	); err != nil {
		return fmt.Errorf("insert flow log: %w", err)
	}
	if err := insertTimeline(ctx, tx, timeline); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Save replaces the instance under a version CAS.
func (s *PgStore) Save(ctx context.Context, inst *model.WorkorderInstance, expectedVersion int, timeline *model.TimelineEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateInstance(ctx, tx, inst, expectedVersion); err != nil {
		return err
	}
	if timeline != nil {
		if err := insertTimeline(ctx, tx, *timeline); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// AppendTimeline inserts a timeline entry.
func (s *PgStore) AppendTimeline(ctx context.Context, entry model.TimelineEntry) error {
	if _, err := s.Get(ctx, entry.InstanceID); err != nil {
		return err
	}
	return insertTimeline(ctx, s.pool, entry)
}

// FlowLog returns the flow log ordered by seq.
func (s *PgStore) FlowLog(ctx context.Context, instanceID string) ([]model.FlowLogEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, seq, from_step, to_step, action, actor_id, assignee_id, comment, created_at
		FROM workorder_flow_log
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query flow log: %w", err)
	}
	defer rows.Close()

	var entries []model.FlowLogEntry
	for rows.Next() {
		var e model.FlowLogEntry
		var action string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Seq, &e.FromStep, &e.ToStep, &action,
			&e.ActorID, &e.AssigneeID, &e.Comment, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan flow log: %w", err)
		}
		e.Action = model.Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Timeline returns the timeline in insertion order.
func (s *PgStore) Timeline(ctx context.Context, instanceID string) ([]model.TimelineEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, kind, actor_id, summary, comment, created_at
		FROM workorder_timeline
		WHERE instance_id = $1
		ORDER BY position ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var entries []model.TimelineEntry
	for rows.Next() {
		var e model.TimelineEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Kind, &e.ActorID, &e.Summary, &e.Comment, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindOverdue returns live instances past their due date.
func (s *PgStore) FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.WorkorderInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workorder_instances
		WHERE deleted_at IS NULL
		  AND overdue_notified_at IS NULL
		  AND due_date IS NOT NULL AND due_date < $1
		  AND status NOT IN ('completed', 'rejected', 'cancelled')
		ORDER BY due_date ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

// dbExecutor is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updateInstance(ctx context.Context, tx pgx.Tx, inst *model.WorkorderInstance, expectedVersion int) error {
	formJSON, err := json.Marshal(inst.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workorder_instances SET
			title = $1, current_step = $2, status = $3, form_data = $4,
			assignee_id = $5, priority = $6, tags = $7, due_date = $8,
			completed_at = $9, deleted_at = $10, overdue_notified_at = $11,
			version = $12, updated_at = $13
		WHERE id = $14 AND version = $15`,
		inst.Title, inst.CurrentStep, string(inst.Status), formJSON,
		inst.AssigneeID, inst.Priority, tagsOrEmpty(inst.Tags), inst.DueDate,
		inst.CompletedAt, inst.DeletedAt, inst.OverdueAt,
		inst.Version, inst.UpdatedAt,
		inst.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update workorder: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var actual int
	err = tx.QueryRow(ctx, `SELECT version FROM workorder_instances WHERE id = $1`, inst.ID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(inst.ID)
	}
	if err != nil {
		return fmt.Errorf("read workorder version: %w", err)
	}
	return versionConflict(inst.ID, expectedVersion, actual)
}

func insertTimeline(ctx context.Context, db dbExecutor, e model.TimelineEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO workorder_timeline (id, instance_id, kind, actor_id, summary, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.InstanceID, e.Kind, e.ActorID, e.Summary, e.Comment, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert timeline: %w", err)
	}
	return nil
}

func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]*model.WorkorderInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workorders: %w", err)
	}
	defer rows.Close()

	var list []*model.WorkorderInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workorder: %w", err)
		}
		list = append(list, inst)
	}
	return list, rows.Err()
}

func scanInstance(row pgx.Row) (*model.WorkorderInstance, error) {
	var inst model.WorkorderInstance
	var status string
	var formJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.ProcessID, &inst.Namespace, &inst.Title, &inst.CurrentStep, &status, &formJSON,
		&inst.OperatorID, &inst.AssigneeID, &inst.Priority, &inst.Tags, &inst.DueDate,
		&inst.CompletedAt, &inst.DeletedAt, &inst.OverdueAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.Status = model.InstanceStatus(status)
	if len(formJSON) > 0 && string(formJSON) != "null" {
		if err := json.Unmarshal(formJSON, &inst.FormData); err != nil {
			return nil, fmt.Errorf("unmarshal form data: %w", err)
		}
	}
	if len(inst.Tags) == 0 {
		inst.Tags = nil
	}
	return &inst, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
