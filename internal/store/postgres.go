package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, COALESCE(username, ''), COALESCE(image_url, '') FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Username, &user.ImageURL)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.taskboard.dev'))
		RETURNING id, display_name, email, COALESCE(username, ''), COALESCE(image_url, '')
	`
	userID := "usr_" + uuid.NewString()
	if err := s.db.QueryRowContext(ctx, insertUser, userID, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Username, &user.ImageURL); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(username, ''), COALESCE(image_url, '')
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Username, &user.ImageURL)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM workspaces
		WHERE id=$1
	`, workspaceID).Scan(&item.ID, &item.Name, &item.Slug, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return item, nil
}

func (s *PostgresStore) EnsureWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, workspace.ID, workspace.Name, workspace.Slug)
	if err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, COALESCE(description, ''), status, COALESCE(priority, ''), COALESCE(assignee_id, ''), created_by, created_at, updated_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.Title,
		&item.Description,
		&item.Status,
		&item.Priority,
		&item.AssigneeID,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	status := task.Status
	if status == "" {
		status = "todo"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workspace_id, title, description, status, priority, assignee_id, created_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	`, task.ID, task.WorkspaceID, task.Title, task.Description, status, task.Priority, task.AssigneeID, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaceTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, COALESCE(description, ''), status, COALESCE(priority, ''), COALESCE(assignee_id, ''), created_by, created_at, updated_at
		FROM tasks
		WHERE workspace_id=$1
		ORDER BY updated_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		if err := rows.Scan(
			&item.ID,
			&item.WorkspaceID,
			&item.Title,
			&item.Description,
			&item.Status,
			&item.Priority,
			&item.AssigneeID,
			&item.CreatedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// patchableTaskColumns is the whitelist of columns PatchTask accepts. Unknown
// keys are ignored rather than rejected so callers can pass UI field maps
// straight through.
var patchableTaskColumns = map[string]string{
	"title":       "title",
	"description": "description",
	"status":      "status",
	"priority":    "priority",
	"assigneeId":  "assignee_id",
}

func (s *PostgresStore) PatchTask(ctx context.Context, taskID string, fields map[string]any) error {
	setClause := ""
	args := []any{taskID}
	for key, value := range fields {
		column, ok := patchableTaskColumns[key]
		if !ok {
			continue
		}
		args = append(args, value)
		if setClause != "" {
			setClause += ", "
		}
		setClause += fmt.Sprintf("%s=$%d", column, len(args))
	}
	if setClause == "" {
		return nil
	}
	query := fmt.Sprintf("UPDATE tasks SET %s, updated_at=NOW() WHERE id=$1", setClause)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch task rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) AppendActivity(ctx context.Context, record ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_records (workspace_id, user_id, task_id, action)
		VALUES ($1, $2, $3, $4)
	`, record.WorkspaceID, record.UserID, record.TaskID, record.Action)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// CountTaskActivity is the version oracle query: a task's version is the
// number of activity records scoped to it.
func (s *PostgresStore) CountTaskActivity(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_records WHERE task_id=$1`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count task activity: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListTaskActivity(ctx context.Context, taskID string, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, task_id, action, created_at
		FROM activity_records
		WHERE task_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityRecord, 0)
	for rows.Next() {
		var item ActivityRecord
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.UserID, &item.TaskID, &item.Action, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertConflict(ctx context.Context, conflict Conflict) error {
	metadata, err := json.Marshal(conflict.Metadata)
	if err != nil {
		return fmt.Errorf("marshal conflict metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (conflict_id, task_id, workspace_id, conflict_type, initiating_user_id, conflicting_user_id, initiating_version, conflicting_version, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`, conflict.ConflictID, conflict.TaskID, conflict.WorkspaceID, conflict.ConflictType,
		conflict.InitiatingUserID, conflict.ConflictingUserID, conflict.InitiatingVersion,
		conflict.ConflictingVersion, string(metadata))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

const conflictColumns = `
	id, conflict_id, task_id, workspace_id, conflict_type,
	initiating_user_id, conflicting_user_id, initiating_version, conflicting_version,
	is_resolved, COALESCE(resolution, ''), COALESCE(metadata::text, '{}'), created_at, resolved_at
`

func scanConflict(row interface{ Scan(...any) error }) (Conflict, error) {
	var item Conflict
	var metadataRaw string
	if err := row.Scan(
		&item.ID,
		&item.ConflictID,
		&item.TaskID,
		&item.WorkspaceID,
		&item.ConflictType,
		&item.InitiatingUserID,
		&item.ConflictingUserID,
		&item.InitiatingVersion,
		&item.ConflictingVersion,
		&item.IsResolved,
		&item.Resolution,
		&metadataRaw,
		&item.CreatedAt,
		&item.ResolvedAt,
	); err != nil {
		return Conflict{}, err
	}
	_ = json.Unmarshal([]byte(metadataRaw), &item.Metadata)
	return item, nil
}

func (s *PostgresStore) GetConflictByConflictID(ctx context.Context, conflictID string) (Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE conflict_id=$1
	`, conflictID)
	return scanConflict(row)
}

// MarkConflictResolved transitions an unresolved conflict to resolved exactly
// once. Returns false when the conflict was already resolved.
func (s *PostgresStore) MarkConflictResolved(ctx context.Context, conflictID, resolution string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET is_resolved=TRUE, resolution=$2, resolved_at=NOW()
		WHERE conflict_id=$1 AND is_resolved=FALSE
	`, conflictID, resolution)
	if err != nil {
		return false, fmt.Errorf("mark conflict resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark conflict resolved rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListWorkspaceConflicts(ctx context.Context, workspaceID string, includeResolved bool, window time.Duration) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE workspace_id=$1
		  AND ($2::boolean OR is_resolved=FALSE)
		  AND created_at > NOW() - ($3 * INTERVAL '1 second')
		ORDER BY created_at DESC
	`, workspaceID, includeResolved, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list workspace conflicts: %w", err)
	}
	defer rows.Close()
	return collectConflicts(rows)
}

func (s *PostgresStore) ListTaskConflicts(ctx context.Context, taskID string, window time.Duration) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE task_id=$1
		  AND is_resolved=FALSE
		  AND created_at > NOW() - ($2 * INTERVAL '1 second')
		ORDER BY created_at DESC
	`, taskID, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list task conflicts: %w", err)
	}
	defer rows.Close()
	return collectConflicts(rows)
}

func collectConflicts(rows *sql.Rows) ([]Conflict, error) {
	items := make([]Conflict, 0)
	for rows.Next() {
		item, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return items, nil
}

// DeleteConflictsOlderThan removes conflicts created before the cutoff,
// resolved or not, and returns the number deleted.
func (s *PostgresStore) DeleteConflictsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old conflicts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old conflicts rows: %w", err)
	}
	return deleted, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
