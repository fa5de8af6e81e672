package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/presence"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetWorkspace(context.Context, string) (store.Workspace, error)
	EnsureWorkspace(context.Context, store.Workspace) error
	GetTask(context.Context, string) (store.Task, error)
	InsertTask(context.Context, store.Task) error
	PatchTask(context.Context, string, map[string]any) error
	ListWorkspaceTasks(context.Context, string) ([]store.Task, error)
	AppendActivity(context.Context, store.ActivityRecord) error
	CountTaskActivity(context.Context, string) (int, error)
	ListTaskActivity(context.Context, string, int) ([]store.ActivityRecord, error)
	InsertConflict(context.Context, store.Conflict) error
	GetConflictByConflictID(context.Context, string) (store.Conflict, error)
	MarkConflictResolved(context.Context, string, string) (bool, error)
	ListWorkspaceConflicts(context.Context, string, bool, time.Duration) ([]store.Conflict, error)
	ListTaskConflicts(context.Context, string, time.Duration) ([]store.Conflict, error)
	DeleteConflictsOlderThan(context.Context, time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type presenceStore interface {
	Heartbeat(context.Context, string, string, string) error
	UpdatePresence(context.Context, string, string, string, string, string) error
	ListPresence(context.Context, string) ([]presence.PresenceRecord, error)
	SetLock(context.Context, string, string, string, string) error
	RemoveLock(context.Context, string, string) error
	ListLocks(context.Context, string) ([]presence.TaskLock, error)
	ListTaskEditLocks(context.Context, string, string) ([]presence.TaskLock, error)
	CleanupOldPresence(context.Context, time.Duration) (int, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	presence presenceStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, presenceStore *presence.Store) *Service {
	return &Service{cfg: cfg, store: dataStore, presence: presenceStore}
}

// Bootstrap seeds the default workspace so a fresh install is usable
// immediately.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.store.GetWorkspace(ctx, "ws_default")
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return s.store.EnsureWorkspace(ctx, store.Workspace{
		ID:   "ws_default",
		Name: "Default Workspace",
		Slug: "default",
	})
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// TaskVersion is the version oracle: a task's version is the count of its
// activity records. No stored counter exists; the append-only log is the
// source of truth.
func (s *Service) TaskVersion(ctx context.Context, taskID string) (int, error) {
	return s.store.CountTaskActivity(ctx, taskID)
}

func (s *Service) CreateTask(ctx context.Context, session Session, workspaceID, title, description, priority string) (map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	taskTitle := strings.TrimSpace(title)
	if taskTitle == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	task := store.Task{
		ID:          util.NewID("tsk"),
		WorkspaceID: workspaceID,
		Title:       taskTitle,
		Description: strings.TrimSpace(description),
		Status:      "todo",
		Priority:    priority,
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	// No activity record on creation: a fresh task reads as version 0.
	return s.taskPayload(ctx, task.ID)
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	return s.taskPayload(ctx, taskID)
}

func (s *Service) ListWorkspaceTasks(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	tasks, err := s.store.ListWorkspaceTasks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		version, err := s.store.CountTaskActivity(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, taskMap(task, version))
	}
	return items, nil
}

// ListTaskActivity returns a task's most recent activity records, newest
// first. The log doubles as the version history: its length is the version.
func (s *Service) ListTaskActivity(ctx context.Context, session Session, taskID string, limit int) ([]map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Task not found")
		}
		return nil, err
	}
	records, err := s.store.ListTaskActivity(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, map[string]any{
			"workspaceId": record.WorkspaceID,
			"userId":      record.UserID,
			"taskId":      record.TaskID,
			"action":      record.Action,
			"timestamp":   record.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) taskPayload(ctx context.Context, taskID string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Task not found")
	}
	if err != nil {
		return nil, err
	}
	version, err := s.store.CountTaskActivity(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return taskMap(task, version), nil
}

func taskMap(task store.Task, version int) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"workspaceId": task.WorkspaceID,
		"title":       task.Title,
		"description": task.Description,
		"status":      task.Status,
		"priority":    task.Priority,
		"assigneeId":  task.AssigneeID,
		"createdBy":   task.CreatedBy,
		"version":     version,
		"updatedAt":   task.UpdatedAt,
	}
}

// Presence passthroughs. A session without identity no-ops in the store
// layer; presence must never fail the UI's polling loop.

func (s *Service) Heartbeat(ctx context.Context, session Session, workspaceID, currentPage string) error {
	return s.presence.Heartbeat(ctx, workspaceID, session.UserID, currentPage)
}

func (s *Service) UpdatePresence(ctx context.Context, session Session, workspaceID, status, currentPage, editingTaskID string) error {
	return s.presence.UpdatePresence(ctx, workspaceID, session.UserID, status, currentPage, editingTaskID)
}

func (s *Service) ListPresence(ctx context.Context, workspaceID string) ([]presence.PresenceRecord, error) {
	return s.presence.ListPresence(ctx, workspaceID)
}

func (s *Service) SetLock(ctx context.Context, session Session, taskID, workspaceID, lockType string) error {
	if lockType != presence.LockEditing && lockType != presence.LockViewing {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "lockType must be editing or viewing", nil)
	}
	return s.presence.SetLock(ctx, taskID, workspaceID, session.UserID, lockType)
}

func (s *Service) RemoveLock(ctx context.Context, session Session, taskID string) error {
	return s.presence.RemoveLock(ctx, taskID, session.UserID)
}

func (s *Service) ListLocks(ctx context.Context, workspaceID string) ([]presence.TaskLock, error) {
	return s.presence.ListLocks(ctx, workspaceID)
}

// Retention sweeps. Both are invoked on a schedule by the sweeper and via the
// internal cleanup endpoint; neither is end-user triggered.

func (s *Service) CleanupOldConflicts(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.ConflictRetention)
	return s.store.DeleteConflictsOlderThan(ctx, cutoff)
}

func (s *Service) CleanupOldPresence(ctx context.Context) (int, error) {
	return s.presence.CleanupOldPresence(ctx, s.cfg.PresenceRetention)
}
