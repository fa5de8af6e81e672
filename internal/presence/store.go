// Package presence tracks short-lived user liveness and advisory task locks
// in Redis. Records are filtered by freshness at read time; hard deletion is
// left to the retention sweeper.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"

	LockEditing = "editing"
	LockViewing = "viewing"

	// FreshWindow is the read-time freshness filter for presence and locks.
	FreshWindow = 5 * time.Minute
)

// PresenceRecord is one user's liveness state within a workspace, upserted on
// every heartbeat. Key is (workspace, user) so heartbeats overwrite, never
// duplicate.
type PresenceRecord struct {
	WorkspaceID   string    `json:"workspace_id"`
	UserID        string    `json:"user_id"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	CurrentPage   string    `json:"current_page,omitempty"`
	EditingTaskID string    `json:"editing_task_id,omitempty"`
}

// TaskLock is an advisory marker that a user is editing or viewing a task.
// It is never exclusive: setting a lock does not check other holders.
type TaskLock struct {
	TaskID      string    `json:"task_id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	LockType    string    `json:"lock_type"`
	LockedAt    time.Time `json:"locked_at"`
}

// Store implements presence and lock storage using Redis
type Store struct {
	client         *redis.Client
	presencePrefix string
	lockPrefix     string
	now            func() time.Time
}

// NewStore creates a new Redis-backed presence store
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client), nil
}

// NewStoreWithClient creates a store from an existing Redis client
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{
		client:         client,
		presencePrefix: "presence:",
		lockPrefix:     "lock:",
		now:            time.Now,
	}
}

func (s *Store) presenceKey(workspaceID, userID string) string {
	return s.presencePrefix + workspaceID + ":" + userID
}

func (s *Store) lockKey(taskID, userID string) string {
	return s.lockPrefix + taskID + ":" + userID
}

// Heartbeat upserts the caller's presence as online. Missing identity is a
// silent no-op: heartbeats are best-effort telemetry and must never fail the
// caller.
func (s *Store) Heartbeat(ctx context.Context, workspaceID, userID, currentPage string) error {
	return s.UpdatePresence(ctx, workspaceID, userID, StatusOnline, currentPage, "")
}

// UpdatePresence upserts the caller's presence with an explicit status.
func (s *Store) UpdatePresence(ctx context.Context, workspaceID, userID, status, currentPage, editingTaskID string) error {
	if strings.TrimSpace(workspaceID) == "" || strings.TrimSpace(userID) == "" {
		return nil
	}
	record := PresenceRecord{
		WorkspaceID:   workspaceID,
		UserID:        userID,
		Status:        status,
		LastSeen:      s.now(),
		CurrentPage:   currentPage,
		EditingTaskID: editingTaskID,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.presenceKey(workspaceID, userID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// ListPresence returns workspace presence records seen within the fresh
// window. Staleness is a read-time filter; stale records linger until the
// sweeper removes them.
func (s *Store) ListPresence(ctx context.Context, workspaceID string) ([]PresenceRecord, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return []PresenceRecord{}, nil
	}
	cutoff := s.now().Add(-FreshWindow)
	records := make([]PresenceRecord, 0)
	err := s.scan(ctx, s.presencePrefix+workspaceID+":*", func(raw string) error {
		var record PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil
		}
		if record.LastSeen.Before(cutoff) {
			return nil
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// SetLock upserts the caller's own lock row for a task. Advisory only: it
// does not check or block on other users' locks.
func (s *Store) SetLock(ctx context.Context, taskID, workspaceID, userID, lockType string) error {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(userID) == "" {
		return nil
	}
	lock := TaskLock{
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		LockType:    lockType,
		LockedAt:    s.now(),
	}
	raw, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := s.client.Set(ctx, s.lockKey(taskID, userID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save lock: %w", err)
	}
	return nil
}

// RemoveLock deletes the caller's own lock row. No-op if absent.
func (s *Store) RemoveLock(ctx context.Context, taskID, userID string) error {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(userID) == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.lockKey(taskID, userID)).Err(); err != nil {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// ListLocks returns workspace locks set within the fresh window.
func (s *Store) ListLocks(ctx context.Context, workspaceID string) ([]TaskLock, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return []TaskLock{}, nil
	}
	cutoff := s.now().Add(-FreshWindow)
	locks := make([]TaskLock, 0)
	err := s.scan(ctx, s.lockPrefix+"*", func(raw string) error {
		var lock TaskLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			return nil
		}
		if lock.WorkspaceID != workspaceID || lock.LockedAt.Before(cutoff) {
			return nil
		}
		locks = append(locks, lock)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortLocks(locks)
	return locks, nil
}

// ListTaskEditLocks returns fresh editing locks on a task held by users other
// than excludeUserID, ordered by LockedAt ascending so the earliest holder is
// first. The conflict detector relies on that ordering as its tie-break.
func (s *Store) ListTaskEditLocks(ctx context.Context, taskID, excludeUserID string) ([]TaskLock, error) {
	if strings.TrimSpace(taskID) == "" {
		return []TaskLock{}, nil
	}
	cutoff := s.now().Add(-FreshWindow)
	locks := make([]TaskLock, 0)
	err := s.scan(ctx, s.lockPrefix+taskID+":*", func(raw string) error {
		var lock TaskLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			return nil
		}
		if lock.LockType != LockEditing || lock.UserID == excludeUserID || lock.LockedAt.Before(cutoff) {
			return nil
		}
		locks = append(locks, lock)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortLocks(locks)
	return locks, nil
}

// CleanupOldPresence hard-deletes presence records and locks older than
// maxAge and returns the number of keys removed. Intended for the retention
// sweeper, not request handling.
func (s *Store) CleanupOldPresence(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.scanKeys(ctx, s.presencePrefix+"*", func(key, raw string) error {
		var record PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err == nil && !record.LastSeen.Before(cutoff) {
			return nil
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete stale presence: %w", err)
		}
		deleted++
		return nil
	})
	if err != nil {
		return deleted, err
	}

	err = s.scanKeys(ctx, s.lockPrefix+"*", func(key, raw string) error {
		var lock TaskLock
		if err := json.Unmarshal([]byte(raw), &lock); err == nil && !lock.LockedAt.Before(cutoff) {
			return nil
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete stale lock: %w", err)
		}
		deleted++
		return nil
	})
	return deleted, err
}

func (s *Store) scan(ctx context.Context, pattern string, visit func(raw string) error) error {
	return s.scanKeys(ctx, pattern, func(_, raw string) error { return visit(raw) })
}

func (s *Store) scanKeys(ctx context.Context, pattern string, visit func(key, raw string) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if err := visit(key, raw); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	return nil
}

func sortLocks(locks []TaskLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].LockedAt.Equal(locks[j].LockedAt) {
			return locks[i].UserID < locks[j].UserID
		}
		return locks[i].LockedAt.Before(locks[j].LockedAt)
	})
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
