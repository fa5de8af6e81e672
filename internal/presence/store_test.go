package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client)
}

func TestHeartbeatUpsertsSingleRecord(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "ws_1", "usr_a", "/board"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := s.Heartbeat(ctx, "ws_1", "usr_a", "/task/tsk_1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	records, err := s.ListPresence(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListPresence() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("repeat heartbeats must overwrite, got %d records", len(records))
	}
	if records[0].Status != StatusOnline || records[0].CurrentPage != "/task/tsk_1" {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestHeartbeatMissingIdentityIsNoop(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "ws_1", "", "/board"); err != nil {
		t.Fatalf("anonymous heartbeat should be silently dropped, got %v", err)
	}
	if err := s.Heartbeat(ctx, "", "usr_a", "/board"); err != nil {
		t.Fatalf("heartbeat without workspace should be silently dropped, got %v", err)
	}

	records, err := s.ListPresence(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListPresence() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %v", records)
	}
}

func TestListPresenceFiltersStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-6 * time.Minute) }
	if err := s.Heartbeat(ctx, "ws_1", "usr_stale", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	s.now = func() time.Time { return base.Add(-time.Minute) }
	if err := s.Heartbeat(ctx, "ws_1", "usr_fresh", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	s.now = func() time.Time { return base }
	records, err := s.ListPresence(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListPresence() error = %v", err)
	}
	if len(records) != 1 || records[0].UserID != "usr_fresh" {
		t.Fatalf("stale record should be filtered at read time, got %v", records)
	}
}

func TestListPresenceScopedToWorkspace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, "ws_1", "usr_a", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := s.Heartbeat(ctx, "ws_2", "usr_b", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	records, err := s.ListPresence(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListPresence() error = %v", err)
	}
	if len(records) != 1 || records[0].UserID != "usr_a" {
		t.Fatalf("expected only ws_1 presence, got %v", records)
	}
}

func TestSetAndRemoveLockIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_a", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_a", LockViewing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}

	locks, err := s.ListLocks(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListLocks() error = %v", err)
	}
	if len(locks) != 1 || locks[0].LockType != LockViewing {
		t.Fatalf("second SetLock must overwrite the holder's row, got %v", locks)
	}

	if err := s.RemoveLock(ctx, "tsk_1", "usr_a"); err != nil {
		t.Fatalf("RemoveLock() error = %v", err)
	}
	if err := s.RemoveLock(ctx, "tsk_1", "usr_a"); err != nil {
		t.Fatalf("repeat RemoveLock must be a no-op, got %v", err)
	}

	locks, err = s.ListLocks(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListLocks() error = %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected no locks after removal, got %v", locks)
	}
}

func TestLocksAreNotExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_a", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_b", LockEditing); err != nil {
		t.Fatalf("second holder must not be rejected, got %v", err)
	}

	locks, err := s.ListLocks(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListLocks() error = %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected both holders, got %v", locks)
	}
}

func TestListTaskEditLocksOrderingAndExclusions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-3 * time.Minute) }
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_early", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	s.now = func() time.Time { return base.Add(-time.Minute) }
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_late", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_viewer", LockViewing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_self", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	s.now = func() time.Time { return base.Add(-10 * time.Minute) }
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_stale", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	s.now = func() time.Time { return base }
	if err := s.SetLock(ctx, "tsk_2", "ws_1", "usr_other_task", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}

	locks, err := s.ListTaskEditLocks(ctx, "tsk_1", "usr_self")
	if err != nil {
		t.Fatalf("ListTaskEditLocks() error = %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected two foreign fresh editing locks, got %v", locks)
	}
	if locks[0].UserID != "usr_early" || locks[1].UserID != "usr_late" {
		t.Fatalf("locks must be ordered by LockedAt ascending, got %v", locks)
	}
}

func TestCleanupOldPresence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-16 * time.Minute) }
	if err := s.Heartbeat(ctx, "ws_1", "usr_stale", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := s.SetLock(ctx, "tsk_1", "ws_1", "usr_stale", LockEditing); err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	s.now = func() time.Time { return base.Add(-time.Minute) }
	if err := s.Heartbeat(ctx, "ws_1", "usr_fresh", ""); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	s.now = func() time.Time { return base }
	deleted, err := s.CleanupOldPresence(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("CleanupOldPresence() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 keys removed, got %d", deleted)
	}

	records, err := s.ListPresence(ctx, "ws_1")
	if err != nil {
		t.Fatalf("ListPresence() error = %v", err)
	}
	if len(records) != 1 || records[0].UserID != "usr_fresh" {
		t.Fatalf("fresh record should survive the sweep, got %v", records)
	}
}

func TestCleanupOldPresenceDropsUnparseable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.client.Set(ctx, "presence:ws_1:usr_bad", "not json", 0).Err(); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	deleted, err := s.CleanupOldPresence(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("CleanupOldPresence() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("unparseable records should be swept, deleted = %d", deleted)
	}
}
