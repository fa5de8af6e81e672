package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const (
	ConflictTypeSimultaneousEdit = "simultaneous_edit"
	ConflictTypeStaleData        = "stale_data"

	// SystemUserID marks a conflict with no human on the other side, just
	// stale data.
	SystemUserID = "system"

	ResolutionForceSave = "force_save"
	ResolutionMerge     = "merge"
	ResolutionDiscard   = "discard"
	ResolutionReload    = "reload"

	workspaceConflictWindow = time.Hour
	taskConflictWindow      = 30 * time.Minute
)

var allowedResolutions = map[string]struct{}{
	ResolutionForceSave: {},
	ResolutionMerge:     {},
	ResolutionDiscard:   {},
	ResolutionReload:    {},
}

type ConflictCheckResult struct {
	HasConflict      bool     `json:"hasConflict"`
	ConflictID       string   `json:"conflictId,omitempty"`
	ConflictType     string   `json:"conflictType,omitempty"`
	ConflictingUsers []string `json:"conflictingUsers,omitempty"`
	CurrentVersion   int      `json:"currentVersion"`
	ExpectedVersion  int      `json:"expectedVersion"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
}

// CheckForConflicts decides whether a proposed edit collides with the task's
// current state. The caller supplies the version it last observed; the
// current version is derived from the activity log. A stale read with a live
// editing lock held by someone else classifies as simultaneous_edit,
// otherwise stale_data. Detection always persists the Conflict record, before
// the user chooses how to resolve, so simultaneous detectors from multiple
// stale writers all surface.
func (s *Service) CheckForConflicts(ctx context.Context, session Session, taskID, workspaceID string, expectedVersion int, proposedChanges map[string]any) (ConflictCheckResult, error) {
	if session.UserID == "" {
		return ConflictCheckResult{}, authenticationRequired()
	}

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConflictCheckResult{}, notFound("Task not found")
		}
		return ConflictCheckResult{}, err
	}

	currentVersion, err := s.store.CountTaskActivity(ctx, taskID)
	if err != nil {
		return ConflictCheckResult{}, err
	}

	if expectedVersion >= currentVersion {
		return ConflictCheckResult{
			HasConflict:     false,
			CurrentVersion:  currentVersion,
			ExpectedVersion: expectedVersion,
		}, nil
	}

	// Stale read. Live editing locks by other users decide the class; the
	// earliest lock holder is the deterministic contender when several exist.
	locks, err := s.presence.ListTaskEditLocks(ctx, taskID, session.UserID)
	if err != nil {
		return ConflictCheckResult{}, err
	}

	conflict := store.Conflict{
		ConflictID:         util.NewID("cfl"),
		TaskID:             taskID,
		WorkspaceID:        workspaceID,
		InitiatingUserID:   session.UserID,
		InitiatingVersion:  expectedVersion,
		ConflictingVersion: currentVersion,
		Metadata: store.ConflictMetadata{
			InitiatingChanges: proposedChanges,
		},
	}

	result := ConflictCheckResult{
		HasConflict:     true,
		ConflictID:      conflict.ConflictID,
		CurrentVersion:  currentVersion,
		ExpectedVersion: expectedVersion,
	}

	if len(locks) > 0 {
		conflict.ConflictType = ConflictTypeSimultaneousEdit
		conflict.ConflictingUserID = locks[0].UserID
		result.ConflictType = ConflictTypeSimultaneousEdit
		result.SuggestedActions = []string{ResolutionReload, ResolutionForceSave, ResolutionMerge}
		for _, lock := range locks {
			result.ConflictingUsers = append(result.ConflictingUsers, lock.UserID)
		}
	} else {
		conflict.ConflictType = ConflictTypeStaleData
		conflict.ConflictingUserID = SystemUserID
		result.ConflictType = ConflictTypeStaleData
		result.SuggestedActions = []string{ResolutionReload, ResolutionForceSave}
	}

	if err := s.store.InsertConflict(ctx, conflict); err != nil {
		return ConflictCheckResult{}, err
	}
	return result, nil
}

// ResolveConflict applies one of the four resolution strategies to a pending
// conflict. The conflict is patched to resolved exactly once; a second call
// fails with ALREADY_RESOLVED. Every resolution appends an activity record,
// which bumps the task's version so later readers see it.
func (s *Service) ResolveConflict(ctx context.Context, session Session, conflictID, resolution string, mergedData map[string]any) error {
	if session.UserID == "" {
		return authenticationRequired()
	}
	if _, ok := allowedResolutions[resolution]; !ok {
		return invalidResolution(resolution)
	}

	conflict, err := s.store.GetConflictByConflictID(ctx, conflictID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Conflict not found")
	}
	if err != nil {
		return err
	}
	if conflict.IsResolved {
		return alreadyResolved(conflictID)
	}

	switch resolution {
	case ResolutionForceSave:
		if len(conflict.Metadata.InitiatingChanges) > 0 {
			if err := s.store.PatchTask(ctx, conflict.TaskID, conflict.Metadata.InitiatingChanges); err != nil {
				return err
			}
		}
	case ResolutionMerge:
		// A nil merge is allowed: resolved without a data change.
		if len(mergedData) > 0 {
			if err := s.store.PatchTask(ctx, conflict.TaskID, mergedData); err != nil {
				return err
			}
		}
	case ResolutionDiscard, ResolutionReload:
		// Nothing to apply; reload is purely a client-side re-fetch signal.
	}

	updated, err := s.store.MarkConflictResolved(ctx, conflictID, resolution)
	if err != nil {
		return err
	}
	if !updated {
		return alreadyResolved(conflictID)
	}

	return s.store.AppendActivity(ctx, store.ActivityRecord{
		WorkspaceID: conflict.WorkspaceID,
		UserID:      session.UserID,
		TaskID:      conflict.TaskID,
		Action:      "conflict_resolved_" + resolution,
	})
}

// UpdateTaskWithConflictCheck is the guarded update path: the detector runs
// first unless forceUpdate is set, and a detected conflict aborts the
// mutation and surfaces as a structured CONFLICT_DETECTED signal instead of
// being silently applied.
func (s *Service) UpdateTaskWithConflictCheck(ctx context.Context, session Session, taskID, workspaceID string, updates map[string]any, expectedVersion int, forceUpdate bool) (map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}

	if !forceUpdate {
		result, err := s.CheckForConflicts(ctx, session, taskID, workspaceID, expectedVersion, updates)
		if err != nil {
			return nil, err
		}
		if result.HasConflict {
			return nil, conflictDetected(result)
		}
	} else {
		if _, err := s.store.GetTask(ctx, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, notFound("Task not found")
			}
			return nil, err
		}
	}

	if err := s.store.PatchTask(ctx, taskID, updates); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Task not found")
		}
		return nil, err
	}

	action := "update"
	if forceUpdate {
		action = "force_update"
	}
	if err := s.store.AppendActivity(ctx, store.ActivityRecord{
		WorkspaceID: workspaceID,
		UserID:      session.UserID,
		TaskID:      taskID,
		Action:      action,
	}); err != nil {
		return nil, err
	}

	return s.taskPayload(ctx, taskID)
}

// ListWorkspaceConflicts returns a workspace's conflicts from the last hour,
// optionally including resolved ones, enriched with user display data.
func (s *Service) ListWorkspaceConflicts(ctx context.Context, session Session, workspaceID string, includeResolved bool) ([]map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	conflicts, err := s.store.ListWorkspaceConflicts(ctx, workspaceID, includeResolved, workspaceConflictWindow)
	if err != nil {
		return nil, err
	}
	return s.enrichConflicts(ctx, conflicts), nil
}

// ListTaskConflicts returns a task's unresolved conflicts from the last 30
// minutes, enriched with user display data.
func (s *Service) ListTaskConflicts(ctx context.Context, session Session, taskID string) ([]map[string]any, error) {
	if session.UserID == "" {
		return nil, authenticationRequired()
	}
	conflicts, err := s.store.ListTaskConflicts(ctx, taskID, taskConflictWindow)
	if err != nil {
		return nil, err
	}
	return s.enrichConflicts(ctx, conflicts), nil
}

func (s *Service) enrichConflicts(ctx context.Context, conflicts []store.Conflict) []map[string]any {
	items := make([]map[string]any, 0, len(conflicts))
	for _, conflict := range conflicts {
		item := map[string]any{
			"conflictId":         conflict.ConflictID,
			"taskId":             conflict.TaskID,
			"workspaceId":        conflict.WorkspaceID,
			"conflictType":       conflict.ConflictType,
			"initiatingUser":     s.lookupUser(ctx, conflict.InitiatingUserID),
			"conflictingUser":    s.lookupUser(ctx, conflict.ConflictingUserID),
			"initiatingVersion":  conflict.InitiatingVersion,
			"conflictingVersion": conflict.ConflictingVersion,
			"isResolved":         conflict.IsResolved,
			"timestamp":          conflict.CreatedAt,
		}
		if conflict.Resolution != "" {
			item["resolution"] = conflict.Resolution
		}
		if len(conflict.Metadata.InitiatingChanges) > 0 || len(conflict.Metadata.ConflictingChanges) > 0 {
			item["metadata"] = conflict.Metadata
		}
		items = append(items, item)
	}
	return items
}

// lookupUser resolves a user id against the identity directory for display.
// The "system" sentinel renders as a synthetic user without a lookup, and a
// failed lookup degrades to a placeholder rather than failing the whole
// enrichment.
func (s *Service) lookupUser(ctx context.Context, userID string) map[string]any {
	if userID == SystemUserID {
		return map[string]any{
			"id":          SystemUserID,
			"displayName": "System",
		}
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return map[string]any{
			"id":          userID,
			"displayName": "Unknown User",
		}
	}
	info := map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
	}
	if user.Username != "" {
		info["username"] = user.Username
	}
	if user.Email != "" {
		info["emailAddress"] = user.Email
	}
	if user.ImageURL != "" {
		info["imageUrl"] = user.ImageURL
	}
	return info
}
