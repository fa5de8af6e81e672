package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	Username    string
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Task struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	Priority    string
	AssigneeID  string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActivityRecord is an append-only log entry written on every task mutation
// and on every conflict resolution. The count of records scoped to a task is
// that task's version number; there is no stored counter.
type ActivityRecord struct {
	ID          int64
	WorkspaceID string
	UserID      string
	TaskID      string
	Action      string
	CreatedAt   time.Time
}

// ConflictMetadata carries the change sets captured at detection time.
type ConflictMetadata struct {
	InitiatingChanges  map[string]any `json:"initiatingChanges,omitempty"`
	ConflictingChanges map[string]any `json:"conflictingChanges,omitempty"`
}

// Conflict is a persisted record of a detected version mismatch. ConflictID
// is the opaque external handle; the storage row id is never exposed.
type Conflict struct {
	ID                 int64
	ConflictID         string
	TaskID             string
	WorkspaceID        string
	ConflictType       string
	InitiatingUserID   string
	ConflictingUserID  string
	InitiatingVersion  int
	ConflictingVersion int
	IsResolved         bool
	Resolution         string
	Metadata           ConflictMetadata
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}
