// Package models defines the entities persisted by the Store and
// exchanged over the sync wire protocol.
package models

import (
	"strings"
	"time"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectCompleted ProjectStatus = "COMPLETED"
	ProjectArchived  ProjectStatus = "ARCHIVED"
)

// IsValidProjectStatus reports whether s is one of the known project statuses.
func IsValidProjectStatus(s ProjectStatus) bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectArchived:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "TODO"
	TaskDoing    TaskStatus = "DOING"
	TaskDone     TaskStatus = "DONE"
	TaskArchived TaskStatus = "ARCHIVED"
)

// IsValidTaskStatus reports whether s is one of the known task statuses.
func IsValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone, TaskArchived:
		return true
	}
	return false
}

// TaskPriority ranks a Task's urgency.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "URGENT"
	PriorityNormal TaskPriority = "NORMAL"
	PriorityLow    TaskPriority = "LOW"
)

// IsValidPriority reports whether p is one of the known priorities.
func IsValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityUrgent, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Recurrence describes how a completed Task respawns.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "NONE"
	RecurrenceDaily   Recurrence = "DAILY"
	RecurrenceWeekly  Recurrence = "WEEKLY"
	RecurrenceMonthly Recurrence = "MONTHLY"
)

// IsValidRecurrence reports whether r is one of the known recurrence kinds.
func IsValidRecurrence(r Recurrence) bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// Period returns the time.Duration a recurrence advances a due date by.
// Monthly is approximated as 30 days; callers needing calendar-month
// arithmetic should use AddDate directly.
func (r Recurrence) Period() time.Duration {
	switch r {
	case RecurrenceDaily:
		return 24 * time.Hour
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour
	case RecurrenceMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ChangelogAction classifies a TaskChangelog entry.
type ChangelogAction string

const (
	ChangelogCreated       ChangelogAction = "CREATED"
	ChangelogUpdated       ChangelogAction = "UPDATED"
	ChangelogStatusChanged ChangelogAction = "STATUS_CHANGED"
)

// EntityType enumerates the syncable entity kinds, in dependency order
// (referents before referrers) used as the tie-break priority in
// deterministic sort ordering.
type EntityType string

const (
	EntityProject     EntityType = "PROJECT"
	EntityTask        EntityType = "TASK"
	EntityTaskSubtask EntityType = "TASK_SUBTASK"
	EntityTaskTemplate EntityType = "TASK_TEMPLATE"
	EntitySetting     EntityType = "SETTING"
)

// entityPriority orders entity types so that referents precede
// referrers at equal timestamps (spec: PROJECT < TASK < TASK_SUBTASK <
// TASK_TEMPLATE < SETTING).
var entityPriority = map[EntityType]int{
	EntityProject:      0,
	EntityTask:         1,
	EntityTaskSubtask:  2,
	EntityTaskTemplate: 3,
	EntitySetting:      4,
}

// EntityPriority returns the deterministic sort priority for t. Unknown
// entity types sort last.
func EntityPriority(t EntityType) int {
	if p, ok := entityPriority[t]; ok {
		return p
	}
	return len(entityPriority)
}

// IsValidEntityType reports whether t is a known entity type.
func IsValidEntityType(t EntityType) bool {
	_, ok := entityPriority[t]
	return ok
}

// Operation is the kind of change carried by an outbox row or wire change.
type Operation string

const (
	OpUpsert Operation = "UPSERT"
	OpDelete Operation = "DELETE"
)

// IsValidOperation reports whether op is UPSERT or DELETE.
func IsValidOperation(op Operation) bool {
	return op == OpUpsert || op == OpDelete
}

// Project is a container that groups Tasks.
type Project struct {
	ID              string
	Name            string
	Description     string
	Color           string
	Status          ProjectStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SyncVersion     int
	UpdatedByDevice string
}

// Task is a unit of work, optionally scoped to a Project.
type Task struct {
	ID              string
	Title           string
	Description     string
	NotesMarkdown   string
	ProjectID       *string
	Status          TaskStatus
	Priority        TaskPriority
	IsImportant     bool
	DueAt           *time.Time
	RemindAt        *time.Time
	Recurrence      Recurrence
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SyncVersion     int
	UpdatedByDevice string
}

// NormalizedTitle returns the task title trimmed of surrounding whitespace.
func (t Task) NormalizedTitle() string {
	return strings.TrimSpace(t.Title)
}

// TaskSubtask is a checklist item belonging to a Task.
type TaskSubtask struct {
	ID              string
	TaskID          string
	Title           string
	IsDone          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SyncVersion     int
	UpdatedByDevice string
}

// TaskTemplate is a reusable task blueprint.
type TaskTemplate struct {
	ID              string
	Name            string
	TitleTemplate   string
	DescriptionTemplate string
	DefaultPriority TaskPriority
	DefaultProjectID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SyncVersion     int
	UpdatedByDevice string
}

// SessionRecord is a syncable record of a focus/work session.
type SessionRecord struct {
	ID              string
	TaskID          *string
	StartedAt       time.Time
	EndedAt         *time.Time
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SyncVersion     int
	UpdatedByDevice string
}

// AppSetting is a single key/value row in the settings table.
type AppSetting struct {
	Key   string
	Value string
}

// TaskChangelog records a single field-level change made to a Task.
type TaskChangelog struct {
	ID        string
	TaskID    string
	Action    ChangelogAction
	FieldName string
	OldValue  string
	NewValue  string
	CreatedAt time.Time
}

// DeletedRecord is a tombstone marking an entity deletion.
type DeletedRecord struct {
	EntityType    EntityType
	EntityID      string
	DeletedAt     time.Time
	DeletedByDevice string
}

// SyncOutboxRecord is a pending local mutation awaiting push.
type SyncOutboxRecord struct {
	ID             int64
	EntityType     EntityType
	EntityID       string
	Operation      Operation
	PayloadJSON    []byte // nil iff Operation == OpDelete
	IdempotencyKey string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncCheckpoint is the singleton row tracking pull progress.
type SyncCheckpoint struct {
	LastSyncCursor string
	LastSyncedAt   *time.Time
	UpdatedAt      time.Time
}

// ConflictType classifies why applyIncomingSyncChange did not apply.
type ConflictType string

const (
	ConflictField          ConflictType = "field_conflict"
	ConflictDeleteVsUpdate ConflictType = "delete_vs_update"
	ConflictNotesCollision ConflictType = "notes_collision"
	ConflictValidationError ConflictType = "validation_error"
)

// ConflictStatus is the lifecycle state of a SyncConflictRecord.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// ResolutionStrategy is the action taken to close a conflict.
type ResolutionStrategy string

const (
	ResolveKeepLocal    ResolutionStrategy = "keep_local"
	ResolveKeepRemote   ResolutionStrategy = "keep_remote"
	ResolveManualMerge  ResolutionStrategy = "manual_merge"
	ResolveRetry        ResolutionStrategy = "retry"
)

// SyncConflictRecord is a persisted record of a detected sync conflict.
type SyncConflictRecord struct {
	ID                      string
	IncomingIdempotencyKey  string
	EntityType              EntityType
	EntityID                string
	Operation               Operation
	ConflictType            ConflictType
	ReasonCode              string
	Message                 string
	LocalPayloadJSON        []byte
	RemotePayloadJSON       []byte
	BasePayloadJSON         []byte
	Status                  ConflictStatus
	ResolutionStrategy      *ResolutionStrategy
	ResolutionPayloadJSON   []byte
	ResolvedByDevice        string
	DetectedAt              time.Time
	ResolvedAt              *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ConflictEventType classifies a SyncConflictEvent.
type ConflictEventType string

const (
	EventDetected ConflictEventType = "detected"
	EventResolved ConflictEventType = "resolved"
	EventIgnored  ConflictEventType = "ignored"
	EventRetried  ConflictEventType = "retried"
	EventExported ConflictEventType = "exported"
)

// SyncConflictEvent is one entry in a conflict's audit trail.
type SyncConflictEvent struct {
	ID              string
	ConflictID      string
	EventType       ConflictEventType
	EventPayloadJSON []byte
	CreatedAt       time.Time
}
