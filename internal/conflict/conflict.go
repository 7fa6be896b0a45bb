// Package conflict implements the Conflict Engine's pure decision
// logic (spec component C3): given a local entity state and an
// incoming change, decide whether the change applies, is skipped, or
// is a conflict — without touching storage. The Store (internal/store)
// owns persistence and calls into this package for the decision.
package conflict

import (
	"strings"
	"time"

	"github.com/solostack/solostack/internal/models"
)

// Outcome is the result of evaluating an incoming change.
type Outcome string

const (
	Applied  Outcome = "applied"
	Skipped  Outcome = "skipped"
	Conflict Outcome = "conflict"
)

// Reason codes surfaced on SyncConflictRecord / skip logging.
const (
	ReasonSelfChange        = "SELF_CHANGE"
	ReasonTombstoneWins     = "TOMBSTONE_WINS"
	ReasonIdempotentReplay  = "IDEMPOTENT_REPLAY"
	ReasonNewerLocal        = "NEWER_LOCAL"
	ReasonDeleteNoLocal     = "DELETE_NO_LOCAL"
	ReasonDeleteVsUpdate    = "DELETE_VS_UPDATE"
	ReasonFieldConflict     = "FIELD_CONFLICT"
	ReasonNotesCollision    = "NOTES_COLLISION"
	ReasonMissingTaskTitle  = "MISSING_TASK_TITLE"
	ReasonProjectNotFound   = "TASK_PROJECT_NOT_FOUND"
)

// EntityState is the local view of an entity at decision time.
type EntityState struct {
	Exists          bool
	UpdatedAt       time.Time
	UpdatedByDevice string
	SyncVersion     int
	NotesMarkdown   string
	HasNotes        bool // true only for TASK, which carries notes_markdown
}

// IncomingChange is the normalized shape of one wire change being applied.
type IncomingChange struct {
	EntityType      models.EntityType
	Operation       models.Operation
	UpdatedAt       time.Time
	UpdatedByDevice string
	SyncVersion     int
	TouchesNotes    bool
	NotesMarkdown   string

	// Validation inputs, populated by the caller only for TASK inserts.
	TaskTitle          string
	TaskHasProjectRef  bool
	TaskProjectExists  bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Outcome      Outcome
	ConflictType models.ConflictType
	ReasonCode   string
}

// Decide evaluates change against the local state and tombstone
// per spec §4.3 steps 2-6.
func Decide(localDeviceID string, change IncomingChange, local *EntityState, tombstoneDeletedAt *time.Time) Decision {
	// Step 2: self-change filter.
	if change.UpdatedByDevice == localDeviceID {
		return Decision{Outcome: Skipped, ReasonCode: ReasonSelfChange}
	}

	if change.Operation == models.OpDelete {
		return decideDelete(change, local)
	}
	return decideUpsert(change, local, tombstoneDeletedAt)
}

func decideDelete(change IncomingChange, local *EntityState) Decision {
	if local == nil || !local.Exists {
		return Decision{Outcome: Applied, ReasonCode: ReasonDeleteNoLocal}
	}
	if local.UpdatedAt.After(change.UpdatedAt) {
		return Decision{Outcome: Conflict, ConflictType: models.ConflictDeleteVsUpdate, ReasonCode: ReasonDeleteVsUpdate}
	}
	return Decision{Outcome: Applied, ReasonCode: ReasonDeleteNoLocal}
}

func decideUpsert(change IncomingChange, local *EntityState, tombstoneDeletedAt *time.Time) Decision {
	if tombstoneDeletedAt != nil && !tombstoneDeletedAt.Before(change.UpdatedAt) {
		return Decision{Outcome: Skipped, ReasonCode: ReasonTombstoneWins}
	}

	if local == nil || !local.Exists {
		if ok, reason, ctype := validateNewEntity(change); !ok {
			return Decision{Outcome: Conflict, ConflictType: ctype, ReasonCode: reason}
		}
		return Decision{Outcome: Applied}
	}

	equalTuple := local.UpdatedAt.Equal(change.UpdatedAt) &&
		local.UpdatedByDevice == change.UpdatedByDevice &&
		local.SyncVersion == change.SyncVersion
	if equalTuple {
		return Decision{Outcome: Skipped, ReasonCode: ReasonIdempotentReplay}
	}

	switch {
	case local.UpdatedAt.Before(change.UpdatedAt):
		return Decision{Outcome: Applied}
	case local.UpdatedAt.After(change.UpdatedAt):
		return Decision{Outcome: Skipped, ReasonCode: ReasonNewerLocal}
	default:
		// Equal updated_at, different device/version: notes collision
		// takes precedence over the generic field conflict.
		if change.TouchesNotes && local.HasNotes &&
			local.UpdatedByDevice != change.UpdatedByDevice &&
			local.NotesMarkdown != change.NotesMarkdown {
			return Decision{Outcome: Conflict, ConflictType: models.ConflictNotesCollision, ReasonCode: ReasonNotesCollision}
		}
		return Decision{Outcome: Conflict, ConflictType: models.ConflictField, ReasonCode: ReasonFieldConflict}
	}
}

// validateNewEntity applies spec §4.3.6's validation rules to a TASK
// insert. Other entity types have no validation rule defined and
// always pass.
func validateNewEntity(change IncomingChange) (ok bool, reasonCode string, ctype models.ConflictType) {
	if change.EntityType != models.EntityTask {
		return true, "", ""
	}
	if strings.TrimSpace(change.TaskTitle) == "" {
		return false, ReasonMissingTaskTitle, models.ConflictValidationError
	}
	if change.TaskHasProjectRef && !change.TaskProjectExists {
		return false, ReasonProjectNotFound, models.ConflictValidationError
	}
	return true, "", ""
}
