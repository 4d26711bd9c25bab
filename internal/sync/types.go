// Package sync implements the offline-first outbox and conflict-resolution
// engine: a crash-durable change log of local mutations, per-entity version
// tracking, push/pull cycles against the central server, field-level conflict
// classification, and automatic or guided resolution.
package sync

import (
	"errors"
	"time"
)

// Operation is the kind of write a QueueItem carries.
type Operation string

// Operations accepted by Enqueue.
const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ItemStatus is the lifecycle state of a QueueItem.
type ItemStatus string

// Queue item statuses. SYNCED rows are no longer part of the active log; they
// are kept until pruned so that re-appending an acknowledged id stays a no-op.
const (
	StatusPending ItemStatus = "PENDING"
	StatusSyncing ItemStatus = "SYNCING"
	StatusFailed  ItemStatus = "FAILED"
	StatusSynced  ItemStatus = "SYNCED"
)

// ErrorKind records how the last failure of an item was classified.
type ErrorKind string

// Error kinds stored alongside last_error.
const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// Record is a JSON object: an entity snapshot or a mutation payload.
type Record map[string]any

// Clone returns a shallow copy of r. A nil record clones to nil.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Overlay returns a copy of r with every field of patch written on top.
func (r Record) Overlay(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}

	for k, v := range patch {
		out[k] = v
	}

	return out
}

// Project returns the subset of r restricted to fields.
func (r Record) Project(fields []string) Record {
	out := make(Record, len(fields))

	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}

	return out
}

// Mutation is what business code hands to Engine.Enqueue.
type Mutation struct {
	// ID is the idempotency key. Callers retrying after a crash must pass the
	// same ID; an empty ID gets a generated one.
	ID         string
	EntityType string
	EntityID   string
	Operation  Operation
	// Payload holds the fields being written. For UPDATE only changed fields.
	Payload Record
}

// QueueItem is a local mutation recorded in the change log.
type QueueItem struct {
	ID          string
	EntityType  string
	EntityID    string
	Operation   Operation
	Payload     Record
	BaseVersion int64 // 0 when the entity has no server-confirmed version
	// BaseSnapshot is the record the mutation was computed against, captured
	// at append time. It is the common ancestor for conflict classification.
	BaseSnapshot       Record
	CreatedAt          time.Time
	Status             ItemStatus
	RetryCount         int
	LastError          string
	ErrorKind          ErrorKind
	NextAttemptAt      time.Time
	ConflictID         string // set while held by an unresolved conflict
	ResolvesConflictID string // set on items that encode a conflict resolution
	SyncedAt           time.Time

	seq int64
}

// LocalRecord returns the record as the device sees it once this item is
// applied: the base snapshot with the payload on top, or nil for a delete.
func (q *QueueItem) LocalRecord() Record {
	if q.Operation == OpDelete {
		return nil
	}

	return q.BaseSnapshot.Overlay(q.Payload)
}

// EntityVersion is the last server-confirmed state of an entity.
type EntityVersion struct {
	EntityType  string
	EntityID    string
	Version     int64
	Snapshot    Record
	Deleted     bool
	ConfirmedAt time.Time
}

// ConflictStatus is the lifecycle state of a SyncConflict.
type ConflictStatus string

// Conflict statuses.
const (
	ConflictPending  ConflictStatus = "PENDING"
	ConflictResolved ConflictStatus = "RESOLVED"
)

// ConflictType distinguishes concurrent field edits from edit-vs-delete.
type ConflictType string

// Conflict types.
const (
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictDeleteEdit     ConflictType = "DELETE_EDIT"
)

// ResolutionKind is how a conflict was (or will be) settled.
type ResolutionKind string

// Resolution kinds.
const (
	ResolutionNone      ResolutionKind = ""
	ResolutionUseLocal  ResolutionKind = "USE_LOCAL"
	ResolutionUseServer ResolutionKind = "USE_SERVER"
	ResolutionMerge     ResolutionKind = "MERGE"
)

// FieldChoice selects the winning side for one conflict field.
type FieldChoice string

// Field choices for MERGE resolutions.
const (
	ChooseLocal  FieldChoice = "local"
	ChooseServer FieldChoice = "server"
)

// ResolvedBy indicates who settled a conflict.
type ResolvedBy string

// Resolution sources.
const (
	ResolvedByUser ResolvedBy = "user"
	ResolvedByAuto ResolvedBy = "auto"
)

// SyncConflict is a persisted disagreement between a local mutation and the
// server state of the same entity.
type SyncConflict struct {
	ID          string
	EntityType  string
	EntityID    string
	FacilityID  string
	ClientID    string
	QueueItemID string
	Type        ConflictType

	LocalOperation Operation
	LocalChangedAt time.Time
	LocalVersion   Record // nil when the local side deletes
	ServerVersion  Record // nil when the server copy is gone
	BaseSnapshot   Record

	ServerVersionNumber int64
	ConflictFields      []string

	Status           ConflictStatus
	Resolution       ResolutionKind
	FieldChoices     map[string]FieldChoice
	ResolutionItemID string
	ResolvedBy       ResolvedBy
	Notes            string
	DetectedAt       time.Time
	ResolvedAt       time.Time
}

// Resolution is a decision for one conflict.
type Resolution struct {
	Kind         ResolutionKind
	FieldChoices map[string]FieldChoice
	Notes        string
	ResolvedBy   ResolvedBy
}

// QueueFilter narrows ListQueue results. Zero values match everything except
// synced rows, which are only returned when IncludeSynced is set.
type QueueFilter struct {
	Status        ItemStatus
	EntityType    string
	EntityID      string
	IncludeSynced bool
	Limit         int
}

// Health is the locally computable sync state shown to users.
type Health struct {
	DeviceID   string
	Pending    int
	Syncing    int
	Failed     int
	Conflicts  int
	Deferred   int
	LastSyncAt time.Time
	// SchemaVersion is the highest applied device database migration.
	SchemaVersion int64
}

// Sentinel errors returned by the engine. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("sync: not found")
	ErrInvalidMutation      = errors.New("sync: invalid mutation")
	ErrIncompleteResolution = errors.New("sync: resolution does not cover every conflict field")
	ErrUnknownField         = errors.New("sync: resolution names a field that is not in conflict")
	ErrInvalidResolution    = errors.New("sync: invalid resolution")
	ErrAlreadyResolved      = errors.New("sync: conflict already resolved")
	ErrDiscardNotConfirmed  = errors.New("sync: discard requires explicit confirmation")
	ErrHeldByConflict       = errors.New("sync: item is held by an unresolved conflict")
	ErrItemInFlight         = errors.New("sync: item is being pushed")
	ErrNotRetryable         = errors.New("sync: item is not waiting for a retry")
	ErrAmbiguousID          = errors.New("sync: ambiguous id prefix")
)

// Failure classes used by Transport implementations to tell the coordinator
// how a failed request should be treated.
var (
	// ErrOffline means the server could not be reached at all. Items revert
	// to PENDING without consuming a retry.
	ErrOffline = errors.New("sync: server unreachable")
	// ErrTransient covers timeouts, throttling and 5xx responses.
	ErrTransient = errors.New("sync: transient failure")
	// ErrPermanent covers rejections that will not succeed on retry.
	ErrPermanent = errors.New("sync: permanent failure")
	// ErrUnauthorized stops the cycle without touching any item.
	ErrUnauthorized = errors.New("sync: unauthorized")
)
