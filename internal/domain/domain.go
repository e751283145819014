package domain

import (
	"fmt"
	"strings"
)

// MigratableObjectType names one kind of persisted object that can be backed up and restored.
type MigratableObjectType string

const (
	TypeEntity            MigratableObjectType = "ENTITY"
	TypePrincipal         MigratableObjectType = "PRINCIPAL"
	TypeAccessRequirement MigratableObjectType = "ACCESS_REQUIREMENT"
	TypeActivity          MigratableObjectType = "ACTIVITY"
	TypeEvaluation        MigratableObjectType = "EVALUATION"
	TypeSubmission        MigratableObjectType = "SUBMISSION"
	TypeFavorite          MigratableObjectType = "FAVORITE"
	TypeWikiPage          MigratableObjectType = "WIKI_PAGE"
	TypeFileHandle        MigratableObjectType = "FILE_HANDLE"
	TypeTrashedEntity     MigratableObjectType = "TRASHED_ENTITY"
)

// AllTypes lists every type in the order the store is created: a type never depends
// on a type that comes after it.
var AllTypes = []MigratableObjectType{
	TypePrincipal,
	TypeFileHandle,
	TypeEntity,
	TypeActivity,
	TypeAccessRequirement,
	TypeEvaluation,
	TypeSubmission,
	TypeFavorite,
	TypeWikiPage,
	TypeTrashedEntity,
}

// Priority returns the position of t in AllTypes, or len(AllTypes) for unknown types.
func (t MigratableObjectType) Priority() int {
	for i, v := range AllTypes {
		if v == t {
			return i
		}
	}
	return len(AllTypes)
}

func (t MigratableObjectType) Valid() bool {
	return t.Priority() < len(AllTypes)
}

// ParseMigratableObjectType accepts type names case-insensitively.
func ParseMigratableObjectType(s string) (MigratableObjectType, error) {
	t := MigratableObjectType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown migratable object type %q", s)
	}
	return t, nil
}

// MigratableObjectDescriptor is the identity the generic layer understands.
type MigratableObjectDescriptor struct {
	Type MigratableObjectType `json:"type"`
	ID   string               `json:"id"`
}

func (d MigratableObjectDescriptor) String() string {
	return string(d.Type) + ":" + d.ID
}

// MigratableObjectData describes one object for whole-store enumeration.
type MigratableObjectData struct {
	ID           MigratableObjectDescriptor   `json:"id"`
	Etag         string                       `json:"etag"`
	Dependencies []MigratableObjectDescriptor `json:"dependencies,omitempty"`
}

type QueryResults struct {
	TotalNumberOfResults int64                  `json:"total_number_of_results"`
	Results              []MigratableObjectData `json:"results"`
}

// Migratable is implemented by every flat object kind.
type Migratable interface {
	Descriptor() MigratableObjectDescriptor
	Etag() string
	Dependencies() []MigratableObjectDescriptor
}

// DaemonType tells a backup job from a restore job.
type DaemonType string

const (
	DaemonBackup  DaemonType = "BACKUP"
	DaemonRestore DaemonType = "RESTORE"
)

// DaemonStatus is the job state machine: STARTED -> PROCESSING -> COMPLETED | FAILED.
type DaemonStatus string

const (
	StatusStarted    DaemonStatus = "STARTED"
	StatusProcessing DaemonStatus = "PROCESSING"
	StatusCompleted  DaemonStatus = "COMPLETED"
	StatusFailed     DaemonStatus = "FAILED"
)

func (s DaemonStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BackupRestoreStatus is the job record polled by callers.
type BackupRestoreStatus struct {
	ID                 string               `json:"id"`
	Type               DaemonType           `json:"type"`
	ObjectType         MigratableObjectType `json:"object_type"`
	Status             DaemonStatus         `json:"status" enum:"STARTED,PROCESSING,COMPLETED,FAILED"`
	TotalCount         int64                `json:"total_count"`
	CurrentIndex       int64                `json:"current_index"`
	ProgressMessage    string               `json:"progress_message,omitempty"`
	BackupLocation     string               `json:"backup_location,omitempty"`
	ErrorMessage       string               `json:"error_message,omitempty"`
	ErrorDetails       string               `json:"error_details,omitempty"`
	StartedBy          string               `json:"started_by"`
	StartedOn          string               `json:"started_on" format:"date-time"`
	FinishedOn         string               `json:"finished_on,omitempty" format:"date-time"`
	TerminateRequested bool                 `json:"terminate_requested,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	ObjectType string `json:"object_type,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
