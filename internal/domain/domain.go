package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LeadID      string `json:"lead_id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Member links an actor to a project. The lead is also recorded on the
// project row; the membership row carries the role for listing.
type Member struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"lead,member"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Activity is a node in the per-project activity forest. Depth is 0 for
// roots and at most 2; OrderIndex is dense (0..N-1) within a sibling set.
type Activity struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Depth       int     `json:"depth"`
	OrderIndex  int     `json:"order_index"`
	Status      string  `json:"status,omitempty"`
	StartsOn    *string `json:"starts_on,omitempty" format:"date"`
	EndsOn      *string `json:"ends_on,omitempty" format:"date"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusInReview   = "in_review"
	TaskStatusCorrection = "correction"
	TaskStatusValidated  = "validated"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// RatingLabels is the fixed review scale attached to validations.
var RatingLabels = map[int]string{
	1: "Mauvais",
	2: "À améliorer",
	3: "Satisfaisant",
	4: "Excellent",
}

type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	ActivityID     *string  `json:"activity_id,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Status         string   `json:"status" enum:"todo,in_progress,in_review,correction,validated,completed,cancelled"`
	Priority       string   `json:"priority" enum:"low,medium,high,urgent"`
	Compartment    *string  `json:"compartment,omitempty"`
	StartsOn       *string  `json:"starts_on,omitempty" format:"date"`
	DueOn          *string  `json:"due_on,omitempty" format:"date"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Version        int64    `json:"version"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Attachment describes a stored file referenced by a ledger entry.
type Attachment struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

const (
	SubmissionTypeSubmission = "submission"
	SubmissionTypeValidation = "validation"
	SubmissionTypeRejection  = "rejection"
)

// Submission is one append-only ledger entry against a task. Rows are
// immutable once written; a task's review state is the latest entry's type.
type Submission struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Type        string       `json:"type" enum:"submission,validation,rejection"`
	Comment     *string      `json:"comment,omitempty"`
	Rating      *int         `json:"rating,omitempty" minimum:"1" maximum:"4"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ActorID     string       `json:"actor_id"`
	ClientToken *string      `json:"client_token,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

// LedgerFile is a flattened attachment annotated with its ledger entry.
type LedgerFile struct {
	Attachment
	SubmissionID string `json:"submission_id"`
	EntryType    string `json:"entry_type"`
	ActorID      string `json:"actor_id"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskStatuses lists the task statuses in lifecycle order.
var TaskStatuses = []string{
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusInReview,
	TaskStatusCorrection,
	TaskStatusValidated,
	TaskStatusCompleted,
	TaskStatusCancelled,
}

// Priorities lists the accepted task priorities.
var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
