package server

import (
	"atelier/internal/domain"
)

type CreateProjectRequest struct {
	ID     string  `json:"id" example:"atelier"`
	Name   string  `json:"name,omitempty"`
	LeadID *string `json:"lead_id,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LeadID      string `json:"lead_id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MemberRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"lead,member"`
}

type MemberResponse struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreateActivityRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	StartsOn    *string `json:"starts_on,omitempty" format:"date"`
	EndsOn      *string `json:"ends_on,omitempty" format:"date"`
}

type UpdateActivityRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	StartsOn    *string `json:"starts_on,omitempty" format:"date"`
	EndsOn      *string `json:"ends_on,omitempty" format:"date"`
}

type ReorderActivityRequest struct {
	TargetID string `json:"target_id"`
}

type ActivityResponse struct {
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

// ActivityNode is one node of the nested tree projection.
type ActivityNode struct {
	ActivityResponse
	Children []ActivityNode `json:"children"`
}

type CreateTaskRequest struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	ActivityID     *string  `json:"activity_id,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high,urgent,"`
	Compartment    *string  `json:"compartment,omitempty"`
	StartsOn       *string  `json:"starts_on,omitempty" format:"date"`
	DueOn          *string  `json:"due_on,omitempty" format:"date"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
}

type UpdateTaskRequest struct {
	Title           *string  `json:"title,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Priority        *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Compartment     *string  `json:"compartment,omitempty"`
	StartsOn        *string  `json:"starts_on,omitempty" format:"date"`
	DueOn           *string  `json:"due_on,omitempty" format:"date"`
	EstimatedHours  *float64 `json:"estimated_hours,omitempty"`
	ActualHours     *float64 `json:"actual_hours,omitempty"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

type TaskResponse struct {
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
	Assignees      []string `json:"assignees"`
	Version        int64    `json:"version"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type AssignRequest struct {
	ActorID string `json:"actor_id"`
}

type AttachmentPayload struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

type LifecycleRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type SubmitRequest struct {
	Comment         *string             `json:"comment,omitempty"`
	Attachments     []AttachmentPayload `json:"attachments,omitempty"`
	ClientToken     string              `json:"client_token,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
}

type ValidateRequest struct {
	Rating          int                 `json:"rating" minimum:"1" maximum:"4"`
	Comment         *string             `json:"comment,omitempty"`
	Attachments     []AttachmentPayload `json:"attachments,omitempty"`
	ClientToken     string              `json:"client_token,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
}

type RejectRequest struct {
	Comment         string              `json:"comment"`
	Attachments     []AttachmentPayload `json:"attachments,omitempty"`
	ClientToken     string              `json:"client_token,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
}

type SubmissionResponse struct {
	ID          string              `json:"id"`
	TaskID      string              `json:"task_id"`
	Type        string              `json:"type" enum:"submission,validation,rejection"`
	Comment     *string             `json:"comment,omitempty"`
	Rating      *int                `json:"rating,omitempty"`
	RatingLabel string              `json:"rating_label,omitempty"`
	Attachments []AttachmentPayload `json:"attachments"`
	ActorID     string              `json:"actor_id"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
}

type LifecycleResponse struct {
	Task       TaskResponse        `json:"task"`
	Submission *SubmissionResponse `json:"submission,omitempty"`
}

type LedgerFileResponse struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type,omitempty"`
	SubmissionID string `json:"submission_id"`
	EntryType    string `json:"entry_type"`
	ActorID      string `json:"actor_id"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// ---- conversions ----

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		LeadID:      p.LeadID,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{ProjectID: m.ProjectID, ActorID: m.ActorID, Role: m.Role, CreatedAt: m.CreatedAt}
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		Name:        a.Name,
		Description: a.Description,
		ParentID:    a.ParentID,
		Depth:       a.Depth,
		OrderIndex:  a.OrderIndex,
		Status:      a.Status,
		StartsOn:    a.StartsOn,
		EndsOn:      a.EndsOn,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		ActivityID:     t.ActivityID,
		ParentTaskID:   t.ParentTaskID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         t.Status,
		Priority:       t.Priority,
		Compartment:    t.Compartment,
		StartsOn:       t.StartsOn,
		DueOn:          t.DueOn,
		EstimatedHours: t.EstimatedHours,
		ActualHours:    t.ActualHours,
		Assignees:      nonNilSlice(t.Assignees),
		Version:        t.Version,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		ID:          s.ID,
		TaskID:      s.TaskID,
		Type:        s.Type,
		Comment:     s.Comment,
		Rating:      s.Rating,
		Attachments: attachmentPayloads(s.Attachments),
		ActorID:     s.ActorID,
		CreatedAt:   s.CreatedAt,
	}
	if s.Rating != nil {
		resp.RatingLabel = domain.RatingLabels[*s.Rating]
	}
	return resp
}

func ledgerFileResponse(f domain.LedgerFile) LedgerFileResponse {
	return LedgerFileResponse{
		Name:         f.Name,
		Path:         f.Path,
		Size:         f.Size,
		MimeType:     f.MimeType,
		SubmissionID: f.SubmissionID,
		EntryType:    f.EntryType,
		ActorID:      f.ActorID,
		SubmittedAt:  f.SubmittedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func attachmentPayloads(items []domain.Attachment) []AttachmentPayload {
	res := make([]AttachmentPayload, 0, len(items))
	for _, a := range items {
		res = append(res, AttachmentPayload{Name: a.Name, Path: a.Path, Size: a.Size, MimeType: a.MimeType})
	}
	return res
}

func attachmentsFromPayload(items []AttachmentPayload) []domain.Attachment {
	res := make([]domain.Attachment, 0, len(items))
	for _, a := range items {
		res = append(res, domain.Attachment{Name: a.Name, Path: a.Path, Size: a.Size, MimeType: a.MimeType})
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapSubmissions(items []domain.Submission) []SubmissionResponse {
	res := make([]SubmissionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, submissionResponse(s))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(s string) *string {
	return &s
}
