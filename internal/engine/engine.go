package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/repo"
)

// ValidationError is a pre-flight refusal. Nothing is written when one is
// returned.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// ConflictError indicates a stale version or duplicate write.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.New(conn),
		Events: events.Writer{DB: conn},
		Auth:   auth.Service{DB: conn},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	if e.Now == nil {
		e.Now = time.Now
	}
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func newID() string {
	return uuid.NewString()
}

// InitProject creates the project, its lead membership and stored config.
func (e Engine) InitProject(ctx context.Context, id, name, leadID string) (domain.Project, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Project{}, ValidationError{"project id required"}
	}
	if leadID == "" {
		leadID = "local-user"
	}
	if name == "" {
		name = id
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, leadID, now); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{ID: id, Name: name, LeadID: leadID, CreatedAt: now}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertMemberTx(ctx, tx, domain.Member{ProjectID: id, ActorID: leadID, Role: "lead", CreatedAt: now}); err != nil {
		return domain.Project{}, err
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(id)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, id, cfg); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", id, events.KindProject, id, leadID, events.EventPayload{"name": name, "lead_id": leadID}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AddMember adds or updates a project membership.
func (e Engine) AddMember(ctx context.Context, projectID, actorID, role, byActorID string) (domain.Member, error) {
	if role != "lead" && role != "member" {
		return domain.Member{}, ValidationError{"role must be lead or member"}
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Member{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Member{}, err
	}
	m := domain.Member{ProjectID: projectID, ActorID: actorID, Role: role, CreatedAt: now}
	if err := e.Repo.UpsertMemberTx(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if role == "lead" {
		if err := e.Repo.SetProjectLeadTx(ctx, tx, projectID, actorID); err != nil {
			return domain.Member{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "member.added", projectID, events.KindMember, actorID, byActorID, events.EventPayload{"role": role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

// ---- activity tree ----

type ActivityCreateOptions struct {
	ID          string
	ProjectID   string
	Name        string
	Description *string
	ParentID    *string
	Status      string
	StartsOn    *string
	EndsOn      *string
	ActorID     string
}

// CreateActivity appends a node under the given parent. Depth is derived
// from the parent and bounded at 2; the order index is max(sibling)+1 so an
// append lands last even when deletions left gaps.
func (e Engine) CreateActivity(ctx context.Context, opts ActivityCreateOptions) (domain.Activity, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Activity{}, ValidationError{"activity name required"}
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	depth := 0
	if opts.ParentID != nil {
		parent, err := e.Repo.GetActivityTx(ctx, tx, *opts.ParentID)
		if err != nil {
			return domain.Activity{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Activity{}, repo.ErrNotFound
		}
		depth = parent.Depth + 1
		if depth > 2 {
			return domain.Activity{}, ValidationError{"activity depth limit reached: children are not allowed under a depth-2 node"}
		}
	}
	maxOrder, err := e.Repo.MaxSiblingOrderTx(ctx, tx, opts.ProjectID, opts.ParentID)
	if err != nil {
		return domain.Activity{}, err
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	a := domain.Activity{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Name:        opts.Name,
		Description: opts.Description,
		ParentID:    opts.ParentID,
		Depth:       depth,
		OrderIndex:  maxOrder + 1,
		Status:      opts.Status,
		StartsOn:    opts.StartsOn,
		EndsOn:      opts.EndsOn,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	if err := e.Auth.EnsureActor(ctx, tx, orLocal(opts.ActorID)); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.created", opts.ProjectID, events.KindActivity, id, orLocal(opts.ActorID), events.EventPayload{"name": opts.Name, "depth": depth}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

type ActivityUpdateOptions struct {
	ID             string
	ActorID        string
	Name           *string
	Description    *string
	DescriptionSet bool
	Status         *string
	StartsOn       *string
	StartsOnSet    bool
	EndsOn         *string
	EndsOnSet      bool
}

// UpdateActivity edits a node in place. Parent and depth are immutable;
// moving a node means delete and recreate.
func (e Engine) UpdateActivity(ctx context.Context, opts ActivityUpdateOptions) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetActivityTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Activity{}, err
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.Activity{}, ValidationError{"activity name required"}
		}
		a.Name = *opts.Name
	}
	if opts.DescriptionSet {
		a.Description = opts.Description
	}
	if opts.Status != nil {
		a.Status = *opts.Status
	}
	if opts.StartsOnSet {
		a.StartsOn = opts.StartsOn
	}
	if opts.EndsOnSet {
		a.EndsOn = opts.EndsOn
	}
	a.UpdatedAt = e.now()
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.updated", a.ProjectID, events.KindActivity, a.ID, orLocal(opts.ActorID), nil); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// DeleteActivity issues a single delete; descendants cascade and linked
// tasks are orphaned by the schema's FK policy.
func (e Engine) DeleteActivity(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetActivityTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteActivityTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "activity.deleted", a.ProjectID, events.KindActivity, id, orLocal(actorID), events.EventPayload{"name": a.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

type ReorderOptions struct {
	ProjectID string
	DraggedID string
	TargetID  string
	ActorID   string
}

// ReorderActivities moves the dragged node to the target's position within
// one sibling set and rewrites the whole set's order indices as 0..N-1 in a
// single transaction. A cross-parent pair is a logged no-op, not an error.
func (e Engine) ReorderActivities(ctx context.Context, opts ReorderOptions) ([]domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	dragged, err := e.Repo.GetActivityTx(ctx, tx, opts.DraggedID)
	if err != nil {
		return nil, err
	}
	target, err := e.Repo.GetActivityTx(ctx, tx, opts.TargetID)
	if err != nil {
		return nil, err
	}
	if dragged.ProjectID != opts.ProjectID || target.ProjectID != opts.ProjectID {
		return nil, repo.ErrNotFound
	}
	if !sameParent(dragged.ParentID, target.ParentID) {
		e.logger().Info("cross-parent reorder ignored",
			"dragged_id", dragged.ID, "target_id", target.ID, "project_id", opts.ProjectID)
		return e.Repo.ListSiblingsTx(ctx, tx, opts.ProjectID, dragged.ParentID)
	}
	siblings, err := e.Repo.ListSiblingsTx(ctx, tx, opts.ProjectID, dragged.ParentID)
	if err != nil {
		return nil, err
	}
	if dragged.ID == target.ID {
		return siblings, nil
	}
	targetIdx := -1
	for i, s := range siblings {
		if s.ID == target.ID {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, repo.ErrNotFound
	}
	reordered := make([]domain.Activity, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != dragged.ID {
			reordered = append(reordered, s)
		}
	}
	if targetIdx > len(reordered) {
		targetIdx = len(reordered)
	}
	reordered = append(reordered[:targetIdx], append([]domain.Activity{dragged}, reordered[targetIdx:]...)...)

	now := e.now()
	updates := make([]repo.OrderUpdate, 0, len(reordered))
	for i := range reordered {
		reordered[i].OrderIndex = i
		reordered[i].UpdatedAt = now
		updates = append(updates, repo.OrderUpdate{ID: reordered[i].ID, OrderIndex: i})
	}
	if err := e.Repo.UpdateSiblingOrdersTx(ctx, tx, updates, now); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "activity.reordered", opts.ProjectID, events.KindActivity, dragged.ID, orLocal(opts.ActorID), events.EventPayload{"target_id": target.ID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reordered, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ---- tasks ----

type TaskCreateOptions struct {
	ID             string
	ProjectID      string
	Title          string
	Description    *string
	ActivityID     *string
	ParentTaskID   *string
	Priority       string
	Compartment    *string
	StartsOn       *string
	DueOn          *string
	EstimatedHours *float64
	Assignees      []string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{"task title required"}
	}
	priority := opts.Priority
	if priority == "" {
		priority = "medium"
		if e.Config != nil && e.Config.Tasks.DefaultPriority != "" {
			priority = e.Config.Tasks.DefaultPriority
		}
	}
	if !validPriority(priority) {
		return domain.Task{}, ValidationError{fmt.Sprintf("invalid priority %q", priority)}
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if opts.ActivityID != nil {
		activity, err := e.Repo.GetActivityTx(ctx, tx, *opts.ActivityID)
		if err != nil {
			return domain.Task{}, err
		}
		if activity.ProjectID != opts.ProjectID {
			return domain.Task{}, ValidationError{"activity belongs to another project"}
		}
	}
	if opts.ParentTaskID != nil {
		parent, err := e.Repo.GetTaskTx(ctx, tx, *opts.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, ValidationError{"parent task belongs to another project"}
		}
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	t := domain.Task{
		ID:             id,
		ProjectID:      opts.ProjectID,
		ActivityID:     opts.ActivityID,
		ParentTaskID:   opts.ParentTaskID,
		Title:          opts.Title,
		Description:    opts.Description,
		Status:         domain.TaskStatusTodo,
		Priority:       priority,
		Compartment:    opts.Compartment,
		StartsOn:       opts.StartsOn,
		DueOn:          opts.DueOn,
		EstimatedHours: opts.EstimatedHours,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Auth.EnsureActor(ctx, tx, orLocal(opts.ActorID)); err != nil {
		return domain.Task{}, err
	}
	for _, assignee := range opts.Assignees {
		if err := e.Repo.EnsureActor(ctx, tx, assignee, now); err != nil {
			return domain.Task{}, err
		}
		if err := e.Repo.AddAssignmentTx(ctx, tx, id, assignee, now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", opts.ProjectID, events.KindTask, id, orLocal(opts.ActorID), events.EventPayload{"title": opts.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

type TaskUpdateOptions struct {
	ID                string
	ActorID           string
	Title             *string
	Description       *string
	DescriptionSet    bool
	ActivityID        *string
	ActivitySet       bool
	Priority          *string
	Compartment       *string
	CompartmentSet    bool
	StartsOn          *string
	StartsOnSet       bool
	DueOn             *string
	DueOnSet          bool
	EstimatedHours    *float64
	EstimatedHoursSet bool
	ActualHours       *float64
	ActualHoursSet    bool
	ExpectedVersion   *int64
}

// UpdateTask edits descriptive fields. Status is owned by the lifecycle
// controller and cannot be set here.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := checkVersion(opts.ExpectedVersion, t.Version); err != nil {
		return domain.Task{}, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Task{}, ValidationError{"task title required"}
		}
		t.Title = *opts.Title
	}
	if opts.DescriptionSet {
		t.Description = opts.Description
	}
	if opts.ActivitySet {
		if opts.ActivityID != nil {
			activity, err := e.Repo.GetActivityTx(ctx, tx, *opts.ActivityID)
			if err != nil {
				return domain.Task{}, err
			}
			if activity.ProjectID != t.ProjectID {
				return domain.Task{}, ValidationError{"activity belongs to another project"}
			}
		}
		t.ActivityID = opts.ActivityID
	}
	if opts.Priority != nil {
		if !validPriority(*opts.Priority) {
			return domain.Task{}, ValidationError{fmt.Sprintf("invalid priority %q", *opts.Priority)}
		}
		t.Priority = *opts.Priority
	}
	if opts.CompartmentSet {
		t.Compartment = opts.Compartment
	}
	if opts.StartsOnSet {
		t.StartsOn = opts.StartsOn
	}
	if opts.DueOnSet {
		t.DueOn = opts.DueOn
	}
	if opts.EstimatedHoursSet {
		t.EstimatedHours = opts.EstimatedHours
	}
	if opts.ActualHoursSet {
		t.ActualHours = opts.ActualHours
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTaskFieldsTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, events.KindTask, t.ID, orLocal(opts.ActorID), nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, opts.ID)
}

func (e Engine) AssignTask(ctx context.Context, taskID, actorID, byActorID string) (domain.Task, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.AddAssignmentTx(ctx, tx, taskID, actorID, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", t.ProjectID, events.KindTask, taskID, orLocal(byActorID), events.EventPayload{"assignee_id": actorID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) UnassignTask(ctx context.Context, taskID, actorID, byActorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.RemoveAssignmentTx(ctx, tx, taskID, actorID); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.unassigned", t.ProjectID, events.KindTask, taskID, orLocal(byActorID), events.EventPayload{"assignee_id": actorID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// ---- lifecycle controller ----

// ensureLifecycle maps (from, action) to the target status. Anything not in
// the table is refused before any write.
func ensureLifecycle(from, action string) (string, error) {
	switch action {
	case "start":
		if from != domain.TaskStatusTodo {
			return "", ValidationError{fmt.Sprintf("cannot start task in status %s", from)}
		}
		return domain.TaskStatusInProgress, nil
	case "submit":
		if from != domain.TaskStatusInProgress && from != domain.TaskStatusCorrection {
			return "", ValidationError{fmt.Sprintf("cannot submit task in status %s", from)}
		}
		return domain.TaskStatusInReview, nil
	case "validate":
		if from != domain.TaskStatusInReview {
			return "", ValidationError{fmt.Sprintf("cannot validate task in status %s", from)}
		}
		return domain.TaskStatusCompleted, nil
	case "reject":
		if from != domain.TaskStatusInReview {
			return "", ValidationError{fmt.Sprintf("cannot reject task in status %s", from)}
		}
		return domain.TaskStatusCorrection, nil
	case "cancel":
		if from == domain.TaskStatusCompleted || from == domain.TaskStatusCancelled {
			return "", ValidationError{fmt.Sprintf("cannot cancel task in status %s", from)}
		}
		return domain.TaskStatusCancelled, nil
	default:
		return "", ValidationError{fmt.Sprintf("unknown lifecycle action %q", action)}
	}
}

type StartOptions struct {
	TaskID          string
	ActorID         string
	ExpectedVersion *int64
}

// StartTask moves todo to in_progress for an assignee. Starting writes no
// ledger entry; only submit, validate and reject do.
func (e Engine) StartTask(ctx context.Context, opts StartOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	to, err := ensureLifecycle(t.Status, "start")
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.requireAssignee(ctx, tx, t, opts.ActorID, "start"); err != nil {
		return domain.Task{}, err
	}
	if err := checkVersion(opts.ExpectedVersion, t.Version); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, to, nil, e.now()); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", t.ProjectID, events.KindTask, t.ID, opts.ActorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, opts.TaskID)
}

type SubmitOptions struct {
	TaskID          string
	ActorID         string
	Comment         *string
	Attachments     []domain.Attachment
	ClientToken     string
	ExpectedVersion *int64
}

// SubmitTask moves in_progress or correction to in_review, appending one
// submission ledger entry in the same transaction as the status update. The
// ledger insert runs first so a failed status write can never leave an
// entry-less status change.
func (e Engine) SubmitTask(ctx context.Context, opts SubmitOptions) (domain.Task, domain.Submission, error) {
	return e.applyReview(ctx, reviewAction{
		action:      "submit",
		entryType:   domain.SubmissionTypeSubmission,
		taskID:      opts.TaskID,
		actorID:     opts.ActorID,
		comment:     opts.Comment,
		attachments: opts.Attachments,
		clientToken: opts.ClientToken,
		expected:    opts.ExpectedVersion,
	})
}

type ValidateOptions struct {
	TaskID          string
	ActorID         string
	Rating          int
	Comment         *string
	Attachments     []domain.Attachment
	ClientToken     string
	ExpectedVersion *int64
}

// ValidateTask completes an in_review task. The rating is mandatory and
// bounded to the fixed 1..4 scale; completed_at is stamped at transition.
func (e Engine) ValidateTask(ctx context.Context, opts ValidateOptions) (domain.Task, domain.Submission, error) {
	if opts.Rating < 1 || opts.Rating > 4 {
		return domain.Task{}, domain.Submission{}, ValidationError{"rating must be between 1 and 4"}
	}
	rating := opts.Rating
	return e.applyReview(ctx, reviewAction{
		action:      "validate",
		entryType:   domain.SubmissionTypeValidation,
		taskID:      opts.TaskID,
		actorID:     opts.ActorID,
		comment:     opts.Comment,
		rating:      &rating,
		attachments: opts.Attachments,
		clientToken: opts.ClientToken,
		expected:    opts.ExpectedVersion,
	})
}

type RejectOptions struct {
	TaskID          string
	ActorID         string
	Comment         string
	Attachments     []domain.Attachment
	ClientToken     string
	ExpectedVersion *int64
}

// RejectTask sends an in_review task back to correction. The comment is
// mandatory and must be non-empty.
func (e Engine) RejectTask(ctx context.Context, opts RejectOptions) (domain.Task, domain.Submission, error) {
	comment := strings.TrimSpace(opts.Comment)
	if comment == "" {
		return domain.Task{}, domain.Submission{}, ValidationError{"rejection requires a comment"}
	}
	return e.applyReview(ctx, reviewAction{
		action:      "reject",
		entryType:   domain.SubmissionTypeRejection,
		taskID:      opts.TaskID,
		actorID:     opts.ActorID,
		comment:     &comment,
		attachments: opts.Attachments,
		clientToken: opts.ClientToken,
		expected:    opts.ExpectedVersion,
	})
}

type reviewAction struct {
	action      string
	entryType   string
	taskID      string
	actorID     string
	comment     *string
	rating      *int
	attachments []domain.Attachment
	clientToken string
	expected    *int64
}

func (e Engine) applyReview(ctx context.Context, act reviewAction) (domain.Task, domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, act.taskID)
	if err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	switch act.action {
	case "submit":
		if err := e.requireAssignee(ctx, tx, t, act.actorID, act.action); err != nil {
			return domain.Task{}, domain.Submission{}, err
		}
	default:
		if err := e.requireLead(ctx, tx, t.ProjectID, act.actorID, act.action); err != nil {
			return domain.Task{}, domain.Submission{}, err
		}
	}
	// The replay short-circuit sits behind the actor check so a known token
	// never hands a recorded entry to an actor who could not have written it.
	if act.clientToken != "" {
		existing, err := e.Repo.GetSubmissionByTokenTx(ctx, tx, act.taskID, act.clientToken)
		if err == nil {
			// Replay of an already-recorded action.
			return t, existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, domain.Submission{}, err
		}
	}
	to, err := ensureLifecycle(t.Status, act.action)
	if err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	if err := checkVersion(act.expected, t.Version); err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	now := e.now()
	sub := domain.Submission{
		ID:          newID(),
		TaskID:      t.ID,
		Type:        act.entryType,
		Comment:     act.comment,
		Rating:      act.rating,
		Attachments: act.attachments,
		ActorID:     act.actorID,
		CreatedAt:   now,
	}
	if act.clientToken != "" {
		token := act.clientToken
		sub.ClientToken = &token
	}
	// Ledger first, then status. Status is derived from the ledger, so the
	// reverse order could leave a status no entry explains.
	if err := e.Repo.InsertSubmissionTx(ctx, tx, sub); err != nil {
		return domain.Task{}, domain.Submission{}, fmt.Errorf("append submission: %w", err)
	}
	var completedAt *string
	if to == domain.TaskStatusCompleted {
		completedAt = &now
	}
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, to, completedAt, now); err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	payload := events.EventPayload{"submission_id": sub.ID, "status": to}
	if act.rating != nil {
		payload["rating"] = *act.rating
		payload["rating_label"] = domain.RatingLabels[*act.rating]
	}
	if err := e.Events.Append(ctx, tx, "task."+pastTense(act.action), t.ProjectID, events.KindTask, t.ID, act.actorID, payload); err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	updated, err := e.Repo.GetTask(ctx, act.taskID)
	if err != nil {
		return domain.Task{}, domain.Submission{}, err
	}
	return updated, sub, nil
}

type CancelOptions struct {
	TaskID          string
	ActorID         string
	ExpectedVersion *int64
}

// CancelTask is a lead action; like start it changes status without a
// ledger entry.
func (e Engine) CancelTask(ctx context.Context, opts CancelOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	to, err := ensureLifecycle(t.Status, "cancel")
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.requireLead(ctx, tx, t.ProjectID, opts.ActorID, "cancel"); err != nil {
		return domain.Task{}, err
	}
	if err := checkVersion(opts.ExpectedVersion, t.Version); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, to, nil, e.now()); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", t.ProjectID, events.KindTask, t.ID, opts.ActorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, opts.TaskID)
}

// ListSubmissions returns a task's ledger oldest-first.
func (e Engine) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, taskID)
}

// TaskFiles flattens the ledger's attachments for the files view.
func (e Engine) TaskFiles(ctx context.Context, taskID string) ([]domain.LedgerFile, error) {
	entries, err := e.ListSubmissions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return repo.FlattenAttachments(entries), nil
}

// ---- helpers ----

func (e Engine) requireAssignee(ctx context.Context, tx *sql.Tx, t domain.Task, actorID, action string) error {
	if actorID == "" {
		return auth.ForbiddenError{Action: action + " task"}
	}
	ok, err := e.Auth.ActorIsAssignee(ctx, tx, t.ID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Action: action + " task: not an assignee"}
	}
	return nil
}

func (e Engine) requireLead(ctx context.Context, tx *sql.Tx, projectID, actorID, action string) error {
	if actorID == "" {
		return auth.ForbiddenError{Action: action + " task"}
	}
	ok, err := e.Auth.ActorIsLead(ctx, tx, projectID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Action: action + " task: not the project lead"}
	}
	return nil
}

func checkVersion(expected *int64, actual int64) error {
	if expected != nil && *expected != actual {
		return ConflictError{fmt.Sprintf("task version is %d, expected %d", actual, *expected)}
	}
	return nil
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}

func pastTense(action string) string {
	switch action {
	case "submit":
		return "submitted"
	case "validate":
		return "validated"
	case "reject":
		return "rejected"
	}
	return action
}

func orLocal(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}
