package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"atelier/internal/config"
	"atelier/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// ---- projects ----

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,lead_id,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.LeadID, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,lead_id,COALESCE(description,''),created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.LeadID, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,lead_id,COALESCE(description,''),created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.LeadID, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// SingleProject returns the only project, or an error when zero or many exist.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) != 1 {
		return domain.Project{}, fmt.Errorf("expected exactly one project, found %d", len(items))
	}
	return items[0], nil
}

func (r Repo) SetProjectLeadTx(ctx context.Context, tx *sql.Tx, projectID, leadID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET lead_id=? WHERE id=?`, leadID, projectID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- project config ----

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`,
		projectID, string(data), now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE project_id=?`, projectID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// ---- actors and members ----

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) UpsertMemberTx(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(project_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,actor_id) DO UPDATE SET role=excluded.role`,
		m.ProjectID, m.ActorID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,actor_id,role,created_at FROM members WHERE project_id=? ORDER BY created_at, actor_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r Repo) RemoveMember(ctx context.Context, projectID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM members WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- activities ----

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,project_id,parent_id,name,description,depth,order_index,status,starts_on,ends_on,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullableStringPtr(a.ParentID), a.Name, nullableStringPtr(a.Description),
		a.Depth, a.OrderIndex, nullable(a.Status), nullableStringPtr(a.StartsOn), nullableStringPtr(a.EndsOn),
		a.CreatedAt, a.UpdatedAt)
	return err
}

const activityColumns = `id,project_id,parent_id,name,description,depth,order_index,COALESCE(status,''),starts_on,ends_on,created_at,updated_at`

func scanActivity(row interface{ Scan(...any) error }) (domain.Activity, error) {
	var a domain.Activity
	var parentID, description, startsOn, endsOn sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &parentID, &a.Name, &description, &a.Depth, &a.OrderIndex,
		&a.Status, &startsOn, &endsOn, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Activity{}, err
	}
	a.ParentID = strPtrFromNull(parentID)
	a.Description = strPtrFromNull(description)
	a.StartsOn = strPtrFromNull(startsOn)
	a.EndsOn = strPtrFromNull(endsOn)
	return a, nil
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return domain.Activity{}, ErrNotFound
	}
	return a, err
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return domain.Activity{}, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE project_id=? ORDER BY depth, order_index, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListSiblings returns the activities sharing a parent, ordered by order
// index. A nil parent selects the project's root activities.
func (r Repo) ListSiblings(ctx context.Context, projectID string, parentID *string) ([]domain.Activity, error) {
	return listSiblings(ctx, r.DB, projectID, parentID)
}

func (r Repo) ListSiblingsTx(ctx context.Context, tx *sql.Tx, projectID string, parentID *string) ([]domain.Activity, error) {
	return listSiblings(ctx, tx, projectID, parentID)
}

func listSiblings(ctx context.Context, q querier, projectID string, parentID *string) ([]domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE project_id=? AND parent_id IS NULL ORDER BY order_index, id`
	args := []any{projectID}
	if parentID != nil {
		query = `SELECT ` + activityColumns + ` FROM activities WHERE project_id=? AND parent_id=? ORDER BY order_index, id`
		args = append(args, *parentID)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// MaxSiblingOrderTx returns the highest order index among siblings, or -1
// when the sibling set is empty. Gaps from deletions are preserved so a new
// node always appends last.
func (r Repo) MaxSiblingOrderTx(ctx context.Context, tx *sql.Tx, projectID string, parentID *string) (int, error) {
	query := `SELECT COALESCE(MAX(order_index),-1) FROM activities WHERE project_id=? AND parent_id IS NULL`
	args := []any{projectID}
	if parentID != nil {
		query = `SELECT COALESCE(MAX(order_index),-1) FROM activities WHERE project_id=? AND parent_id=?`
		args = append(args, *parentID)
	}
	var max int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (r Repo) UpdateActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET name=?, description=?, status=?, starts_on=?, ends_on=?, updated_at=? WHERE id=?`,
		a.Name, nullableStringPtr(a.Description), nullable(a.Status),
		nullableStringPtr(a.StartsOn), nullableStringPtr(a.EndsOn), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteActivityTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrderUpdate pairs an activity with its new sibling order index.
type OrderUpdate struct {
	ID         string
	OrderIndex int
}

// UpdateSiblingOrdersTx rewrites the order index of every listed sibling.
// Callers run it inside one transaction so a reader never observes a
// partially applied reorder.
func (r Repo) UpdateSiblingOrdersTx(ctx context.Context, tx *sql.Tx, updates []OrderUpdate, updatedAt string) error {
	stmt, err := tx.PrepareContext(ctx, `UPDATE activities SET order_index=?, updated_at=? WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.OrderIndex, updatedAt, u.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// ---- tasks ----

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,activity_id,parent_task_id,title,description,status,priority,compartment,starts_on,due_on,estimated_hours,actual_hours,version,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ActivityID), nullableStringPtr(t.ParentTaskID),
		t.Title, nullableStringPtr(t.Description), t.Status, t.Priority, nullableStringPtr(t.Compartment),
		nullableStringPtr(t.StartsOn), nullableStringPtr(t.DueOn),
		nullableFloatPtr(t.EstimatedHours), nullableFloatPtr(t.ActualHours),
		t.Version, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

const taskColumns = `id,project_id,activity_id,parent_task_id,title,description,status,priority,compartment,starts_on,due_on,estimated_hours,actual_hours,version,created_at,updated_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var activityID, parentTaskID, description, compartment, startsOn, dueOn, completedAt sql.NullString
	var estimated, actual sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &activityID, &parentTaskID, &t.Title, &description,
		&t.Status, &t.Priority, &compartment, &startsOn, &dueOn, &estimated, &actual,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.ActivityID = strPtrFromNull(activityID)
	t.ParentTaskID = strPtrFromNull(parentTaskID)
	t.Description = strPtrFromNull(description)
	t.Compartment = strPtrFromNull(compartment)
	t.StartsOn = strPtrFromNull(startsOn)
	t.DueOn = strPtrFromNull(dueOn)
	t.CompletedAt = strPtrFromNull(completedAt)
	if estimated.Valid {
		t.EstimatedHours = &estimated.Float64
	}
	if actual.Valid {
		t.ActualHours = &actual.Float64
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.Assignees, err = r.ListAssignees(ctx, id)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT actor_id FROM assignments WHERE task_id=? ORDER BY created_at, actor_id`, id)
	if err != nil {
		return domain.Task{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var actorID string
		if err := rows.Scan(&actorID); err != nil {
			return domain.Task{}, err
		}
		t.Assignees = append(t.Assignees, actorID)
	}
	return t, rows.Err()
}

// TaskFilters narrows ListTasks. Unlinked selects tasks with no activity.
type TaskFilters struct {
	ProjectID   string
	Status      string
	ActivityID  string
	Unlinked    bool
	AssigneeID  string
	Compartment string
	Limit       int
	CursorTS    string
	CursorID    string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ActivityID != "" {
		query += ` AND activity_id=?`
		args = append(args, f.ActivityID)
	} else if f.Unlinked {
		query += ` AND activity_id IS NULL`
	}
	if f.Compartment != "" {
		query += ` AND compartment=?`
		args = append(args, f.Compartment)
	}
	if f.AssigneeID != "" {
		query += ` AND id IN (SELECT task_id FROM assignments WHERE actor_id=?)`
		args = append(args, f.AssigneeID)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var err2 error
	for i := range items {
		items[i].Assignees, err2 = r.ListAssignees(ctx, items[i].ID)
		if err2 != nil {
			return nil, err2
		}
	}
	return items, nil
}

// UpdateTaskFieldsTx writes non-lifecycle fields and bumps the version.
func (r Repo) UpdateTaskFieldsTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, activity_id=?, parent_task_id=?, priority=?, compartment=?, starts_on=?, due_on=?, estimated_hours=?, actual_hours=?, version=version+1, updated_at=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Description), nullableStringPtr(t.ActivityID), nullableStringPtr(t.ParentTaskID),
		t.Priority, nullableStringPtr(t.Compartment), nullableStringPtr(t.StartsOn), nullableStringPtr(t.DueOn),
		nullableFloatPtr(t.EstimatedHours), nullableFloatPtr(t.ActualHours), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskStatusTx moves a task to a new status and bumps the version.
// completedAt is only written when non-nil.
func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string, updatedAt string) error {
	var res sql.Result
	var err error
	if completedAt != nil {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, version=version+1, updated_at=? WHERE id=?`,
			status, *completedAt, updatedAt, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, version=version+1, updated_at=? WHERE id=?`,
			status, updatedAt, id)
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ---- assignments ----

func (r Repo) AddAssignmentTx(ctx context.Context, tx *sql.Tx, taskID, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO assignments(task_id,actor_id,created_at) VALUES (?,?,?)`,
		taskID, actorID, now)
	return err
}

func (r Repo) RemoveAssignmentTx(ctx context.Context, tx *sql.Tx, taskID, actorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE task_id=? AND actor_id=?`, taskID, actorID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssignees(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM assignments WHERE task_id=? ORDER BY created_at, actor_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		actors = append(actors, id)
	}
	return actors, rows.Err()
}

// ---- events ----

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, beforeID int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// ---- helpers ----

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
