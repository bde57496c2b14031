package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates the actor may not perform an action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor not allowed to %s", e.Action)
}

// Service provides actor authorization helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// ActorIsAssignee reports whether the actor holds an assignment on the task.
func (s Service) ActorIsAssignee(ctx context.Context, tx *sql.Tx, taskID, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM assignments WHERE task_id=? AND actor_id=? LIMIT 1`, taskID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActorIsLead reports whether the actor is the project's lead.
func (s Service) ActorIsLead(ctx context.Context, tx *sql.Tx, projectID, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=? AND lead_id=? LIMIT 1`, projectID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActorIsMember reports whether the actor has a membership row on the project.
func (s Service) ActorIsMember(ctx context.Context, tx *sql.Tx, projectID, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM members WHERE project_id=? AND actor_id=? LIMIT 1`, projectID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
