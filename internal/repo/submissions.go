package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"atelier/internal/domain"
)

// InsertSubmissionTx appends one ledger entry. Rows are never updated or
// deleted afterwards.
func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	attachments := s.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	var rating any
	if s.Rating != nil {
		rating = *s.Rating
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO submissions(id,task_id,type,comment,rating,attachments_json,actor_id,client_token,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Type, nullableStringPtr(s.Comment), rating, string(data),
		s.ActorID, nullableStringPtr(s.ClientToken), s.CreatedAt)
	return err
}

const submissionColumns = `id,task_id,type,comment,rating,attachments_json,actor_id,client_token,created_at`

func scanSubmission(row interface{ Scan(...any) error }) (domain.Submission, error) {
	var s domain.Submission
	var comment, clientToken sql.NullString
	var rating sql.NullInt64
	var attachmentsJSON string
	err := row.Scan(&s.ID, &s.TaskID, &s.Type, &comment, &rating, &attachmentsJSON, &s.ActorID, &clientToken, &s.CreatedAt)
	if err != nil {
		return domain.Submission{}, err
	}
	s.Comment = strPtrFromNull(comment)
	s.ClientToken = strPtrFromNull(clientToken)
	if rating.Valid {
		v := int(rating.Int64)
		s.Rating = &v
	}
	if err := json.Unmarshal([]byte(attachmentsJSON), &s.Attachments); err != nil {
		return domain.Submission{}, fmt.Errorf("decode attachments: %w", err)
	}
	return s, nil
}

// ListSubmissions returns a task's ledger entries oldest-first. Ties on
// created_at fall back to insertion order via the rowid.
func (r Repo) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// LatestSubmission returns the most recent ledger entry for a task.
func (r Repo) LatestSubmission(ctx context.Context, taskID string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID)
	s, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return domain.Submission{}, ErrNotFound
	}
	return s, err
}

// GetSubmissionByTokenTx looks up an entry by its idempotency token.
func (r Repo) GetSubmissionByTokenTx(ctx context.Context, tx *sql.Tx, taskID, clientToken string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? AND client_token=? LIMIT 1`, taskID, clientToken)
	s, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return domain.Submission{}, ErrNotFound
	}
	return s, err
}

func (r Repo) CountSubmissions(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

// FlattenAttachments expands ledger entries into a flat file list annotated
// with the entry that carried each file. Recomputed on demand, never cached.
func FlattenAttachments(entries []domain.Submission) []domain.LedgerFile {
	files := []domain.LedgerFile{}
	for _, entry := range entries {
		for _, att := range entry.Attachments {
			files = append(files, domain.LedgerFile{
				Attachment:   att,
				SubmissionID: entry.ID,
				EntryType:    entry.Type,
				ActorID:      entry.ActorID,
				SubmittedAt:  entry.CreatedAt,
			})
		}
	}
	return files
}
