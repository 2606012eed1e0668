package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskrelay/internal/domain"
)

const workUnitColumns = `id,collection_id,creator_id,title,description,workflow_status,external_correlation_id,assignee_id,repository_ref,estimate,workflow_started_at,workflow_completed_at,deleted_at,created_at,updated_at`

func (r Repo) InsertWorkUnit(ctx context.Context, tx *sql.Tx, w domain.WorkUnit) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_units(`+workUnitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.CollectionID, w.CreatorID, w.Title, nullable(w.Description), w.WorkflowStatus,
		nullableStringPtr(w.ExternalCorrelationID), nullableStringPtr(w.AssigneeID), nullableStringPtr(w.RepositoryRef),
		nullableFloatPtr(w.Estimate), nullableStringPtr(w.WorkflowStartedAt), nullableStringPtr(w.WorkflowCompletedAt),
		nullableStringPtr(w.DeletedAt), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	return r.GetWorkUnitTx(ctx, nil, id)
}

func (r Repo) GetWorkUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkUnit, error) {
	var w domain.WorkUnit
	var description, correlation, assignee, repoRef, started, completed, deleted sql.NullString
	var estimate sql.NullFloat64
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id=?`, id).
		Scan(&w.ID, &w.CollectionID, &w.CreatorID, &w.Title, &description, &w.WorkflowStatus, &correlation, &assignee,
			&repoRef, &estimate, &started, &completed, &deleted, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	w.ExternalCorrelationID = stringPtr(correlation)
	w.AssigneeID = stringPtr(assignee)
	w.RepositoryRef = stringPtr(repoRef)
	if estimate.Valid {
		e := estimate.Float64
		w.Estimate = &e
	}
	w.WorkflowStartedAt = stringPtr(started)
	w.WorkflowCompletedAt = stringPtr(completed)
	w.DeletedAt = stringPtr(deleted)
	return w, nil
}

// WorkflowUpdate changes the workflow fields of a work unit in one statement.
// Nil pointers leave the stored value untouched; an empty CorrelationID clears it.
type WorkflowUpdate struct {
	Status        string
	CorrelationID *string
	StartedAt     *string
	CompletedAt   *string
	UpdatedAt     string
	// ClearCompleted resets workflow_completed_at when a new run starts.
	ClearCompleted bool
	// OnlyIfActive skips rows that already reached completed or failed.
	OnlyIfActive bool
	// RequireStatus, when set, skips rows whose current status differs.
	RequireStatus string
}

// UpdateWorkflow applies u and reports whether a row changed.
func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, id string, u WorkflowUpdate) (bool, error) {
	fields := []string{"workflow_status=?", "updated_at=?"}
	args := []any{u.Status, u.UpdatedAt}
	if u.CorrelationID != nil {
		fields = append(fields, "external_correlation_id=?")
		args = append(args, nullableStringPtr(u.CorrelationID))
	}
	if u.StartedAt != nil {
		fields = append(fields, "workflow_started_at=?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		fields = append(fields, "workflow_completed_at=?")
		args = append(args, *u.CompletedAt)
	} else if u.ClearCompleted {
		fields = append(fields, "workflow_completed_at=NULL")
	}
	where := "id=?"
	args = append(args, id)
	if u.OnlyIfActive {
		where += " AND workflow_status NOT IN (?,?)"
		args = append(args, domain.StatusCompleted, domain.StatusFailed)
	}
	if u.RequireStatus != "" {
		where += " AND workflow_status=?"
		args = append(args, u.RequireStatus)
	}
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE work_units SET %s WHERE %s`, strings.Join(fields, ","), where), args...)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetCorrelationID records the engine job id whatever the workflow status,
// which must already be past queued.
func (r Repo) SetCorrelationID(ctx context.Context, id, correlationID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_units SET external_correlation_id=?, updated_at=? WHERE id=?`, correlationID, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateWorkUnitTitle(ctx context.Context, tx *sql.Tx, id, title, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_units SET title=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, title, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteWorkUnit stamps deleted_at once; repeated calls keep the first stamp.
func (r Repo) SoftDeleteWorkUnit(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_units SET deleted_at=COALESCE(deleted_at, ?), updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
