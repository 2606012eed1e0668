package repo

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
)

const messageColumns = `id,work_unit_id,seq,role,COALESCE(author_id,''),body,delivery_status,reply_to_id,external_id,created_at`

// InsertMessage appends m to its work unit and fills in the assigned sequence number.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m *domain.Message) error {
	return r.q(tx).QueryRowContext(ctx, `INSERT INTO messages(id,work_unit_id,seq,role,author_id,body,delivery_status,reply_to_id,external_id,created_at)
SELECT ?,?,COALESCE(MAX(seq),0)+1,?,?,?,?,?,?,? FROM messages WHERE work_unit_id=?
RETURNING seq`,
		m.ID, m.WorkUnitID, m.Role, nullable(m.AuthorID), m.Body, m.DeliveryStatus,
		nullableStringPtr(m.ReplyToID), nullableStringPtr(m.ExternalID), m.CreatedAt, m.WorkUnitID).Scan(&m.Seq)
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO artifacts(id,message_id,kind,title,content_json,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.MessageID, a.Kind, nullable(a.Title), a.ContentJSON, a.CreatedAt)
	return err
}

// UpdateDeliveryStatus moves a message out of sending. Messages that already
// left sending keep their status.
func (r Repo) UpdateDeliveryStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET delivery_status=? WHERE id=? AND delivery_status=?`, status, id, domain.DeliverySending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id=?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var replyTo, externalID sql.NullString
	if err := row.Scan(&m.ID, &m.WorkUnitID, &m.Seq, &m.Role, &m.AuthorID, &m.Body, &m.DeliveryStatus, &replyTo, &externalID, &m.CreatedAt); err != nil {
		return m, err
	}
	m.ReplyToID = stringPtr(replyTo)
	m.ExternalID = stringPtr(externalID)
	return m, nil
}

// GetMessage returns the message with its artifacts.
func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Artifacts, err = r.ListArtifacts(ctx, m.ID)
	return m, err
}

// FindMessageByExternalID looks up an agent message by the id the workflow engine assigned it.
func (r Repo) FindMessageByExternalID(ctx context.Context, tx *sql.Tx, workUnitID, externalID string) (domain.Message, error) {
	m, err := scanMessage(r.q(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE work_unit_id=? AND external_id=?`, workUnitID, externalID))
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMessages(ctx context.Context, workUnitID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE work_unit_id=? ORDER BY seq`, workUnitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListArtifacts(ctx context.Context, messageID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,message_id,kind,COALESCE(title,''),content_json,created_at FROM artifacts WHERE message_id=? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Kind, &a.Title, &a.ContentJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
