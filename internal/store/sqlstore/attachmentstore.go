package sqlstore

import (
	"context"
	"time"
)

// AttachmentRow is one row of the attachment table.
type AttachmentRow struct {
	AttachmentID string
	SessionID    string
	OwnerUserID  string
	UploaderID   string
	Filename     string
	MimeType     string
	Size         int64
	Path         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// PutAttachmentInput carries the fields known when an attachment's
// metadata is recorded.
type PutAttachmentInput struct {
	AttachmentID string
	SessionID    string
	OwnerUserID  string
	UploaderID   string
	Filename     string
	MimeType     string
	Size         int64
	Path         string
}

// PutAttachment records one attachment's metadata, stamping CreatedAt
// and ExpiresAt from ttl.
func (s *Store) PutAttachment(ctx context.Context, in PutAttachmentInput, ttl time.Duration) error {
	now := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO attachment (attachment_id, session_id, owner_user_id, uploader_id, filename, mime_type, size, path, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.AttachmentID, in.SessionID, in.OwnerUserID, in.UploaderID, in.Filename, in.MimeType, in.Size, in.Path,
		now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano))
	return err
}

// ListExpiredAttachments returns every attachment whose expires_at has
// passed, for the Sweeper (C9) to evict.
func (s *Store) ListExpiredAttachments(ctx context.Context, now time.Time) ([]AttachmentRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT attachment_id, session_id, owner_user_id, uploader_id, filename, mime_type, size, path, created_at, expires_at
		FROM attachment WHERE expires_at <= ?
	`, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentRow
	for rows.Next() {
		var (
			row                 AttachmentRow
			createdAt, expiresAt string
		)
		if err := rows.Scan(&row.AttachmentID, &row.SessionID, &row.OwnerUserID, &row.UploaderID,
			&row.Filename, &row.MimeType, &row.Size, &row.Path, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		row.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteAttachments removes a batch of attachment rows by id.
func (s *Store) DeleteAttachments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM attachment WHERE attachment_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
