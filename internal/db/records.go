package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/stage"
	"github.com/daviddao/outreach/internal/types"
	"github.com/jmoiron/sqlx"
)

const recordColumns = `
	user_id, id, contact_email, contact_name, subject,
	thread_id, draft_id, draft_url, draft_message_id, draft_still_exists,
	stage, thread_status, last_message_snippet, last_activity_at,
	has_unread_reply, last_opened_at, suggested_reply, reply_type,
	email_sent_at, replied_at, meeting_scheduled_at, connected_at,
	last_sync_at, last_thread_sync_at,
	last_sync_error_code, last_sync_error_message, last_sync_error_at,
	version, created_at, updated_at`

// recordRow is the column layout of the outreach table.
type recordRow struct {
	UserID           string         `db:"user_id"`
	ID               string         `db:"id"`
	ContactEmail     string         `db:"contact_email"`
	ContactName      sql.NullString `db:"contact_name"`
	Subject          sql.NullString `db:"subject"`
	ThreadID         sql.NullString `db:"thread_id"`
	DraftID          sql.NullString `db:"draft_id"`
	DraftURL         sql.NullString `db:"draft_url"`
	DraftMessageID   sql.NullString `db:"draft_message_id"`
	DraftStillExists int64          `db:"draft_still_exists"`

	Stage              string         `db:"stage"`
	ThreadStatus       sql.NullString `db:"thread_status"`
	LastMessageSnippet sql.NullString `db:"last_message_snippet"`
	LastActivityAt     sql.NullString `db:"last_activity_at"`
	HasUnreadReply     int64          `db:"has_unread_reply"`
	LastOpenedAt       sql.NullString `db:"last_opened_at"`
	SuggestedReply     sql.NullString `db:"suggested_reply"`
	ReplyType          sql.NullString `db:"reply_type"`

	EmailSentAt        sql.NullString `db:"email_sent_at"`
	RepliedAt          sql.NullString `db:"replied_at"`
	MeetingScheduledAt sql.NullString `db:"meeting_scheduled_at"`
	ConnectedAt        sql.NullString `db:"connected_at"`

	LastSyncAt       sql.NullString `db:"last_sync_at"`
	LastThreadSyncAt sql.NullString `db:"last_thread_sync_at"`
	SyncErrCode      sql.NullString `db:"last_sync_error_code"`
	SyncErrMessage   sql.NullString `db:"last_sync_error_message"`
	SyncErrAt        sql.NullString `db:"last_sync_error_at"`

	Version   int64          `db:"version"`
	CreatedAt sql.NullString `db:"created_at"`
	UpdatedAt sql.NullString `db:"updated_at"`
}

func toRow(r *types.OutreachRecord) recordRow {
	row := recordRow{
		UserID:             r.UserID,
		ID:                 r.ID,
		ContactEmail:       r.ContactEmail,
		ContactName:        nullStr(r.ContactName),
		Subject:            nullStr(r.Subject),
		ThreadID:           nullStr(r.ThreadID),
		DraftID:            nullStr(r.DraftID),
		DraftURL:           nullStr(r.DraftURL),
		DraftMessageID:     nullStr(r.DraftMessageID),
		DraftStillExists:   boolInt(r.DraftStillExists),
		Stage:              r.Stage.String(),
		ThreadStatus:       nullStr(r.ThreadStatus),
		LastMessageSnippet: nullStr(r.LastMessageSnippet),
		LastActivityAt:     formatTime(r.LastActivityAt),
		HasUnreadReply:     boolInt(r.HasUnreadReply),
		LastOpenedAt:       formatTime(r.LastOpenedAt),
		SuggestedReply:     nullStr(r.SuggestedReply),
		ReplyType:          nullStr(r.ReplyType),
		EmailSentAt:        formatTime(r.EmailSentAt),
		RepliedAt:          formatTime(r.RepliedAt),
		MeetingScheduledAt: formatTime(r.MeetingScheduledAt),
		ConnectedAt:        formatTime(r.ConnectedAt),
		LastSyncAt:         formatTime(r.LastSyncAt),
		LastThreadSyncAt:   formatTime(r.LastThreadSyncAt),
		Version:            r.Version,
		CreatedAt:          formatTime(r.CreatedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
	if e := r.LastSyncError; e != nil {
		row.SyncErrCode = nullStr(e.Code)
		row.SyncErrMessage = nullStr(e.Message)
		row.SyncErrAt = formatTime(e.At)
	}
	return row
}

func (row *recordRow) toRecord() (*types.OutreachRecord, error) {
	st, err := stage.Parse(row.Stage)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", row.ID, err)
	}

	r := &types.OutreachRecord{
		ID:                 row.ID,
		UserID:             row.UserID,
		ContactEmail:       row.ContactEmail,
		ContactName:        row.ContactName.String,
		Subject:            row.Subject.String,
		ThreadID:           row.ThreadID.String,
		DraftID:            row.DraftID.String,
		DraftURL:           row.DraftURL.String,
		DraftMessageID:     row.DraftMessageID.String,
		DraftStillExists:   row.DraftStillExists != 0,
		Stage:              st,
		ThreadStatus:       row.ThreadStatus.String,
		LastMessageSnippet: row.LastMessageSnippet.String,
		LastActivityAt:     parseTime(row.LastActivityAt),
		HasUnreadReply:     row.HasUnreadReply != 0,
		LastOpenedAt:       parseTime(row.LastOpenedAt),
		SuggestedReply:     row.SuggestedReply.String,
		ReplyType:          row.ReplyType.String,
		EmailSentAt:        parseTime(row.EmailSentAt),
		RepliedAt:          parseTime(row.RepliedAt),
		MeetingScheduledAt: parseTime(row.MeetingScheduledAt),
		ConnectedAt:        parseTime(row.ConnectedAt),
		LastSyncAt:         parseTime(row.LastSyncAt),
		LastThreadSyncAt:   parseTime(row.LastThreadSyncAt),
		Version:            row.Version,
		CreatedAt:          parseTime(row.CreatedAt),
		UpdatedAt:          parseTime(row.UpdatedAt),
	}
	if row.SyncErrCode.Valid {
		r.LastSyncError = &types.SyncError{
			Code:    row.SyncErrCode.String,
			Message: row.SyncErrMessage.String,
			At:      parseTime(row.SyncErrAt),
		}
	}
	return r, nil
}

func toRecords(rows []recordRow) ([]*types.OutreachRecord, error) {
	out := make([]*types.OutreachRecord, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRecord returns a single record.
func (s *Store) GetRecord(ctx context.Context, userID, id string) (*types.OutreachRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+recordColumns+`
		FROM outreach
		WHERE user_id = ? AND id = ?`), userID, id)
	if err != nil {
		return nil, notFound(err, "get record "+id)
	}
	return row.toRecord()
}

// InsertRecord creates a record. Version starts at 1.
func (s *Store) InsertRecord(ctx context.Context, rec *types.OutreachRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Version = 1

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO outreach (`+recordColumns+`)
		VALUES (
			:user_id, :id, :contact_email, :contact_name, :subject,
			:thread_id, :draft_id, :draft_url, :draft_message_id, :draft_still_exists,
			:stage, :thread_status, :last_message_snippet, :last_activity_at,
			:has_unread_reply, :last_opened_at, :suggested_reply, :reply_type,
			:email_sent_at, :replied_at, :meeting_scheduled_at, :connected_at,
			:last_sync_at, :last_thread_sync_at,
			:last_sync_error_code, :last_sync_error_message, :last_sync_error_at,
			:version, :created_at, :updated_at
		)`, toRow(rec))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// updateRow carries the expected version alongside the new column values.
type updateRow struct {
	recordRow
	Expected int64 `db:"expected_version"`
}

// UpdateRecord performs a compare-and-swap write on rec.Version.
func (s *Store) UpdateRecord(ctx context.Context, rec *types.OutreachRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	row := updateRow{recordRow: toRow(rec), Expected: rec.Version}
	row.Version = rec.Version + 1

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE outreach SET
			contact_email = :contact_email,
			contact_name = :contact_name,
			subject = :subject,
			thread_id = :thread_id,
			draft_id = :draft_id,
			draft_url = :draft_url,
			draft_message_id = :draft_message_id,
			draft_still_exists = :draft_still_exists,
			stage = :stage,
			thread_status = :thread_status,
			last_message_snippet = :last_message_snippet,
			last_activity_at = :last_activity_at,
			has_unread_reply = :has_unread_reply,
			last_opened_at = :last_opened_at,
			suggested_reply = :suggested_reply,
			reply_type = :reply_type,
			email_sent_at = :email_sent_at,
			replied_at = :replied_at,
			meeting_scheduled_at = :meeting_scheduled_at,
			connected_at = :connected_at,
			last_sync_at = :last_sync_at,
			last_thread_sync_at = :last_thread_sync_at,
			last_sync_error_code = :last_sync_error_code,
			last_sync_error_message = :last_sync_error_message,
			last_sync_error_at = :last_sync_error_at,
			version = :version,
			updated_at = :updated_at
		WHERE user_id = :user_id AND id = :id AND version = :expected_version`, row)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n == 0 {
		if _, err := s.GetRecord(ctx, rec.UserID, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("update record %s at version %d: %w",
			rec.ID, rec.Version, types.ErrConflict)
	}

	rec.Version = row.Version
	return nil
}

// ListRecords returns all of a user's records, newest first.
func (s *Store) ListRecords(ctx context.Context, userID string) ([]*types.OutreachRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+recordColumns+`
		FROM outreach
		WHERE user_id = ?
		ORDER BY created_at DESC, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return toRecords(rows)
}

// ListStale returns refresh candidates, never-synced records first.
func (s *Store) ListStale(ctx context.Context, userID string, stages []stage.Stage,
	limit int) ([]*types.OutreachRecord, error) {

	if len(stages) == 0 {
		return nil, nil
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.String()
	}

	query, args, err := sqlx.In(`
		SELECT `+recordColumns+`
		FROM outreach
		WHERE user_id = ?
		  AND stage IN (?)
		  AND thread_id IS NOT NULL AND thread_id <> ''
		ORDER BY COALESCE(last_sync_at, '') ASC, id ASC`, userID, names)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return toRecords(rows)
}

// RecordByThread resolves a provider thread to its record.
func (s *Store) RecordByThread(ctx context.Context, userID, threadID string) (*types.OutreachRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+recordColumns+`
		FROM outreach
		WHERE user_id = ? AND thread_id = ?
		ORDER BY created_at DESC
		LIMIT 1`), userID, threadID)
	if err != nil {
		return nil, notFound(err, "record for thread "+threadID)
	}
	return row.toRecord()
}

// UnsentByRecipient resolves a sent message to a record still in draft.
func (s *Store) UnsentByRecipient(ctx context.Context, userID string,
	emails []string) (*types.OutreachRecord, error) {

	if len(emails) == 0 {
		return nil, fmt.Errorf("unsent by recipient: %w", types.ErrNotFound)
	}
	normalized := make([]string, len(emails))
	for i, e := range emails {
		normalized[i] = normalizeEmail(e)
	}

	query, args, err := sqlx.In(`
		SELECT `+recordColumns+`
		FROM outreach
		WHERE user_id = ?
		  AND stage = ?
		  AND (thread_id IS NULL OR thread_id = '')
		  AND LOWER(contact_email) IN (?)
		ORDER BY created_at DESC
		LIMIT 1`, userID, stage.DraftCreated.String(), normalized)
	if err != nil {
		return nil, fmt.Errorf("unsent by recipient: %w", err)
	}

	var row recordRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		return nil, notFound(err, "unsent by recipient")
	}
	return row.toRecord()
}
