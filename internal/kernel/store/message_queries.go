package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertMessage persists a message. Exactly one of recipientID or
// meetingID must be set by the caller (spec §3 invariant); the engines
// enforce that, not this layer.
func (q *Queries) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at`
	row := q.db.QueryRowContext(ctx, query, m.ID, m.SenderID, m.RecipientID, m.SessionID, m.MeetingID, m.MessageType, m.Content, m.Metadata)
	return scanMessage(row)
}

// MarkMessageRead sets read_at if it is not already set.
func (q *Queries) MarkMessageRead(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE messages SET read_at = now() WHERE id = $1 AND read_at IS NULL`
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// MarkMessageDelivered sets delivered_at if it is not already set.
func (q *Queries) MarkMessageDelivered(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE messages SET delivered_at = now() WHERE id = $1 AND delivered_at IS NULL`
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// GetMessageByID fetches a single message.
func (q *Queries) GetMessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	const query = `
		SELECT id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at
		FROM messages WHERE id = $1`
	row := q.db.QueryRowContext(ctx, query, id)
	return scanMessage(row)
}

// GetLatestUnreadReply finds an unread message addressed to recipientID
// within sessionID, created at or after since. Used by send_and_wait's
// race check (spec §4.5.3 step 6): a concurrent send_no_wait from the
// peer may have already delivered the reply before the waiter blocked.
func (q *Queries) GetLatestUnreadReply(ctx context.Context, sessionID, recipientID uuid.UUID, since time.Time) (*Message, error) {
	const query = `
		SELECT id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at
		FROM messages
		WHERE session_id = $1 AND recipient_id = $2 AND read_at IS NULL AND created_at >= $3
		ORDER BY created_at ASC
		LIMIT 1`
	row := q.db.QueryRowContext(ctx, query, sessionID, recipientID, since)
	return scanMessage(row)
}

// GetUnreadMessages returns unread messages for recipientID ordered by
// created_at ASC, then marks each as read in the same call (the caller
// is expected to invoke this inside a transaction — spec §4.5.6).
func (q *Queries) GetUnreadMessages(ctx context.Context, recipientID uuid.UUID, filter MessageFilter) ([]*Message, error) {
	query, args := buildFilteredQuery(`
		SELECT id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at
		FROM messages
		WHERE recipient_id = $1 AND read_at IS NULL`, []any{recipientID}, filter)
	query += " ORDER BY created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if err := q.MarkMessageRead(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// GetMessagesForSession returns the full ordered history for a session
// without mutating anything (spec §4.5.6).
func (q *Queries) GetMessagesForSession(ctx context.Context, sessionID uuid.UUID, filter MessageFilter) ([]*Message, error) {
	query, args := buildFilteredQuery(`
		SELECT id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at
		FROM messages
		WHERE session_id = $1`, []any{sessionID}, filter)
	query += " ORDER BY created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesForMeeting returns the full ordered history for a meeting.
func (q *Queries) GetMessagesForMeeting(ctx context.Context, meetingID uuid.UUID, filter MessageFilter) ([]*Message, error) {
	query, args := buildFilteredQuery(`
		SELECT id, sender_id, recipient_id, session_id, meeting_id, message_type, content, metadata, read_at, delivered_at, created_at
		FROM messages
		WHERE meeting_id = $1`, []any{meetingID}, filter)
	query += " ORDER BY created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// buildFilteredQuery appends the message_type and metadata-containment
// predicates from filter to base, continuing the $N placeholder
// numbering from the args already bound.
func buildFilteredQuery(base string, args []any, filter MessageFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(base)

	if filter.MessageType != nil {
		args = append(args, *filter.MessageType)
		fmt.Fprintf(&b, " AND message_type = $%d", len(args))
	}
	if len(filter.MetadataContains) > 0 {
		args = append(args, []byte(filter.MetadataContains))
		fmt.Fprintf(&b, " AND metadata @> $%d", len(args))
	}
	return b.String(), args
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var content, metadata []byte
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.SessionID, &m.MeetingID, &m.MessageType, &content, &metadata, &m.ReadAt, &m.DeliveredAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Content = json.RawMessage(content)
	m.Metadata = json.RawMessage(metadata)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var content, metadata []byte
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.SessionID, &m.MeetingID, &m.MessageType, &content, &metadata, &m.ReadAt, &m.DeliveredAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = json.RawMessage(content)
		m.Metadata = json.RawMessage(metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}
