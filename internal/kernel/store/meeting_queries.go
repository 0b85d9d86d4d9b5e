package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func (q *Queries) CreateMeeting(ctx context.Context, meetingID, hostID uuid.UUID, turnDuration time.Duration) (*Meeting, error) {
	const query = `
		INSERT INTO meetings (id, host_id, status, turn_duration_seconds, created_at)
		VALUES ($1, $2, 'created', $3, now())
		RETURNING id, host_id, status, current_speaker_id, turn_duration_seconds, turn_started_at, ended_reason, created_at, ended_at`
	row := q.db.QueryRowContext(ctx, query, meetingID, hostID, int64(turnDuration/time.Second))
	return scanMeeting(row)
}

func (q *Queries) GetMeetingByID(ctx context.Context, id uuid.UUID) (*Meeting, error) {
	const query = `
		SELECT id, host_id, status, current_speaker_id, turn_duration_seconds, turn_started_at, ended_reason, created_at, ended_at
		FROM meetings WHERE id = $1`
	row := q.db.QueryRowContext(ctx, query, id)
	return scanMeeting(row)
}

// GetMeetingForUpdate row-locks the meeting (SELECT ... FOR UPDATE), for
// use inside a transaction. The meeting engine does not call it; the
// turn scheduler and lifecycle transitions read via GetMeetingByID.
func (q *Queries) GetMeetingForUpdate(ctx context.Context, id uuid.UUID) (*Meeting, error) {
	const query = `
		SELECT id, host_id, status, current_speaker_id, turn_duration_seconds, turn_started_at, ended_reason, created_at, ended_at
		FROM meetings WHERE id = $1 FOR UPDATE`
	row := q.db.QueryRowContext(ctx, query, id)
	return scanMeeting(row)
}

func (q *Queries) SetMeetingStatus(ctx context.Context, id uuid.UUID, status MeetingStatus) error {
	const query = `UPDATE meetings SET status = $2 WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, id, status)
	return err
}

func (q *Queries) SetCurrentSpeaker(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) error {
	const query = `UPDATE meetings SET current_speaker_id = $2, turn_started_at = now() WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, id, agentID)
	return err
}

func (q *Queries) EndMeeting(ctx context.Context, id uuid.UUID, reason string) error {
	const query = `
		UPDATE meetings
		SET status = 'ended', current_speaker_id = NULL, ended_reason = $2, ended_at = now()
		WHERE id = $1 AND status != 'ended'`
	res, err := q.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanMeeting(row *sql.Row) (*Meeting, error) {
	var m Meeting
	var turnSeconds int64
	if err := row.Scan(&m.ID, &m.HostID, &m.Status, &m.CurrentSpeakerID, &turnSeconds, &m.TurnStartedAt, &m.EndedReason, &m.CreatedAt, &m.EndedAt); err != nil {
		return nil, err
	}
	m.TurnDuration = time.Duration(turnSeconds) * time.Second
	return &m, nil
}

// --- Participants ---

func (q *Queries) NextJoinOrder(ctx context.Context, meetingID uuid.UUID) (int, error) {
	const query = `SELECT COALESCE(MAX(join_order) + 1, 0) FROM meeting_participants WHERE meeting_id = $1`
	var next int
	if err := q.db.QueryRowContext(ctx, query, meetingID).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (q *Queries) CreateParticipant(ctx context.Context, meetingID, agentID uuid.UUID, joinOrder int, status ParticipantStatus) (*MeetingParticipant, error) {
	const query = `
		INSERT INTO meeting_participants (meeting_id, agent_id, status, join_order, is_locked)
		VALUES ($1, $2, $3, $4, false)
		RETURNING meeting_id, agent_id, status, join_order, is_locked, joined_at, left_at`
	row := q.db.QueryRowContext(ctx, query, meetingID, agentID, status, joinOrder)
	return scanParticipant(row)
}

func (q *Queries) GetParticipant(ctx context.Context, meetingID, agentID uuid.UUID) (*MeetingParticipant, error) {
	const query = `
		SELECT meeting_id, agent_id, status, join_order, is_locked, joined_at, left_at
		FROM meeting_participants WHERE meeting_id = $1 AND agent_id = $2`
	row := q.db.QueryRowContext(ctx, query, meetingID, agentID)
	return scanParticipant(row)
}

func (q *Queries) SetParticipantStatus(ctx context.Context, meetingID, agentID uuid.UUID, status ParticipantStatus) error {
	var query string
	switch status {
	case ParticipantAttending:
		query = `UPDATE meeting_participants SET status = $3, joined_at = COALESCE(joined_at, now()) WHERE meeting_id = $1 AND agent_id = $2`
	case ParticipantLeft:
		query = `UPDATE meeting_participants SET status = $3, left_at = now() WHERE meeting_id = $1 AND agent_id = $2`
	default:
		query = `UPDATE meeting_participants SET status = $3 WHERE meeting_id = $1 AND agent_id = $2`
	}
	_, err := q.db.ExecContext(ctx, query, meetingID, agentID, status)
	return err
}

// ListParticipants returns all participants ordered by join_order.
func (q *Queries) ListParticipants(ctx context.Context, meetingID uuid.UUID) ([]*MeetingParticipant, error) {
	const query = `
		SELECT meeting_id, agent_id, status, join_order, is_locked, joined_at, left_at
		FROM meeting_participants WHERE meeting_id = $1 ORDER BY join_order ASC`
	rows, err := q.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MeetingParticipant
	for rows.Next() {
		var p MeetingParticipant
		if err := rows.Scan(&p.MeetingID, &p.AgentID, &p.Status, &p.JoinOrder, &p.IsLocked, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func scanParticipant(row *sql.Row) (*MeetingParticipant, error) {
	var p MeetingParticipant
	if err := row.Scan(&p.MeetingID, &p.AgentID, &p.Status, &p.JoinOrder, &p.IsLocked, &p.JoinedAt, &p.LeftAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Events ---

func (q *Queries) InsertMeetingEvent(ctx context.Context, e *MeetingEvent) error {
	const query = `
		INSERT INTO meeting_events (id, meeting_id, event_type, agent_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	data := e.Data
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	_, err := q.db.ExecContext(ctx, query, e.ID, e.MeetingID, e.EventType, e.AgentID, []byte(data))
	return err
}

func (q *Queries) ListMeetingEvents(ctx context.Context, meetingID uuid.UUID) ([]*MeetingEvent, error) {
	const query = `
		SELECT id, meeting_id, event_type, agent_id, data, created_at
		FROM meeting_events WHERE meeting_id = $1 ORDER BY created_at ASC`
	rows, err := q.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MeetingEvent
	for rows.Next() {
		var e MeetingEvent
		var data []byte
		if err := rows.Scan(&e.ID, &e.MeetingID, &e.EventType, &e.AgentID, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		out = append(out, &e)
	}
	return out, rows.Err()
}
