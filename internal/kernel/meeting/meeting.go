// Package meeting implements the meeting engine (spec §4.6): lifecycle
// state machine, participant management, the turn scheduler, and the
// event log.
package meeting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/agentkernel/internal/kernel/handler"
	"github.com/relaymesh/agentkernel/internal/kernel/id"
	"github.com/relaymesh/agentkernel/internal/kernel/identity"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/store"
	"github.com/relaymesh/agentkernel/internal/kernel/validate"
	"github.com/relaymesh/agentkernel/internal/kernel/waiter"
	"github.com/relaymesh/agentkernel/internal/metrics"
)


// Config bundles the meeting engine's tunables.
type Config struct {
	// DefaultTurnDuration is used by create_meeting when the caller does
	// not specify one. Default 60s.
	DefaultTurnDuration time.Duration
	HandlerTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTurnDuration <= 0 {
		c.DefaultTurnDuration = 60 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Engine implements meeting lifecycle, turn scheduling, and message
// fan-out over the store gateway, identity registry, handler registry,
// and waiter table. The turn scheduler reuses the waiter table itself:
// the current speaker's "yield" slot is a waiter keyed by
// (meeting.id, current_speaker_id), woken either by an explicit
// yield_turn call or by the speaker leaving.
type Engine struct {
	gw       *store.Gateway
	identity *identity.Registry
	handlers *handler.Registry
	waiters  *waiter.Table
	cfg      Config

	mu       sync.Mutex
	running  map[uuid.UUID]struct{}
}

// New builds a meeting Engine.
func New(gw *store.Gateway, idReg *identity.Registry, handlers *handler.Registry, waiters *waiter.Table, cfg Config) *Engine {
	return &Engine{
		gw:       gw,
		identity: idReg,
		handlers: handlers,
		waiters:  waiters,
		cfg:      cfg.withDefaults(),
		running:  make(map[uuid.UUID]struct{}),
	}
}

func emptyJSON() json.RawMessage { return json.RawMessage(`{}`) }

func (e *Engine) emitEvent(ctx context.Context, q *store.Queries, meetingID uuid.UUID, eventType string, agentID *uuid.UUID, data json.RawMessage) error {
	if data == nil {
		data = emptyJSON()
	}
	ev := &store.MeetingEvent{
		ID:        id.New(),
		MeetingID: meetingID,
		EventType: eventType,
		AgentID:   agentID,
		Data:      data,
	}
	return q.InsertMeetingEvent(ctx, ev)
}

// dispatchEvent fire-and-forgets the handler registered for a meeting
// event kind, if any (spec §4.6.4). agentID is the event's subject
// (e.g. the participant who joined or the new speaker); when it's
// uuid.Nil (a meeting-wide event with no single subject) the host's
// organization is used instead.
func (e *Engine) dispatchEvent(ctx context.Context, kind handler.Kind, meetingID, agentID uuid.UUID, data json.RawMessage) {
	orgSubject := agentID
	if orgSubject == uuid.Nil {
		if m, err := e.gw.Queries.GetMeetingByID(ctx, meetingID); err == nil {
			orgSubject = m.HostID
		}
	}

	var orgID uuid.UUID
	if orgSubject != uuid.Nil {
		if agent, err := e.identity.AgentByID(ctx, orgSubject); err == nil {
			orgID = agent.OrganizationID
		} else {
			slog.Warn("meeting event dispatch: failed to resolve organization", "meeting_id", meetingID, "agent_id", orgSubject, "error", err)
		}
	}

	mctx := handler.MessageContext{
		ReceiverID:     agentID,
		OrganizationID: orgID,
		MeetingID:      &meetingID,
	}
	e.handlers.DispatchAsync(context.Background(), kind, data, mctx, e.cfg.HandlerTimeout)
}

// CreateMeeting records the host and starts the created state (spec
// §4.6.1). The host is also added as participant 0, already attending
// since creating the meeting implies presence — unlike an invited
// guest, the host never has to Join its own meeting.
func (e *Engine) CreateMeeting(ctx context.Context, hostExt string, turnDuration time.Duration) (*store.Meeting, error) {
	const op = "meeting.CreateMeeting"

	if turnDuration <= 0 {
		turnDuration = e.cfg.DefaultTurnDuration
	}
	if err := validate.TurnDuration(turnDuration); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}

	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return nil, err
	}

	var m *store.Meeting
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		m, txErr = q.CreateMeeting(ctx, id.New(), host.ID, turnDuration)
		if txErr != nil {
			return txErr
		}
		if _, txErr = q.CreateParticipant(ctx, m.ID, host.ID, 0, store.ParticipantAttending); txErr != nil {
			return txErr
		}
		return nil
	})
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return m, nil
}

func (e *Engine) loadMeeting(ctx context.Context, meetingID uuid.UUID) (*store.Meeting, error) {
	m, err := e.gw.Queries.GetMeetingByID(ctx, meetingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kernelerr.New("meeting.loadMeeting", kernelerr.NotFound)
		}
		return nil, kernelerr.Wrap("meeting.loadMeeting", kernelerr.StoreError, err)
	}
	return m, nil
}

func requireNotEnded(op string, m *store.Meeting) error {
	if m.Status == store.MeetingEnded {
		return kernelerr.New(op, kernelerr.MeetingEnded)
	}
	return nil
}

// Invite appends a participant in status invited with the next
// join_order (spec §4.6.1). It records no event itself; the
// participant_joined event is emitted by Join once the invitee
// actually joins. Allowed while the meeting is created, ready, or
// active.
func (e *Engine) Invite(ctx context.Context, meetingID uuid.UUID, agentExt string) (*store.MeetingParticipant, error) {
	const op = "meeting.Invite"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := requireNotEnded(op, m); err != nil {
		return nil, err
	}

	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return nil, err
	}

	var participant *store.MeetingParticipant
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		next, txErr := q.NextJoinOrder(ctx, meetingID)
		if txErr != nil {
			return txErr
		}
		participant, txErr = q.CreateParticipant(ctx, meetingID, agent.ID, next, store.ParticipantInvited)
		return txErr
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, kernelerr.Wrap(op, kernelerr.Conflict, err)
		}
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return participant, nil
}

// Join transitions a participant from invited to attending, and the
// meeting from created to ready on the first non-host join (spec
// §4.6.1). Emits participant_joined.
func (e *Engine) Join(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "meeting.Join"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if err := requireNotEnded(op, m); err != nil {
		return err
	}

	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}

	isHost := agent.ID == m.HostID

	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		if txErr := q.SetParticipantStatus(ctx, meetingID, agent.ID, store.ParticipantAttending); txErr != nil {
			return txErr
		}
		if m.Status == store.MeetingCreated && !isHost {
			if txErr := q.SetMeetingStatus(ctx, meetingID, store.MeetingReady); txErr != nil {
				return txErr
			}
		}
		return e.emitEvent(ctx, q, meetingID, "participant_joined", &agent.ID, nil)
	})
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	e.dispatchEvent(ctx, handler.EventParticipantJoin, meetingID, agent.ID, emptyJSON())
	return nil
}

// StartMeeting is host-only and requires status ready. It selects the
// first speaker by min(join_order) among attendees, transitions to
// active, and spawns the turn scheduler (spec §4.6.1, §4.6.3).
func (e *Engine) StartMeeting(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	const op = "meeting.StartMeeting"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if err := requireNotEnded(op, m); err != nil {
		return err
	}
	if m.Status != store.MeetingReady {
		return kernelerr.New(op, kernelerr.ValidationError)
	}

	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return err
	}
	if host.ID != m.HostID {
		return kernelerr.New(op, kernelerr.ValidationError)
	}

	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		participants, txErr := q.ListParticipants(ctx, meetingID)
		if txErr != nil {
			return txErr
		}
		first := firstAttending(participants, -1)
		if first == nil {
			return kernelerr.New(op, kernelerr.ValidationError)
		}

		if txErr := q.SetMeetingStatus(ctx, meetingID, store.MeetingActive); txErr != nil {
			return txErr
		}
		if txErr := q.SetCurrentSpeaker(ctx, meetingID, &first.AgentID); txErr != nil {
			return txErr
		}
		if txErr := q.SetParticipantStatus(ctx, meetingID, first.AgentID, store.ParticipantSpeaking); txErr != nil {
			return txErr
		}
		if txErr := e.emitEvent(ctx, q, meetingID, "meeting_started", nil, nil); txErr != nil {
			return txErr
		}
		return e.emitEvent(ctx, q, meetingID, "turn_changed", &first.AgentID, nil)
	})
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	metrics.MeetingsActive.Inc()
	e.dispatchEvent(ctx, handler.EventMeetingStarted, meetingID, host.ID, emptyJSON())
	e.spawnScheduler(meetingID)
	return nil
}

// firstAttending returns the attending participant with the smallest
// join_order strictly greater than afterOrder, wrapping to the smallest
// overall if none qualifies. Left participants are always skipped.
func firstAttending(participants []*store.MeetingParticipant, afterOrder int) *store.MeetingParticipant {
	var best *store.MeetingParticipant
	var wrap *store.MeetingParticipant
	for _, p := range participants {
		if p.Status == store.ParticipantLeft {
			continue
		}
		if p.Status != store.ParticipantAttending && p.Status != store.ParticipantSpeaking {
			continue
		}
		if p.JoinOrder > afterOrder && (best == nil || p.JoinOrder < best.JoinOrder) {
			best = p
		}
		if wrap == nil || p.JoinOrder < wrap.JoinOrder {
			wrap = p
		}
	}
	if best != nil {
		return best
	}
	return wrap
}

// MeetingSend requires the meeting to be active and the sender to be
// the current speaker (spec §4.6.2). Dispatches the MEETING handler
// once per attending participant other than the sender.
func (e *Engine) MeetingSend(ctx context.Context, senderExt string, meetingID uuid.UUID, message json.RawMessage) (uuid.UUID, error) {
	const op = "meeting.MeetingSend"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := requireNotEnded(op, m); err != nil {
		return uuid.Nil, err
	}
	if m.Status != store.MeetingActive {
		return uuid.Nil, kernelerr.New(op, kernelerr.ValidationError)
	}

	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return uuid.Nil, err
	}
	if m.CurrentSpeakerID == nil || *m.CurrentSpeakerID != sender.ID {
		return uuid.Nil, kernelerr.New(op, kernelerr.NotYourTurn)
	}

	var msg *store.Message
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		mm := &store.Message{
			ID:          id.New(),
			SenderID:    sender.ID,
			MeetingID:   &meetingID,
			MessageType: store.MessageUserDefined,
			Content:     message,
			Metadata:    emptyJSON(),
		}
		var txErr error
		msg, txErr = q.InsertMessage(ctx, mm)
		return txErr
	})
	if err != nil {
		return uuid.Nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(string(store.MessageUserDefined)).Inc()

	participants, err := e.gw.Queries.ListParticipants(ctx, meetingID)
	if err != nil {
		return uuid.Nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	for _, p := range participants {
		if p.AgentID == sender.ID || p.Status != store.ParticipantSpeaking && p.Status != store.ParticipantAttending {
			continue
		}
		receiver, err := e.identity.AgentByID(ctx, p.AgentID)
		if err != nil {
			slog.Warn("meeting fan-out: failed to resolve participant for dispatch", "agent_id", p.AgentID, "error", err)
			continue
		}
		mctx := handler.MessageContext{
			SenderID:       sender.ID,
			ReceiverID:     p.AgentID,
			OrganizationID: receiver.OrganizationID,
			MessageID:      msg.ID,
			MeetingID:      &meetingID,
			Metadata:       msg.Metadata,
		}
		e.handlers.DispatchAsync(context.Background(), handler.Meeting, msg.Content, mctx, e.cfg.HandlerTimeout)
	}
	return msg.ID, nil
}

// Leave marks a participant left; if they were speaking, rotation is
// triggered immediately. If only the host remains, the meeting ends
// (spec §4.6.1).
func (e *Engine) Leave(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "meeting.Leave"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if err := requireNotEnded(op, m); err != nil {
		return err
	}

	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}

	wasSpeaker := m.CurrentSpeakerID != nil && *m.CurrentSpeakerID == agent.ID

	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		if txErr := q.SetParticipantStatus(ctx, meetingID, agent.ID, store.ParticipantLeft); txErr != nil {
			return txErr
		}
		return e.emitEvent(ctx, q, meetingID, "participant_left", &agent.ID, nil)
	})
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	e.dispatchEvent(ctx, handler.EventParticipantLeft, meetingID, agent.ID, emptyJSON())

	participants, err := e.gw.Queries.ListParticipants(ctx, meetingID)
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	remaining := 0
	for _, p := range participants {
		if p.Status != store.ParticipantLeft {
			remaining++
		}
	}
	if remaining <= 1 {
		return e.EndMeeting(ctx, meetingID, "only the host remains")
	}

	if wasSpeaker {
		e.requestRotate(meetingID, agent.ID)
	}
	return nil
}

// EndMeeting performs no host check; EndMeetingByHost is the host-only
// entry point, and EndMeeting is also invoked internally (Leave's
// last-participant rule, the turn scheduler, facade shutdown) with a
// reason describing why. It transitions to ended, records reason,
// cancels all in-meeting waiters, and emits meeting_ended with
// {"reason": reason} as its data.
func (e *Engine) EndMeeting(ctx context.Context, meetingID uuid.UUID, reason string) error {
	const op = "meeting.EndMeeting"

	data, _ := json.Marshal(map[string]string{"reason": reason})
	err := e.gw.WithTx(ctx, func(q *store.Queries) error {
		if txErr := q.EndMeeting(ctx, meetingID, reason); txErr != nil {
			return txErr
		}
		return e.emitEvent(ctx, q, meetingID, "meeting_ended", nil, data)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kernelerr.New(op, kernelerr.MeetingEnded)
		}
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	metrics.MeetingsActive.Dec()
	e.dispatchEvent(ctx, handler.EventMeetingEnded, meetingID, uuid.Nil, data)
	// Cancelling the current speaker's yield waiter, if one is
	// registered, is what makes the turn scheduler's blocked Wait return
	// and the loop exit; no separate stop signal is needed.
	e.waiters.CancelAllForSession(meetingID)
	return nil
}

// EndMeetingByHost validates hostExt owns the meeting before ending it.
func (e *Engine) EndMeetingByHost(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	const op = "meeting.EndMeetingByHost"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if err := requireNotEnded(op, m); err != nil {
		return err
	}
	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return err
	}
	if host.ID != m.HostID {
		return kernelerr.New(op, kernelerr.ValidationError)
	}
	return e.EndMeeting(ctx, meetingID, "ended by host")
}

// ListMessages returns a meeting's full ordered message history (spec
// §4.5.6, applied to meetings).
func (e *Engine) ListMessages(ctx context.Context, meetingID uuid.UUID, filter store.MessageFilter) ([]*store.Message, error) {
	const op = "meeting.ListMessages"
	msgs, err := e.gw.Queries.GetMessagesForMeeting(ctx, meetingID, filter)
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return msgs, nil
}

// ListEvents returns a meeting's append-only event log.
func (e *Engine) ListEvents(ctx context.Context, meetingID uuid.UUID) ([]*store.MeetingEvent, error) {
	const op = "meeting.ListEvents"
	evs, err := e.gw.Queries.ListMeetingEvents(ctx, meetingID)
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return evs, nil
}

// requestRotate wakes the turn scheduler immediately, as if the current
// speaker had called yield_turn. Used by Leave when the leaving
// participant is the current speaker. A no-op if no scheduler is
// currently waiting on that speaker (e.g. the meeting already ended).
func (e *Engine) requestRotate(meetingID, currentSpeakerID uuid.UUID) {
	e.waiters.Deliver(waiter.Key{SessionID: meetingID, AgentID: currentSpeakerID}, nil)
}

// YieldTurn lets the current speaker voluntarily end their turn before
// turn_duration elapses (spec §4.6.3).
func (e *Engine) YieldTurn(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "meeting.YieldTurn"

	m, err := e.loadMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if err := requireNotEnded(op, m); err != nil {
		return err
	}
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}
	if m.CurrentSpeakerID == nil || *m.CurrentSpeakerID != agent.ID {
		return kernelerr.New(op, kernelerr.NotYourTurn)
	}

	if !e.waiters.Deliver(waiter.Key{SessionID: meetingID, AgentID: agent.ID}, nil) {
		// The scheduler hasn't registered its wait yet (race right after
		// start_meeting/rotation); nothing to signal, nothing to do.
		return nil
	}
	return nil
}

// Shutdown ends every meeting that currently has a running turn
// scheduler, releasing its advisory lock and cancelling its waiters.
// Used by the facade's release path.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]uuid.UUID, 0, len(e.running))
	for meetingID := range e.running {
		ids = append(ids, meetingID)
	}
	e.mu.Unlock()

	for _, meetingID := range ids {
		if err := e.EndMeeting(ctx, meetingID, "facade shutdown"); err != nil && !kernelerr.Is(err, kernelerr.MeetingEnded) {
			slog.Error("shutdown: failed to end meeting", "meeting_id", meetingID, "error", err)
		}
	}
}

// spawnScheduler starts the per-meeting turn rotation loop (spec
// §4.6.3), guarded against double-spawn.
func (e *Engine) spawnScheduler(meetingID uuid.UUID) {
	e.mu.Lock()
	if _, exists := e.running[meetingID]; exists {
		e.mu.Unlock()
		return
	}
	e.running[meetingID] = struct{}{}
	e.mu.Unlock()

	go e.runScheduler(meetingID)
}

// runScheduler holds the meeting's advisory lock for its whole active
// lifetime, rotating speakers on yield or timeout until the meeting
// ends. It runs detached from any caller's request context.
func (e *Engine) runScheduler(meetingID uuid.UUID) {
	ctx := context.Background()
	defer func() {
		e.mu.Lock()
		delete(e.running, meetingID)
		e.mu.Unlock()
	}()

	key := id.LockKey(meetingID)
	err := e.gw.WithConn(ctx, func(c *store.Conn) error {
		held, err := c.TryAcquireLock(ctx, key)
		if err != nil {
			return err
		}
		if !held {
			metrics.AdvisoryLockContentionTotal.Inc()
			slog.Warn("turn scheduler lock contended, another scheduler already runs", "meeting_id", meetingID)
			return nil
		}
		defer func() {
			if relErr := c.ReleaseLock(ctx, key); relErr != nil {
				slog.Error("turn scheduler: release advisory lock failed", "meeting_id", meetingID, "error", relErr)
			}
		}()

		e.turnLoop(ctx, meetingID)
		return nil
	})
	if err != nil {
		slog.Error("turn scheduler exited with error", "meeting_id", meetingID, "error", err)
	}
}

func (e *Engine) turnLoop(ctx context.Context, meetingID uuid.UUID) {
	for {
		m, err := e.gw.Queries.GetMeetingByID(ctx, meetingID)
		if err != nil {
			slog.Error("turn scheduler: load meeting failed", "meeting_id", meetingID, "error", err)
			return
		}
		if m.Status != store.MeetingActive || m.CurrentSpeakerID == nil {
			return
		}
		speakerID := *m.CurrentSpeakerID

		speakerKey := waiter.Key{SessionID: meetingID, AgentID: speakerID}
		h, err := e.waiters.Register(speakerKey)
		if err != nil {
			// A stale entry from a prior rotation of the same agent that
			// hasn't been released yet; yield a tick and retry.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		_, outcome := e.waiters.Wait(h, time.After(m.TurnDuration))
		e.waiters.Release(speakerKey)

		switch outcome {
		case waiter.Cancelled:
			return
		case waiter.TimedOut:
			if err := e.rotateTurn(ctx, meetingID, speakerID, true); err != nil {
				slog.Error("turn scheduler: rotate on timeout failed", "meeting_id", meetingID, "error", err)
				return
			}
		case waiter.Delivered:
			if err := e.rotateTurn(ctx, meetingID, speakerID, false); err != nil {
				slog.Error("turn scheduler: rotate on yield failed", "meeting_id", meetingID, "error", err)
				return
			}
		}
	}
}

// rotateTurn advances current_speaker_id from outgoingID to the next
// eligible participant, transactionally, and emits the corresponding
// event (spec §4.6.3). On timeout it also persists a system timeout
// message before rotating.
func (e *Engine) rotateTurn(ctx context.Context, meetingID, outgoingID uuid.UUID, timedOut bool) error {
	participants, err := e.gw.Queries.ListParticipants(ctx, meetingID)
	if err != nil {
		return err
	}
	var outgoingOrder int = -1
	for _, p := range participants {
		if p.AgentID == outgoingID {
			outgoingOrder = p.JoinOrder
			break
		}
	}
	if firstAttending(participants, outgoingOrder) == nil {
		// No eligible speaker remains; end the meeting rather than spin.
		return e.EndMeeting(ctx, meetingID, "no attending participants remain")
	}

	var nextSpeaker *uuid.UUID

	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		participants, txErr := q.ListParticipants(ctx, meetingID)
		if txErr != nil {
			return txErr
		}

		var outgoingOrder int = -1
		outgoingLeft := true
		for _, p := range participants {
			if p.AgentID == outgoingID {
				outgoingOrder = p.JoinOrder
				outgoingLeft = p.Status == store.ParticipantLeft
				break
			}
		}

		next := firstAttending(participants, outgoingOrder)
		if next == nil {
			// Lost the race against a concurrent leave; nothing to rotate to.
			return nil
		}

		if timedOut {
			timeoutMsg := &store.Message{
				ID:          id.New(),
				SenderID:    outgoingID,
				MeetingID:   &meetingID,
				MessageType: store.MessageTimeout,
				Content:     json.RawMessage(`{"reason":"turn_timeout"}`),
				Metadata:    emptyJSON(),
			}
			if _, txErr = q.InsertMessage(ctx, timeoutMsg); txErr != nil {
				return txErr
			}
			if txErr = e.emitEvent(ctx, q, meetingID, "turn_timeout", &outgoingID, nil); txErr != nil {
				return txErr
			}
		}

		if !outgoingLeft {
			if txErr := q.SetParticipantStatus(ctx, meetingID, outgoingID, store.ParticipantAttending); txErr != nil {
				return txErr
			}
		}
		if txErr := q.SetParticipantStatus(ctx, meetingID, next.AgentID, store.ParticipantSpeaking); txErr != nil {
			return txErr
		}
		if txErr := q.SetCurrentSpeaker(ctx, meetingID, &next.AgentID); txErr != nil {
			return txErr
		}
		if txErr := e.emitEvent(ctx, q, meetingID, "turn_changed", &next.AgentID, nil); txErr != nil {
			return txErr
		}

		nextSpeaker = &next.AgentID
		return nil
	})
	if err != nil {
		return err
	}

	if nextSpeaker == nil {
		return nil
	}
	metrics.MeetingTurnsTotal.Inc()
	if timedOut {
		metrics.MeetingTurnTimeoutsTotal.Inc()
		e.dispatchEvent(ctx, handler.EventTurnTimeout, meetingID, outgoingID, emptyJSON())
	}
	e.dispatchEvent(ctx, handler.EventTurnChanged, meetingID, *nextSpeaker, emptyJSON())
	return nil
}
