// Package session implements the session engine (spec §4.5): session
// resolution, one-way sends, synchronous send_and_wait, asynchronous
// send_no_wait, pull-based reads, and end_session.
package session

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
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

// Config bundles the tunables spec §6 assigns to the session engine.
type Config struct {
	// FastPathBudget is the short synchronous probe window send_and_wait
	// gives a CONVERSATION handler before parking a waiter (spec §4.5.3
	// step 4). Default 100ms.
	FastPathBudget time.Duration
	// HandlerTimeout upper-bounds any single asynchronous handler
	// invocation scheduled by this engine. Default 30s.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FastPathBudget <= 0 {
		c.FastPathBudget = 100 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Engine implements the session-based messaging patterns over a store
// gateway, identity registry, handler registry, and waiter table.
type Engine struct {
	gw       *store.Gateway
	identity *identity.Registry
	handlers *handler.Registry
	waiters  *waiter.Table
	cfg      Config
}

// New builds a session Engine.
func New(gw *store.Gateway, idReg *identity.Registry, handlers *handler.Registry, waiters *waiter.Table, cfg Config) *Engine {
	return &Engine{gw: gw, identity: idReg, handlers: handlers, waiters: waiters, cfg: cfg.withDefaults()}
}

func canonicalPair(a, b uuid.UUID) (low, high uuid.UUID) {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}
	return b, a
}

// resolveOrCreateSession canonicalises the pair (min, max) and selects
// the unique active session, creating one if none exists (spec §4.5.1).
func resolveOrCreateSession(ctx context.Context, q *store.Queries, agentX, agentY uuid.UUID) (*store.Session, error) {
	low, high := canonicalPair(agentX, agentY)

	sess, err := q.GetActiveSessionByPair(ctx, low, high)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	sess, err = q.CreateSession(ctx, id.New(), low, high)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the race against a concurrent resolve_or_create for
			// the same pair; the partial unique index already picked a
			// winner, so read it back.
			return q.GetActiveSessionByPair(ctx, low, high)
		}
		return nil, err
	}
	metrics.SessionsCreatedTotal.Inc()
	return sess, nil
}

func metadataOrEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	return m
}

func persistReply(ctx context.Context, q *store.Queries, sessionID, fromAgent, toAgent uuid.UUID, payload json.RawMessage) (*store.Message, error) {
	m := &store.Message{
		ID:          id.New(),
		SenderID:    fromAgent,
		RecipientID: &toAgent,
		SessionID:   &sessionID,
		MessageType: store.MessageUserDefined,
		Content:     payload,
		Metadata:    json.RawMessage(`{}`),
	}
	return q.InsertMessage(ctx, m)
}

// OneWaySend persists an independent message to each recipient and
// schedules a fire-and-forget ONE_WAY dispatch per recipient (spec
// §4.5.2). Messages are not tied to a session.
func (e *Engine) OneWaySend(ctx context.Context, senderExt string, recipientExts []string, message json.RawMessage, metadata json.RawMessage) ([]uuid.UUID, error) {
	const op = "session.OneWaySend"

	if !e.handlers.Has(handler.OneWay) {
		return nil, kernelerr.New(op, kernelerr.NoHandler)
	}

	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(recipientExts))
	for _, recipientExt := range recipientExts {
		recipient, err := e.identity.AgentByExternalID(ctx, recipientExt)
		if err != nil {
			return nil, err
		}

		var msg *store.Message
		err = e.gw.WithTx(ctx, func(q *store.Queries) error {
			m := &store.Message{
				ID:          id.New(),
				SenderID:    sender.ID,
				RecipientID: &recipient.ID,
				MessageType: store.MessageUserDefined,
				Content:     message,
				Metadata:    metadataOrEmpty(metadata),
			}
			var txErr error
			msg, txErr = q.InsertMessage(ctx, m)
			return txErr
		})
		if err != nil {
			return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
		}
		metrics.MessagesSentTotal.WithLabelValues(string(store.MessageUserDefined)).Inc()

		mctx := handler.MessageContext{
			SenderID:       sender.ID,
			ReceiverID:     recipient.ID,
			OrganizationID: recipient.OrganizationID,
			MessageID:      msg.ID,
			Metadata:       msg.Metadata,
		}
		e.handlers.DispatchAsync(context.WithoutCancel(ctx), handler.OneWay, msg.Content, mctx, e.cfg.HandlerTimeout)

		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// SendAndWait implements the synchronous conversation pattern (spec
// §4.5.3): it establishes the locked_agent_id / advisory lock / waiter
// triple, probes the handler fast path, and otherwise blocks until a
// reply is delivered or timeout elapses. The locked_agent_id column,
// the advisory lock, and the waiter entry are always torn down together
// on every exit path.
func (e *Engine) SendAndWait(ctx context.Context, senderExt, recipientExt string, message json.RawMessage, timeout time.Duration, metadata json.RawMessage) (json.RawMessage, error) {
	const op = "session.SendAndWait"

	if err := validate.SyncTimeout(timeout); err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.ValidationError, err)
	}
	if !e.handlers.Has(handler.Conversation) {
		return nil, kernelerr.New(op, kernelerr.NoHandler)
	}

	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return nil, err
	}
	recipient, err := e.identity.AgentByExternalID(ctx, recipientExt)
	if err != nil {
		return nil, err
	}

	var sess *store.Session
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		sess, txErr = resolveOrCreateSession(ctx, q, sender.ID, recipient.ID)
		return txErr
	})
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	lockKey := id.LockKey(sess.ID)
	waiterKey := waiter.Key{SessionID: sess.ID, AgentID: sender.ID}

	var result json.RawMessage
	connErr := e.gw.WithConn(ctx, func(c *store.Conn) error {
		acquired, err := c.TryAcquireLock(ctx, lockKey)
		if err != nil {
			return kernelerr.Wrap(op, kernelerr.StoreError, err)
		}
		if !acquired {
			metrics.AdvisoryLockContentionTotal.Inc()
			return kernelerr.New(op, kernelerr.SessionBusy)
		}
		defer func() { _ = c.ReleaseLock(ctx, lockKey) }()

		var msg *store.Message
		err = c.WithTx(ctx, func(q *store.Queries) error {
			if err := q.SetLockedAgent(ctx, sess.ID, sender.ID); err != nil {
				return err
			}
			m := &store.Message{
				ID:          id.New(),
				SenderID:    sender.ID,
				RecipientID: &recipient.ID,
				SessionID:   &sess.ID,
				MessageType: store.MessageUserDefined,
				Content:     message,
				Metadata:    metadataOrEmpty(metadata),
			}
			var txErr error
			msg, txErr = q.InsertMessage(ctx, m)
			return txErr
		})
		if err != nil {
			_ = c.Queries.ClearLockedAgent(ctx, sess.ID)
			return kernelerr.Wrap(op, kernelerr.StoreError, err)
		}
		metrics.MessagesSentTotal.WithLabelValues(string(store.MessageUserDefined)).Inc()

		h, err := e.waiters.Register(waiterKey)
		if err != nil {
			_ = c.Queries.ClearLockedAgent(ctx, sess.ID)
			return kernelerr.New(op, kernelerr.SessionLockConflict)
		}
		metrics.ActiveWaiters.Inc()
		defer func() {
			e.waiters.Release(waiterKey)
			metrics.ActiveWaiters.Dec()
			_ = c.Queries.ClearLockedAgent(ctx, sess.ID)
		}()

		mctx := handler.MessageContext{
			SenderID:       sender.ID,
			ReceiverID:     recipient.ID,
			OrganizationID: recipient.OrganizationID,
			MessageID:      msg.ID,
			SessionID:      &sess.ID,
			Metadata:       msg.Metadata,
		}

		// Step 4: fast-path probe.
		fastPayload, fastState := e.handlers.Dispatch(ctx, handler.Conversation, msg.Content, mctx, e.cfg.FastPathBudget)
		if fastState == handler.Returned {
			reply, err := persistReply(ctx, c.Queries, sess.ID, recipient.ID, sender.ID, fastPayload)
			if err != nil {
				return kernelerr.Wrap(op, kernelerr.StoreError, err)
			}
			if err := c.Queries.MarkMessageRead(ctx, reply.ID); err != nil {
				return kernelerr.Wrap(op, kernelerr.StoreError, err)
			}
			metrics.SendAndWaitOutcomesTotal.WithLabelValues("fast_path").Inc()
			result = reply.Content
			return nil
		}

		// Step 5: only a budget timeout gets a background retry — a
		// handler error on the fast-path probe is not expected to
		// succeed on blind resubmission.
		if fastState == handler.TimedOut {
			go e.deliverAsyncReply(sess.ID, recipient.ID, sender.ID, msg.Content, mctx)
		}

		// Step 6: race against a concurrent send_no_wait from the
		// recipient that may have already delivered a reply.
		if existing, err := c.Queries.GetLatestUnreadReply(ctx, sess.ID, sender.ID, msg.CreatedAt); err == nil {
			if err := c.Queries.MarkMessageRead(ctx, existing.ID); err != nil {
				return kernelerr.Wrap(op, kernelerr.StoreError, err)
			}
			metrics.SendAndWaitOutcomesTotal.WithLabelValues("race_check").Inc()
			result = existing.Content
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return kernelerr.Wrap(op, kernelerr.StoreError, err)
		}

		// Step 7: block until delivered, timed out, or cancelled.
		payload, outcome := e.waiters.Wait(h, time.After(timeout))
		switch outcome {
		case waiter.Delivered:
			if payload == nil {
				existing, err := c.Queries.GetLatestUnreadReply(ctx, sess.ID, sender.ID, msg.CreatedAt)
				if err != nil {
					return kernelerr.Wrap(op, kernelerr.StoreError, err)
				}
				if err := c.Queries.MarkMessageRead(ctx, existing.ID); err != nil {
					return kernelerr.Wrap(op, kernelerr.StoreError, err)
				}
				payload = existing.Content
			}
			metrics.SendAndWaitOutcomesTotal.WithLabelValues("delivered").Inc()
			result = payload
			return nil
		case waiter.TimedOut:
			metrics.SendAndWaitOutcomesTotal.WithLabelValues("timed_out").Inc()
			timeoutMsg := &store.Message{
				ID:          id.New(),
				SenderID:    sender.ID,
				RecipientID: &recipient.ID,
				SessionID:   &sess.ID,
				MessageType: store.MessageTimeout,
				Content:     json.RawMessage(`{}`),
				Metadata:    json.RawMessage(`{}`),
			}
			if _, err := c.Queries.InsertMessage(ctx, timeoutMsg); err != nil {
				return kernelerr.Wrap(op, kernelerr.StoreError, err)
			}
			return kernelerr.New(op, kernelerr.Timeout)
		default: // waiter.Cancelled
			metrics.SendAndWaitOutcomesTotal.WithLabelValues("cancelled").Inc()
			return kernelerr.New(op, kernelerr.SessionEnded)
		}
	})
	if connErr != nil {
		return nil, connErr
	}
	return result, nil
}

// deliverAsyncReply runs the CONVERSATION handler to completion in the
// background and, if it returns a payload, persists it as a reply and
// delivers it to the waiter keyed by (sessionID, originalSenderID) if
// one is still registered (spec §4.5.5). If the original sender is no
// longer waiting, the reply is still persisted and simply becomes an
// unread message.
func (e *Engine) deliverAsyncReply(sessionID, fromAgent, originalSenderID uuid.UUID, message json.RawMessage, mctx handler.MessageContext) {
	ctx := context.Background()
	payload, state := e.handlers.Dispatch(ctx, handler.Conversation, message, mctx, e.cfg.HandlerTimeout)
	if state != handler.Returned {
		return
	}

	var msg *store.Message
	err := e.gw.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		msg, txErr = persistReply(ctx, q, sessionID, fromAgent, originalSenderID, payload)
		return txErr
	})
	if err != nil {
		slog.Warn("failed to persist asynchronous conversation reply", "error", err)
		return
	}

	key := waiter.Key{SessionID: sessionID, AgentID: originalSenderID}
	if e.waiters.Deliver(key, payload) {
		if err := e.gw.Queries.MarkMessageRead(ctx, msg.ID); err != nil {
			slog.Warn("failed to mark delivered reply read", "error", err)
		}
	}
}

// SendNoWait implements the asynchronous conversation pattern (spec
// §4.5.4): it persists the message, hands it directly to a blocked peer
// if one is waiting, and otherwise applies the notification rule.
func (e *Engine) SendNoWait(ctx context.Context, senderExt, recipientExt string, message json.RawMessage, metadata json.RawMessage) error {
	const op = "session.SendNoWait"

	if !e.handlers.Has(handler.Conversation) {
		return kernelerr.New(op, kernelerr.NoHandler)
	}

	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return err
	}
	recipient, err := e.identity.AgentByExternalID(ctx, recipientExt)
	if err != nil {
		return err
	}

	var sess *store.Session
	var msg *store.Message
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		sess, txErr = resolveOrCreateSession(ctx, q, sender.ID, recipient.ID)
		if txErr != nil {
			return txErr
		}
		m := &store.Message{
			ID:          id.New(),
			SenderID:    sender.ID,
			RecipientID: &recipient.ID,
			SessionID:   &sess.ID,
			MessageType: store.MessageUserDefined,
			Content:     message,
			Metadata:    metadataOrEmpty(metadata),
		}
		msg, txErr = q.InsertMessage(ctx, m)
		return txErr
	})
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(string(store.MessageUserDefined)).Inc()

	// Read locked_agent_id before handing the message to a waiting
	// recipient: once delivered, the recipient's send_and_wait tears down
	// and clears the lock, which would otherwise make a locked recipient
	// look unlocked to the notification rule below.
	current, err := e.gw.Queries.GetSessionByID(ctx, sess.ID)
	if err != nil {
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}

	waiterKey := waiter.Key{SessionID: sess.ID, AgentID: recipient.ID}
	wasWaiting := e.waiters.Has(waiterKey)
	if wasWaiting {
		if e.waiters.Deliver(waiterKey, msg.Content) {
			if err := e.gw.Queries.MarkMessageRead(ctx, msg.ID); err != nil {
				return kernelerr.Wrap(op, kernelerr.StoreError, err)
			}
		}
	}

	mctx := handler.MessageContext{
		SenderID:       sender.ID,
		ReceiverID:     recipient.ID,
		OrganizationID: recipient.OrganizationID,
		MessageID:      msg.ID,
		SessionID:      &sess.ID,
		Metadata:       msg.Metadata,
	}

	if current.LockedAgentID == nil || *current.LockedAgentID != recipient.ID {
		e.handlers.DispatchAsync(context.WithoutCancel(ctx), handler.MessageNotification, msg.Content, mctx, e.cfg.HandlerTimeout)
	}
	if !wasWaiting {
		e.handlers.DispatchAsync(context.WithoutCancel(ctx), handler.Conversation, msg.Content, mctx, e.cfg.HandlerTimeout)
	}

	return nil
}

// GetUnreadMessages returns agentExt's unread messages ordered by
// created_at ASC, marking each as read in the same transaction (spec
// §4.5.6).
func (e *Engine) GetUnreadMessages(ctx context.Context, agentExt string, filter store.MessageFilter) ([]*store.Message, error) {
	const op = "session.GetUnreadMessages"

	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return nil, err
	}

	var msgs []*store.Message
	err = e.gw.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		msgs, txErr = q.GetUnreadMessages(ctx, agent.ID, filter)
		return txErr
	})
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return msgs, nil
}

// GetMessagesForSession returns the full ordered history for sessionID
// without mutating anything (spec §4.5.6).
func (e *Engine) GetMessagesForSession(ctx context.Context, sessionID uuid.UUID, filter store.MessageFilter) ([]*store.Message, error) {
	const op = "session.GetMessagesForSession"

	msgs, err := e.gw.Queries.GetMessagesForSession(ctx, sessionID, filter)
	if err != nil {
		return nil, kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	return msgs, nil
}

// EndSession transitions a session from active to ended and cancels any
// waiter currently blocked on it with SessionEnded (spec §4.5.7).
func (e *Engine) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	const op = "session.EndSession"

	if err := e.gw.Queries.EndSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kernelerr.New(op, kernelerr.SessionEnded)
		}
		return kernelerr.Wrap(op, kernelerr.StoreError, err)
	}
	e.waiters.CancelAllForSession(sessionID)
	metrics.SessionsEndedTotal.Inc()
	return nil
}
