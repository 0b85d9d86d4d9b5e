// Package handler implements the process-wide handler registry: a
// single registered callback per handler kind, with timeout-bounded
// dispatch. Grounded on the registration/mutex shape of a worker
// connection manager, generalized from "one connection per worker ID"
// to "one callback per handler kind".
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/agentkernel/internal/metrics"
)

// Kind identifies a registered callback slot.
type Kind string

const (
	OneWay               Kind = "ONE_WAY"
	Conversation         Kind = "CONVERSATION"
	Meeting              Kind = "MEETING"
	MessageNotification  Kind = "MESSAGE_NOTIFICATION"
	EventMeetingStarted  Kind = "meeting_started"
	EventTurnChanged     Kind = "turn_changed"
	EventMeetingEnded    Kind = "meeting_ended"
	EventParticipantJoin Kind = "participant_joined"
	EventParticipantLeft Kind = "participant_left"
	EventTurnTimeout     Kind = "turn_timeout"
)

// State is the outcome of a Dispatch call.
type State string

const (
	Returned State = "returned"
	TimedOut State = "timed_out"
	Errored  State = "errored"
	NoHandler State = "no_handler"
)

// MessageContext is passed to every dispatched callback.
type MessageContext struct {
	SenderID       uuid.UUID
	ReceiverID     uuid.UUID
	OrganizationID uuid.UUID
	HandlerContext any
	MessageID      uuid.UUID
	SessionID      *uuid.UUID
	MeetingID      *uuid.UUID
	Metadata       json.RawMessage
}

// Callback is the handler callback signature: it receives the message
// payload and context, and may return a reply payload or nil for "no
// synchronous response".
type Callback func(ctx context.Context, message json.RawMessage, mctx MessageContext) (json.RawMessage, error)

// Registry holds at most one callback per Kind. Thread-safe;
// registration is last-writer-wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Callback
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[Kind]Callback)}
}

// Register installs callback for kind, replacing any existing one.
func (r *Registry) Register(kind Kind, callback Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = callback
}

// Has reports whether a callback is registered for kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

func (r *Registry) get(kind Kind) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.handlers[kind]
	return cb, ok
}

// Dispatch invokes the callback registered for kind with the given
// budget. If no callback is registered, it returns (nil, NoHandler)
// immediately. A callback error is logged and reported as Errored; it
// never propagates to the caller. A callback that outruns budget is
// reported as TimedOut — its goroutine is left to finish in the
// background since Go has no way to forcibly cancel a running call that
// ignores ctx.
func (r *Registry) Dispatch(ctx context.Context, kind Kind, message json.RawMessage, mctx MessageContext, budget time.Duration) (json.RawMessage, State) {
	start := time.Now()
	payload, state := r.dispatch(ctx, kind, message, mctx, budget)
	if state != NoHandler {
		metrics.HandlerDispatchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
	metrics.HandlerDispatchTotal.WithLabelValues(string(kind), string(state)).Inc()
	return payload, state
}

func (r *Registry) dispatch(ctx context.Context, kind Kind, message json.RawMessage, mctx MessageContext, budget time.Duration) (json.RawMessage, State) {
	cb, ok := r.get(kind)
	if !ok {
		return nil, NoHandler
	}

	dctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		payload json.RawMessage
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		payload, err := cb(dctx, message, mctx)
		resultCh <- result{payload: payload, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			slog.Warn("handler callback returned an error", "kind", kind, "error", res.err)
			return nil, Errored
		}
		return res.payload, Returned
	case <-dctx.Done():
		return nil, TimedOut
	}
}

// DispatchAsync runs Dispatch in its own goroutine and discards the
// result, for fire-and-forget call sites (one-way sends, meeting
// fan-out, notification handlers, event handlers).
func (r *Registry) DispatchAsync(ctx context.Context, kind Kind, message json.RawMessage, mctx MessageContext, budget time.Duration) {
	go r.Dispatch(ctx, kind, message, mctx, budget)
}
