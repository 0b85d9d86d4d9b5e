package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentkernel/internal/kernel/handler"
	"github.com/relaymesh/agentkernel/internal/kernel/identity"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/session"
	"github.com/relaymesh/agentkernel/internal/kernel/store"
	"github.com/relaymesh/agentkernel/internal/kernel/store/storetest"
	"github.com/relaymesh/agentkernel/internal/kernel/waiter"
	"github.com/relaymesh/agentkernel/internal/util/testutil"
)

type fixture struct {
	gw       *store.Gateway
	identity *identity.Registry
	handlers *handler.Registry
	waiters  *waiter.Table
	engine   *session.Engine
}

func newFixture(t *testing.T, cfg session.Config) *fixture {
	t.Helper()
	gw := storetest.Open(t)
	idReg := identity.New(gw)
	handlers := handler.New()
	waiters := waiter.New()
	return &fixture{
		gw:       gw,
		identity: idReg,
		handlers: handlers,
		waiters:  waiters,
		engine:   session.New(gw, idReg, handlers, waiters, cfg),
	}
}

func registerAgent(t *testing.T, ctx context.Context, f *fixture, org, externalID, name string) {
	t.Helper()
	_, err := f.identity.RegisterOrganization(ctx, org, org)
	require.NoError(t, err)
	_, err = f.identity.RegisterAgent(ctx, externalID, org, name)
	require.NoError(t, err)
}

// sessionFor returns the active session for the pair (extA, extB),
// regardless of which one the caller names first.
func sessionFor(t *testing.T, ctx context.Context, f *fixture, extA, extB string) (*store.Session, error) {
	t.Helper()
	a, err := f.identity.AgentByExternalID(ctx, extA)
	require.NoError(t, err)
	b, err := f.identity.AgentByExternalID(ctx, extB)
	require.NoError(t, err)

	low, high := a.ID, b.ID
	if bytes.Compare(b.ID[:], a.ID[:]) < 0 {
		low, high = b.ID, a.ID
	}
	return f.gw.Queries.GetActiveSessionByPair(ctx, low, high)
}

func TestOneWaySend_InvokesHandlerPerRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})

	registerAgent(t, ctx, f, "acme-ow", "alice-ow", "Alice")
	registerAgent(t, ctx, f, "acme-ow", "bob-ow", "Bob")
	registerAgent(t, ctx, f, "acme-ow", "charlie-ow", "Charlie")

	var received atomic.Int32
	f.handlers.Register(handler.OneWay, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		received.Add(1)
		return nil, nil
	})

	ids, err := f.engine.OneWaySend(ctx, "alice-ow", []string{"bob-ow", "charlie-ow"}, json.RawMessage(`{"text":"hi"}`), nil)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	testutil.RequireEventually(t, func() bool { return received.Load() == 2 }, "handler invoked for both recipients")

	msgs, err := f.engine.GetUnreadMessages(ctx, "bob-ow", store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = f.engine.GetUnreadMessages(ctx, "bob-ow", store.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOneWaySend_NoHandlerFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	registerAgent(t, ctx, f, "acme-ow2", "alice-ow2", "Alice")
	registerAgent(t, ctx, f, "acme-ow2", "bob-ow2", "Bob")

	_, err := f.engine.OneWaySend(ctx, "alice-ow2", []string{"bob-ow2"}, json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.NoHandler))
}

func TestSendAndWait_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	registerAgent(t, ctx, f, "acme-sw", "alice-sw", "Alice")
	registerAgent(t, ctx, f, "acme-sw", "bob-sw", "Bob")

	f.handlers.Register(handler.Conversation, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		var req struct {
			Q string `json:"q"`
		}
		require.NoError(t, json.Unmarshal(message, &req))
		return json.RawMessage(fmt.Sprintf(`{"reply":%q}`, req.Q+"!")), nil
	})

	reply, err := f.engine.SendAndWait(ctx, "alice-sw", "bob-sw", json.RawMessage(`{"q":"ping"}`), 5*time.Second, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"ping!"}`, string(reply))
}

func TestSendAndWait_TimesOutWithNoResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{FastPathBudget: 10 * time.Millisecond})
	registerAgent(t, ctx, f, "acme-sw2", "alice-sw2", "Alice")
	registerAgent(t, ctx, f, "acme-sw2", "bob-sw2", "Bob")

	f.handlers.Register(handler.Conversation, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.engine.SendAndWait(ctx, "alice-sw2", "bob-sw2", json.RawMessage(`{"q":"?"}`), 300*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.Timeout))
}

func TestSendAndWait_ValidationErrorOnBadTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	registerAgent(t, ctx, f, "acme-sw3", "alice-sw3", "Alice")
	registerAgent(t, ctx, f, "acme-sw3", "bob-sw3", "Bob")
	f.handlers.Register(handler.Conversation, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		return nil, nil
	})

	_, err := f.engine.SendAndWait(ctx, "alice-sw3", "bob-sw3", json.RawMessage(`{}`), 0, nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.ValidationError))

	_, err = f.engine.SendAndWait(ctx, "alice-sw3", "bob-sw3", json.RawMessage(`{}`), 301*time.Second, nil)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.ValidationError))
}

func TestSendNoWait_NotificationRuleSkippedWhenRecipientLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{FastPathBudget: 10 * time.Millisecond})
	registerAgent(t, ctx, f, "acme-nr", "alice-nr", "Alice")
	registerAgent(t, ctx, f, "acme-nr", "bob-nr", "Bob")

	var notified atomic.Int32
	f.handlers.Register(handler.MessageNotification, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		notified.Add(1)
		return nil, nil
	})
	f.handlers.Register(handler.Conversation, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, nil
	})

	err := f.engine.SendNoWait(ctx, "alice-nr", "bob-nr", json.RawMessage(`{"text":"hi"}`), json.RawMessage(`{"priority":"high"}`))
	require.NoError(t, err)
	testutil.RequireEventually(t, func() bool { return notified.Load() == 1 }, "notification handler invoked once")

	go func() {
		_, _ = f.engine.SendAndWait(ctx, "bob-nr", "alice-nr", json.RawMessage(`{"q":"hi"}`), 2*time.Second, nil)
	}()

	testutil.RequireEventually(t, func() bool {
		sess, err := sessionFor(t, ctx, f, "alice-nr", "bob-nr")
		return err == nil && sess.LockedAgentID != nil
	}, "bob becomes locked agent")

	err = f.engine.SendNoWait(ctx, "alice-nr", "bob-nr", json.RawMessage(`{"text":"again"}`), nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), notified.Load())
}

func TestEndSession_CancelsBlockedWaiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{FastPathBudget: 5 * time.Millisecond})
	registerAgent(t, ctx, f, "acme-es", "alice-es", "Alice")
	registerAgent(t, ctx, f, "acme-es", "bob-es", "Bob")

	block := make(chan struct{})
	f.handlers.Register(handler.Conversation, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	defer close(block)

	type outcome struct {
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		_, err := f.engine.SendAndWait(ctx, "alice-es", "bob-es", json.RawMessage(`{}`), 5*time.Second, nil)
		done <- outcome{err: err}
	}()

	var sessionID uuid.UUID
	testutil.RequireEventually(t, func() bool {
		sess, err := sessionFor(t, ctx, f, "alice-es", "bob-es")
		if err != nil {
			return false
		}
		sessionID = sess.ID
		return sess.LockedAgentID != nil
	}, "session becomes locked")

	require.NoError(t, f.engine.EndSession(ctx, sessionID))

	select {
	case o := <-done:
		require.Error(t, o.err)
		assert.True(t, kernelerr.Is(o.err, kernelerr.SessionEnded))
	case <-time.After(2 * time.Second):
		t.Fatal("send_and_wait did not observe end_session cancellation")
	}
}
