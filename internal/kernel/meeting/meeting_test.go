package meeting_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agentkernel/internal/kernel/handler"
	"github.com/relaymesh/agentkernel/internal/kernel/identity"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/meeting"
	"github.com/relaymesh/agentkernel/internal/kernel/store"
	"github.com/relaymesh/agentkernel/internal/kernel/store/storetest"
	"github.com/relaymesh/agentkernel/internal/kernel/waiter"
	"github.com/relaymesh/agentkernel/internal/util/testutil"
)

type fixture struct {
	gw       *store.Gateway
	identity *identity.Registry
	handlers *handler.Registry
	engine   *meeting.Engine
}

func newFixture(t *testing.T, cfg meeting.Config) *fixture {
	t.Helper()
	gw := storetest.Open(t)
	idReg := identity.New(gw)
	handlers := handler.New()
	waiters := waiter.New()
	return &fixture{
		gw:       gw,
		identity: idReg,
		handlers: handlers,
		engine:   meeting.New(gw, idReg, handlers, waiters, cfg),
	}
}

func registerAgent(t *testing.T, ctx context.Context, f *fixture, org, externalID, name string) {
	t.Helper()
	_, err := f.identity.RegisterOrganization(ctx, org, org)
	require.NoError(t, err)
	_, err = f.identity.RegisterAgent(ctx, externalID, org, name)
	require.NoError(t, err)
}

func TestMeetingLifecycle_CreateInviteJoinStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})

	registerAgent(t, ctx, f, "acme-m1", "host-m1", "Host")
	registerAgent(t, ctx, f, "acme-m1", "guest-m1", "Guest")

	var joined atomic.Int32
	f.handlers.Register(handler.EventParticipantJoin, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		joined.Add(1)
		return nil, nil
	})

	m, err := f.engine.CreateMeeting(ctx, "host-m1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingCreated, m.Status)

	_, err = f.engine.Invite(ctx, m.ID, "guest-m1")
	require.NoError(t, err)

	require.NoError(t, f.engine.Join(ctx, m.ID, "guest-m1"))

	reloaded, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingReady, reloaded.Status)

	testutil.RequireEventually(t, func() bool { return joined.Load() == 1 }, "participant_joined dispatched once")

	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m1"))
	active, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MeetingActive, active.Status)
	require.NotNil(t, active.CurrentSpeakerID)

	host, err := f.identity.AgentByExternalID(ctx, "host-m1")
	require.NoError(t, err)
	assert.Equal(t, host.ID, *active.CurrentSpeakerID)
}

// TestStartMeeting_HostIsInitialSpeakerWithoutJoin confirms the host is
// counted attending from CreateMeeting onward and never needs to call
// Join on its own meeting for StartMeeting to pick it as the initial
// speaker.
func TestStartMeeting_HostIsInitialSpeakerWithoutJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m1h", "host-m1h", "Host")
	registerAgent(t, ctx, f, "acme-m1h", "guest-m1h", "Guest")

	m, err := f.engine.CreateMeeting(ctx, "host-m1h", 5*time.Second)
	require.NoError(t, err)

	_, err = f.engine.Invite(ctx, m.ID, "guest-m1h")
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(ctx, m.ID, "guest-m1h"))

	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m1h"))

	host, err := f.identity.AgentByExternalID(ctx, "host-m1h")
	require.NoError(t, err)
	active, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, active.CurrentSpeakerID)
	assert.Equal(t, host.ID, *active.CurrentSpeakerID, "host never called Join but is still the lowest join_order attendee")
}

func TestMeetingSend_FailsNotYourTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m2", "host-m2", "Host")
	registerAgent(t, ctx, f, "acme-m2", "guest-m2", "Guest")

	f.handlers.Register(handler.Meeting, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		return nil, nil
	})

	m, err := f.engine.CreateMeeting(ctx, "host-m2", 5*time.Second)
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "guest-m2")
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(ctx, m.ID, "guest-m2"))
	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m2"))

	_, err = f.engine.MeetingSend(ctx, "guest-m2", m.ID, json.RawMessage(`{"text":"hi"}`))
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.NotYourTurn))
}

func TestMeetingSend_FansOutToOtherAttendees(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m3", "host-m3", "Host")
	registerAgent(t, ctx, f, "acme-m3", "a-m3", "A")
	registerAgent(t, ctx, f, "acme-m3", "b-m3", "B")

	var mu sync.Mutex
	received := map[string]int{}
	f.handlers.Register(handler.Meeting, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		mu.Lock()
		received[mctx.ReceiverID.String()]++
		mu.Unlock()
		return nil, nil
	})

	m, err := f.engine.CreateMeeting(ctx, "host-m3", 5*time.Second)
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "a-m3")
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "b-m3")
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(ctx, m.ID, "a-m3"))
	require.NoError(t, f.engine.Join(ctx, m.ID, "b-m3"))
	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m3"))

	a, err := f.identity.AgentByExternalID(ctx, "a-m3")
	require.NoError(t, err)
	b, err := f.identity.AgentByExternalID(ctx, "b-m3")
	require.NoError(t, err)

	_, err = f.engine.MeetingSend(ctx, "host-m3", m.ID, json.RawMessage(`{"text":"welcome"}`))
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received[a.ID.String()] == 1 && received[b.ID.String()] == 1
	}, "both non-speaker attendees received the meeting message")
}

func TestMeetingTurnRotation_TimeoutAdvancesToNextJoinOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m4", "host-m4", "Host")
	registerAgent(t, ctx, f, "acme-m4", "a-m4", "A")
	registerAgent(t, ctx, f, "acme-m4", "b-m4", "B")

	var turnTimeouts atomic.Int32
	f.handlers.Register(handler.EventTurnTimeout, func(ctx context.Context, message json.RawMessage, mctx handler.MessageContext) (json.RawMessage, error) {
		turnTimeouts.Add(1)
		return nil, nil
	})

	m, err := f.engine.CreateMeeting(ctx, "host-m4", 300*time.Millisecond)
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "a-m4")
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "b-m4")
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(ctx, m.ID, "a-m4"))
	require.NoError(t, f.engine.Join(ctx, m.ID, "b-m4"))
	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m4"))

	a, err := f.identity.AgentByExternalID(ctx, "a-m4")
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		reloaded, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
		return err == nil && reloaded.CurrentSpeakerID != nil && *reloaded.CurrentSpeakerID == a.ID
	}, "turn rotates to next join_order after timeout")

	testutil.RequireEventually(t, func() bool { return turnTimeouts.Load() >= 1 }, "turn_timeout dispatched")

	_, err = f.engine.MeetingSend(ctx, "host-m4", m.ID, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.NotYourTurn))
}

func TestMeetingLeave_SpeakerTriggersImmediateRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m5", "host-m5", "Host")
	registerAgent(t, ctx, f, "acme-m5", "a-m5", "A")
	registerAgent(t, ctx, f, "acme-m5", "b-m5", "B")

	m, err := f.engine.CreateMeeting(ctx, "host-m5", 10*time.Second)
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "a-m5")
	require.NoError(t, err)
	_, err = f.engine.Invite(ctx, m.ID, "b-m5")
	require.NoError(t, err)
	require.NoError(t, f.engine.Join(ctx, m.ID, "a-m5"))
	require.NoError(t, f.engine.Join(ctx, m.ID, "b-m5"))
	require.NoError(t, f.engine.StartMeeting(ctx, m.ID, "host-m5"))

	testutil.RequireEventually(t, func() bool {
		reloaded, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
		return err == nil && reloaded.CurrentSpeakerID != nil
	}, "scheduler registered its wait on the host")

	host, err := f.identity.AgentByExternalID(ctx, "host-m5")
	require.NoError(t, err)

	require.NoError(t, f.engine.Leave(ctx, m.ID, "host-m5"))

	a, err := f.identity.AgentByExternalID(ctx, "a-m5")
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		reloaded, err := f.gw.Queries.GetMeetingByID(ctx, m.ID)
		return err == nil && reloaded.CurrentSpeakerID != nil && *reloaded.CurrentSpeakerID == a.ID
	}, "current speaker rotated to a after host left")

	p, err := f.gw.Queries.GetParticipant(ctx, m.ID, host.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ParticipantLeft, p.Status)
}

func TestEndMeeting_RejectsFurtherMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, meeting.Config{})
	registerAgent(t, ctx, f, "acme-m6", "host-m6", "Host")

	m, err := f.engine.CreateMeeting(ctx, "host-m6", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.engine.EndMeetingByHost(ctx, m.ID, "host-m6"))

	_, err = f.engine.Invite(ctx, m.ID, "host-m6")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.MeetingEnded))

	err = f.engine.EndMeetingByHost(ctx, m.ID, "host-m6")
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.MeetingEnded))
}
