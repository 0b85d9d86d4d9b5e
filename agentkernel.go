// Package agentkernel is the coordination kernel's single construction
// entry point (spec §4.7): it owns the store pool, the identity and
// handler registries, and the one_way/conversation/meeting sub-facades,
// and guarantees their release on shutdown.
package agentkernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/agentkernel/internal/kernel/handler"
	"github.com/relaymesh/agentkernel/internal/kernel/identity"
	"github.com/relaymesh/agentkernel/internal/kernel/kernelerr"
	"github.com/relaymesh/agentkernel/internal/kernel/meeting"
	"github.com/relaymesh/agentkernel/internal/kernel/session"
	"github.com/relaymesh/agentkernel/internal/kernel/store"
	"github.com/relaymesh/agentkernel/internal/kernel/waiter"
)

// Handler re-exports the registry's callback kinds and signature so
// callers never need to import internal/kernel/handler directly.
type (
	HandlerKind    = handler.Kind
	HandlerCallback = handler.Callback
	MessageContext  = handler.MessageContext
)

const (
	OneWay              = handler.OneWay
	Conversation        = handler.Conversation
	Meeting             = handler.Meeting
	MessageNotification = handler.MessageNotification
)

// Config is the facade's construction input (spec §6's recognized
// configuration options).
type Config struct {
	StoreDSN              string
	PoolSize              int
	DefaultSyncTimeout    time.Duration
	DefaultTurnDuration   time.Duration
	HandlerFastPathBudget time.Duration
	HandlerTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.DefaultSyncTimeout <= 0 {
		c.DefaultSyncTimeout = 30 * time.Second
	}
	if c.DefaultTurnDuration <= 0 {
		c.DefaultTurnDuration = 60 * time.Second
	}
	if c.HandlerFastPathBudget <= 0 {
		c.HandlerFastPathBudget = 100 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Kernel is the top-level facade: identity and handler registration,
// plus the three messaging sub-facades.
type Kernel struct {
	cfg     Config
	gw      *store.Gateway
	waiters *waiter.Table

	Identity     *identity.Registry
	Handlers     *handler.Registry
	OneWayFacade *OneWayFacade
	Conversation *ConversationFacade
	Meeting      *meeting.Engine
}

// New opens the store pool, runs migrations, and constructs every
// registry and engine. The returned Kernel must be released with
// Shutdown.
func New(cfg Config) (*Kernel, error) {
	cfg = cfg.withDefaults()

	gw, err := store.Open(cfg.StoreDSN, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := gw.Migrate(); err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	idReg := identity.New(gw)
	handlers := handler.New()
	waiters := waiter.New()

	sessionEngine := session.New(gw, idReg, handlers, waiters, session.Config{
		FastPathBudget: cfg.HandlerFastPathBudget,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	meetingEngine := meeting.New(gw, idReg, handlers, waiters, meeting.Config{
		DefaultTurnDuration: cfg.DefaultTurnDuration,
		HandlerTimeout:      cfg.HandlerTimeout,
	})

	return &Kernel{
		cfg:          cfg,
		gw:           gw,
		waiters:      waiters,
		Identity:     idReg,
		Handlers:     handlers,
		OneWayFacade: &OneWayFacade{engine: sessionEngine},
		Conversation: &ConversationFacade{engine: sessionEngine, defaultTimeout: cfg.DefaultSyncTimeout},
		Meeting:      meetingEngine,
	}, nil
}

// RegisterHandler installs callback for kind (last-writer-wins), the
// same call used for ONE_WAY, CONVERSATION, MEETING,
// MESSAGE_NOTIFICATION, and every meeting event kind.
func (k *Kernel) RegisterHandler(kind HandlerKind, callback HandlerCallback) {
	k.Handlers.Register(kind, callback)
}

// Shutdown ends every active meeting's scheduler, cancels every
// outstanding waiter, and drains the store pool. A caller blocked in
// SendAndWait when its waiter is cancelled fails with SessionEnded;
// no KindShutdown error is produced by this path. Safe to call even if construction partially
// failed elsewhere; every step runs regardless of earlier errors.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.Meeting.Shutdown(ctx)
	k.waiters.Shutdown()
	return k.gw.Close()
}

// OneWayFacade exposes the one-way broadcast pattern (spec §4.5.2).
type OneWayFacade struct {
	engine *session.Engine
}

// Send broadcasts message to every recipient, independently persisted
// and dispatched; returns the created message IDs in recipient order.
func (f *OneWayFacade) Send(ctx context.Context, senderExt string, recipientExts []string, message json.RawMessage, metadata json.RawMessage) ([]uuid.UUID, error) {
	return f.engine.OneWaySend(ctx, senderExt, recipientExts, message, metadata)
}

// ConversationFacade exposes the synchronous and asynchronous
// two-agent conversation patterns (spec §4.5.3-§4.5.7).
type ConversationFacade struct {
	engine         *session.Engine
	defaultTimeout time.Duration
}

// SendAndWait blocks for a CONVERSATION handler reply, using timeout if
// positive or the facade's configured default otherwise.
func (f *ConversationFacade) SendAndWait(ctx context.Context, senderExt, recipientExt string, message json.RawMessage, timeout time.Duration, metadata json.RawMessage) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	return f.engine.SendAndWait(ctx, senderExt, recipientExt, message, timeout, metadata)
}

// SendNoWait persists message and delivers it without blocking the
// caller (spec §4.5.4).
func (f *ConversationFacade) SendNoWait(ctx context.Context, senderExt, recipientExt string, message json.RawMessage, metadata json.RawMessage) error {
	return f.engine.SendNoWait(ctx, senderExt, recipientExt, message, metadata)
}

// UnreadMessages pulls and marks-read agentExt's pending messages
// (spec §4.5.6).
func (f *ConversationFacade) UnreadMessages(ctx context.Context, agentExt string, filter store.MessageFilter) ([]*store.Message, error) {
	return f.engine.GetUnreadMessages(ctx, agentExt, filter)
}

// History returns sessionID's full ordered message log without
// mutating read state.
func (f *ConversationFacade) History(ctx context.Context, sessionID uuid.UUID, filter store.MessageFilter) ([]*store.Message, error) {
	return f.engine.GetMessagesForSession(ctx, sessionID, filter)
}

// End transitions sessionID to ended and fails any blocked waiter with
// SessionEnded (spec §4.5.7).
func (f *ConversationFacade) End(ctx context.Context, sessionID uuid.UUID) error {
	return f.engine.EndSession(ctx, sessionID)
}

// IsKind reports whether err is a kernel error of the given taxonomy
// kind; a thin re-export so callers outside internal/ don't need to
// import internal/kernel/kernelerr directly.
func IsKind(err error, kind kernelerr.Kind) bool {
	return kernelerr.Is(err, kind)
}

// Re-export the taxonomy kinds callers branch on most often.
const (
	KindNotFound            = kernelerr.NotFound
	KindConflict            = kernelerr.Conflict
	KindNoHandler           = kernelerr.NoHandler
	KindSessionBusy         = kernelerr.SessionBusy
	KindSessionEnded        = kernelerr.SessionEnded
	KindMeetingEnded        = kernelerr.MeetingEnded
	KindNotYourTurn         = kernelerr.NotYourTurn
	KindTimeout             = kernelerr.Timeout
	KindSessionLockConflict = kernelerr.SessionLockConflict
	KindShutdown            = kernelerr.Shutdown
	KindStoreUnavailable    = kernelerr.StoreUnavailable
	KindStoreError          = kernelerr.StoreError
	KindValidationError     = kernelerr.ValidationError
)
