package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a Session (spec §3).
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// MeetingStatus is the lifecycle state of a Meeting (spec §4.6.1).
type MeetingStatus string

const (
	MeetingCreated MeetingStatus = "created"
	MeetingReady   MeetingStatus = "ready"
	MeetingActive  MeetingStatus = "active"
	MeetingEnded   MeetingStatus = "ended"
)

// ParticipantStatus is the lifecycle state of a MeetingParticipant.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAttending ParticipantStatus = "attending"
	ParticipantWaiting  ParticipantStatus = "waiting"
	ParticipantSpeaking ParticipantStatus = "speaking"
	ParticipantLeft     ParticipantStatus = "left"
)

// MessageType classifies a Message's origin (spec §3).
type MessageType string

const (
	MessageUserDefined MessageType = "user_defined"
	MessageSystem      MessageType = "system"
	MessageTimeout     MessageType = "timeout"
	MessageEnding      MessageType = "ending"
)

// Organization groups agents under a caller-chosen external identity.
type Organization struct {
	ID         uuid.UUID
	ExternalID string
	Name       string
	CreatedAt  time.Time
}

// Agent is a single addressable participant, belonging to exactly one
// organization.
type Agent struct {
	ID             uuid.UUID
	ExternalID     string
	OrganizationID uuid.UUID
	Name           string
	CreatedAt      time.Time
}

// Session is the durable conversational context between exactly two
// agents (spec §3). AgentAID < AgentBID always holds (canonical pair
// ordering); LockedAgentID is non-nil while that agent is suspended in
// send_and_wait on this session.
type Session struct {
	ID            uuid.UUID
	AgentAID      uuid.UUID
	AgentBID      uuid.UUID
	Status        SessionStatus
	LockedAgentID *uuid.UUID
	CreatedAt     time.Time
	EndedAt       *time.Time
}

// Meeting is a multi-agent, turn-based conversation (spec §3, §4.6).
type Meeting struct {
	ID               uuid.UUID
	HostID           uuid.UUID
	Status           MeetingStatus
	CurrentSpeakerID *uuid.UUID
	TurnDuration     time.Duration
	TurnStartedAt    *time.Time
	EndedReason      string
	CreatedAt        time.Time
	EndedAt          *time.Time
}

// MeetingParticipant is one agent's membership record in a meeting.
type MeetingParticipant struct {
	MeetingID uuid.UUID
	AgentID   uuid.UUID
	Status    ParticipantStatus
	JoinOrder int
	IsLocked  bool
	JoinedAt  *time.Time
	LeftAt    *time.Time
}

// Message is a single unit of communication: exactly one of
// RecipientID or MeetingID is set (spec §3 invariant).
type Message struct {
	ID           uuid.UUID
	SenderID     uuid.UUID
	RecipientID  *uuid.UUID
	SessionID    *uuid.UUID
	MeetingID    *uuid.UUID
	MessageType  MessageType
	Content      json.RawMessage
	Metadata     json.RawMessage
	ReadAt       *time.Time
	DeliveredAt  *time.Time
	CreatedAt    time.Time
}

// MeetingEvent is an append-only audit log entry for a meeting.
type MeetingEvent struct {
	ID        uuid.UUID
	MeetingID uuid.UUID
	EventType string
	AgentID   *uuid.UUID
	Data      json.RawMessage
	CreatedAt time.Time
}

// MessageFilter narrows get_unread_messages / get_messages_for_session
// queries (spec §4.5.6).
type MessageFilter struct {
	MessageType *MessageType
	// MetadataContains, when non-nil, is matched against the metadata
	// column with JSON containment (Postgres's "@>" operator).
	MetadataContains json.RawMessage
}
