package domain

import (
	"encoding/json"
	"time"
)

// EventName identifies a frame on the real-time transport.
type EventName string

// Inbound events.
const (
	EventJoinRoom    EventName = "join-room"
	EventCallUser    EventName = "call-user"
	EventHeartbeat   EventName = "heartbeat"
	EventPong        EventName = "pong"
	EventDisconnect  EventName = "disconnect"
	EventSendInvite  EventName = "send-invite"
	EventGetInvites  EventName = "get-invites"
	EventSendMessage EventName = "send-message"
	EventToggleAudio EventName = "toggle-audio"
	EventToggleVideo EventName = "toggle-video"
)

// Outbound events.
const (
	EventPing            EventName = "ping"
	EventIncomingCall    EventName = "incoming-call"
	EventCallInitiated   EventName = "call-initiated"
	EventCallError       EventName = "call-error"
	EventGuestJoined     EventName = "guestJoined"
	EventGuestLeft       EventName = "guestLeft"
	EventGuestRegistered EventName = "guest-registered"
	EventHeartbeatAck    EventName = "heartbeat-ack"
	EventInvites         EventName = "invites"
	EventError           EventName = "error"
	EventUserJoined      EventName = "user-joined"
	EventUserLeft        EventName = "user-left"
	EventRoomUsers       EventName = "room-users"
	EventChatMessage     EventName = "chat-message"
	EventUserAudioToggle EventName = "user-audio-toggle"
	EventUserVideoToggle EventName = "user-video-toggle"
)

// SignalKind is a message kind the relay forwards verbatim between two
// endpoints. The same name is used inbound and outbound.
type SignalKind string

const (
	SignalCallInvite   SignalKind = "call-invite"
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalCallEnded    SignalKind = "call-ended"
	SignalCallRejected SignalKind = "call-rejected"
)

var signalKinds = map[SignalKind]struct{}{
	SignalCallInvite:   {},
	SignalOffer:        {},
	SignalAnswer:       {},
	SignalICECandidate: {},
	SignalCallEnded:    {},
	SignalCallRejected: {},
}

func (k SignalKind) Valid() bool {
	_, ok := signalKinds[k]
	return ok
}

// Event is an outbound frame. Data is encoded as-is.
type Event struct {
	Name EventName `json:"event"`
	Data any       `json:"data,omitempty"`
}

// Frame is an inbound frame; Data is decoded per event name.
type Frame struct {
	Name EventName       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PingData struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

type IncomingCallData struct {
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	CallType   CallType `json:"callType"`
	RoomID     string   `json:"roomId"`
	CallID     string   `json:"callId"`
}

type CallInitiatedData struct {
	TargetUserID string `json:"targetUserId"`
	Status       string `json:"status"`
	CallID       string `json:"callId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
}

type CallErrorData struct {
	Error        string `json:"error"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// RelayData is the outbound shape of every relayed signal.
type RelayData struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type GuestJoinedData struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type GuestLeftData struct {
	UserID string         `json:"userId"`
	Reason TeardownReason `json:"reason"`
}

type GuestRegisteredData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
}

type ErrorData struct {
	Message string    `json:"message"`
	Event   EventName `json:"event,omitempty"`
}

type RoomMemberData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type ChatMessageData struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ToggleData struct {
	UserID    string `json:"userId"`
	IsEnabled bool   `json:"isEnabled"`
}

type HeartbeatAckData struct {
	Timestamp time.Time `json:"timestamp"`
}
