package models

import (
	"encoding/json"
	"time"
)

// Named events exchanged over the transport channel.
const (
	EventSendMessage     = "sendMessage"
	EventSeenMessage     = "seenMessage"
	EventJoinOnlineTrack = "joinOnlineTrack"
	EventNewMessage      = "newMessage"
	EventNewSeen         = "newSeen"
)

// Envelope is the wire frame for every transport event: a name plus a
// raw payload decoded by the subscribed handler.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessagePayload is the outbound sendMessage event. ClientRef is the
// temporary client id; the server ignores it (it is not echoed back) but
// it lets the client correlate a queued send that was dropped.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments"`
	ClientRef      string       `json:"clientRef,omitempty"`
}

// SeenPayload is the outbound seenMessage event.
type SeenPayload struct {
	ConversationID string `json:"conversationId"`
}

// JoinOnlineTrackPayload asks the server to start emitting presence
// events for the given user. The server emits them under an event named
// by the user id itself.
type JoinOnlineTrackPayload struct {
	UserID string `json:"userId"`
}

// NewMessageEvent is the inbound newMessage event. Time is unix
// milliseconds as assigned by the originating side.
type NewMessageEvent struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Message        string       `json:"message"`
	Time           int64        `json:"time"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Message converts the wire event into a confirmed Message.
func (e NewMessageEvent) ToMessage() Message {
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Body:           e.Message,
		Attachments:    e.Attachments,
		SentAt:         time.UnixMilli(e.Time).UTC(),
		Provenance:     ProvenanceConfirmed,
	}
}

// NewSeenEvent is the inbound newSeen acknowledgement.
type NewSeenEvent struct {
	ConversationID string `json:"conversationId"`
}

// PresenceEvent is the inbound presence update for a tracked user.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
