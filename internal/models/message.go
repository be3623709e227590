package models

import (
	"path"
	"strings"
	"time"
)

// Provenance tells whether a message is locally created and still
// awaiting server acknowledgement, or acknowledged by the server.
type Provenance string

const (
	ProvenanceOptimistic Provenance = "optimistic"
	ProvenanceConfirmed  Provenance = "confirmed"
)

// AttachmentKind is inferred from the attachment path extension.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a stable path reference returned by the upload endpoint.
// Bytes are never embedded in messages; only the path travels.
type Attachment struct {
	Path string         `json:"path"`
	Kind AttachmentKind `json:"kind"`
}

// KindForPath infers the attachment kind from the file extension.
func KindForPath(p string) AttachmentKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return AttachmentImage
	case ".mp3", ".ogg", ".wav", ".m4a", ".aac":
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

// Message is one entry of a conversation sequence. ID is server-assigned
// once confirmed; optimistic messages carry a temporary client id until
// the matching server event replaces them.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
	Seen           bool         `json:"seen"`
	Provenance     Provenance   `json:"provenance"`
	Failed         bool         `json:"failed,omitempty"`
}

// Before reports whether m sorts ahead of other in the conversation
// sequence, ordered by (timestamp, id).
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}
