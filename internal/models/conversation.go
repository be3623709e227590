package models

import "time"

// Conversation is a directory entry between the current user and one
// counterpart, with denormalized last-message preview fields.
type Conversation struct {
	ID                string    `json:"id"`
	CounterpartID     string    `json:"counterpart_id"`
	CounterpartName   string    `json:"counterpart_name"`
	CounterpartAvatar string    `json:"counterpart_avatar,omitempty"`
	LastMessage       string    `json:"last_message"`
	LastMessageAt     time.Time `json:"last_message_at"`
	Unread            int       `json:"unread"`
	Online            bool      `json:"online"`
	CreatedAt         time.Time `json:"created_at"`
}

// PresenceRecord is the tracked online state of one counterpart. It
// exists only while a presence subscription for the user is active.
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}
