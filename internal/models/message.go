package models

import "time"

// MessageStatus tracks a message through the optimistic send flow.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Attachment is an opaque reference carried along with a message.
// Upload mechanics belong to the backend; the sync core only passes
// these through.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is a single chat message. ID is the server-assigned canonical
// identifier and is empty until the send is confirmed; while empty,
// ClientTempID is the uniqueness key. No two entries in a conversation
// may share a non-empty ID.
type Message struct {
	ID           string        `json:"id,omitempty"`
	ClientTempID string        `json:"clientTempId,omitempty"`
	SenderID     string        `json:"senderId"`
	Content      string        `json:"content"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Status       MessageStatus `json:"status,omitempty"`
}

// ConversationSummary is one row of the conversation-list view.
type ConversationSummary struct {
	ID           string    `json:"id"`
	LastMessage  string    `json:"lastMessage"`
	LastSenderID string    `json:"lastSenderId"`
	UnreadCount  int       `json:"unreadCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
