package portal

import "github.com/corehr/portal-sync/internal/models"

// SendMessageRequest is the payload for POST /chat/messages.
// ClientTempID is echoed back by the server so the synchronizer can
// match the confirmation to its optimistic entry.
type SendMessageRequest struct {
	ChatID       string              `json:"chatId"`
	ClientTempID string              `json:"clientTempId"`
	Content      string              `json:"content"`
	Attachments  []models.Attachment `json:"attachments,omitempty"`
}

// SendMessageResponse is returned from POST /chat/messages.
type SendMessageResponse struct {
	Message models.Message `json:"message"`
}

// ConversationResponse is returned from GET /chat/conversations/{id}.
type ConversationResponse struct {
	ID             string           `json:"id"`
	ParticipantIDs []string         `json:"participantIds"`
	Messages       []models.Message `json:"messages"`
	UnreadCount    int              `json:"unreadCount"`
}

// ConversationListResponse is returned from GET /chat/conversations.
type ConversationListResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
}

// UnreadCountsResponse is returned from GET /dashboard/unread-counts.
type UnreadCountsResponse struct {
	Counts map[models.Category]int `json:"counts"`
}

// APIError represents an error response body from the portal API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
