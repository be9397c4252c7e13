package models

import "time"

// Notification is one entry in the local alert log. The log is bounded
// and persisted; entries leave it only through eviction or never (read
// state is a flag, not a deletion).
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Category names a badge counter bucket.
type Category string

const (
	CategoryMessages Category = "messages"
	CategoryNotices  Category = "notices"
	CategoryTasks    Category = "tasks"
	CategoryMeetings Category = "meetings"
)

// Categories returns the fixed set of counter categories.
func Categories() []Category {
	return []Category{CategoryMessages, CategoryNotices, CategoryTasks, CategoryMeetings}
}

// CategoryForEvent maps a push event kind to the counter category it
// affects. The second return is false for kinds with no badge.
func CategoryForEvent(kind EventKind) (Category, bool) {
	switch kind {
	case EventNewMessage:
		return CategoryMessages, true
	case EventNewNotice:
		return CategoryNotices, true
	case EventNewTask:
		return CategoryTasks, true
	case EventNewMeeting:
		return CategoryMeetings, true
	default:
		return "", false
	}
}
