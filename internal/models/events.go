package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies an inbound push event type.
type EventKind string

const (
	EventNewMessage EventKind = "newMessage"
	EventNewNotice  EventKind = "newNotice"
	EventNewTask    EventKind = "newTask"
	EventNewMeeting EventKind = "newMeeting"
)

// InboundEvent is a single push event as received from the channel.
// Events are transient: dispatched once, never stored.
type InboundEvent struct {
	Kind       EventKind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// MessagePayload is the payload of a newMessage event.
type MessagePayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// NoticePayload is the payload of a newNotice event.
type NoticePayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

// TaskPayload is the payload of a newTask event.
type TaskPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
	DueDate  string `json:"dueDate"`
}

// MeetingPayload is the payload of a newMeeting event.
type MeetingPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	StartTime string `json:"startTime"`
}
