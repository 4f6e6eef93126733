// Package notify carries notifications from the core services to recipients' inboxes.
//
// Producers hand notifications to a Sink. In production the sink is a QueueSink wrapped in a
// BreakerSink; the worker's Dispatcher drains the queue into the Inbox.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of notification.
type Type string

const (
	TypeClassScheduled         Type = "class_scheduled"
	TypeClassReminder          Type = "class_reminder"
	TypeCheckInAvailable       Type = "check_in_available"
	TypeAttendanceAlert        Type = "attendance_alert"
	TypeAttendanceConfirmation Type = "attendance_confirmation"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// RecipientType says which directory RecipientID belongs to.
type RecipientType string

const (
	RecipientStudent RecipientType = "student"
	RecipientTutor   RecipientType = "tutor"
	RecipientParent  RecipientType = "parent"
)

// Notification is a single message to one recipient.
type Notification struct {
	ID            string            `json:"id"`
	RecipientID   string            `json:"recipient_id"`
	RecipientType RecipientType     `json:"recipient_type"`
	Type          Type              `json:"type"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	SessionID     string            `json:"session_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Priority      Priority          `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Sink accepts notifications for delivery.
type Sink interface {
	Send(ctx context.Context, n Notification) error
	SendBatch(ctx context.Context, ns []Notification) error
}

// Inbox persists delivered notifications.
type Inbox interface {
	Deliver(ctx context.Context, n Notification) error
}

// Feed reads a recipient's delivered notifications, newest first.
type Feed interface {
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error)
}

// stamp fills the id, timestamp and priority when missing.
func stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	return n
}
