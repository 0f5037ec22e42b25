package models

// Client and server frame types.
const (
	FrameHeartbeat          = "heartbeat"
	FrameMessage            = "message"
	FrameGetMessages        = "get_messages"
	FrameDeleteNotification = "delete_notification"
	FrameClearNotifications = "clear_notifications"
	FrameNotification       = "notification"
	FrameNotifications      = "notifications"
)

// Frame is a JSON frame received from a client.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// NotificationEvent announces one new notification.
type NotificationEvent struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// NotificationsEvent carries the whole mailbox.
type NotificationsEvent struct {
	Type          string         `json:"type"`
	Notifications []Notification `json:"notifications"`
}

// DeleteNotificationEvent confirms a deletion.
type DeleteNotificationEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
