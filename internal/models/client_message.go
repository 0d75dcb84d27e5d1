package models

// MessageType names a message exchanged with open pages.
type MessageType string

const (
	MessageUpdateAvailable     MessageType = "UPDATE_AVAILABLE"
	MessageCheckUpdate         MessageType = "CHECK_UPDATE"
	MessageUpdateStatus        MessageType = "UPDATE_STATUS"
	MessageNotificationClicked MessageType = "NOTIFICATION_CLICKED"
	MessageShowNotification    MessageType = "SHOW_NOTIFICATION"
	MessageFocus               MessageType = "FOCUS"
	MessageOpenWindow          MessageType = "OPEN_WINDOW"
)

// ClientMessage is the envelope sent over the page channel.
type ClientMessage struct {
	Type           MessageType   `json:"type"`
	Version        string        `json:"version,omitempty"`
	NotificationID string        `json:"notificationId,omitempty"`
	Timestamp      int64         `json:"timestamp,omitempty"`
	URL            string        `json:"url,omitempty"`
	Notification   *Notification `json:"notification,omitempty"`
}
