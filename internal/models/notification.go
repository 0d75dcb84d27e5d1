package models

// NotificationAction is a button shown on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData is carried with a notification and returned on click.
type NotificationData struct {
	URL       string `json:"url"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Notification is what gets displayed for a push event.
type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Icon     string               `json:"icon,omitempty"`
	Badge    string               `json:"badge,omitempty"`
	Tag      string               `json:"tag"`
	Silent   bool                 `json:"silent"`
	Renotify bool                 `json:"renotify"`
	Actions  []NotificationAction `json:"actions,omitempty"`
	Data     NotificationData     `json:"data"`
}
