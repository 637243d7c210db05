package models

import "time"

type FeedState string

const (
	FeedIdle       FeedState = "idle"
	FeedConnecting FeedState = "connecting"
	FeedOpen       FeedState = "open"
	FeedClosing    FeedState = "closing"
)

// FeedStatus is a read-only view of one stream connection.
type FeedStatus struct {
	Feed          string        `json:"feed"`
	State         FeedState     `json:"state"`
	Connected     bool          `json:"connected"`
	Backoff       time.Duration `json:"backoff_ns"`
	LastMessageAt time.Time     `json:"last_message_at"`
	Target        string        `json:"target"`
	Reconnects    int64         `json:"reconnects"`
}
