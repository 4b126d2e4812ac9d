package notifier

import (
	"context"
	"time"

	"notifyd/internal/notify"
)

// Config controls the async dispatch pipeline.
type Config struct {
	// Enabled=false makes Deliver and Withdraw call the surface synchronously.
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Surface is the desktop side the pipeline drives.
type Surface interface {
	Notify(ctx context.Context, key string, n notify.Notification) error
	CloseNotification(ctx context.Context, key string) error
	// Interactions may return nil when the surface never reports any.
	Interactions() <-chan notify.Interaction
}

type Op string

const (
	OpDeliver  Op = "deliver"
	OpWithdraw Op = "withdraw"
)

// EventSelected carries a notify.Interaction.
const EventSelected = "notification.selected"

type HistoryItem struct {
	At    time.Time `json:"at"`
	Op    Op        `json:"op"`
	Key   string    `json:"key"`
	Title string    `json:"title,omitempty"`
	Error string    `json:"error,omitempty"`
}

// DispatchEvent is emitted on the event bus for pipeline outcomes.
type DispatchEvent struct {
	Op       Op        `json:"op"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
