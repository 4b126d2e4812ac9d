package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleRecord is the persisted form of an armed registry entry.
type ScheduleRecord struct {
	ID    int64  `json:"id"`
	Kind  string `json:"kind"`
	Phase string `json:"phase,omitempty"`

	IntervalSec int64 `json:"interval_sec,omitempty"`
	// Components is the recurrence granularity index; nil when not recurring.
	Components *int   `json:"components,omitempty"`
	TimeZone   string `json:"time_zone,omitempty"`

	Anchor   time.Time `json:"anchor"`
	NextFire time.Time `json:"next_fire"`

	// Notification is the JSON-encoded built notification.
	Notification []byte    `json:"notification"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SlotRecord links an external key to the id the desktop notification server
// assigned, so replaces and closes keep working across restarts.
type SlotRecord struct {
	Key      string `json:"key"`
	ServerID uint32 `json:"server_id"`

	// Notification is the JSON-encoded notification last shown in the slot.
	Notification []byte    `json:"notification"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditEntry records one handled method call.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Method         string    `json:"method"`
	NotificationID *int64    `json:"notification_id,omitempty"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
	Peer           string    `json:"peer,omitempty"`
}
