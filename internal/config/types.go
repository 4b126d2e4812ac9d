package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Unknown keys are rejected. Sections that are omitted fall back to the
// defaults applied by the app when mapping them to component configs.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Transport TransportConfig `json:"transport"`
	DBus      DBusConfig      `json:"dbus"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pprof     PprofConfig     `json:"pprof"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingJournal controls the journald sink.
type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	Identifier string `json:"identifier,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TransportConfig controls the method channel listener.
//
// Socket wins over Addr. When both are empty the socket defaults to
// $XDG_RUNTIME_DIR/notifyd.sock.
type TransportConfig struct {
	Socket    string `json:"socket,omitempty"`
	Addr      string `json:"addr,omitempty"`
	AuthToken string `json:"auth_token,omitempty"` // bearer token (do not log)

	// Go duration strings.
	WriteTimeout string `json:"write_timeout,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`

	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"`
}

// DBusConfig controls the org.freedesktop.Notifications backend.
type DBusConfig struct {
	AppName      string `json:"app_name,omitempty"`
	DesktopEntry string `json:"desktop_entry,omitempty"`

	// ExpireTimeout is a Go duration string. Empty means server default.
	ExpireTimeout string `json:"expire_timeout,omitempty"`

	// IconMaxSize bounds the longest edge of image-data hints in pixels.
	IconMaxSize int `json:"icon_max_size,omitempty"`

	// FallbackLog switches to the log-only backend when the session bus is unreachable.
	FallbackLog bool `json:"fallback_log"`
}

// NotifierConfig controls the async dispatch pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls the notification scheduler.
//
// Restore is a pointer so an omitted value can default to true.
type SchedulerConfig struct {
	Restore      *bool `json:"restore,omitempty"`
	Preview      bool  `json:"preview"`
	PreviewCount int   `json:"preview_count,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "~/.local/share/notifyd/notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// AuditRetention is a Go duration string; "0s" keeps audit rows forever.
	AuditRetention string `json:"audit_retention,omitempty"`
	// PruneSchedule is a cron spec (robfig/cron syntax, descriptors allowed).
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// PprofConfig controls the optional debug profiling listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // host:port, loopback unless Token is set
	Token   string `json:"token,omitempty"` // bearer token (do not log)

	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
}
