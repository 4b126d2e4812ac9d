// Package notify holds the notification model shared by the scheduler,
// the dispatch pipeline and the desktop backends.
package notify

import (
	"strconv"
	"strings"
)

// KeyPrefix prefixes every external key handed to the desktop surface.
const KeyPrefix = "flutter_local_notifications#"

// ExternalKey returns the stable desktop key for a notification id.
func ExternalKey(id int64) string {
	return KeyPrefix + strconv.FormatInt(id, 10)
}

// ParseExternalKey is the inverse of ExternalKey.
func ParseExternalKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IconSource tells how Icon data should be interpreted.
type IconSource int

const (
	IconFile IconSource = iota
	IconBytes
	IconTheme
)

func (s IconSource) String() string {
	switch s {
	case IconFile:
		return "file"
	case IconBytes:
		return "bytes"
	case IconTheme:
		return "theme"
	default:
		return "unknown"
	}
}

// Icon is a notification icon. Exactly one of Path, Data or Name is set,
// matching Source.
type Icon struct {
	Source IconSource `json:"source"`
	Path   string     `json:"path,omitempty"`
	Data   []byte     `json:"data,omitempty"`
	Name   string     `json:"name,omitempty"`
}

// Button is an action button. Activating it reports Payload instead of the
// notification payload.
type Button struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// Notification is a fully built payload ready for delivery.
type Notification struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Payload string   `json:"payload"`
	Icon    *Icon    `json:"icon,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Key returns the notification's external key.
func (n Notification) Key() string { return ExternalKey(n.ID) }

// Interaction is a user activation of a delivered notification.
// Action is "default" for the body click or "action-<i>" for button i.
type Interaction struct {
	ID      int64  `json:"id"`
	Payload string `json:"payload"`
	Action  string `json:"action"`
}
