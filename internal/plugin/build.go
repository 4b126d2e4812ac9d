package plugin

import (
	"notifyd/internal/notify"
)

type commonArgs struct {
	id        int64
	title     string
	body      string
	payload   string
	specifics argMap
}

// commonArguments reads the fields shared by show, periodicallyShow and
// zonedSchedule. The first failing field wins.
func commonArguments(method string, m argMap) (commonArgs, *MethodError) {
	var c commonArgs
	id, merr := m.requireInt(method, "id")
	if merr != nil {
		return c, merr
	}
	title, merr := m.optionalString(method, "title")
	if merr != nil {
		return c, merr
	}
	body, merr := m.optionalString(method, "body")
	if merr != nil {
		return c, merr
	}
	payload, merr := m.requireString(method, "payload")
	if merr != nil {
		return c, merr
	}
	specifics, merr := m.optionalMap(method, "platformSpecifics")
	if merr != nil {
		return c, merr
	}

	c.id = id
	if title != nil {
		c.title = *title
	}
	if body != nil {
		c.body = *body
	}
	c.payload = payload
	c.specifics = specifics
	return c, nil
}

// buildNotification assembles the payload. A missing or invalid icon falls
// back to defaultIcon.
func buildNotification(method string, c commonArgs, defaultIcon *notify.Icon) (notify.Notification, *MethodError) {
	n := notify.Notification{ID: c.id, Title: c.title, Body: c.body, Payload: c.payload}
	if c.specifics != nil {
		if v, ok := c.specifics.lookup("icon"); ok {
			n.Icon = iconFrom(v)
		}
		if v, ok := c.specifics.lookup("buttons"); ok {
			buttons, ok := buttonsFrom(v)
			if !ok {
				return n, wrongTypeError(method, "buttons")
			}
			n.Buttons = buttons
		}
	}
	if n.Icon == nil && defaultIcon != nil {
		icon := *defaultIcon
		n.Icon = &icon
	}
	return n, nil
}

// iconFrom reads {icon, iconSource}. Anything malformed means no icon.
func iconFrom(v any) *notify.Icon {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["icon"]
	if !ok || raw == nil {
		return nil
	}
	src, ok := asInt(m["iconSource"])
	if !ok {
		return nil
	}
	switch notify.IconSource(src) {
	case notify.IconFile:
		path, ok := raw.(string)
		if !ok || path == "" {
			return nil
		}
		return &notify.Icon{Source: notify.IconFile, Path: path}
	case notify.IconBytes:
		data, ok := asBytes(raw)
		if !ok || len(data) == 0 {
			return nil
		}
		return &notify.Icon{Source: notify.IconBytes, Data: data}
	case notify.IconTheme:
		name, ok := raw.(string)
		if !ok || name == "" {
			return nil
		}
		return &notify.Icon{Source: notify.IconTheme, Name: name}
	default:
		return nil
	}
}

// buttonsFrom reads [{buttonLabel, payload}]. A missing payload is "".
func buttonsFrom(v any) ([]notify.Button, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]notify.Button, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		label, ok := m["buttonLabel"].(string)
		if !ok {
			return nil, false
		}
		var payload string
		if p, present := m["payload"]; present && p != nil {
			if payload, ok = p.(string); !ok {
				return nil, false
			}
		}
		out = append(out, notify.Button{Label: label, Payload: payload})
	}
	return out, true
}
