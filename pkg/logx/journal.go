package logx

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

// journalSender is the subset of the journald client the sink needs.
type journalSender interface {
	Enabled() bool
	Send(msg string, pri journal.Priority, vars map[string]string) error
}

type systemJournal struct{}

func (systemJournal) Enabled() bool { return journal.Enabled() }

func (systemJournal) Send(msg string, pri journal.Priority, vars map[string]string) error {
	return journal.Send(msg, pri, vars)
}

type journalItem struct {
	msg  string
	pri  journal.Priority
	vars map[string]string
}

func (s *Service) journalWorker() {
	for {
		select {
		case <-s.jStop:
			return
		case it := <-s.jQueue:
			if s.journal == nil {
				continue
			}
			_ = s.journal.Send(it.msg, it.pri, it.vars)
		}
	}
}

func (s *Service) enqueueJournal(it journalItem) {
	// Never block core logging.
	select {
	case s.jQueue <- it:
	default:
	}
}

// ---- journald writer (zerolog sink) ----

type journalWriter struct{ svc *Service }

func (w *journalWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim := s.limiter
	min := s.minLevel
	ident := s.jIdentifier
	s.mu.Unlock()

	if lim == nil || level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	it, ok := formatJournalJSON(p, level)
	if !ok {
		return len(p), nil
	}
	it.vars["SYSLOG_IDENTIFIER"] = ident
	s.enqueueJournal(it)
	return len(p), nil
}

// formatJournalJSON turns one zerolog JSON line into a journald entry.
// Structured fields become upper-cased journal fields.
func formatJournalJSON(p []byte, level zerolog.Level) (journalItem, bool) {
	it := journalItem{pri: journalPriority(level), vars: map[string]string{}}

	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		raw := strings.TrimSpace(string(p))
		if raw == "" {
			return it, false
		}
		it.msg = truncate(raw, 4000)
		return it, true
	}

	msg, _ := m[zerolog.MessageFieldName].(string)
	if msg == "" {
		return it, false
	}
	it.msg = msg

	for k, v := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		name := journalFieldName(k)
		if name == "" {
			continue
		}
		it.vars[name] = truncate(fmt.Sprint(v), 2000)
	}
	return it, true
}

// journalFieldName maps a log key to a valid journald field name:
// upper-case ASCII letters, digits and underscores, not starting with "_".
func journalFieldName(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "_")
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		return ""
	}
	return out
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.InfoLevel:
		return journal.PriInfo
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel:
		return journal.PriCrit
	case zerolog.PanicLevel:
		return journal.PriEmerg
	default:
		return journal.PriNotice
	}
}
