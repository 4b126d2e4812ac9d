package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "notifyd/pkg/logx"
)

const compactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl              (append-only JSON Lines)
//   - <prefix>.schedules.snapshot.json  (compacted state)
//   - <prefix>.schedules.journal.jsonl  (append-only put/delete journal)
//   - <prefix>.slots.json               (desktop slots, rewritten on change)
//
// The journal is compacted into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	schedules    map[int64]ScheduleRecord

	slotsPath string
	slots     map[string]SlotRecord

	writes int
}

type journalOp struct {
	Op  string          `json:"op"` // "put" or "del"
	ID  int64           `json:"id"`
	Rec *ScheduleRecord `json:"rec,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditPath:    prefix + ".audit.jsonl",
		snapshotPath: prefix + ".schedules.snapshot.json",
		schedules:    map[int64]ScheduleRecord{},
		slotsPath:    prefix + ".slots.json",
		slots:        map[string]SlotRecord{},
	}
	journalPath := prefix + ".schedules.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule journal replay failed", logx.Err(err))
	}

	if err := loadSlots(s.slotsPath, s.slots); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("slot file unreadable; starting empty", logx.Err(err))
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf

	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		log.Debug("schedule compact on open failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.journalFile != nil {
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutSchedule(ctx context.Context, rec ScheduleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendJournalLocked(journalOp{Op: "put", ID: rec.ID, Rec: &rec}); err != nil {
		return err
	}
	s.schedules[rec.ID] = rec
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return nil
	}
	if err := s.appendJournalLocked(journalOp{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.schedules, id)
	return nil
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]ScheduleRecord, 0, len(s.schedules))
	for _, r := range s.schedules {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) appendJournalLocked(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("schedule journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	recs := make([]ScheduleRecord, 0, len(s.schedules))
	for _, r := range s.schedules {
		recs = append(recs, r)
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) PutSlot(ctx context.Context, rec SlotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.slots[rec.Key]
	s.slots[rec.Key] = rec
	if err := s.writeSlotsLocked(); err != nil {
		if had {
			s.slots[rec.Key] = prev
		} else {
			delete(s.slots, rec.Key)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteSlot(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.slots[key]
	if !ok {
		return nil
	}
	delete(s.slots, key)
	if err := s.writeSlotsLocked(); err != nil {
		s.slots[key] = prev
		return err
	}
	return nil
}

func (s *fileStore) ListSlots(ctx context.Context) ([]SlotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]SlotRecord, 0, len(s.slots))
	for _, r := range s.slots {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// writeSlotsLocked replaces the slot file via a temp file and rename.
func (s *fileStore) writeSlotsLocked() error {
	if s.journalFile == nil {
		return errors.New("store closed")
	}
	recs := make([]SlotRecord, 0, len(s.slots))
	for _, r := range s.slots {
		recs = append(recs, r)
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	tmp := s.slotsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.slotsPath)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// PruneAudit rewrites the audit file without entries older than before.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, errors.New("audit file closed")
	}

	in, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}
	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var removed int64
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err == nil && e.At.Before(before) {
			removed++
			continue
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.auditFile.Close()
	s.auditFile = nil
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.auditFile = af
	return removed, nil
}

func loadSnapshot(path string, out map[int64]ScheduleRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []ScheduleRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[r.ID] = r
	}
	return nil
}

func loadSlots(path string, out map[string]SlotRecord) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var recs []SlotRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[r.Key] = r
	}
	return nil
}

func replayJournal(path string, out map[int64]ScheduleRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch op.Op {
		case "put":
			if op.Rec != nil {
				out[op.ID] = *op.Rec
			}
		case "del":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}
