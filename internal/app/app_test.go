package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/notifier"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func TestMapTransportDefaultsToSocket(t *testing.T) {
	t.Parallel()
	tc, err := mapTransportConfig(&Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if tc.Socket != config.DefaultSocketPath() {
		t.Fatalf("socket = %q, want default", tc.Socket)
	}

	tc, err = mapTransportConfig(&Config{Transport: config.TransportConfig{Addr: " 127.0.0.1:7070 ", WriteTimeout: "2s"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if tc.Socket != "" || tc.Addr != "127.0.0.1:7070" || tc.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected transport config: %+v", tc)
	}

	if _, err := mapTransportConfig(&Config{Transport: config.TransportConfig{PingInterval: "soon"}}); err == nil {
		t.Fatalf("expected bad duration to fail")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifierConfig(&Config{})
	if err != nil || !nc.Enabled {
		t.Fatalf("omitted section should enable the notifier: %+v %v", nc, err)
	}

	nc, err = mapNotifierConfig(&Config{Notifier: &config.NotifierConfig{
		Enabled: true, Workers: 3, RetryBase: "100ms", RetryMaxDelay: "2s", SendTimeout: "1s",
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if nc.Workers != 3 || nc.RetryBase != 100*time.Millisecond || nc.RetryMaxDelay != 2*time.Second || nc.SendTimeout != time.Second {
		t.Fatalf("unexpected notifier config: %+v", nc)
	}

	bad := []config.NotifierConfig{
		{Workers: -1},
		{RetryBase: "x"},
		{RetryBase: "2s", RetryMaxDelay: "1s"},
	}
	for _, b := range bad {
		b := b
		if _, err := mapNotifierConfig(&Config{Notifier: &b}); err == nil {
			t.Fatalf("expected error for %+v", b)
		}
	}
}

func TestMapSchedulerRestoreDefaultsTrue(t *testing.T) {
	t.Parallel()
	if !mapSchedulerConfig(&Config{}).Restore {
		t.Fatalf("restore should default to true")
	}
	off := false
	sc := mapSchedulerConfig(&Config{Scheduler: config.SchedulerConfig{Restore: &off, Preview: true, PreviewCount: 5}})
	if sc.Restore || !sc.Preview || sc.PreviewCount != 5 {
		t.Fatalf("unexpected scheduler config: %+v", sc)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	if _, enabled, err := mapStorageConfig(&Config{}); enabled || err != nil {
		t.Fatalf("omitted storage should be disabled: %v %v", enabled, err)
	}
	if _, enabled, _ := mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "None"}}); enabled {
		t.Fatalf("driver none should be disabled")
	}

	sc, enabled, err := mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "SQLite"}})
	if err != nil || !enabled {
		t.Fatalf("sqlite: %v %v", enabled, err)
	}
	if sc.Driver != "sqlite" || !strings.HasSuffix(sc.Path, filepath.Join("notifyd", "notifyd.db")) || sc.BusyTimeout != time.Second {
		t.Fatalf("unexpected sqlite config: %+v", sc)
	}

	if _, _, err := mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}

func TestMapMaintenanceConfig(t *testing.T) {
	t.Parallel()
	mc, err := mapMaintenanceConfig(&Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mc.Retention != defaultAuditRetention || mc.Schedule != defaultPruneSchedule {
		t.Fatalf("unexpected defaults: %+v", mc)
	}

	mc, err = mapMaintenanceConfig(&Config{Storage: &config.StorageConfig{Driver: "file", AuditRetention: "0s", PruneSchedule: "30 3 * * *"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mc.Retention != 0 || mc.Schedule != "30 3 * * *" {
		t.Fatalf("unexpected config: %+v", mc)
	}

	if _, err := mapMaintenanceConfig(&Config{Storage: &config.StorageConfig{PruneSchedule: "every tuesday"}}); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestValidateConfigRejectsBadSections(t *testing.T) {
	t.Parallel()
	if err := validateConfig(&Config{}); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
	cases := []*Config{
		{DBus: config.DBusConfig{ExpireTimeout: "-1s"}},
		{DBus: config.DBusConfig{IconMaxSize: -4}},
		{Scheduler: config.SchedulerConfig{PreviewCount: -1}},
		{Transport: config.TransportConfig{MaxMessageBytes: -1}},
		{Pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}},
	}
	for i, c := range cases {
		if err := validateConfig(c); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestMaintenancePrunesOldAudit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notifyd")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, at := range []time.Time{now.Add(-72 * time.Hour), now.Add(-49 * time.Hour), now.Add(-time.Hour)} {
		if err := st.AppendAudit(ctx, storage.AuditEntry{At: at, Method: "show", OK: true}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	m := newMaintenance(maintenanceConfig{Retention: 48 * time.Hour, Schedule: "@daily"}, st, logx.Nop(), nil)
	m.now = func() time.Time { return now }
	n, err := m.prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
}

func TestMaintenanceDisabledWithoutStore(t *testing.T) {
	t.Parallel()
	m := newMaintenance(maintenanceConfig{Retention: time.Hour, Schedule: "@daily"}, nil, logx.Nop(), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.c != nil {
		t.Fatalf("cron should not run without a store")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSdNotifyUsesHook(t *testing.T) {
	t.Parallel()
	var got []string
	a := &App{log: logx.Nop(), notifySystemd: func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}}
	a.sdNotify("READY=1")
	a.sdNotify("STOPPING=1")
	if strings.Join(got, ",") != "READY=1,STOPPING=1" {
		t.Fatalf("states = %v", got)
	}
}

func TestHistoryHandler(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	items := []notifier.HistoryItem{
		{At: at, Op: notifier.OpDeliver, Key: "flutter_local_notifications#1", Title: "hi"},
		{At: at.Add(time.Second), Op: notifier.OpWithdraw, Key: "flutter_local_notifications#1", Error: "gone"},
	}
	h := historyHandler(func() []notifier.HistoryItem { return items })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, historyPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []notifier.HistoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[1].Op != notifier.OpWithdraw || got[1].Error != "gone" || !got[0].At.Equal(at) {
		t.Fatalf("history = %+v", got)
	}

	empty := historyHandler(func() []notifier.HistoryItem { return nil })
	rec = httptest.NewRecorder()
	empty.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, historyPath, nil))
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("empty body = %q", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, historyPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}
