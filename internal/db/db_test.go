package db

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/scan"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testBeacon = beacon.RegisteredBeacon{
	Identity: beacon.NewIdentity("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", 1, 7),
	Distance: 1.25,
	RSSI:     -61,
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	if version != latest || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, latest)
	}
	if latest != 2 {
		t.Errorf("LatestMigrationVersion() = %d, want 2", latest)
	}

	// Reopening an up-to-date database is a no-op.
	again, err := NewDB(db.Path())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	again.Close()
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version after down = %d, want 1", version)
	}
	if _, err := db.RecentEvents(context.Background(), 10); err == nil {
		t.Error("expected RecentEvents to fail without the journal view")
	}

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if _, err := db.RecentEvents(context.Background(), 10); err != nil {
		t.Errorf("RecentEvents after up: %v", err)
	}
}

func TestJournal_RecordsEveryKind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := NewJournal(db)

	zone := geofence.Zone{ID: "desk", Name: "Front desk"}
	records := []eventbus.Record{
		eventbus.BeaconRecord(eventbus.BeaconEvent{Type: eventbus.Discovered, Beacon: testBeacon, At: t0}),
		eventbus.ZoneRecord(geofence.Event{Type: geofence.Enter, Zone: zone, Beacon: testBeacon, Distance: 1.25, At: t0.Add(time.Second)}),
		eventbus.ZoneRecord(geofence.Event{Type: geofence.Exit, Zone: zone, Reason: geofence.ReasonTimeout60s, Distance: -1, At: t0.Add(2 * time.Second)}),
		eventbus.ScanErrorRecord(eventbus.ScanError{Code: scan.RegistrationFailed, Err: errors.New("radio busy"), At: t0.Add(3 * time.Second)}),
	}
	for _, rec := range records {
		if err := j.Send(ctx, rec); err != nil {
			t.Fatalf("Send(%s) failed: %v", rec.Kind, err)
		}
	}
	if err := j.Send(ctx, eventbus.Record{Event: "nope"}); err == nil {
		t.Error("expected an error for an unknown event")
	}

	got, err := db.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	d := 1.25
	want := []Entry{
		{Kind: "scan_error", Key: "REGISTRATION_FAILED", Type: "SCAN_ERROR", Detail: "radio busy", At: t0.Add(3 * time.Second)},
		{Kind: "zone", Key: "desk", Type: "EXIT", Detail: "timeout_60s", At: t0.Add(2 * time.Second)},
		{Kind: "zone", Key: "desk", Type: "ENTER", Distance: &d, At: t0.Add(time.Second)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecentEvents mismatch (-want +got):\n%s", diff)
	}

	history, err := db.ZoneHistory(ctx, "desk", t0)
	if err != nil {
		t.Fatalf("ZoneHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ZoneHistory returned %d rows, want 2", len(history))
	}
	if history[0].Beacon != testBeacon.Identity.String() || history[0].ZoneName != "Front desk" {
		t.Errorf("unexpected first transition: %+v", history[0])
	}
	if history[1].Distance != nil {
		t.Errorf("negative distance should be stored as NULL, got %v", *history[1].Distance)
	}

	later, err := db.ZoneHistory(ctx, "desk", t0.Add(90*time.Second))
	if err != nil {
		t.Fatalf("ZoneHistory failed: %v", err)
	}
	if len(later) != 0 {
		t.Errorf("expected no transitions after the window, got %d", len(later))
	}
}

func TestBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.RecordBeaconEvent(ctx, eventbus.BeaconEvent{Type: eventbus.Lost, Beacon: testBeacon, At: t0}); err != nil {
		t.Fatalf("RecordBeaconEvent failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "copy.db")
	if err := db.Backup(path); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	copyDB, err := NewDB(path)
	if err != nil {
		t.Fatalf("open backup failed: %v", err)
	}
	defer copyDB.Close()
	entries, err := copyDB.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("RecentEvents on backup failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "LOST" {
		t.Errorf("backup entries = %+v, want one LOST", entries)
	}

	if err := db.Backup("/etc/proximity-backup.db"); err == nil {
		t.Error("expected backup outside the temp and working dirs to be rejected")
	}
}
