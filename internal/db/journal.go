package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
)

// Entry is one row of the combined journal view.
type Entry struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Type     string    `json:"type"`
	Detail   string    `json:"detail,omitempty"`
	Distance *float64  `json:"distance,omitempty"`
	At       time.Time `json:"at"`
}

// ZoneTransition is one recorded zone event.
type ZoneTransition struct {
	ZoneID   string    `json:"zone_id"`
	ZoneName string    `json:"zone_name"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Distance *float64  `json:"distance,omitempty"`
	Beacon   string    `json:"beacon,omitempty"`
	At       time.Time `json:"at"`
}

func nullDistance(d float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: d, Valid: d >= 0}
}

func distancePtr(d sql.NullFloat64) *float64 {
	if !d.Valid {
		return nil
	}
	v := d.Float64
	return &v
}

// RecordZoneEvent appends a zone transition.
func (db *DB) RecordZoneEvent(ctx context.Context, ev geofence.Event) error {
	var beacon string
	if ev.Beacon.Identity.UUID != "" {
		beacon = ev.Beacon.Identity.String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO zone_events (zone_id, zone_name, event_type, reason, distance, beacon, at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Zone.ID, ev.Zone.Name, string(ev.Type), ev.Reason, nullDistance(ev.Distance), beacon, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record zone event: %w", err)
	}
	return nil
}

// RecordBeaconEvent appends a discovery or loss.
func (db *DB) RecordBeaconEvent(ctx context.Context, ev eventbus.BeaconEvent) error {
	id := ev.Beacon.Identity
	_, err := db.ExecContext(ctx, `
		INSERT INTO beacon_events (beacon, uuid, major, minor, event_type, distance, rssi, at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), id.UUID, id.Major, id.Minor, string(ev.Type), nullDistance(ev.Beacon.Distance), ev.Beacon.RSSI, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record beacon event: %w", err)
	}
	return nil
}

// RecordScanError appends a surfaced scan failure.
func (db *DB) RecordScanError(ctx context.Context, ev eventbus.ScanError) error {
	var msg string
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO scan_errors (code, message, at_unix_nanos) VALUES (?, ?, ?)`,
		string(ev.Code), msg, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record scan error: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, key, type, detail, distance, at_unix_nanos
		  FROM journal
		 ORDER BY at_unix_nanos DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e     Entry
			dist  sql.NullFloat64
			nanos int64
		)
		if err := rows.Scan(&e.Kind, &e.Key, &e.Type, &e.Detail, &dist, &nanos); err != nil {
			return nil, err
		}
		e.Distance = distancePtr(dist)
		e.At = time.Unix(0, nanos).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ZoneHistory returns a zone's transitions since the given time, oldest first.
func (db *DB) ZoneHistory(ctx context.Context, zoneID string, since time.Time) ([]ZoneTransition, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT zone_id, zone_name, event_type, reason, distance, beacon, at_unix_nanos
		  FROM zone_events
		 WHERE zone_id = ? AND at_unix_nanos >= ?
		 ORDER BY at_unix_nanos, event_id`, zoneID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ZoneTransition{}
	for rows.Next() {
		var (
			z     ZoneTransition
			dist  sql.NullFloat64
			nanos int64
		)
		if err := rows.Scan(&z.ZoneID, &z.ZoneName, &z.Type, &z.Reason, &dist, &z.Beacon, &nanos); err != nil {
			return nil, err
		}
		z.Distance = distancePtr(dist)
		z.At = time.Unix(0, nanos).UTC()
		out = append(out, z)
	}
	return out, rows.Err()
}

// Journal adapts the database to an event sink.
type Journal struct {
	db *DB
}

// NewJournal wraps db. Closing the journal's forwarder leaves db open.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

// Name identifies the sink in logs and metrics.
func (j *Journal) Name() string { return "journal" }

// Send records one bus event.
func (j *Journal) Send(ctx context.Context, rec eventbus.Record) error {
	switch ev := rec.Event.(type) {
	case geofence.Event:
		return j.db.RecordZoneEvent(ctx, ev)
	case eventbus.BeaconEvent:
		return j.db.RecordBeaconEvent(ctx, ev)
	case eventbus.ScanErrorReport:
		return j.db.RecordScanError(ctx, ev.ScanError)
	default:
		return fmt.Errorf("journal: unsupported event %T", rec.Event)
	}
}
