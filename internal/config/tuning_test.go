package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/proximity"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigMatchesServiceDefaults(t *testing.T) {
	cfg := EmptyEngineConfig()
	got := cfg.ProximityConfig()
	want := proximity.DefaultConfig()
	want.Zones = []geofence.Zone{}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ProximityConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	got := cfg.ProximityConfig()
	want := EmptyEngineConfig().ProximityConfig()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s drifted from the built-in defaults (-want +got):\n%s", DefaultConfigPath, diff)
	}
}

func TestLoadEngineConfig(t *testing.T) {
	path := writeConfig(t, "engine.json", `{
  "hysteresis_factor": 1.5,
  "dwell_threshold": "20s",
  "beacon_timeout": "2m",
  "retry_delays": ["500ms", "1s"],
  "manufacturer_id": 0,
  "uuid_allow_list": ["e2c56db5-dffb-48d2-b060-d0f5a71096e0"],
  "zones": [
    {"id": "desk", "name": "Desk", "uuid": "e2c56db5-dffb-48d2-b060-d0f5a71096e0", "major": 1, "minor": null, "radius_meters": 2.5},
    {"id": "off", "name": "Off", "uuid": "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", "major": null, "minor": null, "radius_meters": 4, "enabled": false}
  ]
}`)

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetHysteresisFactor() != 1.5 {
		t.Errorf("GetHysteresisFactor() = %f, want 1.5", cfg.GetHysteresisFactor())
	}
	if cfg.GetDwellThreshold() != 20*time.Second {
		t.Errorf("GetDwellThreshold() = %v, want 20s", cfg.GetDwellThreshold())
	}
	if cfg.GetBeaconTimeout() != 2*time.Minute {
		t.Errorf("GetBeaconTimeout() = %v, want 2m", cfg.GetBeaconTimeout())
	}
	if cfg.GetInsideTimeout() != 60*time.Second {
		t.Errorf("GetInsideTimeout() = %v, want default 60s", cfg.GetInsideTimeout())
	}
	if cfg.GetManufacturerID() != 0 {
		t.Errorf("GetManufacturerID() = %#x, want 0 (any)", cfg.GetManufacturerID())
	}

	pc := cfg.ProximityConfig()
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond, time.Second}, pc.Retry.Delays); diff != "" {
		t.Errorf("retry delays (-want +got):\n%s", diff)
	}

	wantZones := []geofence.Zone{
		{ID: "desk", Name: "Desk", UUID: "e2c56db5-dffb-48d2-b060-d0f5a71096e0", Major: geofence.Uint16(1), RadiusMeters: 2.5, Enabled: true},
		{ID: "off", Name: "Off", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", RadiusMeters: 4, Enabled: false},
	}
	if diff := cmp.Diff(wantZones, pc.Zones); diff != "" {
		t.Errorf("zones (-want +got):\n%s", diff)
	}
}

func TestLoadEngineConfig_FileChecks(t *testing.T) {
	if _, err := LoadEngineConfig(writeConfig(t, "engine.yaml", "{}")); err == nil {
		t.Error("expected error for non-.json extension")
	}
	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadEngineConfig(writeConfig(t, "bad.json", "{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}

	big := writeConfig(t, "big.json", `{"zones": []}`+strings.Repeat(" ", maxFileSize))
	if _, err := LoadEngineConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EngineConfig
		wantErr bool
	}{
		{"empty", EngineConfig{}, false},
		{"hysteresis below 1", EngineConfig{HysteresisFactor: ptrFloat64(0.9)}, true},
		{"bad duration", EngineConfig{DwellThreshold: ptrString("soon")}, true},
		{"negative duration", EngineConfig{BeaconTimeout: ptrString("-5s")}, true},
		{"bad retry delay", EngineConfig{RetryDelays: []string{"1s", "x"}}, true},
		{"max retries exceeds delays", EngineConfig{RetryDelays: []string{"1s"}, MaxRetries: ptrInt(2)}, true},
		{"zero max retries", EngineConfig{MaxRetries: ptrInt(0)}, true},
		{"zero filter window", EngineConfig{FilterWindow: ptrInt(0)}, true},
		{"manufacturer too wide", EngineConfig{ManufacturerID: ptrInt(0x10000)}, true},
		{"bad allow-list uuid", EngineConfig{UUIDAllowList: []string{"nope"}}, true},
		{"zone without id", EngineConfig{Zones: []ZoneConfig{{UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0"}}}, true},
		{"zone bad uuid", EngineConfig{Zones: []ZoneConfig{{ID: "a", UUID: "x"}}}, true},
		{"zone minor out of range", EngineConfig{Zones: []ZoneConfig{{ID: "a", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Minor: ptrInt(70000)}}}, true},
		{"duplicate zone", EngineConfig{Zones: []ZoneConfig{
			{ID: "a", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0"},
			{ID: "a", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0"},
		}}, true},
		{"oversized radius is only warned", EngineConfig{Zones: []ZoneConfig{
			{ID: "a", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", RadiusMeters: 500, Enabled: ptrBool(true)},
		}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetRetryDelays(t *testing.T) {
	tests := []struct {
		name string
		cfg  EngineConfig
		want []time.Duration
	}{
		{"default", EngineConfig{}, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{"linear from max retries", EngineConfig{MaxRetries: ptrInt(2)}, []time.Duration{time.Second, 2 * time.Second}},
		{"explicit truncated", EngineConfig{RetryDelays: []string{"5s", "6s", "7s"}, MaxRetries: ptrInt(1)}, []time.Duration{5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.cfg.GetRetryDelays()); diff != "" {
				t.Errorf("GetRetryDelays() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestZonesFromConfig(t *testing.T) {
	zones, err := ZonesFromConfig([]ZoneConfig{
		{ID: "desk", Name: "Desk", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Minor: ptrInt(7), RadiusMeters: 2},
	})
	if err != nil {
		t.Fatalf("ZonesFromConfig() error = %v", err)
	}
	want := []geofence.Zone{{ID: "desk", Name: "Desk", UUID: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Minor: geofence.Uint16(7), RadiusMeters: 2, Enabled: true}}
	if diff := cmp.Diff(want, zones); diff != "" {
		t.Errorf("zones (-want +got):\n%s", diff)
	}

	if _, err := ZonesFromConfig([]ZoneConfig{{ID: "desk", UUID: "not-a-uuid"}}); err == nil {
		t.Error("expected error for invalid uuid")
	}
}
