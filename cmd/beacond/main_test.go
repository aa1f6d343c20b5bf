package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/scan"
	"github.com/banshee-data/proximity.report/internal/status"
)

func TestBuildScanner(t *testing.T) {
	tests := []struct {
		name    string
		flags   scannerFlags
		want    scan.Scanner
		wantErr bool
	}{
		{"serial", scannerFlags{kind: "serial", port: "/dev/ttyUSB0", baud: 9600}, &scan.SerialScanner{}, false},
		{"serial without port", scannerFlags{kind: "serial"}, nil, true},
		{"udp", scannerFlags{kind: "udp", udpListen: ":5555"}, &scan.UDPScanner{}, false},
		{"udp without address", scannerFlags{kind: "udp"}, nil, true},
		{"pcap", scannerFlags{kind: "pcap", pcapFile: "capture.pcap"}, &scan.PCAPScanner{}, false},
		{"pcap without file", scannerFlags{kind: "pcap"}, nil, true},
		{"disabled", scannerFlags{kind: "disabled"}, &scan.DisabledScanner{}, false},
		{"unknown", scannerFlags{kind: "bluez"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildScanner(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Zones)

	cfg, err = loadConfig(filepath.Join("..", "..", "config", "zones.example.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.GetZones())

	_, err = loadConfig("missing.json")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092 "))
	assert.Nil(t, splitList(""))
}

func TestStartForwarders_Journal(t *testing.T) {
	journal, err := db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	bus := eventbus.New()
	stop := startForwarders(bus, nil, []status.Sink{db.NewJournal(journal)})
	bus.PublishZone(geofence.Event{Type: geofence.Enter, Zone: geofence.Zone{ID: "desk", Name: "Desk"}, Distance: 1, At: time.Now()})
	stop()

	entries, err := journal.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ENTER", entries[0].Type)
	assert.Equal(t, 0, bus.Len())
}
