// Command beacond tracks iBeacon advertisements from a scanner source and
// reports geofence transitions over HTTP, MQTT, Kafka, a webhook and a local
// journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/proximity.report/internal/api"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/proximity"
	"github.com/banshee-data/proximity.report/internal/scan"
	"github.com/banshee-data/proximity.report/internal/status"
	"github.com/banshee-data/proximity.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Engine tuning and zones JSON file (defaults built in)")
	scannerKind = flag.String("scanner", "serial", "Advertisement source: serial, udp, pcap or disabled")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the BLE scanner dongle")
	baud        = flag.Int("baud", scan.DefaultBaudRate, "Serial baud rate")
	udpListen   = flag.String("udp-listen", ":5555", "UDP address to receive gateway advertisements on")
	pcapFile    = flag.String("pcap-file", "", "Capture of gateway datagrams to replay")
	pcapSpeed   = flag.Float64("pcap-speed", 1, "Replay speed multiplier (0 replays as fast as possible)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "proximity.db", "Journal database path (empty disables the journal)")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	mqttTopic   = flag.String("mqtt-topic", "proximity", "MQTT topic prefix")
	kafkaAddrs  = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers")
	kafkaTopic  = flag.String("kafka-topic", "proximity.events", "Kafka topic")
	webhookURL  = flag.String("webhook-url", "", "URL to POST every event to")
	monitor     = flag.Bool("monitor", false, "Start geofence monitoring immediately")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

type scannerFlags struct {
	kind      string
	port      string
	baud      int
	udpListen string
	pcapFile  string
	pcapSpeed float64
}

func buildScanner(f scannerFlags) (scan.Scanner, error) {
	switch f.kind {
	case "serial":
		if f.port == "" {
			return nil, errors.New("-port is required for the serial scanner")
		}
		return scan.NewSerialScanner(scan.SerialScannerConfig{
			Path:    f.port,
			Options: scan.PortOptions{BaudRate: f.baud},
		}), nil
	case "udp":
		if f.udpListen == "" {
			return nil, errors.New("-udp-listen is required for the udp scanner")
		}
		return scan.NewUDPScanner(scan.UDPScannerConfig{Address: f.udpListen}), nil
	case "pcap":
		if f.pcapFile == "" {
			return nil, errors.New("-pcap-file is required for the pcap scanner")
		}
		return scan.NewPCAPScanner(scan.PCAPScannerConfig{Path: f.pcapFile, Speed: f.pcapSpeed}), nil
	case "disabled":
		return scan.NewDisabledScanner(), nil
	default:
		return nil, fmt.Errorf("unknown scanner %q", f.kind)
	}
}

func loadConfig(path string) (*config.EngineConfig, error) {
	if path == "" {
		return config.EmptyEngineConfig(), nil
	}
	return config.LoadEngineConfig(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// startForwarders attaches one forwarder per configured sink. Sends are not
// tied to the signal context, so the returned stop can still drain what is
// queued; it gives up after five seconds.
func startForwarders(bus *eventbus.Bus, metrics *monitoring.Metrics, sinks []status.Sink) (stop func()) {
	var forwarders []*status.Forwarder
	for _, sink := range sinks {
		f := status.NewForwarder(sink, status.ForwarderOptions{Metrics: metrics})
		f.Start(context.Background(), bus)
		forwarders = append(forwarders, f)
		log.Printf("forwarding events to %s", sink.Name())
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, f := range forwarders {
			if err := f.Stop(shutdownCtx); err != nil {
				log.Printf("failed to stop forwarder: %v", err)
			}
		}
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("beacond", version.Get())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	engineCfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	scanner, err := buildScanner(scannerFlags{
		kind:      *scannerKind,
		port:      *port,
		baud:      *baud,
		udpListen: *udpListen,
		pcapFile:  *pcapFile,
		pcapSpeed: *pcapSpeed,
	})
	if err != nil {
		log.Fatalf("failed to create scanner: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	svc := proximity.New(proximity.Options{
		Scanner: scanner,
		Metrics: metrics,
		Config:  engineCfg.ProximityConfig(),
	})
	defer svc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []status.Sink
	var journal *db.DB
	if *dbFile != "" {
		journal, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open journal database: %v", err)
		}
		defer journal.Close()
		sinks = append(sinks, db.NewJournal(journal))
	}
	if *mqttBroker != "" {
		p, err := status.NewMQTTPublisher(status.MQTTConfig{Broker: *mqttBroker, Topic: *mqttTopic})
		if err != nil {
			log.Fatalf("failed to connect to MQTT: %v", err)
		}
		sinks = append(sinks, p)
	}
	if brokers := splitList(*kafkaAddrs); len(brokers) > 0 {
		p, err := status.NewKafkaPublisher(status.KafkaConfig{Brokers: brokers, Topic: *kafkaTopic})
		if err != nil {
			log.Fatalf("failed to create Kafka publisher: %v", err)
		}
		sinks = append(sinks, p)
	}
	if *webhookURL != "" {
		p, err := status.NewWebhookPublisher(*webhookURL, nil)
		if err != nil {
			log.Fatalf("failed to create webhook publisher: %v", err)
		}
		sinks = append(sinks, p)
	}
	stopForwarders := startForwarders(svc.Bus(), metrics, sinks)
	defer stopForwarders()

	tail := eventbus.NewTail(svc.Bus())
	defer tail.Close()

	svc.AddScanErrorListener(func(ev eventbus.ScanError) {
		log.Printf("scan error %s: %v", ev.Code, ev.Err)
	})

	if *monitor {
		svc.StartMonitoring()
	}
	if err := svc.StartScanning(ctx); err != nil {
		log.Fatalf("failed to start scanning: %v", err)
	}
	log.Printf("beacond %s scanning via %s, %d zones registered", version.Version, *scannerKind, len(svc.Zones()))

	var wg sync.WaitGroup

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(api.Options{
			Service:     svc,
			Journal:     journal,
			Tail:        tail,
			Metrics:     metrics,
			ScanContext: ctx,
		})
		mux := apiServer.ServeMux()
		apiServer.AttachAdminRoutes(mux)
		if journal != nil {
			if err := journal.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach journal admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	svc.StopScanning()
	log.Printf("Graceful shutdown complete")
}
