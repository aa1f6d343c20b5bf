package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish before the send deadline.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string // topic prefix, e.g. proximity
	QoS      byte
}

// MQTTPublisher publishes events under a topic prefix:
//
//	<prefix>/zones/<zone id>/event   every ENTER, EXIT and DWELL
//	<prefix>/zones/<zone id>/state   retained INSIDE or OUTSIDE
//	<prefix>/beacons/event           DISCOVERED and LOST
//	<prefix>/scan/error              surfaced scan failures
type MQTTPublisher struct {
	client mqtt.Client
	cfg    MQTTConfig
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "beacond"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTPublisher(client, cfg), nil
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.Topic == "" {
		cfg.Topic = "proximity"
	}
	return &MQTTPublisher{client: client, cfg: cfg}
}

// Name implements Sink.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Send implements Sink.
func (p *MQTTPublisher) Send(ctx context.Context, rec eventbus.Record) error {
	payload, err := rec.JSON()
	if err != nil {
		return err
	}

	switch rec.Kind {
	case eventbus.KindZone:
		base := p.cfg.Topic + "/zones/" + rec.Key
		if err := p.publish(ctx, base+"/event", false, payload); err != nil {
			return err
		}
		if ev, ok := rec.Event.(geofence.Event); ok {
			return p.publish(ctx, base+"/state", true, []byte(zoneState(ev.Type).String()))
		}
		return nil
	case eventbus.KindBeacon:
		return p.publish(ctx, p.cfg.Topic+"/beacons/event", false, payload)
	default:
		return p.publish(ctx, p.cfg.Topic+"/scan/error", false, payload)
	}
}

func zoneState(t geofence.EventType) geofence.State {
	if t == geofence.Exit {
		return geofence.Outside
	}
	return geofence.Inside
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
