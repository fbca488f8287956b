package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix is the first topic level readings are published under.
const DefaultTopicPrefix = "vehicles"

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// MQTT publishes readings to <prefix>/<device>/diagnostics.
type MQTT struct {
	client mqtt.Client
	opts   MQTTOptions

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTT creates the publisher. It does not connect; call Connect.
func NewMQTT(opts MQTTOptions) *MQTT {
	if opts.Port == 0 {
		opts.Port = 1883
	}
	if opts.ClientID == "" {
		opts.ClientID = "obdlink"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	m := &MQTT{opts: opts, stopCh: make(chan struct{})}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetOnConnectHandler(func(_ mqtt.Client) {
		m.setConnected(true)
		slog.Info("[SINK] mqtt connected", "broker", opts.Broker, "port", opts.Port)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("[SINK] mqtt connection lost", "error", err)
	})

	m.client = mqtt.NewClient(co)
	return m
}

// Connect waits for the first broker connection, honoring ctx and Close.
func (m *MQTT) Connect(ctx context.Context) error {
	select {
	case <-m.stopCh:
		return fmt.Errorf("sink: mqtt client stopped")
	default:
	}
	if m.IsConnected() {
		return nil
	}

	token := m.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("sink: mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return fmt.Errorf("sink: mqtt client stopped")
		default:
		}
	}
}

// Publish sends r with QoS 1. The latest reading per device is retained so
// late subscribers see the current state of the vehicle.
func (m *MQTT) Publish(ctx context.Context, r Reading) error {
	if !m.IsConnected() {
		return fmt.Errorf("sink: mqtt client not connected")
	}
	topic := Topic(m.opts.TopicPrefix, r.DeviceID)
	data, err := Payload(r)
	if err != nil {
		return err
	}

	token := m.client.Publish(topic, 1, true, data)
	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok && time.Until(d) < deadline {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("sink: publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sink: publish %s: %w", topic, err)
	}
	slog.Debug("[SINK] published reading", "topic", topic, "dtcs", r.DTCsFormatted)
	return nil
}

// Topic returns the topic for deviceID. Wildcard and separator characters
// in the id are replaced so one device maps to exactly one topic level.
func Topic(prefix, deviceID string) string {
	id := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, deviceID)
	if id == "" {
		id = "unknown"
	}
	return prefix + "/" + id + "/diagnostics"
}

// Payload is the JSON body published for r.
func Payload(r Reading) ([]byte, error) {
	if r.DTCs == nil {
		r.DTCs = []string{}
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("sink: marshal reading: %w", err)
	}
	return data, nil
}

func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected && m.client.IsConnected()
}

// Close stops the client. Idempotent.
func (m *MQTT) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.client.Disconnect(250)
	m.setConnected(false)
	slog.Info("[SINK] mqtt disconnected")
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

var _ Sink = (*MQTT)(nil)
