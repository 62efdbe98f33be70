package knx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

const testHealthTopic = "knxip/health"

// fakeBroker records what a HealthReporter publishes.
type fakeBroker struct {
	mu   sync.Mutex
	up   bool
	fail error
	sent []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(up bool) *fakeBroker { return &fakeBroker{up: up} }

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.sent = append(b.sent, publishedMessage{topic, payload, qos, retained})
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *fakeBroker) getMessages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.sent...)
}

func decodeHealth(t *testing.T, msg publishedMessage) HealthMessage {
	t.Helper()
	var health HealthMessage
	if err := json.Unmarshal(msg.payload, &health); err != nil {
		t.Fatalf("decoding health document: %v", err)
	}
	return health
}

func TestNewHealthReporterDefaults(t *testing.T) {
	tests := []struct {
		name         string
		cfg          HealthReporterConfig
		wantInterval time.Duration
		wantQoS      byte
	}{
		{"zero values", HealthReporterConfig{BridgeID: "b"}, 30 * time.Second, 1},
		{"explicit", HealthReporterConfig{BridgeID: "b", Interval: 5 * time.Second, QoS: 2}, 5 * time.Second, 2},
		{"negative interval", HealthReporterConfig{BridgeID: "b", Interval: -time.Second}, 30 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hr := NewHealthReporter(tt.cfg)
			if hr.cfg.Interval != tt.wantInterval {
				t.Errorf("Interval = %v, want %v", hr.cfg.Interval, tt.wantInterval)
			}
			if hr.cfg.QoS != tt.wantQoS {
				t.Errorf("QoS = %d, want %d", hr.cfg.QoS, tt.wantQoS)
			}
			if hr.cfg.BridgeID != "b" {
				t.Errorf("BridgeID = %q", hr.cfg.BridgeID)
			}
		})
	}
}

func TestHealthReporterPublishFailure(t *testing.T) {
	pub := newMockPublisher(true)
	pub.fail = errors.New("broker gone")
	reports := 0
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "failing",
		Publisher: pub,
		Tunnel:    NewMockConnector(),
		OnReport:  func(HealthMessage) { reports++ },
	})

	if err := hr.PublishNow(); err == nil {
		t.Fatal("PublishNow should return the publish error")
	}
	if reports != 0 {
		t.Errorf("OnReport called %d times for a failed publish", reports)
	}
}

func TestHealthReporterPublishNow(t *testing.T) {
	pub := newMockPublisher(true)
	cache := NewStatusCache()
	cache.Update(StatusEntry{Address: GroupAddress{Main: 1, Middle: 2, Sub: 4}, Raw: []byte{0x01}})

	var reported []HealthMessage
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "health-test",
		Version:   "2.0.0",
		Publisher: pub,
		Topic:     testHealthTopic,
		Tunnel:    NewMockConnector(),
		Cache:     cache,
		OnReport:  func(m HealthMessage) { reported = append(reported, m) },
	})

	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow failed: %v", err)
	}

	messages := pub.getMessages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	msg := messages[0]
	if msg.topic != testHealthTopic {
		t.Errorf("topic = %q, want %s", msg.topic, testHealthTopic)
	}
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}
	if !msg.retained {
		t.Error("message should be retained")
	}

	health := decodeHealth(t, msg)
	if health.Bridge != "health-test" || health.Version != "2.0.0" {
		t.Errorf("identity = %s %s", health.Bridge, health.Version)
	}
	if health.Status != HealthHealthy {
		t.Errorf("Status = %q, want %q", health.Status, HealthHealthy)
	}
	if health.StatusPoints != 1 {
		t.Errorf("StatusPoints = %d, want 1", health.StatusPoints)
	}
	if health.Tunnel == nil || health.Tunnel.Channel != 7 || health.Tunnel.Gateway != "192.168.1.50:3671" {
		t.Errorf("Tunnel = %+v", health.Tunnel)
	}
	if health.Statistics == nil || health.Statistics.TelegramsRx != 500 {
		t.Errorf("Statistics = %+v", health.Statistics)
	}

	if len(reported) != 1 || reported[0].Status != HealthHealthy {
		t.Errorf("OnReport got %+v", reported)
	}
}

func TestHealthReporterStatus(t *testing.T) {
	tests := []struct {
		name       string
		mqttUp     bool
		tunnel     func() Connector
		wantStatus HealthStatus
		wantReason string
	}{
		{
			name:       "connected",
			mqttUp:     true,
			tunnel:     func() Connector { return NewMockConnector() },
			wantStatus: HealthHealthy,
		},
		{
			name:   "tunnel disconnected",
			mqttUp: true,
			tunnel: func() Connector {
				c := NewMockConnector()
				c.SetConnected(false)
				return c
			},
			wantStatus: HealthDegraded,
			wantReason: "tunnel disconnected",
		},
		{
			name:   "tunnel reconnecting",
			mqttUp: true,
			tunnel: func() Connector {
				c := NewMockConnector()
				c.SetConnected(false)
				c.stats.Reconnecting = true
				return c
			},
			wantStatus: HealthDegraded,
			wantReason: "tunnel reconnecting",
		},
		{
			name:       "mqtt disconnected",
			mqttUp:     false,
			tunnel:     func() Connector { return NewMockConnector() },
			wantStatus: HealthDegraded,
			wantReason: "MQTT disconnected",
		},
		{
			name:       "no tunnel",
			mqttUp:     true,
			tunnel:     func() Connector { return nil },
			wantStatus: HealthUnhealthy,
			wantReason: "no tunnel configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hr := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "test-bridge",
				Publisher: newMockPublisher(tt.mqttUp),
				Tunnel:    tt.tunnel(),
			})

			status, reason := hr.determineStatus()
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestHealthReporterPublishStarting(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "test-bridge",
		Publisher: pub,
		Topic:     testHealthTopic,
	})

	if err := hr.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting failed: %v", err)
	}

	messages := pub.getMessages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	health := decodeHealth(t, messages[0])
	if health.Status != HealthStarting {
		t.Errorf("Status = %q, want %q", health.Status, HealthStarting)
	}
	if health.Reason != "bridge starting" {
		t.Errorf("Reason = %q", health.Reason)
	}
}

func TestHealthReporterStartStop(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "lifecycle-test",
		Interval:  50 * time.Millisecond,
		Publisher: pub,
		Topic:     testHealthTopic,
		Tunnel:    NewMockConnector(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hr.Start(ctx)

	// Wait for at least 2 health reports
	time.Sleep(150 * time.Millisecond)

	hr.Stop()
	hr.Stop()

	messages := pub.getMessages()
	// Should have: initial + at least 1 periodic + stopping
	if len(messages) < 3 {
		t.Errorf("expected at least 3 messages, got %d", len(messages))
	}

	last := decodeHealth(t, messages[len(messages)-1])
	if last.Status != HealthStopping {
		t.Errorf("last Status = %q, want %q", last.Status, HealthStopping)
	}
}

func TestHealthReporterWithNoPublisher(t *testing.T) {
	called := false
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID: "no-publisher",
		OnReport: func(HealthMessage) { called = true },
	})

	// Should not panic or error
	if err := hr.PublishNow(); err != nil {
		t.Errorf("PublishNow with nil publisher should not error: %v", err)
	}
	if called {
		t.Error("OnReport should only see published messages")
	}
}

func TestHealthReporterUptimeCalculation(t *testing.T) {
	pub := newMockPublisher(true)
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "uptime-test",
		Publisher: pub,
		Topic:     testHealthTopic,
	})
	hr.started = time.Now().Add(-90 * time.Second)

	if err := hr.PublishNow(); err != nil {
		t.Fatal(err)
	}

	health := decodeHealth(t, pub.getMessages()[0])
	if health.UptimeSeconds < 90 || health.UptimeSeconds > 91 {
		t.Errorf("UptimeSeconds = %d, want ~90", health.UptimeSeconds)
	}
}
