package knx

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ─── Broker double ─────────────────────────────────────────────────

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

// MockMQTTClient records publishes and keeps subscription handlers so
// tests can inject messages through handlers[filter].
type MockMQTTClient struct {
	mu       sync.Mutex
	up       bool
	log      []mockPublish
	subs     []mockSubscription
	handlers map[string]func(topic string, payload []byte) error
}

var _ MQTTClient = (*MockMQTTClient)(nil)

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{up: true, handlers: map[string]func(string, []byte) error{}}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	m.log = append(m.log, mockPublish{topic, payload, qos, retained})
	m.mu.Unlock()
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(string, []byte) error) error {
	m.mu.Lock()
	m.subs = append(m.subs, mockSubscription{topic, qos})
	m.handlers[topic] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

func (m *MockMQTTClient) SetConnected(up bool) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}

// PublishedOn filters GetPublished by topic.
func (m *MockMQTTClient) PublishedOn(topic string) []mockPublish {
	return slices.DeleteFunc(m.GetPublished(), func(p mockPublish) bool { return p.Topic != topic })
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.subs)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	m.log = nil
	m.mu.Unlock()
}

// ─── Tunnel double ─────────────────────────────────────────────────

// MockConnector is a Connector that is always "connected" to a gateway at
// 192.168.1.50 until told otherwise.
type MockConnector struct {
	mu      sync.Mutex
	stats   TunnelStats
	sent    []Command
	frames  [][]byte
	onTele  func(Telegram)
	failure error
}

var _ Connector = (*MockConnector)(nil)

func NewMockConnector() *MockConnector {
	return &MockConnector{stats: TunnelStats{
		TelegramsTx:   100,
		TelegramsRx:   500,
		ErrorsTotal:   2,
		LastActivity:  time.Now(),
		State:         StateConnected,
		Connected:     true,
		Channel:       7,
		Gateway:       "192.168.1.50:3671",
		TunnelAddress: "1.1.250",
	}}
}

func (m *MockConnector) Send(_ context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure == nil {
		m.sent = append(m.sent, cmd)
	}
	return m.failure
}

func (m *MockConnector) SendFrame(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure == nil {
		m.frames = append(m.frames, frame)
	}
	return m.failure
}

func (m *MockConnector) SetOnTelegram(fn func(Telegram)) {
	m.mu.Lock()
	m.onTele = fn
	m.mu.Unlock()
}

func (m *MockConnector) IsConnected() bool  { return m.Stats().Connected }
func (m *MockConnector) State() TunnelState { return m.Stats().State }
func (m *MockConnector) Close() error       { return nil }

func (m *MockConnector) Stats() TunnelStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *MockConnector) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Connected = up
	m.stats.State = StateDisconnected
	if up {
		m.stats.State = StateConnected
	}
}

func (m *MockConnector) GetSent() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// SimulateTelegram delivers t as if it came off the bus.
func (m *MockConnector) SimulateTelegram(t Telegram) {
	m.mu.Lock()
	fn := m.onTele
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (m *MockConnector) SetSendError(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// ─── Sinks ─────────────────────────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	seen   []Telegram
	values []any
}

func (r *mockRecorder) RecordTelegram(t Telegram, _ DPT, value any) {
	r.mu.Lock()
	r.seen = append(r.seen, t)
	r.values = append(r.values, value)
	r.mu.Unlock()
}

type mockValueWriter struct {
	mu     sync.Mutex
	points []string
}

func (w *mockValueWriter) WriteGroupValue(ga, dpt string, _ any, _ time.Time) bool {
	w.mu.Lock()
	w.points = append(w.points, ga+" "+dpt)
	w.mu.Unlock()
	return true
}
