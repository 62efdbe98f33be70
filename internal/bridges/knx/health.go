package knx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is where health documents go. *mqtt.Client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter. Only BridgeID is
// required; without a Publisher nothing is sent.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval between reports. Default: 30s.
	Interval time.Duration

	Publisher HealthPublisher
	Topic     string
	QoS       byte // 0 means 1

	Tunnel Connector
	Cache  *StatusCache

	// OnReport sees every document that was published.
	OnReport func(HealthMessage)
}

// HealthReporter keeps a retained health document on the broker current:
// one report at start, one per interval, and "stopping" on Stop.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	logger Logger
	last   HealthStatus
}

// NewHealthReporter applies defaults to cfg. Reporting begins with Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	return &HealthReporter{
		cfg:     cfg,
		started: time.Now(),
		stop:    make(chan struct{}),
		logger:  noopLogger{},
	}
}

func (h *HealthReporter) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *HealthReporter) log() Logger {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logger
}

// Start reports now and then every interval until ctx ends or Stop.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			if err := h.PublishNow(); err != nil {
				h.log().Error("publishing health", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends reporting and publishes a final "stopping" document. Further
// calls do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()
		if err := h.publish(HealthStopping, ""); err != nil {
			h.log().Debug("publishing final health", "error", err)
		}
	})
}

// PublishStarting reports "starting" before the tunnel is up.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow reports the current status.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.determineStatus())
}

// determineStatus rates the bridge. Without a broker the bridge still
// works for HTTP clients, so that is degraded; without a tunnel it is
// useless.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Tunnel == nil {
		return HealthUnhealthy, "no tunnel configured"
	}

	switch stats := h.cfg.Tunnel.Stats(); {
	case stats.Connected:
		return HealthHealthy, ""
	case stats.Reconnecting:
		return HealthDegraded, "tunnel reconnecting"
	default:
		return HealthDegraded, "tunnel " + stats.State.String()
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var stats TunnelStats
	if h.cfg.Tunnel != nil {
		stats = h.cfg.Tunnel.Stats()
	}
	points := 0
	if h.cfg.Cache != nil {
		points = h.cfg.Cache.Len()
	}

	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, stats, points, h.started)
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health: %w", err)
	}
	if err := h.cfg.Publisher.Publish(h.cfg.Topic, payload, h.cfg.QoS, true); err != nil {
		return err
	}

	h.mu.Lock()
	changed, previous := h.last != status, h.last
	h.last = status
	logger := h.logger
	h.mu.Unlock()
	if changed && previous != "" {
		logger.Info("bridge health changed", "from", previous, "to", status, "reason", reason)
	}

	if h.cfg.OnReport != nil {
		h.cfg.OnReport(msg)
	}
	return nil
}
