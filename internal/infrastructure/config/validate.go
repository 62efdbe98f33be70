package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// problems collects validation failures so the operator sees all of
// them at once.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Validate reports every invalid or missing setting in one error.
// knxd's own fields are checked in depth when its manager is built.
func (c *Config) Validate() error {
	var p problems

	if c.Instance.ID == "" {
		p.addf("instance.id is required")
	}
	c.validateTunnel(&p)
	c.validateOutputs(&p)

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		p.addf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(p, "; "))
}

func (c *Config) validateTunnel(p *problems) {
	t := c.Tunnel
	switch {
	case t.Gateway != "":
		if _, _, err := net.SplitHostPort(t.Gateway); err != nil {
			p.addf("tunnel.gateway %q must be host:port", t.Gateway)
		}
	case !c.KNXD.Managed && t.Discovery.SearchAddress == "":
		p.addf("tunnel.discovery.search_address is required when tunnel.gateway is empty")
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"tunnel.connect_timeout", t.ConnectTimeout},
		{"tunnel.ack_timeout", t.AckTimeout},
		{"tunnel.heartbeat_interval", t.HeartbeatInterval},
		{"tunnel.heartbeat_timeout", t.HeartbeatTimeout},
		{"tunnel.reconnect_interval", t.ReconnectInterval},
		{"bridge.read_interval", c.Bridge.ReadInterval},
		{"bridge.health_interval", c.Bridge.HealthInterval},
	} {
		if d.val < 0 {
			p.addf("%s must not be negative", d.key)
		}
	}
	if t.HeartbeatRetries < 0 {
		p.addf("tunnel.heartbeat_retries must not be negative")
	}

	if c.KNXD.Managed && c.KNXD.Backend.Type != "usb" && c.KNXD.Backend.Type != "tpuart" {
		p.addf("knxd.backend.type %q must be usb or tpuart", c.KNXD.Backend.Type)
	}
}

// validateOutputs covers everything downstream of the tunnel.
func (c *Config) validateOutputs(p *problems) {
	if c.Bridge.CatalogFile == "" {
		p.addf("bridge.catalog_file is required")
	}
	if c.Bridge.RecordAddresses && c.Database.Path == "" {
		p.addf("database.path is required when bridge.record_addresses is set")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		p.addf("mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		p.addf("mqtt.topic_prefix is required")
	}

	api := c.API
	if api.Enabled && (api.Port < 1 || api.Port > 65535) {
		p.addf("api.port must be between 1 and 65535")
	}
	if api.TLS.Enabled && (api.TLS.CertFile == "" || api.TLS.KeyFile == "") {
		p.addf("api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if ix := c.InfluxDB; ix.Enabled && (ix.URL == "" || ix.Org == "" || ix.Bucket == "") {
		p.addf("influxdb.url, influxdb.org and influxdb.bucket are required when InfluxDB is enabled")
	}
	if c.Capture.Enabled && c.Capture.Path == "" {
		p.addf("capture.path is required when capture is enabled")
	}
}
