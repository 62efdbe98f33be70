package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is knxipd's configuration file. Defaults come from Default,
// then the YAML file, then KNXIP_* environment variables.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	KNXD      KNXDConfig      `yaml:"knxd"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Capture   CaptureConfig   `yaml:"capture"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InstanceConfig identifies this daemon in health messages and MQTT client ids.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// TunnelConfig contains KNXnet/IP tunnel settings.
type TunnelConfig struct {
	// Gateway is the gateway control endpoint ("192.168.1.10:3671").
	// Empty means discover by multicast search.
	Gateway string `yaml:"gateway"`

	// LocalAddress optionally binds the client socket.
	LocalAddress string `yaml:"local_address"`

	// NATMode sends 0.0.0.0:0 endpoints.
	NATMode bool `yaml:"nat_mode"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatRetries  int           `yaml:"heartbeat_retries"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// DiscoveryConfig contains gateway search settings.
type DiscoveryConfig struct {
	SearchAddress string        `yaml:"search_address"`
	Interface     string        `yaml:"interface"`
	Timeout       time.Duration `yaml:"timeout"`
	TTL           int           `yaml:"ttl"`
	Loopback      bool          `yaml:"loopback"`
}

// KNXDConfig runs a local knxd serving a USB or TP-UART interface as a
// KNXnet/IP server. With Managed set and tunnel.gateway empty, the tunnel
// connects to the local server.
type KNXDConfig struct {
	Managed             bool              `yaml:"managed"`
	Binary              string            `yaml:"binary"`
	PhysicalAddress     string            `yaml:"physical_address"`
	ClientAddresses     string            `yaml:"client_addresses"`
	Backend             KNXDBackendConfig `yaml:"backend"`
	ServerPort          int               `yaml:"server_port"`
	ServerName          string            `yaml:"server_name"`
	RestartOnFailure    bool              `yaml:"restart_on_failure"`
	RestartDelay        time.Duration     `yaml:"restart_delay"`
	MaxRestartAttempts  int               `yaml:"max_restart_attempts"`
	GracefulTimeout     time.Duration     `yaml:"graceful_timeout"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	ReadyTimeout        time.Duration     `yaml:"ready_timeout"`
	LogLevel            int               `yaml:"log_level"`
}

// KNXDBackendConfig selects the bus interface knxd drives.
type KNXDBackendConfig struct {
	// Type is "usb" or "tpuart".
	Type            string `yaml:"type"`
	Device          string `yaml:"device"`
	USBVendorID     string `yaml:"usb_vendor_id"`
	USBProductID    string `yaml:"usb_product_id"`
	USBResetOnRetry bool   `yaml:"usb_reset_on_retry"`
}

// BridgeConfig contains MQTT bridge and catalogue settings.
type BridgeConfig struct {
	// CatalogFile is the path to the command catalogue YAML.
	CatalogFile string `yaml:"catalog_file"`

	// ReadInterval is the delay between reads of a read_all request.
	ReadInterval time.Duration `yaml:"read_interval"`

	// HealthInterval is the period of the retained health message.
	HealthInterval time.Duration `yaml:"health_interval"`

	// RecordAddresses stores every seen group address in SQLite.
	RecordAddresses bool `yaml:"record_addresses"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds http.Server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists the browser origins allowed to call the API. Empty
// allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig tunes /api/v1/ws. Sizes are bytes, times seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig enables writing decoded values to InfluxDB 2.x.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// CaptureConfig writes every tunnel datagram to a pcap file.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied flag
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default is a valid configuration that discovers its gateway, talks to a
// broker on localhost and serves the API on 127.0.0.1:8080.
func Default() *Config {
	cfg := &Config{}

	cfg.Instance = InstanceConfig{ID: "knxip-001", Name: "KNXnet/IP gateway"}

	t := &cfg.Tunnel
	t.Discovery = DiscoveryConfig{SearchAddress: "224.0.23.12:3671", Timeout: 3 * time.Second, TTL: 16}
	t.ConnectTimeout = 10 * time.Second
	t.AckTimeout = time.Second
	t.HeartbeatInterval = time.Minute
	t.HeartbeatTimeout = 10 * time.Second
	t.HeartbeatRetries = 3
	t.ReconnectInterval = 5 * time.Second

	cfg.KNXD = KNXDConfig{
		Binary:              "/usr/bin/knxd",
		PhysicalAddress:     "0.0.1",
		ClientAddresses:     "0.0.2:8",
		Backend:             KNXDBackendConfig{Type: "usb"},
		ServerPort:          3671,
		ServerName:          "knxipd",
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartAttempts:  10,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ReadyTimeout:        15 * time.Second,
	}

	cfg.Bridge = BridgeConfig{
		CatalogFile:     "./configs/catalog.yaml",
		ReadInterval:    50 * time.Millisecond,
		HealthInterval:  30 * time.Second,
		RecordAddresses: true,
	}
	cfg.Database = DatabaseConfig{Path: "./data/knxip.db", WALMode: true, BusyTimeout: 5}

	m := &cfg.MQTT
	m.Enabled = true
	m.Broker = MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "knxipd"}
	m.QoS = 1
	m.TopicPrefix = "knxip"
	m.Reconnect = MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60}

	cfg.API = APIConfig{
		Enabled:  true,
		Host:     "127.0.0.1",
		Port:     8080,
		Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
	}
	cfg.WebSocket = WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
	cfg.InfluxDB = InfluxDBConfig{BatchSize: 100, FlushInterval: 10}
	cfg.Capture = CaptureConfig{Path: "./data/tunnel.pcap"}
	cfg.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	return cfg
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// GetReadTimeout is api.timeouts.read as a Duration.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }

// GetWriteTimeout is api.timeouts.write as a Duration.
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }

// GetIdleTimeout is api.timeouts.idle as a Duration.
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }
