package knxd

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
)

// BackendType selects the bus interface knxd drives.
type BackendType string

const (
	// BackendUSB is a USB KNX interface (Weinzierl, MDT, ...).
	BackendUSB BackendType = "usb"

	// BackendTPUART is a TP-UART serial transceiver, e.g. a Raspberry Pi
	// hat on /dev/ttyAMA0.
	BackendTPUART BackendType = "tpuart"
)

// Defaults applied by NewManager.
const (
	DefaultBinary          = "/usr/bin/knxd"
	DefaultPhysicalAddress = "0.0.1"
	DefaultClientAddresses = "0.0.2:8"
	DefaultServerName      = "knxipd"

	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartAttempts  = 10
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultReadyTimeout        = 15 * time.Second
	maxLogLevel                = 9
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("knxd: invalid config")

// Config describes the local knxd instance.
type Config struct {
	// Managed starts knxd as a child of knxipd. When false nothing is
	// started and the tunnel talks to the configured gateway directly.
	Managed bool `yaml:"managed"`

	// Binary is the knxd executable. Default: /usr/bin/knxd.
	Binary string `yaml:"binary"`

	// PhysicalAddress is knxd's own bus address (-e). Default: 0.0.1.
	PhysicalAddress string `yaml:"physical_address"`

	// ClientAddresses is the pool handed to tunnelling clients (-E),
	// written "area.line.device:count". Default: 0.0.2:8.
	ClientAddresses string `yaml:"client_addresses"`

	// Backend is the bus interface.
	Backend BackendConfig `yaml:"backend"`

	// ServerPort is the UDP port of knxd's KNXnet/IP server. Default: 3671.
	ServerPort int `yaml:"server_port"`

	// ServerName is advertised in search and description responses.
	ServerName string `yaml:"server_name"`

	RestartOnFailure   bool          `yaml:"restart_on_failure"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	GracefulTimeout    time.Duration `yaml:"graceful_timeout"`

	// HealthCheckInterval is how often the watchdog probes knxd.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ReadyTimeout bounds how long Start waits for the server to answer.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// LogLevel is knxd's verbosity, 0 to 9 (-f).
	LogLevel int `yaml:"log_level"`
}

// BackendConfig configures the bus interface.
type BackendConfig struct {
	Type BackendType `yaml:"type"`

	// Device is "bus:device" for a specific USB interface (empty to
	// auto-detect) or the serial device path for tpuart.
	Device string `yaml:"device,omitempty"`

	// USBVendorID and USBProductID (4 hex digits) enable the presence
	// check and usbreset recovery.
	USBVendorID  string `yaml:"usb_vendor_id,omitempty"`
	USBProductID string `yaml:"usb_product_id,omitempty"`

	// USBResetOnRetry runs usbreset before each restart, which clears
	// LIBUSB_ERROR_BUSY after a crash.
	USBResetOnRetry bool `yaml:"usb_reset_on_retry,omitempty"`
}

// DefaultConfig returns an unmanaged configuration with a USB backend.
func DefaultConfig() Config {
	return Config{
		Managed:             false,
		Binary:              DefaultBinary,
		PhysicalAddress:     DefaultPhysicalAddress,
		ClientAddresses:     DefaultClientAddresses,
		ServerPort:          knxnet.DefaultPort,
		ServerName:          DefaultServerName,
		RestartOnFailure:    true,
		RestartDelay:        defaultRestartDelay,
		MaxRestartAttempts:  defaultMaxRestartAttempts,
		GracefulTimeout:     defaultGracefulTimeout,
		HealthCheckInterval: defaultHealthCheckInterval,
		ReadyTimeout:        defaultReadyTimeout,
		Backend:             BackendConfig{Type: BackendUSB},
	}
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.PhysicalAddress == "" {
		c.PhysicalAddress = d.PhysicalAddress
	}
	if c.ClientAddresses == "" {
		c.ClientAddresses = d.ClientAddresses
	}
	if c.ServerPort == 0 {
		c.ServerPort = d.ServerPort
	}
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = d.MaxRestartAttempts
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = d.GracefulTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendUSB
	}
}

// Validate checks the configuration. Every value ends up on knxd's
// command line, so free-text fields are restricted to a safe charset.
func (c *Config) Validate() error {
	if err := validateSafe(c.Binary, "binary"); err != nil {
		return err
	}
	if _, err := knx.ParseIndividualAddress(c.PhysicalAddress); err != nil {
		return fmt.Errorf("%w: physical_address: %v", ErrInvalidConfig, err)
	}
	if err := validateClientAddresses(c.ClientAddresses); err != nil {
		return err
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: server_port must be 1-65535, got %d", ErrInvalidConfig, c.ServerPort)
	}
	if !serverNamePattern.MatchString(c.ServerName) {
		return fmt.Errorf("%w: server_name must be 1-30 characters of [A-Za-z0-9_-]", ErrInvalidConfig)
	}
	if c.LogLevel < 0 || c.LogLevel > maxLogLevel {
		return fmt.Errorf("%w: log_level must be 0-%d", ErrInvalidConfig, maxLogLevel)
	}
	return c.Backend.Validate()
}

// Validate checks the backend configuration.
func (b *BackendConfig) Validate() error {
	switch b.Type {
	case BackendUSB:
		if b.Device != "" && !usbDevicePattern.MatchString(b.Device) {
			return fmt.Errorf("%w: usb device must be bus or bus:device, got %q", ErrInvalidConfig, b.Device)
		}
		for field, id := range map[string]string{"usb_vendor_id": b.USBVendorID, "usb_product_id": b.USBProductID} {
			if id != "" && !usbIDPattern.MatchString(id) {
				return fmt.Errorf("%w: %s must be 4 hex digits (e.g. 0e77)", ErrInvalidConfig, field)
			}
		}
		if b.USBResetOnRetry && (b.USBVendorID == "" || b.USBProductID == "") {
			return fmt.Errorf("%w: usb_reset_on_retry requires usb_vendor_id and usb_product_id", ErrInvalidConfig)
		}
		return nil

	case BackendTPUART:
		if b.Device == "" {
			return fmt.Errorf("%w: tpuart backend requires a device path", ErrInvalidConfig)
		}
		return validateSafe(b.Device, "device")

	case "":
		return fmt.Errorf("%w: backend type is required", ErrInvalidConfig)

	default:
		return fmt.Errorf("%w: unknown backend type %q (use usb or tpuart)", ErrInvalidConfig, b.Type)
	}
}

// BuildArgs returns knxd's command line. knxd options are positional:
// server options precede -S, and the backend comes last.
func (c *Config) BuildArgs() []string {
	args := []string{
		"-e", c.PhysicalAddress,
		"-E", c.ClientAddresses,
	}
	if c.LogLevel > 0 {
		args = append(args, "-f"+strconv.Itoa(c.LogLevel))
	}
	args = append(args,
		"-n", c.ServerName,
		"-D", // answer search and description requests
		"-T", // accept tunnelling connections
	)
	if c.ServerPort == knxnet.DefaultPort {
		args = append(args, "-S")
	} else {
		args = append(args, fmt.Sprintf("-S%s:%d", knxnet.SystemSetupMulticast, c.ServerPort))
	}
	return append(args, "-b", c.Backend.BuildArg())
}

// BuildArg returns the -b value for the backend.
func (b *BackendConfig) BuildArg() string {
	switch b.Type {
	case BackendTPUART:
		return "tpuart:" + b.Device
	default:
		return "usb:" + b.Device
	}
}

// GatewayAddress is the control endpoint the tunnel connects to.
func (c *Config) GatewayAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.ServerPort))
}

var (
	usbIDPattern      = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)
	usbDevicePattern  = regexp.MustCompile(`^\d{1,3}(:\d{1,3})?$`)
	safePathPattern   = regexp.MustCompile(`^[a-zA-Z0-9_\-./]+$`)
	serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,30}$`)
)

// validateSafe rejects anything but a plain path.
func validateSafe(value, field string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
	}
	if !safePathPattern.MatchString(value) || strings.Contains(value, "..") {
		return fmt.Errorf("%w: %s contains invalid characters: %q", ErrInvalidConfig, field, value)
	}
	return nil
}

// validateClientAddresses checks "area.line.device:count" and that the
// pool stays on one line.
func validateClientAddresses(s string) error {
	addr, countText, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("%w: client_addresses must be area.line.device:count, got %q", ErrInvalidConfig, s)
	}
	first, err := knx.ParseIndividualAddress(addr)
	if err != nil {
		return fmt.Errorf("%w: client_addresses: %v", ErrInvalidConfig, err)
	}
	count, err := strconv.Atoi(countText)
	if err != nil || count < 1 || count > 255 {
		return fmt.Errorf("%w: client_addresses count must be 1-255, got %q", ErrInvalidConfig, countText)
	}
	if int(first.Device)+count-1 > 255 {
		return fmt.Errorf("%w: client_addresses %s leaves line %d.%d", ErrInvalidConfig, s, first.Area, first.Line)
	}
	return nil
}
