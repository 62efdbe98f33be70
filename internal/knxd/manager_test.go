package knxd

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
	"github.com/nerrad567/gray-logic-knxip/internal/process"
)

// fakeBinary writes an executable script standing in for knxd.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knxd")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // test executable
		t.Fatalf("writing fake knxd: %v", err)
	}
	return path
}

// fakeServer answers description requests on a loopback port the way
// knxd's server does and returns the port.
func fakeServer(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := knxnet.Decode(buf[:n])
			if err != nil {
				continue
			}
			if _, ok := msg.(*knxnet.DescriptionRequest); !ok {
				continue
			}
			res := knxnet.Encode(&knxnet.DescriptionResponse{
				Device:   knxnet.DeviceInfo{Medium: 0x02, Address: [2]byte{0x00, 0x01}, Name: "knxipd"},
				Families: []knxnet.ServiceFamily{{ID: knxnet.FamilyCore, Version: 1}, {ID: knxnet.FamilyTunnelling, Version: 1}},
			})
			_, _ = conn.WriteToUDP(res, src)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Config{Managed: true})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	if m.cfg.Binary != DefaultBinary {
		t.Errorf("Binary = %q, want %q", m.cfg.Binary, DefaultBinary)
	}
	if m.cfg.PhysicalAddress != "0.0.1" {
		t.Errorf("PhysicalAddress = %q, want 0.0.1", m.cfg.PhysicalAddress)
	}
	if m.cfg.ClientAddresses != "0.0.2:8" {
		t.Errorf("ClientAddresses = %q, want 0.0.2:8", m.cfg.ClientAddresses)
	}
	if m.cfg.ServerPort != 3671 {
		t.Errorf("ServerPort = %d, want 3671", m.cfg.ServerPort)
	}
	if m.cfg.Backend.Type != BackendUSB {
		t.Errorf("Backend.Type = %q, want usb", m.cfg.Backend.Type)
	}
	if m.cfg.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want 5s", m.cfg.RestartDelay)
	}
	if m.cfg.ReadyTimeout != 15*time.Second {
		t.Errorf("ReadyTimeout = %v, want 15s", m.cfg.ReadyTimeout)
	}
}

func TestNewManager_UnmanagedSkipsValidation(t *testing.T) {
	m, err := NewManager(Config{PhysicalAddress: "not an address"})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	if m.IsManaged() {
		t.Error("IsManaged() = true")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() unmanaged error = %v", err)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true for unmanaged knxd")
	}
	if got := m.Stats().Status; got != "unmanaged" {
		t.Errorf("Stats().Status = %q, want unmanaged", got)
	}
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() unmanaged = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad physical address", func(c *Config) { c.PhysicalAddress = "16.0.1" }},
		{"client pool without count", func(c *Config) { c.ClientAddresses = "0.0.2" }},
		{"client pool count zero", func(c *Config) { c.ClientAddresses = "0.0.2:0" }},
		{"client pool leaves line", func(c *Config) { c.ClientAddresses = "0.0.250:10" }},
		{"server port", func(c *Config) { c.ServerPort = 70000 }},
		{"server name", func(c *Config) { c.ServerName = "has space" }},
		{"log level", func(c *Config) { c.LogLevel = 10 }},
		{"binary injection", func(c *Config) { c.Binary = "/usr/bin/knxd;rm" }},
		{"binary traversal", func(c *Config) { c.Binary = "/usr/../tmp/knxd" }},
		{"unknown backend", func(c *Config) { c.Backend.Type = "ipt" }},
		{"usb device format", func(c *Config) { c.Backend.Device = "/dev/bus/usb/001" }},
		{"usb vendor id", func(c *Config) { c.Backend.USBVendorID = "0e7" }},
		{"usb reset without ids", func(c *Config) { c.Backend.USBResetOnRetry = true }},
		{"tpuart without device", func(c *Config) { c.Backend = BackendConfig{Type: BackendTPUART} }},
		{"tpuart device chars", func(c *Config) { c.Backend = BackendConfig{Type: BackendTPUART, Device: "/dev/tty$(id)"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Managed = true
			tt.modify(&cfg)

			_, err := NewManager(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewManager() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_ValidBackends(t *testing.T) {
	for _, b := range []BackendConfig{
		{Type: BackendUSB},
		{Type: BackendUSB, Device: "1:4", USBVendorID: "0e77", USBProductID: "0104", USBResetOnRetry: true},
		{Type: BackendTPUART, Device: "/dev/ttyAMA0"},
	} {
		cfg := DefaultConfig()
		cfg.Backend = b
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate(%+v) error: %v", b, err)
		}
	}
}

func TestConfig_BuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	want := []string{"-e", "0.0.1", "-E", "0.0.2:8", "-n", "knxipd", "-D", "-T", "-S", "-b", "usb:"}
	if got := cfg.BuildArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs() = %q\nwant %q", got, want)
	}

	cfg.ServerPort = 3700
	cfg.LogLevel = 3
	cfg.Backend = BackendConfig{Type: BackendTPUART, Device: "/dev/ttyAMA0"}
	want = []string{"-e", "0.0.1", "-E", "0.0.2:8", "-f3", "-n", "knxipd", "-D", "-T", "-S224.0.23.12:3700", "-b", "tpuart:/dev/ttyAMA0"}
	if got := cfg.BuildArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs() = %q\nwant %q", got, want)
	}

	if got := cfg.GatewayAddress(); got != "127.0.0.1:3700" {
		t.Errorf("GatewayAddress() = %q", got)
	}
}

func TestEvaluateState(t *testing.T) {
	m, _ := NewManager(Config{})

	tests := []struct {
		state   string
		wantErr bool
	}{
		{"S", false},
		{"R", false},
		{"I", false},
		{"T", true},
		{"t", true},
		{"Z", true},
		{"X", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := m.evaluateState(tt.state); (err != nil) != tt.wantErr {
			t.Errorf("evaluateState(%q) error = %v, wantErr %v", tt.state, err, tt.wantErr)
		}
	}

	// D state is tolerated until it persists
	for i := 1; i < maxDStateChecks; i++ {
		if err := m.evaluateState("D"); err != nil {
			t.Fatalf("D check %d: %v", i, err)
		}
	}
	if err := m.evaluateState("D"); err == nil {
		t.Error("persistent D state not reported")
	}
	if err := m.evaluateState("S"); err != nil {
		t.Errorf("S after D: %v", err)
	}
	if m.dSleeps.Load() != 0 {
		t.Error("D state counter not reset")
	}
}

func TestHealthError_Recoverable(t *testing.T) {
	usb := &HealthError{Layer: LayerUSBPresence, Recoverable: false, Err: errors.New("unplugged")}
	if process.IsRecoverable(usb) {
		t.Error("USB presence failure should not be recoverable")
	}

	server := &HealthError{Layer: LayerServer, Recoverable: true, Err: knxnet.ErrNoDescription}
	if !process.IsRecoverable(server) {
		t.Error("server failure should be recoverable")
	}
	if !errors.Is(server, knxnet.ErrNoDescription) {
		t.Error("HealthError does not unwrap")
	}
}

func TestManager_StartAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}

	cfg := DefaultConfig()
	cfg.Managed = true
	cfg.Binary = fakeBinary(t, "exec sleep 60")
	cfg.ServerPort = fakeServer(t)
	cfg.GracefulTimeout = 2 * time.Second

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !m.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	stats := m.Stats()
	if stats.Status != string(process.StatusRunning) || stats.PID == 0 || !stats.Managed {
		t.Errorf("Stats() = %+v", stats)
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
}

func TestManager_StartNotReady(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}

	cfg := DefaultConfig()
	cfg.Managed = true
	cfg.Binary = fakeBinary(t, "exec sleep 60")
	cfg.ReadyTimeout = 300 * time.Millisecond
	cfg.GracefulTimeout = time.Second

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	m.describe = func(context.Context, string, time.Duration) (knxnet.Gateway, error) {
		return knxnet.Gateway{}, knxnet.ErrNoDescription
	}

	err = m.Start(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start() error = %v, want ErrNotReady", err)
	}
	if m.IsRunning() {
		t.Error("knxd left running after failed start")
	}
}

func TestManager_StartBinaryExits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Managed = true
	cfg.Binary = fakeBinary(t, "echo 'USB device busy' >&2; exit 1")
	cfg.RestartOnFailure = false
	cfg.ReadyTimeout = 2 * time.Second

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	m.describe = func(context.Context, string, time.Duration) (knxnet.Gateway, error) {
		return knxnet.Gateway{}, knxnet.ErrNoDescription
	}

	start := time.Now()
	err = m.Start(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start() error = %v, want ErrNotReady", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("exit detected after %v", time.Since(start))
	}
}
