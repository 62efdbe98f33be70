package knxd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	linuxproc "github.com/c9s/goprocinfo/linux"
)

const (
	probeTimeout      = time.Second
	usbCommandTimeout = 5 * time.Second
	usbSettleDelay    = 500 * time.Millisecond

	// maxDStateChecks consecutive probes in uninterruptible sleep mean
	// the interface is hung.
	maxDStateChecks = 3
)

// Health check layers, cheapest first.
const (
	LayerUSBPresence = iota
	LayerProcessState
	LayerServer
)

var layerNames = [...]string{"usb presence", "process state", "server"}

// HealthError is a failed health check layer. It satisfies
// process.RecoverableError: a missing USB stick does not trigger a
// restart.
type HealthError struct {
	Layer       int
	Recoverable bool
	Err         error
}

func (e *HealthError) Error() string {
	name := "layer " + strconv.Itoa(e.Layer)
	if e.Layer >= 0 && e.Layer < len(layerNames) {
		name = layerNames[e.Layer]
	}
	return fmt.Sprintf("knxd health (%s): %v", name, e.Err)
}

func (e *HealthError) Unwrap() error       { return e.Err }
func (e *HealthError) IsRecoverable() bool { return e.Recoverable }

// HealthCheck probes knxd from the outside in:
//
//   - USB presence: lsusb lists the configured vendor:product. A restart
//     cannot fix its absence.
//   - Process state: /proc/<pid>/stat is not stopped, dead, or stuck in
//     uninterruptible sleep.
//   - Server: the KNXnet/IP server answers a description request.
//
// An unmanaged or stopped knxd is healthy.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if !m.cfg.Managed || m.proc == nil {
		return nil
	}

	if m.cfg.Backend.Type == BackendUSB {
		if err := m.checkUSBPresent(ctx); err != nil {
			return &HealthError{Layer: LayerUSBPresence, Err: err}
		}
	}
	if pid := m.proc.PID(); pid > 0 {
		if err := m.checkProcessState(pid); err != nil {
			return &HealthError{Layer: LayerProcessState, Recoverable: true, Err: err}
		}
	}
	if _, err := m.describe(ctx, m.cfg.GatewayAddress(), probeTimeout); err != nil {
		return &HealthError{Layer: LayerServer, Recoverable: true, Err: err}
	}
	return nil
}

// usbID is "vendor:product", or "" when either is unset.
func (m *Manager) usbID() string {
	b := m.cfg.Backend
	if b.USBVendorID == "" || b.USBProductID == "" {
		return ""
	}
	return b.USBVendorID + ":" + b.USBProductID
}

func (m *Manager) checkUSBPresent(ctx context.Context) error {
	id := m.usbID()
	if id == "" {
		return nil
	}

	lsusbCtx, cancel := context.WithTimeout(ctx, usbCommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(lsusbCtx, "lsusb", "-d", id).CombinedOutput()
	if err == nil && len(out) > 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("USB interface %s not detected", id)
}

func (m *Manager) checkProcessState(pid int) error {
	stat, err := linuxproc.ReadProcessStat("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return fmt.Errorf("reading process state: %w", err)
	}
	return m.evaluateState(stat.State)
}

// evaluateState judges a /proc state letter. Brief D states are normal
// during USB I/O; maxDStateChecks of them in a row are not.
func (m *Manager) evaluateState(state string) error {
	switch state {
	case "":
		return errors.New("empty process state")
	case "T", "t":
		return fmt.Errorf("knxd is stopped (state %s)", state)
	case "Z", "X", "x":
		return fmt.Errorf("knxd is dead (state %s)", state)
	case "D":
		if n := m.dSleeps.Add(1); n >= maxDStateChecks {
			return fmt.Errorf("knxd stuck in uninterruptible sleep for %d checks", n)
		}
		return nil
	}
	m.dSleeps.Store(0)
	return nil
}

// ResetUSBDevice runs usbreset on the configured interface, then waits for
// it to re-enumerate. usbreset needs write access to the device node, e.g.
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="0e77", ATTR{idProduct}=="0104", MODE="0666"
func (m *Manager) ResetUSBDevice(ctx context.Context) error {
	id := m.usbID()
	if m.cfg.Backend.Type != BackendUSB || id == "" {
		return nil
	}

	resetCtx, cancel := context.WithTimeout(ctx, usbCommandTimeout)
	defer cancel()
	m.logger.Info("resetting USB interface", "device", id)
	if out, err := exec.CommandContext(resetCtx, "usbreset", id).CombinedOutput(); err != nil {
		return fmt.Errorf("usbreset %s: %w (%s)", id, err, strings.TrimSpace(string(out)))
	}

	t := time.NewTimer(usbSettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
