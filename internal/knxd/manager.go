package knxd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
	"github.com/nerrad567/gray-logic-knxip/internal/process"
)

const readyPollInterval = 200 * time.Millisecond

// ErrNotReady is returned by Start when the server never answered.
var ErrNotReady = errors.New("knxd: server not ready")

// Logger is the supervisor's logger; *logging.Logger satisfies it.
type Logger = process.Logger

// describeFunc probes a KNXnet/IP control endpoint. Tests replace it.
type describeFunc func(ctx context.Context, address string, timeout time.Duration) (knxnet.Gateway, error)

// Manager runs knxd as a supervised child serving KNXnet/IP on
// 127.0.0.1. An unmanaged Manager does nothing and reports "unmanaged".
type Manager struct {
	cfg      Config
	proc     *process.Manager
	logger   Logger
	describe describeFunc

	// dSleeps counts consecutive probes that found knxd in state D.
	dSleeps atomic.Int32
}

// NewManager applies defaults to cfg and, when managed, validates it.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.Managed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &Manager{cfg: cfg, logger: process.Discard, describe: knxnet.Describe}, nil
}

// SetLogger must be called before Start.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start launches knxd and returns once its server answers a description
// request, or with ErrNotReady (wrapped) after ReadyTimeout. Cancelling
// ctx kills knxd.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Managed {
		return nil
	}

	args := m.cfg.BuildArgs()
	m.logger.Info("starting knxd",
		"binary", m.cfg.Binary,
		"args", args,
		"backend", m.cfg.Backend.Type,
		"gateway", m.cfg.GatewayAddress())

	m.proc = process.NewManager(m.processConfig(ctx, args))
	m.proc.SetLogger(m.logger)
	if err := m.proc.Start(ctx); err != nil {
		return fmt.Errorf("starting knxd: %w", err)
	}

	if err := m.awaitServer(ctx); err != nil {
		if stopErr := m.proc.Stop(); stopErr != nil {
			m.logger.Warn("stopping knxd after failed start", "error", stopErr)
		}
		return err
	}
	m.logger.Info("knxd ready", "gateway", m.cfg.GatewayAddress(), "pid", m.proc.PID())
	return nil
}

func (m *Manager) processConfig(ctx context.Context, args []string) process.Config {
	c := m.cfg
	return process.Config{
		Name:                "knxd",
		Binary:              c.Binary,
		Args:                args,
		RestartOnFailure:    c.RestartOnFailure,
		RestartDelay:        c.RestartDelay,
		MaxRestartAttempts:  c.MaxRestartAttempts,
		GracefulTimeout:     c.GracefulTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		HealthCheckFunc:     m.HealthCheck,
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("knxd exited", "error", err)
			}
		},
		OnRestart: func(attempt int) {
			m.dSleeps.Store(0)
			if !c.Backend.USBResetOnRetry {
				return
			}
			if err := m.ResetUSBDevice(ctx); err != nil {
				m.logger.Warn("USB reset before restart failed", "attempt", attempt, "error", err)
			}
		},
	}
}

// awaitServer polls with description requests until knxd answers, exits
// or ReadyTimeout passes.
func (m *Manager) awaitServer(ctx context.Context) error {
	addr := m.cfg.GatewayAddress()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()

	poll := time.NewTicker(readyPollInterval)
	defer poll.Stop()

	var probeErr error
	for {
		if !m.proc.IsRunning() {
			if exitErr := m.proc.LastError(); exitErr != nil {
				return fmt.Errorf("%w: knxd exited: %v", ErrNotReady, exitErr)
			}
			return fmt.Errorf("%w: knxd exited", ErrNotReady)
		}

		gw, err := m.describe(ctx, addr, probeTimeout)
		if err == nil {
			m.logger.Debug("knxd answered", "name", gw.Device.Name, "address", gw.Device.IndividualAddress())
			return nil
		}
		probeErr = err

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no answer on %s after %v: %v", ErrNotReady, addr, m.cfg.ReadyTimeout, probeErr)
			}
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// Stop terminates knxd. Stopping a Manager that never started is a no-op.
func (m *Manager) Stop() error {
	if m.proc == nil {
		return nil
	}
	m.logger.Info("stopping knxd")
	return m.proc.Stop()
}

func (m *Manager) IsManaged() bool { return m.cfg.Managed }

func (m *Manager) IsRunning() bool { return m.proc != nil && m.proc.IsRunning() }

// GatewayAddress is the control endpoint of the local server.
func (m *Manager) GatewayAddress() string { return m.cfg.GatewayAddress() }

// Stats is the JSON view of the local server for /api/v1/tunnel.
type Stats struct {
	Managed      bool          `json:"managed"`
	Status       string        `json:"status"`
	Backend      string        `json:"backend"`
	Gateway      string        `json:"gateway"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Managed: m.cfg.Managed,
		Status:  "unmanaged",
		Backend: string(m.cfg.Backend.Type),
		Gateway: m.cfg.GatewayAddress(),
	}
	switch {
	case !m.cfg.Managed:
	case m.proc == nil:
		s.Status = string(process.StatusStopped)
	default:
		ps := m.proc.Stats()
		s.Status = string(ps.Status)
		s.PID, s.Uptime, s.RestartCount, s.LastError = ps.PID, ps.Uptime, ps.RestartCount, ps.LastError
	}
	return s
}
