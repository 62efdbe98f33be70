package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Manager supervises one child process: restart with backoff, a health
// watchdog and process-group shutdown.
type Manager struct {
	cfg    Config
	logger Logger

	mu       sync.RWMutex
	status   Status
	cmd      *exec.Cmd
	since    time.Time
	restarts int
	lastErr  error
	run      *run
}

// NewManager returns an idle supervisor. Zero durations in cfg take their
// defaults.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start spawns the child and supervises it until Stop or until ctx ends.
//
// Returns:
//   - error: ErrAlreadyRunning (wrapped), or the exec error of the first
//     spawn, in which case nothing is supervised
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.run != nil && m.run.active() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.cfg.Name)
	}
	r := newRun()
	m.run = r
	m.status, m.restarts, m.lastErr = StatusStarting, 0, nil
	m.mu.Unlock()

	cmd, err := m.spawn(ctx)
	if err != nil {
		m.setState(StatusFailed, err)
		close(r.done)
		return err
	}
	go m.supervise(ctx, r, cmd)
	return nil
}

func (m *Manager) spawn(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, m.cfg.Args...) //nolint:gosec // binary and args come from validated config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = m.cfg.WorkDir
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	cmd.Stdout = &lineLogger{logger: m.logger, name: m.cfg.Name, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: m.logger, name: m.cfg.Name, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.cfg.Name, err)
	}

	m.mu.Lock()
	m.cmd, m.status, m.since = cmd, StatusRunning, time.Now()
	m.mu.Unlock()

	m.logger.Info("process started", "name", m.cfg.Name, "pid", cmd.Process.Pid, "args", m.cfg.Args)
	if m.cfg.OnStart != nil {
		m.cfg.OnStart()
	}
	return cmd, nil
}

// supervise owns r until the child is stopped or the restart budget is
// spent. A nil cmd with a non-nil err is a failed respawn.
func (m *Manager) supervise(ctx context.Context, r *run, cmd *exec.Cmd) {
	defer close(r.done)

	var err error
	for {
		began := time.Now()
		if cmd != nil {
			// Stop may have arrived while the child was being spawned.
			if r.stopping() {
				signalGroup(cmd.Process.Pid, unix.SIGTERM) //nolint:errcheck // exit is collected by wait
			}
			err = m.wait(ctx, cmd)
		}

		if r.stopping() || ctx.Err() != nil {
			m.setState(StatusStopped, nil)
			m.logger.Info("process stopped", "name", m.cfg.Name)
			if m.cfg.OnStop != nil {
				m.cfg.OnStop(nil)
			}
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		ran := time.Since(began)
		m.logger.Warn("process exited unexpectedly", "name", m.cfg.Name, "error", err, "uptime", ran)
		m.setState(StatusFailed, err)
		if m.cfg.OnStop != nil {
			m.cfg.OnStop(err)
		}
		if !m.cfg.RestartOnFailure {
			return
		}

		attempt, ok := m.nextAttempt(ran)
		if !ok {
			m.logger.Error("max restart attempts reached", "name", m.cfg.Name, "attempts", attempt-1)
			return
		}
		delay := m.backoff(attempt)
		m.setState(StatusBackoff, nil)
		m.logger.Info("restarting process", "name", m.cfg.Name, "attempt", attempt, "delay", delay)
		if m.cfg.OnRestart != nil {
			m.cfg.OnRestart(attempt)
		}

		if !r.sleep(ctx, delay) {
			cmd, err = nil, nil
			continue
		}
		cmd, err = m.spawn(ctx)
	}
}

// nextAttempt counts a restart. A run longer than StableThreshold starts
// the count over.
func (m *Manager) nextAttempt(ran time.Duration) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ran >= m.cfg.StableThreshold {
		m.restarts = 0
	}
	m.restarts++
	return m.restarts, m.cfg.MaxRestartAttempts <= 0 || m.restarts <= m.cfg.MaxRestartAttempts
}

// backoff is RestartDelay doubled per attempt after the first, capped at
// MaxRestartDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), maxBackoffShift)
	d := m.cfg.RestartDelay << shift
	if d <= 0 || d > m.cfg.MaxRestartDelay {
		return m.cfg.MaxRestartDelay
	}
	return d
}

func (m *Manager) setState(status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	if err != nil {
		m.lastErr = err
	}
}

// wait collects the child's exit while the watchdog probes it.
func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if m.cfg.HealthCheckFunc == nil {
		return <-exited
	}

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	var wd watchdog
	for {
		select {
		case err := <-exited:
			return err

		case <-ctx.Done():
			// CommandContext kills the child.
			<-exited
			return ctx.Err()

		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.cfg.HealthCheckFunc(probeCtx)
			cancel()

			before := wd.failures
			kill := wd.observe(err)
			switch {
			case err == nil:
				if before > 0 {
					m.logger.Info("health check recovered", "name", m.cfg.Name, "previous_failures", before)
				}
				continue
			case !IsRecoverable(err):
				m.logger.Error("health check failed, restart would not help", "name", m.cfg.Name, "error", err)
				continue
			case !kill:
				m.logger.Warn("health check failed", "name", m.cfg.Name, "error", err, "consecutive_failures", wd.failures)
				continue
			}

			m.logger.Error("process unresponsive, killing", "name", m.cfg.Name, "failures", wd.failures)
			cmd.Process.Kill() //nolint:errcheck // exit is collected below
			select {
			case <-exited:
				return fmt.Errorf("killed after %d failed health checks: %w", wd.failures, err)
			case <-time.After(killWaitTimeout):
				return fmt.Errorf("process did not exit after kill: %w", err)
			}
		}
	}
}

// watchdog counts consecutive recoverable probe failures.
type watchdog struct {
	failures int
}

// observe records one probe result and reports whether the child should
// be killed.
func (w *watchdog) observe(err error) bool {
	switch {
	case err == nil:
		w.failures = 0
		return false
	case !IsRecoverable(err):
		return false
	default:
		w.failures++
		return w.failures >= maxHealthFailures
	}
}

// Stop sends SIGTERM to the child's process group, then SIGKILL after
// GracefulTimeout, and waits for supervision to end. It is a no-op when
// nothing is supervised.
func (m *Manager) Stop() error {
	m.mu.RLock()
	r, cmd, status := m.run, m.cmd, m.status
	m.mu.RUnlock()

	if r == nil || !r.active() {
		return nil
	}
	r.requestStop()

	if status != StatusRunning || cmd == nil || cmd.Process == nil {
		<-r.done
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.cfg.Name, "pid", pid)
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed", "name", m.cfg.Name, "error", err)
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(m.cfg.GracefulTimeout):
		m.logger.Warn("graceful shutdown timed out, sending SIGKILL", "name", m.cfg.Name, "timeout", m.cfg.GracefulTimeout)
	}

	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", m.cfg.Name, err)
	}
	<-r.done
	return nil
}

// signalGroup signals the process group led by pid. A group that is
// already gone is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// lineLogger turns child output into one debug record per line. Lines
// longer than maxOutputLineBytes are split.
type lineLogger struct {
	logger Logger
	name   string
	stream string
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxOutputLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Debug("process output", "name", w.name, "stream", w.stream, "line", string(line))
}
