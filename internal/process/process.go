package process

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the supervisor's view of the child.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusBackoff  Status = "backoff"
	StatusFailed   Status = "failed"
)

// ErrAlreadyRunning is returned by Start while a supervision is active.
var ErrAlreadyRunning = errors.New("process: already running")

const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultMaxRestartAttempts  = 10

	healthCheckTimeout = 5 * time.Second
	maxHealthFailures  = 3
	killWaitTimeout    = 5 * time.Second
	maxOutputLineBytes = 64 * 1024
	maxBackoffShift    = 16
)

// Config describes one supervised child.
type Config struct {
	Name    string
	Binary  string
	Args    []string
	Env     []string // appended to the parent environment
	WorkDir string

	// RestartOnFailure restarts the child after an unexpected exit,
	// waiting RestartDelay, doubling per attempt up to MaxRestartDelay.
	RestartOnFailure bool
	RestartDelay     time.Duration
	MaxRestartDelay  time.Duration

	// MaxRestartAttempts bounds consecutive restarts; 0 is unlimited. A run
	// lasting StableThreshold resets the count.
	MaxRestartAttempts int
	StableThreshold    time.Duration

	// GracefulTimeout is the grace between SIGTERM and SIGKILL in Stop.
	GracefulTimeout time.Duration

	// HealthCheckFunc probes the child every HealthCheckInterval. Three
	// recoverable failures in a row kill it; see RecoverableError.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	OnStart   func()
	OnStop    func(err error) // err is nil for a requested stop
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config that restarts on failure.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:               name,
		Binary:             binary,
		Args:               args,
		RestartOnFailure:   true,
		MaxRestartAttempts: defaultMaxRestartAttempts,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDuration(&c.RestartDelay, defaultRestartDelay)
	setDuration(&c.MaxRestartDelay, defaultMaxRestartDelay)
	setDuration(&c.StableThreshold, defaultStableThreshold)
	setDuration(&c.GracefulTimeout, defaultGracefulTimeout)
	setDuration(&c.HealthCheckInterval, defaultHealthCheckInterval)
	return c
}

// RecoverableError is a health check failure that knows whether a restart
// can fix it. A missing USB interface, for one, cannot.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a restart may fix err. Errors without an
// opinion count as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// Logger is the logging surface the supervisor needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Discard is a Logger that drops everything.
var Discard Logger = noopLogger{}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// run is one Start..Done supervision.
type run struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newRun() *run {
	return &run{stop: make(chan struct{}), done: make(chan struct{})}
}

func (r *run) requestStop() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *run) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// sleep waits d unless ctx ends or Stop is called first.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.stop:
		return false
	case <-timer.C:
		return true
	}
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Stats is a snapshot of the supervisor.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns a consistent snapshot of the supervisor.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Name: m.cfg.Name, Status: m.status, RestartCount: m.restarts}
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		s.PID = m.cmd.Process.Pid
		s.Uptime = time.Since(m.since)
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) IsRunning() bool { return m.Status() == StatusRunning }

// PID is the child's pid while running, else 0.
func (m *Manager) PID() int { return m.Stats().PID }

// Uptime is the age of the current run, else 0.
func (m *Manager) Uptime() time.Duration { return m.Stats().Uptime }

// RestartCount is the number of consecutive restarts.
func (m *Manager) RestartCount() int { return m.Stats().RestartCount }

// LastError is the error that ended the most recent run.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Done is closed when supervision ends: after Stop, on context
// cancellation or once the restart budget is spent. Before Start it is
// already closed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.run == nil {
		return closedDone
	}
	return m.run.done
}
