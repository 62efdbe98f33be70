package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type unfixable struct{ recoverable bool }

func (e *unfixable) Error() string       { return "probe failed" }
func (e *unfixable) IsRecoverable() bool { return e.recoverable }

type captureLogger struct {
	noopLogger
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Debug(_ string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "line" {
			l.lines = append(l.lines, fmt.Sprint(args[i+1]))
		}
	}
}

// waitDone fails the test if supervision has not ended within d.
func waitDone(t *testing.T, m *Manager, d time.Duration) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(d):
		t.Fatalf("supervision still active after %v (status %q)", d, m.Status())
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Status(); got != want {
		t.Fatalf("Status() = %q, want %q", got, want)
	}
}

// ─── Configuration ─────────────────────────────────────────────────

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero durations",
			in:   Config{Name: "knxd", Binary: "/usr/bin/knxd"},
			want: Config{
				Name: "knxd", Binary: "/usr/bin/knxd",
				RestartDelay: 5 * time.Second, MaxRestartDelay: 5 * time.Minute,
				StableThreshold: 2 * time.Minute, GracefulTimeout: 10 * time.Second,
				HealthCheckInterval: 30 * time.Second,
			},
		},
		{
			name: "explicit values kept",
			in: Config{
				RestartDelay: time.Second, MaxRestartDelay: time.Minute,
				StableThreshold: time.Hour, GracefulTimeout: 3 * time.Second,
				HealthCheckInterval: 7 * time.Second, MaxRestartAttempts: 20,
			},
			want: Config{
				RestartDelay: time.Second, MaxRestartDelay: time.Minute,
				StableThreshold: time.Hour, GracefulTimeout: 3 * time.Second,
				HealthCheckInterval: 7 * time.Second, MaxRestartAttempts: 20,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewManager(tt.in).cfg
			if got.RestartDelay != tt.want.RestartDelay ||
				got.MaxRestartDelay != tt.want.MaxRestartDelay ||
				got.StableThreshold != tt.want.StableThreshold ||
				got.GracefulTimeout != tt.want.GracefulTimeout ||
				got.HealthCheckInterval != tt.want.HealthCheckInterval ||
				got.MaxRestartAttempts != tt.want.MaxRestartAttempts {
				t.Errorf("cfg = %+v, want %+v", got, tt.want)
			}
		})
	}

	d := DefaultConfig("knxd", "/usr/bin/knxd", []string{"-D"})
	if !d.RestartOnFailure || d.MaxRestartAttempts != 10 || d.RestartDelay != 5*time.Second {
		t.Errorf("DefaultConfig() = %+v", d)
	}
}

func TestBackoff(t *testing.T) {
	m := NewManager(Config{RestartDelay: time.Second, MaxRestartDelay: 30 * time.Second})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := m.backoff(200); got != 30*time.Second {
		t.Errorf("backoff(200) = %v, want cap", got)
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"plain", context.DeadlineExceeded, true},
		{"recoverable", &unfixable{recoverable: true}, true},
		{"unrecoverable", &unfixable{}, false},
		{"wrapped unrecoverable", fmt.Errorf("layer 0: %w", &unfixable{}), false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("%s: IsRecoverable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWatchdog(t *testing.T) {
	fail := errors.New("no answer")
	var w watchdog

	steps := []struct {
		err      error
		wantKill bool
		wantN    int
	}{
		{fail, false, 1},
		{fail, false, 2},
		{nil, false, 0},
		{fail, false, 1},
		{&unfixable{}, false, 1},
		{fail, false, 2},
		{fail, true, 3},
	}
	for i, s := range steps {
		if kill := w.observe(s.err); kill != s.wantKill || w.failures != s.wantN {
			t.Fatalf("step %d: kill=%v failures=%d, want %v/%d", i, kill, w.failures, s.wantKill, s.wantN)
		}
	}
}

func TestLineLogger(t *testing.T) {
	logger := &captureLogger{}
	w := &lineLogger{logger: logger, name: "knxd", stream: "stderr"}

	for _, chunk := range []string{"Layer 0 ", "open\r\nsecond", " line\n\n", "tail"} {
		if n, err := w.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}

	want := []string{"Layer 0 open", "second line"}
	if len(logger.lines) != len(want) {
		t.Fatalf("lines = %q, want %q", logger.lines, want)
	}
	for i := range want {
		if logger.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, logger.lines[i], want[i])
		}
	}
	if string(w.buf) != "tail" {
		t.Errorf("buffered = %q, want tail", w.buf)
	}

	w.Write(make([]byte, maxOutputLineBytes)) //nolint:errcheck // never fails
	if len(w.buf) != 0 || len(logger.lines) != 3 {
		t.Errorf("oversized line not flushed: buf=%d lines=%d", len(w.buf), len(logger.lines))
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestManager_Idle(t *testing.T) {
	m := NewManager(Config{Name: "idle", Binary: "/bin/true"})
	m.SetLogger(nil)

	s := m.Stats()
	if s.Name != "idle" || s.Status != StatusStopped || s.PID != 0 || s.RestartCount != 0 || s.LastError != "" {
		t.Errorf("Stats() = %+v", s)
	}
	if m.IsRunning() || m.Uptime() != 0 || m.LastError() != nil {
		t.Error("idle manager reports activity")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() should be closed before Start()")
	}
}

func TestManager_StartStop(t *testing.T) {
	var started atomic.Bool
	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
		OnStart:         func() { started.Store(true) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !started.Load() || !m.IsRunning() || m.PID() == 0 {
		t.Fatalf("after Start: started=%v running=%v pid=%d", started.Load(), m.IsRunning(), m.PID())
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	waitDone(t, m, time.Second)
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestManager_StartMissingBinary(t *testing.T) {
	m := NewManager(Config{Name: "missing", Binary: "/nonexistent/binary"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded for a missing binary")
	}
	if m.Status() != StatusFailed || m.LastError() == nil {
		t.Errorf("Status() = %q, LastError() = %v", m.Status(), m.LastError())
	}
	waitDone(t, m, 100*time.Millisecond)
}

func TestManager_RestartBudget(t *testing.T) {
	var restarts, stops atomic.Int32
	m := NewManager(Config{
		Name:               "crasher",
		Binary:             "/bin/sh",
		Args:               []string{"-c", "echo failing >&2; exit 3"},
		RestartOnFailure:   true,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    20 * time.Millisecond,
		MaxRestartAttempts: 2,
		OnRestart:          func(int) { restarts.Add(1) },
		OnStop:             func(error) { stops.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, m, 5*time.Second)

	if restarts.Load() != 2 || stops.Load() != 3 {
		t.Errorf("restarts=%d stops=%d, want 2 and 3", restarts.Load(), stops.Load())
	}
	if m.Status() != StatusFailed || m.LastError() == nil {
		t.Errorf("Status() = %q, LastError() = %v", m.Status(), m.LastError())
	}
}

func TestManager_NoRestartWhenDisabled(t *testing.T) {
	m := NewManager(Config{Name: "once", Binary: "/bin/sh", Args: []string{"-c", "exit 1"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, m, 2*time.Second)
	if m.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", m.RestartCount())
	}
}

func TestManager_WatchdogKillsHungChild(t *testing.T) {
	var restarts atomic.Int32
	m := NewManager(Config{
		Name:                "hung",
		Binary:              "/bin/sleep",
		Args:                []string{"60"},
		RestartOnFailure:    true,
		RestartDelay:        10 * time.Millisecond,
		MaxRestartAttempts:  1,
		HealthCheckInterval: 20 * time.Millisecond,
		HealthCheckFunc:     func(context.Context) error { return errors.New("no answer") },
		OnRestart:           func(int) { restarts.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, m, 5*time.Second)
	if restarts.Load() != 1 {
		t.Errorf("restarts = %d, want 1", restarts.Load())
	}
}

func TestManager_WatchdogSparesUnrecoverable(t *testing.T) {
	var probes atomic.Int32
	m := NewManager(Config{
		Name:                "unplugged",
		Binary:              "/bin/sleep",
		Args:                []string{"60"},
		HealthCheckInterval: 10 * time.Millisecond,
		GracefulTimeout:     time.Second,
		HealthCheckFunc: func(context.Context) error {
			probes.Add(1)
			return &unfixable{}
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop() //nolint:errcheck // test cleanup

	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if probes.Load() < 5 {
		t.Fatalf("only %d probes ran", probes.Load())
	}
	if !m.IsRunning() {
		t.Error("child was killed for an unrecoverable failure")
	}
}

func TestManager_StopDuringBackoff(t *testing.T) {
	m := NewManager(Config{
		Name:             "slow-restart",
		Binary:           "/bin/sh",
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
		RestartDelay:     time.Minute,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitStatus(t, m, StatusBackoff)

	began := time.Now()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if time.Since(began) > time.Second {
		t.Errorf("Stop() took %v during backoff", time.Since(began))
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_ContextCancelStops(t *testing.T) {
	var stopErr atomic.Value
	m := NewManager(Config{
		Name:             "ctx",
		Binary:           "/bin/sleep",
		Args:             []string{"60"},
		RestartOnFailure: true,
		OnStop: func(err error) {
			if err != nil {
				stopErr.Store(err)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()

	waitDone(t, m, 2*time.Second)
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if v := stopErr.Load(); v != nil {
		t.Errorf("OnStop got %v for a cancelled context", v)
	}
}
