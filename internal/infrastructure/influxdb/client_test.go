package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol written to /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu    sync.Mutex
	lines []string
	query []string
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			f.mu.Lock()
			f.query = append(f.query, r.URL.RawQuery)
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					f.lines = append(f.lines, line)
				}
			}
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeInflux) config() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           f.URL,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "knx",
		BatchSize:     10,
		FlushInterval: 60,
	}
}

// waitForLines polls until n lines arrived or the deadline passes.
func waitForLines(t *testing.T, f *fakeInflux, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if lines := f.written(); len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received %d lines, want %d", len(f.written()), n)
	return nil
}

// =============================================================================
// Points
// =============================================================================

func TestGroupValuePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		value  any
		want   string
		wantOK bool
	}{
		{"float", 21.5, "knx_value,dpt=9.001,ga=1/2/3 value=21.5 1700000000000000000", true},
		{"bool true", true, "knx_value,dpt=9.001,ga=1/2/3 value=1 1700000000000000000", true},
		{"bool false", false, "knx_value,dpt=9.001,ga=1/2/3 value=0 1700000000000000000", true},
		{"uint8", uint8(128), "knx_value,dpt=9.001,ga=1/2/3 value=128 1700000000000000000", true},
		{"int", -4, "knx_value,dpt=9.001,ga=1/2/3 value=-4 1700000000000000000", true},
		{"string", "hello", "", false},
		{"struct", struct{ Step int }{1}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := groupValuePoint("1/2/3", "9.001", tt.value, ts)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			got := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
			if got != tt.want {
				t.Errorf("line = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTunnelPoint(t *testing.T) {
	p := tunnelPoint(TunnelSample{
		Gateway:     "192.168.1.10:3671",
		Connected:   true,
		TelegramsTx: 5,
		TelegramsRx: 7,
		AckTimeouts: 1,
	}, time.Unix(1, 0))

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{"knx_tunnel,gateway=192.168.1.10:3671", "connected=true", "tx=5u", "rx=7u", "ack_timeouts=1u"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestClientOptionsDefaults(t *testing.T) {
	opts := clientOptions(config.InfluxDBConfig{BatchSize: -5, FlushInterval: 0})
	if opts.BatchSize() != defaultBatchSize {
		t.Errorf("BatchSize() = %d, want %d", opts.BatchSize(), defaultBatchSize)
	}
	if opts.FlushInterval() != 10000 {
		t.Errorf("FlushInterval() = %d ms, want 10000", opts.FlushInterval())
	}
	opts = clientOptions(config.InfluxDBConfig{BatchSize: 20, FlushInterval: 2})
	if opts.BatchSize() != 20 || opts.FlushInterval() != 2000 {
		t.Errorf("options = %d/%d, want 20/2000", opts.BatchSize(), opts.FlushInterval())
	}
}

// =============================================================================
// Connection
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: url, Org: "o", Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFakeInflux(t)
	client, err := Connect(f.config())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail for a cancelled context")
	}
}

// =============================================================================
// Writes
// =============================================================================

func TestWriteGroupValue(t *testing.T) {
	f := newFakeInflux(t)
	client, err := Connect(f.config())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ts := time.Unix(1700000000, 0)
	if !client.WriteGroupValue("1/2/3", "9.001", 21.5, ts) {
		t.Fatal("WriteGroupValue() = false for a float")
	}
	if client.WriteGroupValue("1/2/4", "3.007", "not numeric", ts) {
		t.Error("WriteGroupValue() = true for a string")
	}
	client.WriteTunnelSample(TunnelSample{Gateway: "gw", Connected: true}, ts)
	client.WritePoint("custom", map[string]string{"k": "v"}, map[string]interface{}{"n": 1.0}, ts)
	client.Flush()

	lines := waitForLines(t, f, 3)
	if !strings.HasPrefix(lines[0], "knx_value,dpt=9.001,ga=1/2/3 value=21.5") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "knx_tunnel,gateway=gw") || !strings.HasPrefix(lines[2], "custom,k=v") {
		t.Errorf("lines = %q", lines)
	}

	f.mu.Lock()
	query := f.query[0]
	f.mu.Unlock()
	if !strings.Contains(query, "bucket=knx") || !strings.Contains(query, "org=home") {
		t.Errorf("write query = %q", query)
	}
}

func TestWritesAfterClose(t *testing.T) {
	f := newFakeInflux(t)
	client, err := Connect(f.config())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	if client.WriteGroupValue("1/2/3", "9.001", 1.0, time.Now()) {
		t.Error("WriteGroupValue() = true after Close()")
	}
	client.Flush() // no-op
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrNotConnected", err)
	}
	if len(f.written()) != 0 {
		t.Errorf("lines written after close: %v", f.written())
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on empty client = %v", err)
	}
}
