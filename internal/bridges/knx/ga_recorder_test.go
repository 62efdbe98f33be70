package knx

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-knxip/migrations"
)

var busTime = time.Unix(1_760_000_000, 0)

// newTestRecorder returns an unstarted recorder over a migrated in-memory
// registry.
func newTestRecorder(t *testing.T) *GARecorder {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating registry: %v", err)
	}
	return NewGARecorder(db.DB)
}

func startedRecorder(t *testing.T) *GARecorder {
	t.Helper()
	rec := newTestRecorder(t)
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(rec.Stop)
	return rec
}

func busTelegram(src, ga string, apci byte, data ...byte) Telegram {
	ia, _ := ParseIndividualAddress(src)
	dst, _ := ParseGroupAddress(ga)
	return Telegram{Source: ia, Destination: dst, APCI: apci, Data: data, Timestamp: busTime}
}

func counts(t *testing.T, rec *GARecorder) (addresses, devices int) {
	t.Helper()
	ctx := context.Background()
	var err error
	if addresses, err = rec.GroupAddressCount(ctx); err != nil {
		t.Fatalf("GroupAddressCount() error: %v", err)
	}
	if devices, err = rec.DeviceCount(ctx); err != nil {
		t.Fatalf("DeviceCount() error: %v", err)
	}
	return addresses, devices
}

func onlyAddress(t *testing.T, rec *GARecorder) SeenGroupAddress {
	t.Helper()
	rows, err := rec.GroupAddresses(context.Background())
	if err != nil {
		t.Fatalf("GroupAddresses() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("GroupAddresses() = %d rows, want 1", len(rows))
	}
	return rows[0]
}

func TestGARecorder_StartStopIdempotent(t *testing.T) {
	rec := newTestRecorder(t)
	for range 2 {
		if err := rec.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	}
	rec.Stop()
	rec.Stop()
}

func TestGARecorder_WriteThenRead(t *testing.T) {
	rec := startedRecorder(t)

	rec.RecordTelegram(busTelegram("1.1.5", "1/2/3", APCIWrite, 0x01), "1.001", true)
	if a, d := counts(t, rec); a != 1 || d != 1 {
		t.Fatalf("counts = %d addresses, %d devices; want 1, 1", a, d)
	}

	// A read carries no datatype or value; both must survive it.
	rec.RecordTelegram(busTelegram("1.1.5", "1/2/3", APCIRead), "", nil)

	got := onlyAddress(t, rec)
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
	if got.DPT != "1.001" || got.LastValue != "true" {
		t.Errorf("DPT, LastValue = %q, %q; want 1.001, true", got.DPT, got.LastValue)
	}
	if got.HasReadResponse || got.LastResponse != nil {
		t.Errorf("response flagged without one: %+v", got)
	}
}

func TestGARecorder_UnsetSourceIsNotADevice(t *testing.T) {
	rec := startedRecorder(t)

	rec.RecordTelegram(busTelegram("0.0.0", "1/2/3", APCIWrite, 0x00), "", nil)

	if a, d := counts(t, rec); a != 1 || d != 0 {
		t.Errorf("counts = %d addresses, %d devices; want 1, 0", a, d)
	}
}

func TestGARecorder_ResponseFlagSticks(t *testing.T) {
	rec := startedRecorder(t)

	rec.RecordTelegram(busTelegram("1.1.5", "3/0/7", APCIResponse, 0x0C, 0x1A), "9.001", 21.0)
	rec.RecordTelegram(busTelegram("1.1.5", "3/0/7", APCIWrite, 0x0C, 0x1B), "9.001", 21.1)

	got := onlyAddress(t, rec)
	if !got.HasReadResponse {
		t.Error("HasReadResponse cleared by a later write")
	}
	if got.LastResponse == nil || !got.LastResponse.Equal(busTime) {
		t.Errorf("LastResponse = %v, want %v", got.LastResponse, busTime)
	}
	if got.LastValue != "21.1" {
		t.Errorf("LastValue = %q, want 21.1", got.LastValue)
	}
}

func TestGARecorder_Devices(t *testing.T) {
	rec := startedRecorder(t)

	for _, tg := range []Telegram{
		busTelegram("1.1.5", "1/2/3", APCIWrite, 0x01),
		busTelegram("1.1.7", "1/2/3", APCIWrite, 0x00),
		busTelegram("1.1.5", "1/2/4", APCIWrite, 0x00),
	} {
		rec.RecordTelegram(tg, "", nil)
	}

	devices, err := rec.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	seen := map[string]int64{}
	for _, d := range devices {
		seen[d.IndividualAddress] = d.MessageCount
	}
	if len(seen) != 2 || seen["1.1.5"] != 2 || seen["1.1.7"] != 1 {
		t.Errorf("per-device counts = %v, want 1.1.5:2 1.1.7:1", seen)
	}
}

func TestGARecorder_IgnoresTelegramsWhenNotRunning(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testing.T, *GARecorder)
	}{
		{"never started", func(*testing.T, *GARecorder) {}},
		{"stopped", func(t *testing.T, rec *GARecorder) {
			if err := rec.Start(); err != nil {
				t.Fatal(err)
			}
			rec.Stop()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecorder(t)
			tt.setup(t, rec)

			rec.RecordTelegram(busTelegram("1.1.5", "1/2/3", APCIWrite, 0x01), "", nil)

			if a, _ := counts(t, rec); a != 0 {
				t.Errorf("GroupAddressCount() = %d, want 0", a)
			}
		})
	}
}
