package knx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const upsertGroupAddress = `
INSERT INTO knx_group_addresses
	(group_address, dpt, last_value, first_seen, last_seen, message_count, has_read_response, last_read)
VALUES (?1, ?2, ?3, ?4, ?4, 1, ?5, ?6)
ON CONFLICT(group_address) DO UPDATE SET
	dpt               = COALESCE(excluded.dpt, dpt),
	last_value        = COALESCE(excluded.last_value, last_value),
	last_seen         = excluded.last_seen,
	message_count     = message_count + 1,
	has_read_response = MAX(has_read_response, excluded.has_read_response),
	last_read         = COALESCE(excluded.last_read, last_read)`

const upsertDevice = `
INSERT INTO knx_devices (individual_address, first_seen, last_seen, message_count)
VALUES (?1, ?2, ?2, 1)
ON CONFLICT(individual_address) DO UPDATE SET
	last_seen     = excluded.last_seen,
	message_count = message_count + 1`

// GARecorder keeps a table of every group address and source device seen
// on the bus. Operators use it to commission status points without an ETS
// export. Safe for concurrent use.
type GARecorder struct {
	db     *sql.DB
	logger Logger

	startMu sync.Mutex
	stmts   atomic.Pointer[recorderStmts]
}

type recorderStmts struct {
	group  *sql.Stmt
	device *sql.Stmt
}

func (s *recorderStmts) close() {
	s.group.Close()
	s.device.Close()
}

var _ TelegramRecorder = (*GARecorder)(nil)

// SeenGroupAddress is a recorded group address.
type SeenGroupAddress struct {
	GroupAddress    string     `json:"group_address"`
	DPT             string     `json:"dpt,omitempty"`
	LastValue       string     `json:"last_value,omitempty"` // JSON text
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	MessageCount    int64      `json:"message_count"`
	HasReadResponse bool       `json:"has_read_response"`
	LastResponse    *time.Time `json:"last_response,omitempty"`
}

// SeenDevice is a recorded source device.
type SeenDevice struct {
	IndividualAddress string    `json:"individual_address"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	MessageCount      int64     `json:"message_count"`
}

// NewGARecorder records into db, which must carry the knx_group_addresses
// and knx_devices tables.
func NewGARecorder(db *sql.DB) *GARecorder {
	return &GARecorder{db: db, logger: noopLogger{}}
}

func (r *GARecorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Start prepares the upserts. Telegrams recorded before Start, or after
// Stop, are ignored. Calling Start twice is harmless.
func (r *GARecorder) Start() error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.stmts.Load() != nil {
		return nil
	}

	group, err := r.db.Prepare(upsertGroupAddress)
	if err != nil {
		return fmt.Errorf("preparing group address upsert: %w", err)
	}
	device, err := r.db.Prepare(upsertDevice)
	if err != nil {
		group.Close()
		return fmt.Errorf("preparing device upsert: %w", err)
	}

	r.stmts.Store(&recorderStmts{group: group, device: device})
	r.logger.Info("bus recorder started")
	return nil
}

// Stop releases the prepared statements.
func (r *GARecorder) Stop() {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if s := r.stmts.Swap(nil); s != nil {
		s.close()
		r.logger.Info("bus recorder stopped")
	}
}

// RecordTelegram upserts the destination group address and, unless it is
// the unset 0.0.0 of a locally built frame, the source device.
//
// Parameters:
//   - t: Received telegram
//   - dpt: Datatype of the destination, empty when not in the catalogue
//   - value: Decoded value; nil keeps the previously recorded value
func (r *GARecorder) RecordTelegram(t Telegram, dpt DPT, value any) {
	s := r.stmts.Load()
	if s == nil {
		return
	}

	seen := t.Timestamp
	if seen.IsZero() {
		seen = time.Now()
	}
	at := seen.Unix()

	if t.Source != (IndividualAddress{}) {
		if _, err := s.device.Exec(t.Source.String(), at); err != nil {
			r.logger.Error("recording device", "device", t.Source.String(), "error", err)
		}
	}

	var (
		dptCol, valueCol sql.NullString
		readAt           sql.NullInt64
		responded        int
	)
	if dpt != "" {
		dptCol = sql.NullString{String: string(dpt), Valid: true}
	}
	if value != nil {
		if b, err := json.Marshal(jsonValue(value)); err == nil {
			valueCol = sql.NullString{String: string(b), Valid: true}
		}
	}
	if t.IsResponse() {
		responded = 1
		readAt = sql.NullInt64{Int64: at, Valid: true}
	}

	if _, err := s.group.Exec(t.Destination.String(), dptCol, valueCol, at, responded, readAt); err != nil {
		r.logger.Error("recording group address", "ga", t.Destination.String(), "error", err)
	}
}

// GroupAddresses lists recorded group addresses, most recent first.
func (r *GARecorder) GroupAddresses(ctx context.Context) ([]SeenGroupAddress, error) {
	return queryAll(ctx, r.db, `
		SELECT group_address, COALESCE(dpt, ''), COALESCE(last_value, ''),
		       first_seen, last_seen, message_count, has_read_response, last_read
		FROM knx_group_addresses
		ORDER BY last_seen DESC, group_address`,
		func(rows *sql.Rows) (SeenGroupAddress, error) {
			var (
				ga          SeenGroupAddress
				first, last int64
				responded   int
				readAt      sql.NullInt64
			)
			err := rows.Scan(&ga.GroupAddress, &ga.DPT, &ga.LastValue, &first, &last,
				&ga.MessageCount, &responded, &readAt)
			ga.FirstSeen, ga.LastSeen = unixUTC(first), unixUTC(last)
			ga.HasReadResponse = responded != 0
			if readAt.Valid {
				ts := unixUTC(readAt.Int64)
				ga.LastResponse = &ts
			}
			return ga, err
		})
}

// Devices lists recorded source devices, most recent first.
func (r *GARecorder) Devices(ctx context.Context) ([]SeenDevice, error) {
	return queryAll(ctx, r.db, `
		SELECT individual_address, first_seen, last_seen, message_count
		FROM knx_devices
		ORDER BY last_seen DESC, individual_address`,
		func(rows *sql.Rows) (SeenDevice, error) {
			var (
				d           SeenDevice
				first, last int64
			)
			err := rows.Scan(&d.IndividualAddress, &first, &last, &d.MessageCount)
			d.FirstSeen, d.LastSeen = unixUTC(first), unixUTC(last)
			return d, err
		})
}

func (r *GARecorder) GroupAddressCount(ctx context.Context) (int, error) {
	return r.count(ctx, "knx_group_addresses")
}

func (r *GARecorder) DeviceCount(ctx context.Context) (int, error) {
	return r.count(ctx, "knx_devices")
}

// count is only called with the two constant table names above.
func (r *GARecorder) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil { //nolint:gosec // constant table name
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func queryAll[T any](ctx context.Context, db *sql.DB, query string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying bus recorder: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, errors.Join(errors.New("scanning bus recorder row"), err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
