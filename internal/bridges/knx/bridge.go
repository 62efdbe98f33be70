package knx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/mqtt"
)

const (
	// commandTimeout covers one send including the ack wait and resend.
	commandTimeout = 5 * time.Second

	readAllTimeout        = 30 * time.Second
	defaultInterReadDelay = 50 * time.Millisecond
	defaultBridgeID       = "knxip"
)

const defaultQoS byte = 1

// MQTTClient is the broker surface the bridge uses. *mqtt.Client
// satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	IsConnected() bool
}

// TelegramRecorder sees every telegram for passive discovery.
// *GARecorder implements it.
type TelegramRecorder interface {
	RecordTelegram(t Telegram, dpt DPT, value any)
}

// ValueWriter stores decoded values as time series. *influxdb.Client
// implements it.
type ValueWriter interface {
	WriteGroupValue(ga, dpt string, value any, ts time.Time) bool
}

// BridgeOptions configures NewBridge. Tunnel and Catalog are required;
// everything else is optional.
type BridgeOptions struct {
	ID      string // instance name in health documents; default "knxip"
	Version string

	Tunnel  Connector
	Catalog *Catalog
	Builder *CommandBuilder // nil uses the default datatype registry
	Cache   *StatusCache    // nil creates a private cache

	// MQTTClient nil disables all broker traffic, including health.
	MQTTClient     MQTTClient
	Topics         mqtt.Topics
	QoS            byte          // 0 means 1
	HealthInterval time.Duration // 0 means 30s
	OnHealth       func(HealthMessage)

	// ReadInterval spaces the reads of ReadAll. 0 means 50ms.
	ReadInterval time.Duration
	PollOnStart  bool

	Recorder TelegramRecorder
	Values   ValueWriter
	Logger   Logger
}

// Bridge sits between the tunnel and its clients. It executes catalogue
// and ad-hoc commands, decodes inbound telegrams into the StatusCache and
// fans them out to MQTT, the recorder, the value writer and OnState
// listeners. Without an MQTT client the cache and the API still work.
//
// All methods are safe for concurrent use.
type Bridge struct {
	opts   BridgeOptions
	health *HealthReporter

	listenMu  sync.Mutex
	listeners atomic.Pointer[[]func(StateMessage)]

	sent   atomic.Uint64
	failed atomic.Uint64

	// life is cancelled by Stop and bounds every send.
	life     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logMu  sync.RWMutex
	logger Logger
}

// NewBridge validates opts and applies defaults. Nothing runs until
// Start.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	switch {
	case opts.Tunnel == nil:
		return nil, errors.New("tunnel is required")
	case opts.Catalog == nil:
		return nil, errors.New("catalog is required")
	}
	if opts.Builder == nil {
		opts.Builder = NewCommandBuilder(nil)
	}
	if opts.Cache == nil {
		opts.Cache = NewStatusCache()
	}
	if opts.QoS == 0 {
		opts.QoS = defaultQoS
	}
	if opts.ReadInterval <= 0 {
		opts.ReadInterval = defaultInterReadDelay
	}
	if opts.ID == "" {
		opts.ID = defaultBridgeID
	}

	b := &Bridge{opts: opts, logger: noopLogger{}}
	b.life, b.shutdown = context.WithCancel(context.Background())
	if opts.Logger != nil {
		b.logger = opts.Logger
	}

	if opts.MQTTClient != nil {
		b.health = NewHealthReporter(HealthReporterConfig{
			BridgeID:  opts.ID,
			Version:   opts.Version,
			Interval:  opts.HealthInterval,
			Publisher: opts.MQTTClient,
			Topic:     opts.Topics.Health(),
			QoS:       opts.QoS,
			Tunnel:    opts.Tunnel,
			Cache:     opts.Cache,
			OnReport:  opts.OnHealth,
		})
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// Start hooks the bridge onto the tunnel's telegram stream, subscribes to
// the command and request topics and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.opts.Tunnel.SetOnTelegram(b.handleTelegram)

	if b.opts.MQTTClient != nil {
		if err := b.startMQTT(ctx); err != nil {
			return err
		}
	}

	if b.opts.PollOnStart {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			n, err := b.ReadAll(b.life)
			if err != nil {
				b.log().Error("initial read-all interrupted", "reads_sent", n, "error", err)
				return
			}
			b.log().Info("initial read-all complete", "reads_sent", n)
		}()
	}

	b.log().Info("bridge started",
		"bridge_id", b.opts.ID,
		"commands", len(b.opts.Catalog.Names()),
		"poll_points", len(b.opts.Catalog.PollAddresses()))
	return nil
}

// Stop aborts in-flight commands, publishes the final health document and
// waits for background work. Safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.shutdown()
		if b.health != nil {
			b.health.Stop()
		}
		b.wg.Wait()
		b.log().Info("bridge stopped")
	})
}

// ─── Commands ──────────────────────────────────────────────────────

// Execute sends the named catalogue command and returns it, together with
// ErrUnknownCommand, ErrNotConnected, ErrAckTimeout or a send failure.
func (b *Bridge) Execute(ctx context.Context, name string) (Command, error) {
	cmd, ok := b.opts.Catalog.Command(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, b.send(ctx, cmd)
}

// ExecuteDefinition builds and sends an ad-hoc command.
func (b *Bridge) ExecuteDefinition(ctx context.Context, def Definition) (Command, error) {
	cmd, err := b.opts.Builder.Build(def)
	if err != nil {
		b.failed.Add(1)
		return nil, err
	}
	return cmd, b.send(ctx, cmd)
}

// Read sends a GroupValue_Read. The answer arrives later as a response
// telegram, through the cache and OnState.
func (b *Bridge) Read(ctx context.Context, ga GroupAddress) error {
	return b.send(ctx, GroupValueRead{Address: ga})
}

// send is bounded by commandTimeout, ctx and the bridge's own lifetime.
func (b *Bridge) send(ctx context.Context, cmd Command) error {
	sendCtx, cancel := context.WithTimeout(b.life, commandTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	if err := b.opts.Tunnel.Send(sendCtx, cmd); err != nil {
		b.failed.Add(1)
		return err
	}
	b.sent.Add(1)
	b.log().Debug("command sent", "command", cmd.String())
	return nil
}

// ReadAll reads every polled status point, one per read interval, and
// returns how many reads went out. A lost connection stops the sweep;
// other send errors skip the address.
func (b *Bridge) ReadAll(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, readAllTimeout)
	defer cancel()

	pace := time.NewTicker(b.opts.ReadInterval)
	defer pace.Stop()

	sent := 0
	for _, ga := range b.opts.Catalog.PollAddresses() {
		err := b.opts.Tunnel.Send(ctx, GroupValueRead{Address: ga})
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrNotConnected) || ctx.Err() != nil:
			return sent, err
		default:
			b.log().Warn("read request failed", "ga", ga.String(), "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-pace.C:
		}
	}
	return sent, nil
}

// ─── Inbound telegrams ─────────────────────────────────────────────

func (b *Bridge) handleTelegram(t Telegram) {
	point, dt, configured := b.opts.Catalog.StatusPoint(t.Destination)

	var (
		dpt   DPT
		value any
	)
	if configured {
		dpt = dt.ID()
		if !t.IsRead() {
			v, err := t.Decode(dt)
			if err != nil {
				b.log().Debug("undecodable telegram", "ga", t.Destination.String(), "dpt", dpt, "error", err)
				v = nil
			}
			value = v
		}
	}

	// The recorder sees reads too; everything below only concerns values.
	if b.opts.Recorder != nil {
		b.opts.Recorder.RecordTelegram(t, dpt, value)
	}
	if t.IsRead() {
		return
	}

	changed := b.opts.Cache.Update(StatusEntry{
		Address:   t.Destination,
		Name:      point.Name,
		DPT:       dpt,
		Value:     value,
		Raw:       t.Data,
		Source:    t.Source,
		UpdatedAt: t.Timestamp,
	})
	entry, _ := b.opts.Cache.Get(t.Destination)

	event := EventWrite
	if t.IsResponse() {
		event = EventResponse
	}
	msg := NewStateMessage(entry, event)
	for _, fn := range b.stateListeners() {
		fn(msg)
	}

	if !configured {
		return
	}
	if b.opts.Values != nil && value != nil {
		b.opts.Values.WriteGroupValue(t.Destination.String(), string(dpt), value, entry.UpdatedAt)
	}
	// A response is published even when unchanged so the requester sees it.
	if changed || event == EventResponse {
		b.publishState(t.Destination, msg)
	}
}

// OnState registers fn for every decoded write or response, changed or
// not. fn runs on the tunnel's callback worker and must not block.
func (b *Bridge) OnState(fn func(StateMessage)) {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()

	next := append(b.stateListeners(), fn)
	b.listeners.Store(&next)
}

func (b *Bridge) stateListeners() []func(StateMessage) {
	if p := b.listeners.Load(); p != nil {
		return (*p)[:len(*p):len(*p)]
	}
	return nil
}

// ─── Accessors ─────────────────────────────────────────────────────

func (b *Bridge) Catalog() *Catalog        { return b.opts.Catalog }
func (b *Bridge) Builder() *CommandBuilder { return b.opts.Builder }
func (b *Bridge) Cache() *StatusCache      { return b.opts.Cache }
func (b *Bridge) Tunnel() Connector        { return b.opts.Tunnel }

// SetLogger replaces the logger of the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	b.logMu.Lock()
	b.logger = logger
	b.logMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) log() Logger {
	b.logMu.RLock()
	defer b.logMu.RUnlock()
	return b.logger
}

// BridgeMetrics is the bridge's view for /api/v1/metrics.
type BridgeMetrics struct {
	Connected        bool        `json:"connected"`
	State            string      `json:"state"`
	Tunnel           TunnelStats `json:"-"`
	StatusPoints     int         `json:"status_points"`
	Commands         int         `json:"commands"`
	CommandsSent     uint64      `json:"commands_sent"`
	CommandsFailed   uint64      `json:"commands_failed"`
	MQTTConnected    bool        `json:"mqtt_connected"`
	MQTTConfigured   bool        `json:"mqtt_configured"`
	TelegramsRx      uint64      `json:"telegrams_rx"`
	TelegramsTx      uint64      `json:"telegrams_tx"`
	TelegramsDropped uint64      `json:"telegrams_dropped"`
}

func (b *Bridge) GetMetrics() BridgeMetrics {
	tun := b.opts.Tunnel
	ts := tun.Stats()
	broker := b.opts.MQTTClient
	return BridgeMetrics{
		Connected:        tun.IsConnected(),
		State:            tun.State().String(),
		Tunnel:           ts,
		StatusPoints:     b.opts.Cache.Len(),
		Commands:         len(b.opts.Catalog.Names()),
		CommandsSent:     b.sent.Load(),
		CommandsFailed:   b.failed.Load(),
		MQTTConfigured:   broker != nil,
		MQTTConnected:    broker != nil && broker.IsConnected(),
		TelegramsRx:      ts.TelegramsRx,
		TelegramsTx:      ts.TelegramsTx,
		TelegramsDropped: ts.TelegramsDropped,
	}
}
