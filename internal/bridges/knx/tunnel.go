package knx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for tunnel communication.
const (
	// defaultConnectTimeout is the maximum time to wait for a CONNECT_RESPONSE.
	defaultConnectTimeout = 10 * time.Second

	// defaultAckTimeout is how long a TUNNELING_REQUEST waits for its ack
	// before it is repeated once.
	defaultAckTimeout = time.Second

	// defaultHeartbeatInterval is the CONNECTIONSTATE_REQUEST period.
	defaultHeartbeatInterval = 60 * time.Second

	// defaultHeartbeatTimeout bounds the wait for a CONNECTIONSTATE_RESPONSE.
	defaultHeartbeatTimeout = 10 * time.Second

	// defaultHeartbeatRetries is the number of unanswered heartbeats
	// before the tunnel is considered lost.
	defaultHeartbeatRetries = 3

	// defaultDisconnectTimeout bounds the wait for a DISCONNECT_RESPONSE
	// during Close.
	defaultDisconnectTimeout = time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// reconnectErrorThreshold is the attempt after which failures are
	// logged at error level.
	reconnectErrorThreshold = 5

	// readBufferSize is the size of the datagram read buffer.
	readBufferSize = 512

	// ackQueueSize and controlQueueSize bound the hand-over channels
	// between the receive loop and senders.
	ackQueueSize     = 8
	controlQueueSize = 4

	// ackAttempts is the number of transmissions of one TUNNELING_REQUEST.
	ackAttempts = 2

	// callbackQueueSize is the buffer size for the telegram callback queue.
	callbackQueueSize = 100

	// callbackWorkerCount is the number of concurrent callback workers.
	callbackWorkerCount = 4
)

// TunnelState is the lifecycle state of a Tunnel.
type TunnelState int32

// Tunnel states.
const (
	StateIdle TunnelState = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns the lower-case state name.
func (s TunnelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TunnelConfig holds KNXnet/IP tunnel configuration.
type TunnelConfig struct {
	// Gateway is the gateway control endpoint ("192.168.1.10:3671").
	// When empty the gateway is discovered by multicast search.
	Gateway string

	// LocalAddress optionally binds the client socket ("0.0.0.0:0" style).
	// The IP defaults to the address routing to the gateway.
	LocalAddress string

	// NATMode sends 0.0.0.0:0 endpoints so the gateway answers to the
	// datagram source. Needed when the client sits behind NAT.
	NATMode bool

	// Discovery configures the search used when Gateway is empty.
	Discovery knxnet.DiscoveryConfig

	// ConnectTimeout is the maximum time to wait for a CONNECT_RESPONSE.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// AckTimeout is the per-transmission wait for a TUNNELING_ACK.
	// Default: 1 second.
	AckTimeout time.Duration

	// HeartbeatInterval is the CONNECTIONSTATE_REQUEST period.
	// Default: 60 seconds.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the wait for each CONNECTIONSTATE_RESPONSE.
	// Default: 10 seconds.
	HeartbeatTimeout time.Duration

	// HeartbeatRetries is the number of unanswered heartbeats tolerated.
	// Default: 3.
	HeartbeatRetries int

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// DisableReconnect leaves the tunnel disconnected after a loss
	// instead of reconnecting. Used by one-shot tools.
	DisableReconnect bool
}

func (c *TunnelConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.HeartbeatRetries <= 0 {
		c.HeartbeatRetries = defaultHeartbeatRetries
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
}

// TunnelStats holds operational statistics.
type TunnelStats struct {
	TelegramsTx      uint64
	TelegramsRx      uint64
	TelegramsDropped uint64 // Inbound frames dropped: malformed, out of order or queue full
	AckTimeouts      uint64
	ErrorsTotal      uint64
	ReconnectsTotal  uint64 // Successful reconnections
	LastActivity     time.Time
	State            TunnelState
	Connected        bool
	Reconnecting     bool
	Channel          byte
	Gateway          string
	TunnelAddress    string
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// FrameRecorder receives every datagram the tunnel sends or receives.
// Implementations must not retain datagram.
type FrameRecorder interface {
	RecordDatagram(src, dst *net.UDPAddr, datagram []byte)
}

// Connector interface for testability.
// This allows mocking the tunnel in bridge and API tests.
type Connector interface {
	Send(ctx context.Context, cmd Command) error
	SendFrame(ctx context.Context, frame []byte) error
	SetOnTelegram(callback func(Telegram))
	IsConnected() bool
	State() TunnelState
	Stats() TunnelStats
	Close() error
}

// Ensure Tunnel implements Connector.
var _ Connector = (*Tunnel)(nil)

// TunnelOption configures a Tunnel at construction.
type TunnelOption func(*Tunnel)

// WithLogger sets the tunnel logger.
func WithLogger(logger Logger) TunnelOption {
	return func(t *Tunnel) { t.logger = logger }
}

// WithFrameRecorder hands every datagram to r.
func WithFrameRecorder(r FrameRecorder) TunnelOption {
	return func(t *Tunnel) { t.recorder = r }
}

// tunnelSession is one established connection: socket, channel and the
// sequence counters that belong to it. A new session is created on every
// (re)connect.
type tunnelSession struct {
	conn    *net.UDPConn
	local   *net.UDPAddr
	hpai    knxnet.HPAI
	control *net.UDPAddr
	data    *net.UDPAddr
	channel byte
	address IndividualAddress

	// sendSeq belongs to whoever holds Tunnel.sendSlot.
	sendSeq byte

	// recvSeq is the next expected inbound sequence; receive loop only.
	recvSeq byte

	acks     chan *knxnet.TunnelingAck
	controls chan knxnet.Message
	done     *closeOnce
}

func (s *tunnelSession) shutdown() {
	s.done.Close()
	s.conn.Close()
}

func (s *tunnelSession) closed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Tunnel is a KNXnet/IP tunnelling client.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Sends are serialised: sequence allocation, transmission and the wait
//     for the ack happen while holding one send slot, so concurrent senders
//     receive distinct consecutive sequence numbers.
//   - A sender's context bounds both its wait for the slot and its wait
//     for the ack. An exchange whose caller gave up still runs to the end
//     in the background so the sequence numbers stay in step.
//   - Telegram callbacks are invoked by a bounded worker pool.
//
// Auto-Reconnection:
//   - When the tunnel is lost (gateway disconnect, heartbeat failure, ack
//     timeout) the tunnel reconnects with exponential backoff starting at
//     ReconnectInterval up to maxReconnectInterval (2min).
//   - While disconnected, senders fail fast with ErrNotConnected.
//   - Reconnection stops only when Close() is called.
type Tunnel struct {
	cfg TunnelConfig

	state atomic.Int32

	// Current session, nil while not connected
	sessMu    sync.RWMutex
	sess      *tunnelSession
	connectMu sync.Mutex

	// sendSlot (capacity 1) serialises allocate-seq, transmit, await-ack
	sendSlot chan struct{}

	reconnecting atomic.Bool

	// Telegram handler callback
	onTelegram func(Telegram)
	callbackMu sync.RWMutex

	// Callback worker pool (bounded goroutine spawning)
	callbackQueue chan Telegram
	workersOnce   sync.Once

	// Shutdown coordination (closeOnce prevents double-close panics)
	done   *closeOnce
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
	recorder FrameRecorder

	// Statistics (atomic for performance)
	telegramsTx      atomic.Uint64
	telegramsRx      atomic.Uint64
	telegramsDropped atomic.Uint64
	ackTimeouts      atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	lastActivity     atomic.Int64 // Unix timestamp
}

// NewTunnel creates an idle tunnel. Call Connect to open it.
func NewTunnel(cfg TunnelConfig, opts ...TunnelOption) *Tunnel {
	cfg.applyDefaults()
	t := &Tunnel{
		cfg:           cfg,
		done:          newCloseOnce(),
		sendSlot:      make(chan struct{}, 1),
		callbackQueue: make(chan Telegram, callbackQueueSize),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(int32(StateIdle))
	return t
}

// Connect discovers the gateway if none is configured, opens the
// tunnelling connection and starts the receive and heartbeat loops.
//
// Parameters:
//   - ctx: Context for cancellation of discovery and the connect handshake
//
// Returns:
//   - error: ErrDiscoveryFailed, ErrConnectionRejected (which also matches
//     ErrConnectionFailed) or ErrConnectionFailed
func (t *Tunnel) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.isClosed() {
		return fmt.Errorf("%w: tunnel closed", ErrConnectionFailed)
	}
	if t.current() != nil {
		return nil
	}

	t.workersOnce.Do(func() {
		for range callbackWorkerCount {
			t.wg.Add(1)
			go t.callbackWorker()
		}
	})

	sess, err := t.dial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		t.errorsTotal.Add(1)
		return err
	}
	if !t.install(sess) {
		return fmt.Errorf("%w: tunnel closed", ErrConnectionFailed)
	}
	return nil
}

// dial performs discovery (if needed) and the connect handshake.
func (t *Tunnel) dial(ctx context.Context) (*tunnelSession, error) {
	gateway, err := t.resolveGateway(ctx)
	if err != nil {
		return nil, err
	}

	t.setState(StateConnecting)

	conn, local, err := t.listen(gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	sess := &tunnelSession{
		conn:     conn,
		local:    local,
		hpai:     knxnet.NewHPAI(local),
		control:  gateway,
		acks:     make(chan *knxnet.TunnelingAck, ackQueueSize),
		controls: make(chan knxnet.Message, controlQueueSize),
		done:     newCloseOnce(),
	}
	if t.cfg.NATMode {
		sess.hpai = knxnet.NewHPAI(nil)
	}

	if err := t.handshake(ctx, sess); err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (t *Tunnel) resolveGateway(ctx context.Context) (*net.UDPAddr, error) {
	if t.cfg.Gateway != "" {
		addr, err := net.ResolveUDPAddr("udp4", t.cfg.Gateway)
		if err != nil {
			return nil, fmt.Errorf("%w: gateway %q: %w", ErrConnectionFailed, t.cfg.Gateway, err)
		}
		return addr, nil
	}

	t.setState(StateDiscovering)
	dcfg := t.cfg.Discovery
	dcfg.FirstOnly = true

	gateways, err := knxnet.Discover(ctx, dcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	for _, gw := range gateways {
		if gw.Tunnelling() {
			t.logInfo("gateway discovered",
				"gateway", gw.Control.String(),
				"name", gw.Device.Name,
				"address", gw.Device.IndividualAddress())
			return gw.Control, nil
		}
	}
	return nil, fmt.Errorf("%w: no tunnelling gateway answered (%d responses)", ErrDiscoveryFailed, len(gateways))
}

// listen opens the client socket, bound to the local address that routes
// to the gateway unless one is configured.
func (t *Tunnel) listen(gateway *net.UDPAddr) (*net.UDPConn, *net.UDPAddr, error) {
	laddr := &net.UDPAddr{}
	if t.cfg.LocalAddress != "" {
		a, err := net.ResolveUDPAddr("udp4", t.cfg.LocalAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("local address %q: %w", t.cfg.LocalAddress, err)
		}
		laddr = a
	}
	if laddr.IP == nil || laddr.IP.IsUnspecified() {
		probe, err := net.DialUDP("udp4", nil, gateway)
		if err != nil {
			return nil, nil, fmt.Errorf("no route to %s: %w", gateway, err)
		}
		laddr.IP = probe.LocalAddr().(*net.UDPAddr).IP
		probe.Close()
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", laddr, err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr), nil
}

// handshake sends CONNECT_REQUEST and waits for the response on the
// session socket. The receive loop is not running yet.
func (t *Tunnel) handshake(ctx context.Context, sess *tunnelSession) error {
	deadline := time.Now().Add(t.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := sess.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrConnectionFailed, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = sess.conn.SetReadDeadline(time.Now()) })
	defer stop()

	req := &knxnet.ConnectRequest{Control: sess.hpai, Data: sess.hpai, Layer: knxnet.TunnelLinkLayer}
	if err := t.write(sess, sess.control, req); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := sess.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
			}
			if errIsTimeout(err) {
				return fmt.Errorf("%w: no CONNECT_RESPONSE from %s", ErrConnectionFailed, sess.control)
			}
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		t.record(src, sess.local, buf[:n])

		msg, err := knxnet.Decode(buf[:n])
		if err != nil {
			t.logDebug("ignoring datagram during connect", "from", src.String(), "error", err)
			continue
		}
		res, ok := msg.(*knxnet.ConnectResponse)
		if !ok {
			continue
		}
		if res.Status != knxnet.StatusNoError {
			return fmt.Errorf("%w: %w: %s", ErrConnectionFailed, ErrConnectionRejected, knxnet.StatusText(res.Status))
		}

		sess.channel = res.Channel
		sess.address = IndividualAddressFromBytes(res.Address[0], res.Address[1])
		sess.data = res.Data.UDPAddr()
		if res.Data.IsUnspecified() {
			sess.data = src
		}
		return sess.conn.SetReadDeadline(time.Time{})
	}
}

// install makes sess the current session and starts its loops.
// Returns false when the tunnel was closed meanwhile.
func (t *Tunnel) install(sess *tunnelSession) bool {
	t.sessMu.Lock()
	if t.isClosed() {
		t.sessMu.Unlock()
		sess.shutdown()
		return false
	}
	t.sess = sess
	t.wg.Add(2)
	t.sessMu.Unlock()

	t.setState(StateConnected)
	t.lastActivity.Store(time.Now().Unix())

	go t.receiveLoop(sess)
	go t.heartbeatLoop(sess)

	t.logInfo("tunnel connected",
		"gateway", sess.control.String(),
		"channel", sess.channel,
		"address", sess.address.String())
	return true
}

// current returns the installed session, or nil.
func (t *Tunnel) current() *tunnelSession {
	t.sessMu.RLock()
	defer t.sessMu.RUnlock()
	return t.sess
}

// retire removes sess if it is still current. Exactly one caller wins.
func (t *Tunnel) retire(sess *tunnelSession) bool {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	if sess == nil || t.sess != sess {
		return false
	}
	t.sess = nil
	return true
}

// sessionLost tears down sess and schedules a reconnect.
func (t *Tunnel) sessionLost(sess *tunnelSession, reason string, err error) {
	if !t.retire(sess) {
		return
	}

	t.setState(StateDisconnected)
	t.logWarn("tunnel lost", "reason", reason, "channel", sess.channel, "error", err)

	if !t.isClosed() && !t.cfg.DisableReconnect {
		t.wg.Add(1)
		go t.reconnectLoop()
	}
	sess.shutdown()
}

// receiveLoop reads datagrams until the session socket is closed.
func (t *Tunnel) receiveLoop(sess *tunnelSession) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := sess.conn.ReadFromUDP(buf)
		if err != nil {
			if sess.closed() || t.isClosed() {
				return
			}
			if errIsTimeout(err) {
				// A late handshake deadline; the session socket has none.
				_ = sess.conn.SetReadDeadline(time.Time{})
				continue
			}
			t.errorsTotal.Add(1)
			t.sessionLost(sess, "read failed", err)
			return
		}
		t.record(src, sess.local, buf[:n])

		msg, err := knxnet.Decode(buf[:n])
		if err != nil {
			t.telegramsDropped.Add(1)
			t.logDebug("dropping datagram", "from", src.String(), "error", err)
			continue
		}

		switch m := msg.(type) {
		case *knxnet.TunnelingAck:
			if m.Channel != sess.channel {
				continue
			}
			select {
			case sess.acks <- m:
			default:
			}
		case *knxnet.TunnelingRequest:
			t.handleTunnelingRequest(sess, m)
		case *knxnet.ConnectionStateResponse, *knxnet.DisconnectResponse:
			select {
			case sess.controls <- m:
			default:
			}
		case *knxnet.DisconnectRequest:
			if m.Channel != sess.channel {
				continue
			}
			_ = t.write(sess, sess.control, &knxnet.DisconnectResponse{Channel: m.Channel, Status: knxnet.StatusNoError})
			t.sessionLost(sess, "gateway disconnected", nil)
			return
		}
	}
}

// handleTunnelingRequest acks in-order and repeated frames, drops the rest
// and dispatches new group telegrams.
func (t *Tunnel) handleTunnelingRequest(sess *tunnelSession, req *knxnet.TunnelingRequest) {
	if req.Channel != sess.channel {
		return
	}

	switch req.Sequence {
	case sess.recvSeq:
		sess.recvSeq++
	case sess.recvSeq - 1:
		// Repeat of a frame whose ack was lost.
		t.ack(sess, req.Sequence)
		return
	default:
		t.telegramsDropped.Add(1)
		t.logDebug("dropping out-of-sequence frame", "sequence", req.Sequence, "expected", sess.recvSeq)
		return
	}
	t.ack(sess, req.Sequence)
	t.lastActivity.Store(time.Now().Unix())

	frame, err := ParseCEMI(req.Payload)
	if err != nil {
		t.telegramsDropped.Add(1)
		t.logDebug("dropping malformed cEMI frame", "error", err)
		return
	}
	if frame.MessageCode == MessageCodeLDataCon {
		if frame.ConfirmFailed() {
			t.errorsTotal.Add(1)
			t.logWarn("gateway reported failed transmission", "destination", frame.GroupDestination().String())
		}
		return
	}

	telegram, err := frame.Telegram()
	if err != nil {
		t.telegramsDropped.Add(1)
		t.logDebug("dropping frame", "error", err)
		return
	}
	t.telegramsRx.Add(1)
	t.dispatch(telegram)
}

func (t *Tunnel) ack(sess *tunnelSession, seq byte) {
	ack := &knxnet.TunnelingAck{Channel: sess.channel, Sequence: seq, Status: knxnet.StatusNoError}
	if err := t.write(sess, sess.data, ack); err != nil {
		t.errorsTotal.Add(1)
		t.logError("sending ack failed", err)
	}
}

// dispatch queues a telegram for the callback workers.
func (t *Tunnel) dispatch(telegram Telegram) {
	t.callbackMu.RLock()
	hasCallback := t.onTelegram != nil
	t.callbackMu.RUnlock()

	if !hasCallback {
		return
	}
	select {
	case t.callbackQueue <- telegram:
	default:
		// Queue full, drop telegram to prevent memory exhaustion
		t.logError("callback queue full, dropping telegram", nil)
		t.telegramsDropped.Add(1)
		t.errorsTotal.Add(1)
	}
}

// callbackWorker processes telegrams from the callback queue.
func (t *Tunnel) callbackWorker() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done.Done():
			t.drainCallbackQueue()
			return
		case telegram := <-t.callbackQueue:
			t.callbackMu.RLock()
			callback := t.onTelegram
			t.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							t.logError("telegram callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(telegram)
				}()
			}
		}
	}
}

// drainCallbackQueue discards queued telegrams during shutdown.
func (t *Tunnel) drainCallbackQueue() {
	for {
		select {
		case <-t.callbackQueue:
		default:
			return
		}
	}
}

// heartbeatLoop sends CONNECTIONSTATE_REQUESTs for the life of sess.
func (t *Tunnel) heartbeatLoop(sess *tunnelSession) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done.Done():
			return
		case <-t.done.Done():
			return
		case <-ticker.C:
		}

		if err := t.heartbeat(sess); err != nil {
			if sess.closed() || t.isClosed() {
				return
			}
			t.errorsTotal.Add(1)
			t.sessionLost(sess, "heartbeat failed", err)
			return
		}
	}
}

// heartbeat performs one connection state check with retries.
func (t *Tunnel) heartbeat(sess *tunnelSession) error {
	req := &knxnet.ConnectionStateRequest{Channel: sess.channel, Control: sess.hpai}

	for attempt := 1; attempt <= t.cfg.HeartbeatRetries; attempt++ {
		if err := t.write(sess, sess.control, req); err != nil {
			return err
		}

		timer := time.NewTimer(t.cfg.HeartbeatTimeout)
	wait:
		for {
			select {
			case <-sess.done.Done():
				timer.Stop()
				return ErrNotConnected
			case <-t.done.Done():
				timer.Stop()
				return ErrNotConnected
			case <-timer.C:
				t.logDebug("heartbeat unanswered", "attempt", attempt)
				break wait
			case msg := <-sess.controls:
				res, ok := msg.(*knxnet.ConnectionStateResponse)
				if !ok || res.Channel != sess.channel {
					continue
				}
				timer.Stop()
				if res.Status != knxnet.StatusNoError {
					return fmt.Errorf("%w: connection state %s", ErrConnectionFailed, knxnet.StatusText(res.Status))
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %d heartbeats unanswered", ErrTimeout, t.cfg.HeartbeatRetries)
}

// reconnectLoop re-establishes the tunnel with exponential backoff.
func (t *Tunnel) reconnectLoop() {
	defer t.wg.Done()

	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer t.reconnecting.Store(false)

	backoff := t.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		select {
		case <-t.done.Done():
			return
		case <-time.After(backoff):
		}

		t.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		t.connectMu.Lock()
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout+t.cfg.Discovery.Timeout)
		sess, err := t.dial(ctx)
		cancel()
		if err == nil {
			ok := t.install(sess)
			t.connectMu.Unlock()
			if ok {
				t.reconnectsTotal.Add(1)
				t.logInfo("reconnection successful", "total_reconnects", t.reconnectsTotal.Load())
			}
			return
		}
		t.connectMu.Unlock()

		t.setState(StateDisconnected)
		t.errorsTotal.Add(1)
		if attempt >= reconnectErrorThreshold {
			t.logError("reconnect failed", err)
		} else {
			t.logWarn("reconnect failed", "attempt", attempt, "error", err)
		}

		// Exponential backoff with cap
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}
}

// Send transmits cmd and waits for the gateway's acknowledgement.
//
// Parameters:
//   - ctx: Bounds the wait for the send slot and for the ack
//   - cmd: GroupValueWrite or GroupValueRead
//
// Returns:
//   - error: ErrNotConnected, ErrAckTimeout or ErrTimeout
func (t *Tunnel) Send(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrMalformedCommand)
	}
	return t.SendFrame(ctx, cmd.Frame())
}

// SendFrame transmits a prepared cEMI frame in a TUNNELING_REQUEST.
//
// The exchange (sequence allocation, transmission, wait for the ack) holds
// the send slot. An unanswered request is repeated once after AckTimeout;
// when the repeat is not acknowledged either, the tunnel is torn down and a
// reconnect scheduled. If ctx ends first SendFrame returns ErrTimeout while
// the exchange finishes on its own.
func (t *Tunnel) SendFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if t.current() == nil {
		return ErrNotConnected
	}

	select {
	case t.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting to send: %w", ErrTimeout, ctx.Err())
	}
	release := func() { <-t.sendSlot }

	// The session may have changed while waiting for the slot.
	sess := t.current()
	if sess == nil || sess.closed() {
		release()
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		release()
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	result := make(chan error, 1)
	go func() {
		defer release()
		result <- t.exchange(sess, frame)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for ack: %w", ErrTimeout, ctx.Err())
	}
}

// exchange sends frame with the session's next sequence number and waits
// for its ack, repeating once. The caller holds the send slot.
func (t *Tunnel) exchange(sess *tunnelSession, frame []byte) error {
	seq := sess.sendSeq
	req := &knxnet.TunnelingRequest{Channel: sess.channel, Sequence: seq, Payload: frame}

	// Discard acks left over from earlier timeouts.
	for len(sess.acks) > 0 {
		<-sess.acks
	}

	for attempt := 1; attempt <= ackAttempts; attempt++ {
		if err := t.write(sess, sess.data, req); err != nil {
			t.errorsTotal.Add(1)
			t.sessionLost(sess, "write failed", err)
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}

		acked, err := t.awaitAck(sess, seq)
		if err != nil {
			return err
		}
		if acked {
			sess.sendSeq++
			t.telegramsTx.Add(1)
			t.lastActivity.Store(time.Now().Unix())
			return nil
		}
		t.logDebug("tunnelling request not acknowledged", "sequence", seq, "attempt", attempt)
	}

	t.ackTimeouts.Add(1)
	t.errorsTotal.Add(1)
	t.sessionLost(sess, "tunnelling request not acknowledged", ErrAckTimeout)
	return fmt.Errorf("%w: channel %d sequence %d", ErrAckTimeout, sess.channel, seq)
}

// awaitAck waits up to AckTimeout for the ack of seq. It returns false on
// timeout.
func (t *Tunnel) awaitAck(sess *tunnelSession, seq byte) (bool, error) {
	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-sess.done.Done():
			return false, ErrNotConnected
		case <-timer.C:
			return false, nil
		case ack := <-sess.acks:
			if ack.Sequence != seq {
				continue
			}
			if ack.Status != knxnet.StatusNoError {
				t.errorsTotal.Add(1)
				return false, fmt.Errorf("%w: tunnelling ack %s", ErrConnectionFailed, knxnet.StatusText(ack.Status))
			}
			return true, nil
		}
	}
}

// write encodes msg and sends it to addr on the session socket.
func (t *Tunnel) write(sess *tunnelSession, addr *net.UDPAddr, msg knxnet.Message) error {
	datagram := knxnet.Encode(msg)
	t.record(sess.local, addr, datagram)
	if _, err := sess.conn.WriteToUDP(datagram, addr); err != nil {
		return fmt.Errorf("write %s: %w", msg.Service(), err)
	}
	return nil
}

func (t *Tunnel) record(src, dst *net.UDPAddr, datagram []byte) {
	if t.recorder != nil {
		t.recorder.RecordDatagram(src, dst, datagram)
	}
}

// Close gracefully closes the tunnel.
//
// It sends a DISCONNECT_REQUEST, waits briefly for the response, releases
// the socket and stops all goroutines. Safe to call multiple times.
//
// Returns:
//   - error: nil (closing is best-effort)
func (t *Tunnel) Close() error {
	t.done.Close()
	t.cancel()

	t.sessMu.Lock()
	sess := t.sess
	t.sess = nil
	t.sessMu.Unlock()

	if sess != nil {
		t.disconnect(sess)
		sess.shutdown()
	}
	t.setState(StateDisconnected)

	t.wg.Wait()

	if sess != nil {
		t.logInfo("tunnel closed", "channel", sess.channel)
	}
	return nil
}

// disconnect sends DISCONNECT_REQUEST and waits for the matching response.
func (t *Tunnel) disconnect(sess *tunnelSession) {
	req := &knxnet.DisconnectRequest{Channel: sess.channel, Control: sess.hpai}
	if err := t.write(sess, sess.control, req); err != nil {
		t.logDebug("disconnect request failed", "error", err)
		return
	}

	timer := time.NewTimer(defaultDisconnectTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			t.logDebug("no disconnect response", "channel", sess.channel)
			return
		case msg := <-sess.controls:
			if res, ok := msg.(*knxnet.DisconnectResponse); ok && res.Channel == sess.channel {
				return
			}
		}
	}
}

// isClosed returns true if the tunnel has been closed.
func (t *Tunnel) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

func (t *Tunnel) setState(s TunnelState) {
	t.state.Store(int32(s))
}

// SetOnTelegram sets the callback for received group telegrams.
//
// Panics in the callback are recovered and logged.
func (t *Tunnel) SetOnTelegram(callback func(Telegram)) {
	t.callbackMu.Lock()
	t.onTelegram = callback
	t.callbackMu.Unlock()
}

// SetLogger sets the logger for this tunnel.
func (t *Tunnel) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// State returns the current lifecycle state.
func (t *Tunnel) State() TunnelState {
	return TunnelState(t.state.Load())
}

// IsConnected returns true if a tunnelling connection is established.
func (t *Tunnel) IsConnected() bool {
	return t.State() == StateConnected && t.current() != nil
}

// Stats returns current operational statistics.
func (t *Tunnel) Stats() TunnelStats {
	stats := TunnelStats{
		TelegramsTx:      t.telegramsTx.Load(),
		TelegramsRx:      t.telegramsRx.Load(),
		TelegramsDropped: t.telegramsDropped.Load(),
		AckTimeouts:      t.ackTimeouts.Load(),
		ErrorsTotal:      t.errorsTotal.Load(),
		ReconnectsTotal:  t.reconnectsTotal.Load(),
		LastActivity:     time.Unix(t.lastActivity.Load(), 0),
		State:            t.State(),
		Connected:        t.IsConnected(),
		Reconnecting:     t.reconnecting.Load(),
		Gateway:          t.cfg.Gateway,
	}
	if sess := t.current(); sess != nil {
		stats.Channel = sess.channel
		stats.Gateway = sess.control.String()
		stats.TunnelAddress = sess.address.String()
	}
	return stats
}

// HealthCheck verifies the tunnel is connected.
//
// Note: This only checks connection state. The heartbeat loop performs
// the active check against the gateway.
func (t *Tunnel) HealthCheck(_ context.Context) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (t *Tunnel) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

func (t *Tunnel) logDebug(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (t *Tunnel) logInfo(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (t *Tunnel) logWarn(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (t *Tunnel) logError(msg string, err error) {
	if logger := t.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// errIsTimeout reports whether err is a network timeout.
func errIsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
